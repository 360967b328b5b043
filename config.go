package main

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFile represents the config.toml structure.
type ConfigFile struct {
	ListenAddr       string `toml:"listen_addr"`
	UpstreamBase     string `toml:"upstream_base"`
	AccountsDir      string `toml:"accounts_dir"`
	CachePath        string `toml:"cache_path"`
	ModelsPath       string `toml:"models_path"`
	APIKey           string `toml:"api_key"`
	AdminToken       string `toml:"admin_token"`
	MaxAttempts      int    `toml:"max_attempts"`
	FailureThreshold int    `toml:"failure_threshold"`
	CooldownSeconds  int    `toml:"cooldown_seconds"`
	ImageSize        string `toml:"image_size"`
	VideoSize        string `toml:"video_size"`
	ThinkingBudget   int    `toml:"thinking_budget"`
	Debug            bool   `toml:"debug"`
}

// loadConfigFile loads config.toml if it exists.
// Returns nil if the file doesn't exist.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt returns the config value with priority: env var > config file > default.
func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file > default.
func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}

// config is the resolved runtime configuration.
type config struct {
	listenAddr     string
	upstreamBase   string
	accountsDir    string
	cachePath      string
	modelsPath     string
	apiKey         string
	adminToken     string
	maxAttempts    int
	failThreshold  int
	cooldownBase   time.Duration
	imageSize      string
	videoSize      string
	thinkingBudget int
	flushInterval  time.Duration
	requestTimeout time.Duration // non-streaming requests (0 = no timeout)
	streamTimeout  time.Duration // idle timeout for SSE relays
	debug          bool
}

func buildConfig(path string) config {
	configFile, err := loadConfigFile(path)
	if err != nil {
		configFile = nil
	}
	var fileCfg ConfigFile
	if configFile != nil {
		fileCfg = *configFile
	}

	cfg := config{}
	cfg.listenAddr = getConfigString("PROXY_LISTEN_ADDR", fileCfg.ListenAddr, "127.0.0.1:8990")
	cfg.upstreamBase = getConfigString("UPSTREAM_QWEN_BASE", fileCfg.UpstreamBase, "https://chat.qwen.ai/api")
	cfg.accountsDir = getConfigString("ACCOUNTS_DIR", fileCfg.AccountsDir, "accounts")
	cfg.cachePath = getConfigString("PROXY_CACHE_PATH", fileCfg.CachePath, "./data/uploads.db")
	cfg.modelsPath = getConfigString("PROXY_MODELS_PATH", fileCfg.ModelsPath, "./data/models.json")
	cfg.apiKey = getConfigString("PROXY_API_KEY", fileCfg.APIKey, "")
	cfg.adminToken = getConfigString("PROXY_ADMIN_TOKEN", fileCfg.AdminToken, "")
	cfg.maxAttempts = getConfigInt("PROXY_MAX_ATTEMPTS", fileCfg.MaxAttempts, 2)
	cfg.failThreshold = getConfigInt("PROXY_FAILURE_THRESHOLD", fileCfg.FailureThreshold, 3)
	cfg.cooldownBase = time.Duration(getConfigInt("PROXY_COOLDOWN_SECONDS", fileCfg.CooldownSeconds, 60)) * time.Second
	cfg.imageSize = getConfigString("PROXY_IMAGE_SIZE", fileCfg.ImageSize, "1:1")
	cfg.videoSize = getConfigString("PROXY_VIDEO_SIZE", fileCfg.VideoSize, "1280x720")
	cfg.thinkingBudget = getConfigInt("PROXY_THINKING_BUDGET", fileCfg.ThinkingBudget, 38912)
	cfg.debug = getConfigBool("PROXY_DEBUG", fileCfg.Debug, false)

	cfg.flushInterval = 200 * time.Millisecond
	if v := os.Getenv("PROXY_FLUSH_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.flushInterval = time.Duration(ms) * time.Millisecond
		}
	}
	// Generation tasks poll for minutes; the non-streaming timeout covers them.
	cfg.requestTimeout = 15 * time.Minute
	if v := os.Getenv("PROXY_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.requestTimeout = time.Duration(n) * time.Second
		}
	}
	cfg.streamTimeout = 5 * time.Minute
	if v := os.Getenv("PROXY_STREAM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.streamTimeout = time.Duration(n) * time.Second
		}
	}
	return cfg
}
