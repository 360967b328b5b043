package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

type proxyHandler struct {
	cfg        config
	client     *qwenClient
	pool       *accountPool
	catalog    *modelCatalog
	uploads    *uploadCache
	translator *translator
	metrics    *metrics
	recent     *recentErrors
	inflight   int64
	startTime  time.Time

	// Rate limiting for model catalog refreshes
	modelsMu         sync.Mutex
	lastModelRefresh time.Time
}

func main() {
	configPath := flag.String("config", "config.toml", "path to config file")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg := buildConfig(*configPath)
	if *listenFlag != "" {
		cfg.listenAddr = *listenFlag
	}

	base, err := url.Parse(cfg.upstreamBase)
	if err != nil {
		log.Fatalf("invalid upstream base %q: %v", cfg.upstreamBase, err)
	}

	log.Printf("loading accounts from %s", cfg.accountsDir)
	accounts, err := loadAccounts(cfg.accountsDir)
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}
	if len(accounts) == 0 {
		log.Printf("warning: loaded 0 accounts from %s", cfg.accountsDir)
	}
	pool := newAccountPool(accounts, cfg.failThreshold, cfg.cooldownBase, cfg.debug)

	standard := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second, // TCP keepalives to prevent NAT/router timeouts
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0, // streaming relays manage their own idle timeout
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
	}
	_ = http2.ConfigureTransport(standard)
	transport := newHybridTransport(standard)

	uploads := openUploadCache(cfg.cachePath)
	defer uploads.Close()

	client := newQwenClient(base, transport)
	catalog := newModelCatalog(cfg.modelsPath)
	m := newMetrics()
	up := newUploader(client, uploads, m)

	h := &proxyHandler{
		cfg:        cfg,
		client:     client,
		pool:       pool,
		catalog:    catalog,
		uploads:    uploads,
		translator: newTranslator(catalog, up, cfg.imageSize, cfg.videoSize, cfg.thinkingBudget),
		metrics:    m,
		recent:     newRecentErrors(50),
		startTime:  time.Now(),
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute, // Keep connections alive for reuse
	}

	// Configure HTTP/2 with settings sized for long-running streams.
	http2Srv := &http2.Server{
		MaxConcurrentStreams:         250,
		IdleTimeout:                  5 * time.Minute,
		MaxUploadBufferPerConnection: 1 << 20,
		MaxUploadBufferPerStream:     1 << 20,
		MaxReadFrameSize:             1 << 20,
	}
	if err := http2.ConfigureServer(srv, http2Srv); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	log.Printf("qwen-pool proxy listening on %s (accounts=%d, upstream=%s, cached_uploads=%d)",
		cfg.listenAddr, pool.count(), cfg.upstreamBase, uploads.size())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
