package main

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// capabilitySet is the mode selection derived from the model-name suffix.
// It is computed once by parseModelName and carried through the pipeline so
// no other component inspects model strings.
type capabilitySet struct {
	Thinking bool
	Search   bool
	Draw     bool
	Video    bool
}

// modelSuffixes in the order they are advertised on /v1/models. Order also
// matters for parsing: combined suffixes are checked before their parts.
var modelSuffixes = []string{
	"-thinking-search",
	"-thinking",
	"-search",
	"-draw",
	"-video",
}

const fallbackModel = "qwen-max-latest"

// parseModelName splits a requested model id into the base upstream model and
// the capability flags encoded in its suffix. Unrecognized suffixes are left
// on the id and enable nothing.
func parseModelName(model string) (string, capabilitySet) {
	var caps capabilitySet
	for _, suffix := range modelSuffixes {
		if !strings.HasSuffix(model, suffix) {
			continue
		}
		switch suffix {
		case "-thinking-search":
			caps.Thinking, caps.Search = true, true
		case "-thinking":
			caps.Thinking = true
		case "-search":
			caps.Search = true
		case "-draw":
			caps.Draw = true
		case "-video":
			caps.Video = true
		}
		return strings.TrimSuffix(model, suffix), caps
	}
	return model, caps
}

// chatType is the upstream request-level mode for a capability set.
func (c capabilitySet) chatType() string {
	switch {
	case c.Draw:
		return "t2i"
	case c.Video:
		return "t2v"
	default:
		return "t2t"
	}
}

// messageChatType is the per-message mode; search rides on messages, not on
// the request envelope.
func (c capabilitySet) messageChatType() string {
	switch {
	case c.Draw:
		return "t2i"
	case c.Video:
		return "t2v"
	case c.Search:
		return "search"
	default:
		return "normal"
	}
}

func (c capabilitySet) generation() bool { return c.Draw || c.Video }

// defaultBaseModels seeds the catalog until a refresh from upstream succeeds.
var defaultBaseModels = []string{
	"qwen-max-latest",
	"qwen-plus-latest",
	"qwen-turbo",
	"qwen3-235b-a22b",
	"qwen3-coder-plus",
	"qwen2.5-omni-7b",
	"qvq-72b-preview",
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// modelCatalog holds the upstream base-model list, persisted to a JSON file
// so restarts do not depend on upstream availability.
type modelCatalog struct {
	mu   sync.RWMutex
	file string
	base []string
}

func newModelCatalog(file string) *modelCatalog {
	c := &modelCatalog{file: file, base: defaultBaseModels}
	if err := c.loadFromFile(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: load model catalog %s: %v (using defaults)", file, err)
	}
	return c
}

func (c *modelCatalog) loadFromFile() error {
	raw, err := os.ReadFile(c.file)
	if err != nil {
		return err
	}
	var stored struct {
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return err
	}
	if len(stored.Data) == 0 {
		return nil
	}
	c.mu.Lock()
	c.base = stored.Data
	c.mu.Unlock()
	return nil
}

func (c *modelCatalog) saveToFile() {
	c.mu.RLock()
	stored := struct {
		Data []string `json:"data"`
	}{Data: c.base}
	c.mu.RUnlock()
	if c.file == "" {
		return
	}
	_ = os.MkdirAll(filepath.Dir(c.file), 0o755)
	if err := atomicWriteJSON(c.file, stored); err != nil {
		log.Printf("warning: save model catalog: %v", err)
	}
}

// replace swaps the base list (used after an upstream refresh).
func (c *modelCatalog) replace(base []string) {
	if len(base) == 0 {
		return
	}
	c.mu.Lock()
	c.base = base
	c.mu.Unlock()
	c.saveToFile()
}

func (c *modelCatalog) knows(baseModel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.base {
		if id == baseModel {
			return true
		}
	}
	return false
}

// resolve maps a parsed base model onto one the upstream accepts, falling
// back to the default rather than forwarding an id it would reject.
func (c *modelCatalog) resolve(baseModel string) string {
	if c.knows(baseModel) {
		return baseModel
	}
	log.Printf("model %q not in catalog, falling back to %s", baseModel, fallbackModel)
	return fallbackModel
}

// list expands each base model with every capability suffix for /v1/models.
func (c *modelCatalog) list() []modelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now().Unix()
	out := make([]modelInfo, 0, len(c.base)*(len(modelSuffixes)+1))
	for _, id := range c.base {
		out = append(out, modelInfo{ID: id, Object: "model", Created: now, OwnedBy: "qwen"})
		for _, suffix := range modelSuffixes {
			out = append(out, modelInfo{ID: id + suffix, Object: "model", Created: now, OwnedBy: "qwen"})
		}
	}
	return out
}
