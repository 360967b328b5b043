package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const bucketUploads = "uploads"

// uploadCacheEntry is the persisted value for one fingerprint.
type uploadCacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	URL         string    `json:"url"`
	StoredAt    time.Time `json:"stored_at"`
}

// uploadCache maps content fingerprints (sha256 of the raw bytes) to the
// upstream CDN URL a previous upload produced. Reads are served from an
// in-memory map so the hot path never touches disk or network; stores write
// through to bbolt so restarts keep the hit rate.
type uploadCache struct {
	mu      sync.RWMutex
	entries map[string]string
	db      *bbolt.DB // nil when persistence is unavailable
}

// openUploadCache opens (or creates) the cache database and loads all
// entries. A missing, locked, or corrupt database degrades to an empty
// in-memory cache rather than failing startup.
func openUploadCache(path string) *uploadCache {
	c := &uploadCache{entries: make(map[string]string)}
	if path == "" {
		return c
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.Printf("warning: open upload cache %s: %v (running without persistence)", path, err)
		return c
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(bucketUploads))
		return e
	}); err != nil {
		log.Printf("warning: init upload cache: %v (running without persistence)", err)
		db.Close()
		return c
	}
	c.db = db
	c.load()
	return c
}

// load replays the persisted entries into memory. Undecodable values are
// skipped, not fatal.
func (c *uploadCache) load() {
	if c.db == nil {
		return
	}
	loaded := 0
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketUploads)).ForEach(func(k, v []byte) error {
			var entry uploadCacheEntry
			if err := json.Unmarshal(v, &entry); err != nil || entry.URL == "" {
				return nil
			}
			c.entries[string(k)] = entry.URL
			loaded++
			return nil
		})
	})
	if err != nil {
		log.Printf("warning: load upload cache: %v (starting empty)", err)
		c.entries = make(map[string]string)
		return
	}
	if loaded > 0 {
		log.Printf("upload cache loaded %d entries", loaded)
	}
}

// lookup is a pure in-memory read.
func (c *uploadCache) lookup(fingerprint string) (string, bool) {
	c.mu.RLock()
	url, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	return url, ok
}

// store records fingerprint -> url. Re-storing the same pair is a no-op;
// a different URL for a known fingerprint overwrites (upstream URLs rotate).
func (c *uploadCache) store(fingerprint, url string) {
	if fingerprint == "" || url == "" {
		return
	}
	c.mu.Lock()
	if existing, ok := c.entries[fingerprint]; ok && existing == url {
		c.mu.Unlock()
		return
	}
	c.entries[fingerprint] = url
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	entry := uploadCacheEntry{Fingerprint: fingerprint, URL: url, StoredAt: time.Now()}
	val, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketUploads)).Put([]byte(fingerprint), val)
	}); err != nil {
		log.Printf("warning: persist upload cache entry: %v", err)
	}
}

func (c *uploadCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *uploadCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// fingerprintBytes is the cache key for a piece of content.
func fingerprintBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
