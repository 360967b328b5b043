package main

import (
	"path/filepath"
	"testing"
)

func TestUploadCacheStoreLookup(t *testing.T) {
	c := openUploadCache(filepath.Join(t.TempDir(), "uploads.db"))
	defer c.Close()

	fp := fingerprintBytes([]byte("cat picture"))
	if _, ok := c.lookup(fp); ok {
		t.Fatalf("unexpected hit on empty cache")
	}
	c.store(fp, "https://cdn.qwen.ai/cat.jpg")
	url, ok := c.lookup(fp)
	if !ok || url != "https://cdn.qwen.ai/cat.jpg" {
		t.Fatalf("lookup = %q/%t", url, ok)
	}

	// Identical store is a no-op; size stays put.
	c.store(fp, "https://cdn.qwen.ai/cat.jpg")
	if c.size() != 1 {
		t.Fatalf("size = %d after duplicate store", c.size())
	}

	// A new URL for the same content overwrites.
	c.store(fp, "https://cdn.qwen.ai/cat-v2.jpg")
	if url, _ := c.lookup(fp); url != "https://cdn.qwen.ai/cat-v2.jpg" {
		t.Fatalf("overwrite failed, got %q", url)
	}
	if c.size() != 1 {
		t.Fatalf("size = %d after overwrite", c.size())
	}
}

func TestUploadCachePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads.db")
	fp := fingerprintBytes([]byte("persist me"))

	c := openUploadCache(path)
	c.store(fp, "https://cdn.qwen.ai/p.jpg")
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again := openUploadCache(path)
	defer again.Close()
	url, ok := again.lookup(fp)
	if !ok || url != "https://cdn.qwen.ai/p.jpg" {
		t.Fatalf("entry lost across reopen: %q/%t", url, ok)
	}
}

func TestUploadCacheDegradesWithoutPersistence(t *testing.T) {
	// A directory is not a valid database file; the cache must still work.
	c := openUploadCache(t.TempDir())
	defer c.Close()
	if c.db != nil {
		t.Fatalf("expected no db handle")
	}
	fp := fingerprintBytes([]byte("mem only"))
	c.store(fp, "https://cdn.qwen.ai/m.jpg")
	if _, ok := c.lookup(fp); !ok {
		t.Fatalf("memory-only store failed")
	}
}

func TestFingerprintBytesStable(t *testing.T) {
	a := fingerprintBytes([]byte("same"))
	b := fingerprintBytes([]byte("same"))
	other := fingerprintBytes([]byte("different"))
	if a != b {
		t.Fatalf("fingerprint not deterministic")
	}
	if a == other {
		t.Fatalf("distinct content collided")
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex, got %d chars", len(a))
	}
}
