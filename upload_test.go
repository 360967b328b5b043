package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func testUploader(t *testing.T, qwen http.Handler) (*uploader, *uploadCache) {
	t.Helper()
	srv := httptest.NewServer(qwen)
	t.Cleanup(srv.Close)
	base, _ := url.Parse(srv.URL)
	cache := openUploadCache("")
	return newUploader(newQwenClient(base, http.DefaultTransport), cache, nil), cache
}

func TestResolveCDNPassthrough(t *testing.T) {
	u, _ := testUploader(t, http.NotFoundHandler())
	got, err := u.resolve(context.Background(), &Account{ID: "a"}, "https://cdn.qwen.ai/x.jpg")
	if err != nil || got != "https://cdn.qwen.ai/x.jpg" {
		t.Fatalf("got=%q err=%v", got, err)
	}
}

func TestResolveURLFingerprintHit(t *testing.T) {
	u, cache := testUploader(t, http.NotFoundHandler())
	ref := "https://example.com/previously-generated.png"
	cache.store(fingerprintBytes([]byte(ref)), "https://cdn.qwen.ai/hosted.png")

	got, err := u.resolve(context.Background(), &Account{ID: "a"}, ref)
	if err != nil || got != "https://cdn.qwen.ai/hosted.png" {
		t.Fatalf("got=%q err=%v", got, err)
	}
}

func TestResolveContentFingerprintHit(t *testing.T) {
	u, cache := testUploader(t, http.NotFoundHandler())
	raw := []byte("png bytes here")
	cache.store(fingerprintBytes(raw), "https://cdn.qwen.ai/dedup.png")

	ref := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)
	got, err := u.resolve(context.Background(), &Account{ID: "a"}, ref)
	if err != nil || got != "https://cdn.qwen.ai/dedup.png" {
		t.Fatalf("got=%q err=%v", got, err)
	}
}

func TestFetchDataURL(t *testing.T) {
	u, _ := testUploader(t, http.NotFoundHandler())
	raw, err := u.fetch(context.Background(), "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("hi")))
	if err != nil || string(raw) != "hi" {
		t.Fatalf("raw=%q err=%v", raw, err)
	}

	if _, err := u.fetch(context.Background(), "data:image/png"); !errors.Is(err, errInvalidRequest) {
		t.Fatalf("missing comma: %v", err)
	}
	if _, err := u.fetch(context.Background(), "data:image/png;base64,!!!"); !errors.Is(err, errInvalidRequest) {
		t.Fatalf("bad base64: %v", err)
	}
}

func TestFetchRemoteURL(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote bytes"))
	}))
	defer media.Close()

	u, _ := testUploader(t, http.NotFoundHandler())
	raw, err := u.fetch(context.Background(), media.URL+"/pic.jpg")
	if err != nil || string(raw) != "remote bytes" {
		t.Fatalf("raw=%q err=%v", raw, err)
	}
}

func TestFetchRemoteOversizeRejected(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 2048))
	}))
	defer media.Close()

	u, cache := testUploader(t, http.NotFoundHandler())
	u.maxFetch = 1024
	if _, err := u.fetch(context.Background(), media.URL); !errors.Is(err, errInvalidRequest) {
		t.Fatalf("oversize body must be rejected, got %v", err)
	}
	// Nothing truncated must ever reach the cache.
	if cache.size() != 0 {
		t.Fatalf("cache polluted: %d entries", cache.size())
	}
}

func TestFetchRemoteErrorIsUpstream(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer media.Close()

	u, _ := testUploader(t, http.NotFoundHandler())
	if _, err := u.fetch(context.Background(), media.URL); !errors.Is(err, errUpstream) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetStsTokenRejectsIncomplete(t *testing.T) {
	u, _ := testUploader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/files/getstsToken" {
			http.NotFound(w, r)
			return
		}
		respondJSON(w, map[string]any{"access_key_id": "AK"})
	}))
	if _, err := u.client.getStsToken(context.Background(), &Account{ID: "a"}, 10); !errors.Is(err, errUpstream) {
		t.Fatalf("err = %v", err)
	}
}

func TestOssAuthorizationShape(t *testing.T) {
	sts := &stsToken{
		AccessKeyID:     "STS.AK",
		AccessKeySecret: "secret",
		SecurityToken:   "session-token",
		Region:          "oss-ap-southeast-1",
		BucketName:      "qwen-files",
		FilePath:        "u/abc.jpg",
	}
	auth := ossAuthorization(sts, "qwen-files.oss-ap-southeast-1.aliyuncs.com", "20260826T120000Z")

	if !strings.HasPrefix(auth, "OSS4-HMAC-SHA256 Credential=STS.AK/20260826/ap-southeast-1/oss/aliyun_v4_request,Signature=") {
		t.Fatalf("auth = %q", auth)
	}
	sig := auth[strings.LastIndex(auth, "=")+1:]
	if len(sig) != 64 {
		t.Fatalf("signature not sha256 hex: %q", sig)
	}
	// Deterministic for fixed inputs.
	if again := ossAuthorization(sts, "qwen-files.oss-ap-southeast-1.aliyuncs.com", "20260826T120000Z"); again != auth {
		t.Fatalf("signature not deterministic")
	}
}
