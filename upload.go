package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// uploader pushes raw media bytes to Qwen's OSS bucket using per-file STS
// credentials, consulting the upload cache first so identical content is
// only ever uploaded once.
type uploader struct {
	client   *qwenClient
	cache    *uploadCache
	metrics  *metrics // optional cache hit/miss accounting
	maxFetch int64    // cap on remote media bytes; over-limit input is rejected
	// httpc performs the raw OSS PUT and remote downloads; OSS hosts are
	// plain SDK-style endpoints, not fingerprint-gated.
	httpc *http.Client
}

func newUploader(client *qwenClient, cache *uploadCache, m *metrics) *uploader {
	return &uploader{
		client:   client,
		cache:    cache,
		metrics:  m,
		maxFetch: 20 << 20,
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (u *uploader) countCache(outcome string) {
	if u.metrics != nil {
		u.metrics.incUpload(outcome)
	}
}

// resolve turns one media reference from an inbound message into a URL the
// upstream accepts. Already-hosted CDN URLs pass through; data: URLs are
// decoded; anything else is downloaded. The resulting bytes are
// fingerprinted against the cache, and only cache misses hit the upload
// path. The upload completes before the fingerprint is stored, so a
// translated request never references an unfinished upload.
func (u *uploader) resolve(ctx context.Context, acc *Account, ref string) (string, error) {
	if strings.Contains(ref, "cdn.qwen.ai") {
		return ref, nil
	}

	// A plain URL may be a previously generated asset; check by URL
	// fingerprint before downloading it.
	if !strings.HasPrefix(ref, "data:") {
		if cached, ok := u.cache.lookup(fingerprintBytes([]byte(ref))); ok {
			u.countCache("hit")
			return cached, nil
		}
	}

	raw, err := u.fetch(ctx, ref)
	if err != nil {
		return "", err
	}

	fp := fingerprintBytes(raw)
	if cached, ok := u.cache.lookup(fp); ok {
		u.countCache("hit")
		return cached, nil
	}

	uploaded, err := u.upload(ctx, acc, raw)
	if err != nil {
		return "", err
	}
	u.cache.store(fp, uploaded)
	u.countCache("miss")
	return uploaded, nil
}

// fetch materializes the raw bytes behind a media reference.
func (u *uploader) fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "data:") {
		idx := strings.Index(ref, ",")
		if idx < 0 {
			return nil, invalidRequestf("malformed data url")
		}
		raw, err := base64.StdEncoding.DecodeString(ref[idx+1:])
		if err != nil {
			return nil, invalidRequestf("decode base64 media: %v", err)
		}
		return raw, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, invalidRequestf("media url %q: %v", ref, err)
	}
	resp, err := u.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download media: %v", errUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download media: %s", errUpstream, resp.Status)
	}
	// Read one byte past the cap so oversize bodies are rejected rather
	// than silently truncated, fingerprinted, and cached corrupt.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, u.maxFetch+1))
	if err != nil {
		return nil, fmt.Errorf("%w: download media: %v", errUpstream, err)
	}
	if int64(len(raw)) > u.maxFetch {
		return nil, invalidRequestf("media at %q exceeds %d byte limit", ref, u.maxFetch)
	}
	return raw, nil
}

// upload obtains an STS token and PUTs the bytes to OSS with a V4 signature.
func (u *uploader) upload(ctx context.Context, acc *Account, raw []byte) (string, error) {
	sts, err := u.client.getStsToken(ctx, acc, len(raw))
	if err != nil {
		return "", err
	}

	host := fmt.Sprintf("%s.%s.aliyuncs.com", sts.BucketName, sts.Region)
	endpoint := fmt.Sprintf("https://%s/%s", host, sts.FilePath)
	date := time.Now().UTC().Format("20060102T150405Z")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Oss-Content-Sha256", "UNSIGNED-PAYLOAD")
	req.Header.Set("X-Oss-Date", date)
	req.Header.Set("X-Oss-Security-Token", sts.SecurityToken)
	req.Header.Set("Authorization", ossAuthorization(sts, host, date))

	resp, err := u.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: oss put: %v", errUpstream, err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: oss put: %s", errUpstream, resp.Status)
	}
	log.Printf("uploaded %d bytes to oss as %s", len(raw), sts.FilePath)
	return sts.FileURL, nil
}

// ossAuthorization builds the OSS4-HMAC-SHA256 Authorization header for the
// signed PUT. Mirrors Aliyun's V4 scheme: canonical request -> string to
// sign -> nested HMAC key derivation.
func ossAuthorization(sts *stsToken, host, date string) string {
	dateStamp := date[:8]
	region := strings.TrimPrefix(sts.Region, "oss-")
	scope := fmt.Sprintf("%s/%s/oss/aliyun_v4_request", dateStamp, region)

	canonicalHeaders := strings.Join([]string{
		"content-type:image/jpeg",
		"host:" + host,
		"x-oss-content-sha256:UNSIGNED-PAYLOAD",
		"x-oss-date:" + date,
		"x-oss-security-token:" + sts.SecurityToken,
	}, "\n")
	signedHeaders := "content-type;host;x-oss-content-sha256;x-oss-date;x-oss-security-token"
	canonicalRequest := strings.Join([]string{
		http.MethodPut,
		"/" + sts.FilePath,
		"",
		canonicalHeaders,
		signedHeaders,
		"UNSIGNED-PAYLOAD",
	}, "\n")

	hashed := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		"OSS4-HMAC-SHA256",
		date,
		scope,
		hex.EncodeToString(hashed[:]),
	}, "\n")

	kDate := hmacSHA256([]byte("aliyun_v4"+sts.AccessKeySecret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, "oss")
	kSigning := hmacSHA256(kService, "aliyun_v4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("OSS4-HMAC-SHA256 Credential=%s/%s,Signature=%s", sts.AccessKeyID, scope, signature)
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
