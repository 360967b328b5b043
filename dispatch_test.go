package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestHandler(t *testing.T, upstream http.Handler, tokens ...string) *proxyHandler {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	base, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	accs := make([]*Account, 0, len(tokens))
	for i, tok := range tokens {
		id := fmt.Sprintf("acc%d", i+1)
		accs = append(accs, &Account{ID: id, Username: id, Token: tok, File: filepath.Join(dir, id+".json")})
	}

	client := newQwenClient(base, http.DefaultTransport)
	cache := openUploadCache("")
	catalog := newModelCatalog("")
	m := newMetrics()
	return &proxyHandler{
		cfg: config{
			maxAttempts:   2,
			streamTimeout: 5 * time.Second,
		},
		client:     client,
		pool:       newAccountPool(accs, 3, time.Minute, false),
		catalog:    catalog,
		uploads:    cache,
		translator: newTranslator(catalog, newUploader(client, cache, m), "", "", 0),
		metrics:    m,
		recent:     newRecentErrors(10),
		startTime:  time.Now(),
	}
}

func postChat(t *testing.T, h *proxyHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// chunksOf parses the data: lines of an OpenAI SSE response.
func chunksOf(t *testing.T, body string) ([]completionChunk, bool) {
	t.Helper()
	var chunks []completionChunk
	done := false
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			done = true
			continue
		}
		var c completionChunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, done
}

func sseUpstream(deltas ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: %s\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
}

func TestDispatchStreamingEndToEnd(t *testing.T) {
	h := newTestHandler(t, sseUpstream(
		deltaJSON("think", "hmm"),
		deltaJSON("answer", "hello "),
		deltaJSON("answer", "world"),
	), "tok1")

	rec := postChat(t, h, `{"model":"qwen-max-latest-thinking","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	chunks, done := chunksOf(t, rec.Body.String())
	if !done {
		t.Fatalf("missing [DONE]")
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Fatalf("first chunk must announce the role: %+v", chunks[0])
	}
	var content, reasoning string
	for _, c := range chunks {
		content += c.Choices[0].Delta.Content
		reasoning += c.Choices[0].Delta.ReasoningContent
	}
	if content != "hello world" || reasoning != "hmm" {
		t.Fatalf("content=%q reasoning=%q", content, reasoning)
	}
	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Fatalf("final chunk: %+v", last)
	}
	if chunks[0].Model != "qwen-max-latest-thinking" {
		t.Fatalf("model echo = %q", chunks[0].Model)
	}

	// Account came back healthy.
	if acc := h.pool.get("acc1"); acc.Failures != 0 {
		t.Fatalf("failures = %d", acc.Failures)
	}
}

func TestDispatchTruncatedUpstreamStream(t *testing.T) {
	h := newTestHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", deltaJSON("answer", "cut off"))
		// no [DONE]; connection just ends
	}), "tok1")

	rec := postChat(t, h, `{"model":"qwen-max-latest","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	chunks, done := chunksOf(t, rec.Body.String())
	if !done {
		t.Fatalf("stream must still terminate with [DONE]")
	}
	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "length" {
		t.Fatalf("expected length finish on truncation, got %+v", last)
	}
}

func TestDispatchMidStreamErrorMarksTruncation(t *testing.T) {
	h := newTestHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", deltaJSON("answer", "partial"))
		fmt.Fprint(w, "data: {not json\n\n")
	}), "tok1")

	rec := postChat(t, h, `{"model":"qwen-max-latest","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	chunks, done := chunksOf(t, rec.Body.String())
	if !done {
		t.Fatalf("stream must still terminate with [DONE]")
	}
	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "length" {
		t.Fatalf("interrupted relay must finish as length, got %+v", last)
	}
	if !strings.Contains(rec.Body.String(), ": upstream closed before completion") {
		t.Fatalf("missing interruption marker:\n%s", rec.Body.String())
	}
	if h.pool.get("acc1").Failures != 1 {
		t.Fatalf("interruption must count against the account, failures = %d", h.pool.get("acc1").Failures)
	}
}

func TestDispatchClientDisconnectIsNeutral(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hang until the caller gives up. The body must be drained first or
		// the server never starts the background read that notices the
		// disconnect and cancels r.Context().
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})
	h := newTestHandler(t, upstream, "tok1", "tok2")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"qwen-max-latest","messages":[{"role":"user","content":"hi"}]}`)).WithContext(ctx)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	h.ServeHTTP(httptest.NewRecorder(), req)

	for _, id := range []string{"acc1", "acc2"} {
		acc := h.pool.get(id)
		if acc.Failures != 0 || acc.Disabled {
			t.Fatalf("%s penalized for a client disconnect: failures=%d disabled=%t", id, acc.Failures, acc.Disabled)
		}
	}
}

func TestDispatchRetriesOnFreshAccount(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		sseUpstream(deltaJSON("answer", "recovered")).ServeHTTP(w, r)
	})
	h := newTestHandler(t, upstream, "bad", "good")

	rec := postChat(t, h, `{"model":"qwen-max-latest","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "recovered") {
		t.Fatalf("second account never served: %s", rec.Body.String())
	}
	if acc := h.pool.get("acc1"); acc.Failures != 1 {
		t.Fatalf("first account failures = %d", acc.Failures)
	}
}

func TestDispatchNoAccountsIs503(t *testing.T) {
	h := newTestHandler(t, sseUpstream())
	rec := postChat(t, h, `{"model":"qwen-max-latest","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope openAIError
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("body not an error envelope: %s", rec.Body.String())
	}
	if envelope.Error.Message == "" {
		t.Fatalf("empty error message")
	}
}

func TestDispatchAuthRejectedDisablesAccount(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	h := newTestHandler(t, upstream, "tok1", "tok2")

	rec := postChat(t, h, `{"model":"qwen-max-latest","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if !h.pool.get("acc1").Disabled || !h.pool.get("acc2").Disabled {
		t.Fatalf("rejected accounts must be disabled")
	}
}

func TestDispatchReloginWithPassword(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auths/signin":
			respondJSON(w, map[string]any{"token": "fresh"})
		case "/chat/completions":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			sseUpstream(deltaJSON("answer", "back in")).ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	h := newTestHandler(t, upstream, "stale")
	acc := h.pool.get("acc1")
	acc.Password = "hunter2"

	rec := postChat(t, h, `{"model":"qwen-max-latest","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "back in") {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	acc.mu.Lock()
	token, disabled := acc.Token, acc.Disabled
	acc.mu.Unlock()
	if token != "fresh" || disabled {
		t.Fatalf("token=%q disabled=%t", token, disabled)
	}
}

func TestDispatchNonStreaming(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var qreq qwenChatRequest
		if err := json.NewDecoder(r.Body).Decode(&qreq); err != nil || qreq.Stream {
			http.Error(w, "expected buffered request", http.StatusBadRequest)
			return
		}
		respondJSON(w, map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "deep", "phase": "think"}},
				{"message": map[string]any{"role": "assistant", "content": "buffered answer", "phase": "answer"}},
			},
		})
	})
	h := newTestHandler(t, upstream, "tok1")

	rec := postChat(t, h, `{"model":"qwen-max-latest-thinking","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var comp chatCompletion
	if err := json.Unmarshal(rec.Body.Bytes(), &comp); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	msg := comp.Choices[0].Message
	if msg.Content != "<think>deep</think>buffered answer" {
		t.Fatalf("content = %q", msg.Content)
	}
	if msg.ReasoningContent != "deep" {
		t.Fatalf("reasoning = %q", msg.ReasoningContent)
	}
	if comp.Choices[0].FinishReason != "stop" || comp.Object != "chat.completion" {
		t.Fatalf("completion envelope: %+v", comp)
	}
}

func TestDispatchRateLimitedIs429(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	h := newTestHandler(t, upstream, "tok1", "tok2")

	rec := postChat(t, h, `{"model":"qwen-max-latest","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var envelope openAIError
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("body not an error envelope: %s", rec.Body.String())
	}
	if envelope.Error.Type != "rate_limit_error" {
		t.Fatalf("error type = %q", envelope.Error.Type)
	}
	// Rate limits count toward the failure streak but never disable outright.
	if h.pool.get("acc1").Failures != 1 || h.pool.get("acc1").Disabled {
		t.Fatalf("acc1 state: %+v", h.pool.get("acc1"))
	}
}

func TestDispatchMalformedBodyIs400(t *testing.T) {
	h := newTestHandler(t, sseUpstream(), "tok1")
	rec := postChat(t, h, `{"model": `)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGenerationEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("generation poll runs on multi-second ticks")
	}
	polls := 0
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/chat/completions":
			respondJSON(w, map[string]any{
				"messages": []map[string]any{
					{"role": "assistant", "content": "", "extra": map[string]any{"wanx": map[string]any{"task_id": "task-1"}}},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/v1/tasks/status/"):
			polls++
			if polls < 2 {
				respondJSON(w, map[string]any{"task_status": "pending"})
				return
			}
			respondJSON(w, map[string]any{"task_status": "success", "content": "https://cdn.qwen.ai/gen.png"})
		default:
			http.NotFound(w, r)
		}
	})
	h := newTestHandler(t, upstream, "tok1")

	rec := postChat(t, h, `{"model":"qwen-max-latest-draw","messages":[{"role":"user","content":"a cat"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var comp chatCompletion
	if err := json.Unmarshal(rec.Body.Bytes(), &comp); err != nil {
		t.Fatal(err)
	}
	want := "![Generated Image](https://cdn.qwen.ai/gen.png)"
	if comp.Choices[0].Message.Content != want {
		t.Fatalf("content = %q", comp.Choices[0].Message.Content)
	}
	// Generated asset is remembered for later embeds.
	if _, ok := h.uploads.lookup(fingerprintBytes([]byte("https://cdn.qwen.ai/gen.png"))); !ok {
		t.Fatalf("asset URL not cached")
	}
}
