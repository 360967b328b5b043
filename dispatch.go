package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

const maxRequestBody = 32 << 20 // uploads arrive inline as data URLs

// serveChatCompletions implements POST /v1/chat/completions.
func (h *proxyHandler) serveChatCompletions(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.inflight, 1)
	defer atomic.AddInt64(&h.inflight, -1)

	reqID := randomID()
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.metrics.inc("invalid", "")
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: %v", err)
		return
	}
	_, caps := parseModelName(req.Model)
	h.metrics.incKind(requestKind(caps))
	if h.cfg.debug {
		log.Printf("[%s] chat model=%s stream=%t messages=%d", reqID, req.Model, req.Stream, len(req.Messages))
	}
	h.dispatch(w, r, reqID, &req)
}

func requestKind(caps capabilitySet) string {
	switch {
	case caps.Draw:
		return "image"
	case caps.Video:
		return "video"
	default:
		return "chat"
	}
}

// dispatch runs the request against the pool. An account that fails before
// anything was written to the client is excluded and the next one tried, up
// to maxAttempts; once the relay has started writing, the stream belongs to
// that account and failures surface in-band.
func (h *proxyHandler) dispatch(w http.ResponseWriter, r *http.Request, reqID string, req *chatRequest) {
	ctx := r.Context()
	if !req.Stream && h.cfg.requestTimeout > 0 {
		// Live streams have their own idle watchdog; everything buffered
		// (including generation polls) gets the hard deadline.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.requestTimeout)
		defer cancel()
	}
	exclude := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= h.cfg.maxAttempts; attempt++ {
		acc, err := h.pool.acquire(exclude)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		exclude[acc.ID] = true

		handled, err := h.tryAccount(ctx, w, reqID, acc, req)
		if handled {
			return
		}
		lastErr = err
		if errors.Is(err, errInvalidRequest) {
			break
		}
		log.Printf("[%s] account %s failed (attempt %d/%d): %v", reqID, acc.ID, attempt, h.cfg.maxAttempts, err)
	}

	if lastErr == nil {
		lastErr = errNoAvailableAccount
	}
	if errors.Is(lastErr, errNoAvailableAccount) {
		h.metrics.inc("no_account", "")
	} else {
		h.metrics.inc("error", "")
	}
	h.recent.add(reqID, "", lastErr.Error())
	writePipelineError(w, lastErr)
}

// tryAccount runs one full attempt on acc. handled=true means the dispatch
// loop must stop: a response (success or error) was written, or the client
// went away. Otherwise the returned error says why the next account should
// be tried. A canceled inbound context releases neutral everywhere; the
// disconnect says nothing about account health.
func (h *proxyHandler) tryAccount(ctx context.Context, w http.ResponseWriter, reqID string, acc *Account, req *chatRequest) (bool, error) {
	treq, err := h.translator.translate(ctx, acc, req)
	if err != nil {
		if errors.Is(err, errInvalidRequest) {
			h.pool.release(acc, outcomeNeutral)
			h.metrics.inc("invalid", acc.ID)
			writePipelineError(w, err)
			return true, err
		}
		if ctx.Err() != nil {
			h.pool.release(acc, outcomeNeutral)
			return true, nil
		}
		h.pool.release(acc, outcomeFailure)
		return false, err
	}

	if treq.caps.generation() {
		return h.runGeneration(ctx, w, reqID, acc, treq)
	}

	resp, err := h.callUpstream(ctx, reqID, acc, treq.upstream)
	if err != nil {
		if ctx.Err() != nil {
			h.pool.release(acc, outcomeNeutral)
			return true, nil
		}
		h.releaseFailed(acc, err)
		return false, err
	}

	if treq.stream {
		h.streamResponse(ctx, w, reqID, acc, treq, resp.Body)
		return true, nil
	}
	return h.bufferedResponse(ctx, w, reqID, acc, treq, resp.Body)
}

// callUpstream submits the chat call, attempting one in-place re-login when
// the account's session is rejected but a password is on file.
func (h *proxyHandler) callUpstream(ctx context.Context, reqID string, acc *Account, qreq *qwenChatRequest) (*http.Response, error) {
	resp, err := h.client.chat(ctx, acc, qreq)
	if err == nil || !errors.Is(err, errAuthRejected) {
		return resp, err
	}
	if !h.recoverAuth(ctx, reqID, acc) {
		return nil, err
	}
	return h.client.chat(ctx, acc, qreq)
}

// recoverAuth re-signs the account in with its stored password and persists
// the fresh session. Returns false when no password is on file or the
// signin itself is rejected.
func (h *proxyHandler) recoverAuth(ctx context.Context, reqID string, acc *Account) bool {
	acc.mu.Lock()
	username, password := acc.Username, acc.Password
	acc.mu.Unlock()
	if password == "" {
		return false
	}

	res, err := h.client.signin(ctx, username, password)
	if err != nil {
		log.Printf("[%s] re-login %s failed: %v", reqID, acc.ID, err)
		return false
	}
	acc.mu.Lock()
	acc.Token = res.Token
	if res.Cookie != "" {
		acc.Cookie = res.Cookie
	}
	if res.ExpiresAt > 0 {
		acc.ExpiresAt = time.Unix(res.ExpiresAt, 0)
	}
	acc.Failures = 0
	acc.CooldownUntil = time.Time{}
	acc.LastRefresh = time.Now()
	acc.mu.Unlock()
	if err := saveAccount(acc); err != nil {
		log.Printf("[%s] warning: persist refreshed session for %s: %v", reqID, acc.ID, err)
	}
	log.Printf("[%s] re-login %s succeeded", reqID, acc.ID)
	return true
}

// releaseFailed maps an upstream error onto the pool outcome it deserves.
func (h *proxyHandler) releaseFailed(acc *Account, err error) {
	switch {
	case errors.Is(err, errAuthRejected):
		h.pool.release(acc, outcomeAuthRejected)
		h.metrics.inc("auth_rejected", acc.ID)
	case errors.Is(err, errRateLimited):
		h.pool.release(acc, outcomeFailure)
		h.metrics.inc("rate_limited", acc.ID)
	default:
		h.pool.release(acc, outcomeFailure)
		h.metrics.inc("upstream_error", acc.ID)
	}
}

// streamResponse relays the live SSE stream to the client as OpenAI chunks.
func (h *proxyHandler) streamResponse(parent context.Context, w http.ResponseWriter, reqID string, acc *Account, treq *translatedRequest, body io.ReadCloser) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	reader := newIdleTimeoutReader(body, h.cfg.streamTimeout, cancel)
	defer reader.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fw := newFlushWriter(w, h.cfg.flushInterval)

	id := newCompletionID()
	writeChunk := func(c completionChunk) {
		buf, err := json.Marshal(c)
		if err != nil {
			return
		}
		fmt.Fprintf(fw, "data: %s\n\n", buf)
	}
	writeChunk(newChunk(id, treq.model, chunkDelta{Role: "assistant"}, nil))

	outcome := outcomeSuccess
	finish := "stop"
	for ev := range relayStream(ctx, reader, treq.caps) {
		switch ev.kind {
		case eventContentDelta:
			writeChunk(newChunk(id, treq.model, chunkDelta{Content: ev.text}, nil))
		case eventThinkingDelta:
			writeChunk(newChunk(id, treq.model, chunkDelta{ReasoningContent: ev.text}, nil))
		case eventSearchCitation:
			writeChunk(newChunk(id, treq.model, chunkDelta{Content: ev.text}, nil))
		case eventMediaURL:
			h.rememberAsset(ev.text)
			writeChunk(newChunk(id, treq.model, chunkDelta{Content: mediaMarkdown(ev)}, nil))
		case eventCompletionEnd:
			if ev.truncated {
				finish = "length"
			}
		case eventError:
			if parent.Err() != nil {
				outcome = outcomeNeutral
			} else {
				// The client must be able to tell the response was cut
				// short, so an interrupted relay finishes as "length".
				outcome = outcomeFailure
				finish = "length"
				h.recent.add(reqID, acc.ID, ev.err.Error())
				log.Printf("[%s] relay error on %s: %v", reqID, acc.ID, ev.err)
			}
		}
	}
	if parent.Err() != nil && outcome == outcomeSuccess {
		// Client went away mid-stream; says nothing about the account.
		outcome = outcomeNeutral
	}

	final := finish
	writeChunk(newChunk(id, treq.model, chunkDelta{}, &final))
	if finish == "length" {
		fmt.Fprint(fw, ": upstream closed before completion\n\n")
	}
	fmt.Fprint(fw, "data: [DONE]\n\n")

	h.pool.release(acc, outcome)
	h.metrics.inc(statusLabel(outcome), acc.ID)
}

// bufferedResponse handles a non-streaming client call: the upstream reply is
// parsed whole and returned as a single completion object.
func (h *proxyHandler) bufferedResponse(ctx context.Context, w http.ResponseWriter, reqID string, acc *Account, treq *translatedRequest, body io.ReadCloser) (bool, error) {
	defer body.Close()
	var parsed qwenChatResponse
	if err := json.NewDecoder(io.LimitReader(body, maxRequestBody)).Decode(&parsed); err != nil {
		if ctx.Err() != nil {
			h.pool.release(acc, outcomeNeutral)
			return true, nil
		}
		err = fmt.Errorf("%w: decode response: %v", errUpstream, err)
		h.releaseFailed(acc, err)
		return false, err
	}
	col := parseBufferedResponse(&parsed, treq.caps)
	h.pool.release(acc, outcomeSuccess)
	h.metrics.inc("ok", acc.ID)
	respondJSON(w, buildCompletion(treq.model, col, promptLength(treq.upstream)))
	return true, nil
}

// submitGeneration posts a draw/video request and returns the task id the
// upstream assigned.
func (h *proxyHandler) submitGeneration(ctx context.Context, reqID string, acc *Account, treq *translatedRequest) (string, error) {
	resp, err := h.callUpstream(ctx, reqID, acc, treq.upstream)
	if err != nil {
		return "", err
	}
	var parsed qwenChatResponse
	err = json.NewDecoder(io.LimitReader(resp.Body, maxRequestBody)).Decode(&parsed)
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("%w: decode generation response: %v", errUpstream, err)
	}
	taskID := parsed.taskID()
	if taskID == "" {
		return "", fmt.Errorf("%w: generation response carried no task id", errUpstream)
	}
	log.Printf("[%s] generation task %s submitted on %s", reqID, taskID, acc.ID)
	return taskID, nil
}

// runGeneration handles draw/video: buffered submit, task poll, then the
// asset URL is delivered as markdown in a synthesized completion. The
// submit may be retried on another account; once the task is accepted the
// request is committed to this one.
func (h *proxyHandler) runGeneration(ctx context.Context, w http.ResponseWriter, reqID string, acc *Account, treq *translatedRequest) (bool, error) {
	taskID, err := h.submitGeneration(ctx, reqID, acc, treq)
	if err != nil {
		if ctx.Err() != nil {
			h.pool.release(acc, outcomeNeutral)
			return true, nil
		}
		h.releaseFailed(acc, err)
		return false, err
	}

	url, err := awaitTask(ctx, h.client, acc, reqID, taskID, planForCaps(treq.caps))
	if err != nil {
		if ctx.Err() != nil {
			h.pool.release(acc, outcomeNeutral)
			return true, nil
		}
		h.releaseFailed(acc, err)
		h.recent.add(reqID, acc.ID, err.Error())
		writePipelineError(w, err)
		return true, err
	}
	h.rememberAsset(url)
	h.pool.release(acc, outcomeSuccess)
	h.metrics.inc("ok", acc.ID)

	mediaKind := "image"
	if treq.caps.Video {
		mediaKind = "video"
	}
	ev := relayEvent{kind: eventMediaURL, text: url, mediaKind: mediaKind}
	content := mediaMarkdown(ev)

	if treq.stream {
		h.writeSyntheticStream(w, treq.model, content)
		return true, nil
	}
	col := collected{content: content, mediaURLs: []string{url}}
	respondJSON(w, buildCompletion(treq.model, col, promptLength(treq.upstream)))
	return true, nil
}

// writeSyntheticStream replays a fully buffered result as a minimal SSE
// stream for clients that asked for streaming.
func (h *proxyHandler) writeSyntheticStream(w http.ResponseWriter, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fw := newFlushWriter(w, 0)

	id := newCompletionID()
	emit := func(c completionChunk) {
		buf, _ := json.Marshal(c)
		fmt.Fprintf(fw, "data: %s\n\n", buf)
	}
	emit(newChunk(id, model, chunkDelta{Role: "assistant"}, nil))
	emit(newChunk(id, model, chunkDelta{Content: content}, nil))
	finish := "stop"
	emit(newChunk(id, model, chunkDelta{}, &finish))
	fmt.Fprint(fw, "data: [DONE]\n\n")
}

// rememberAsset records a generated asset URL in the upload cache so a later
// request embedding the same URL skips the download-and-reupload round trip.
func (h *proxyHandler) rememberAsset(url string) {
	if url == "" {
		return
	}
	h.uploads.store(fingerprintBytes([]byte(url)), url)
}

func statusLabel(outcome releaseOutcome) string {
	switch outcome {
	case outcomeSuccess:
		return "ok"
	case outcomeNeutral:
		return "client_cancel"
	case outcomeAuthRejected:
		return "auth_rejected"
	default:
		return "upstream_error"
	}
}

// promptLength approximates prompt size in bytes; the upstream gives no
// token accounting, so usage mirrors content length the way the web client
// reports it.
func promptLength(req *qwenChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		switch c := m.Content.(type) {
		case string:
			total += len(c)
		case []qwenContentPart:
			for _, p := range c {
				total += len(p.Text)
			}
		}
	}
	return total
}
