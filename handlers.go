package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

func (h *proxyHandler) serveHealth(w http.ResponseWriter) {
	respondJSON(w, map[string]any{
		"ok":             true,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"accounts":       h.pool.count(),
		"cached_uploads": h.uploads.size(),
		"inflight":       atomic.LoadInt64(&h.inflight),
		"recent_errors":  h.recent.snapshot(),
	})
}

func (h *proxyHandler) serveAccounts(w http.ResponseWriter) {
	type row struct {
		ID          string    `json:"id"`
		Username    string    `json:"username,omitempty"`
		Status      string    `json:"status"`
		Failures    int       `json:"failures"`
		HasPassword bool      `json:"has_password"`
		ExpiresAt   time.Time `json:"expires_at,omitempty"`
		LastUsed    time.Time `json:"last_used,omitempty"`
		LastRefresh time.Time `json:"last_refresh,omitempty"`
	}
	now := time.Now()
	h.pool.mu.Lock()
	accounts := make([]*Account, len(h.pool.accounts))
	copy(accounts, h.pool.accounts)
	h.pool.mu.Unlock()

	out := make([]row, 0, len(accounts))
	for _, a := range accounts {
		status := a.status(now)
		a.mu.Lock()
		out = append(out, row{
			ID:          a.ID,
			Username:    a.Username,
			Status:      status,
			Failures:    a.Failures,
			HasPassword: a.Password != "",
			ExpiresAt:   a.ExpiresAt,
			LastUsed:    a.LastUsed,
			LastRefresh: a.LastRefresh,
		})
		a.mu.Unlock()
	}
	respondJSON(w, out)
}

// addAccount signs a new credential in and drops it into rotation. The body
// carries either username+password (the proxy performs the signin) or a
// ready-made token.
func (h *proxyHandler) addAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password,omitempty"`
		Token    string `json:"token,omitempty"`
		Cookie   string `json:"cookie,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	if req.Token == "" && req.Password == "" {
		http.Error(w, "either token or password is required", http.StatusBadRequest)
		return
	}
	if h.pool.get(req.Username) != nil {
		http.Error(w, "account already exists", http.StatusConflict)
		return
	}

	acc := &Account{
		ID:       req.Username,
		Username: req.Username,
		Password: req.Password,
		Token:    req.Token,
		Cookie:   req.Cookie,
		File:     filepath.Join(h.cfg.accountsDir, accountFileName(req.Username)),
	}
	if acc.Token == "" {
		res, err := h.client.signin(r.Context(), req.Username, req.Password)
		if err != nil {
			log.Printf("admin: signin %s failed: %v", req.Username, err)
			http.Error(w, fmt.Sprintf("signin failed: %v", err), http.StatusBadGateway)
			return
		}
		acc.Token = res.Token
		acc.Cookie = res.Cookie
		if res.ExpiresAt > 0 {
			acc.ExpiresAt = time.Unix(res.ExpiresAt, 0)
		}
		acc.LastRefresh = time.Now()
	}

	if err := saveAccount(acc); err != nil {
		log.Printf("admin: persist new account %s: %v", acc.ID, err)
		http.Error(w, "failed to persist account", http.StatusInternalServerError)
		return
	}
	h.pool.add(acc)
	log.Printf("admin: added account %s (%d in pool)", acc.ID, h.pool.count())
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]any{"id": acc.ID, "status": acc.status(time.Now())})
}

// accountFileName derives a filesystem-safe credential file name.
func accountFileName(username string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, username)
	return safe + ".json"
}

func (h *proxyHandler) setAccountDisabled(w http.ResponseWriter, id string, disabled bool) {
	if !h.pool.setDisabled(id, disabled) {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	verb := "enabled"
	if disabled {
		verb = "disabled"
	}
	log.Printf("admin: %s account %s", verb, id)
	respondJSON(w, map[string]any{"id": id, "disabled": disabled})
}

func (h *proxyHandler) reloadAccounts(w http.ResponseWriter) {
	log.Printf("reloading accounts from %s", h.cfg.accountsDir)
	accs, err := loadAccounts(h.cfg.accountsDir)
	if err != nil {
		log.Printf("load accounts: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.pool.replace(accs)
	if len(accs) == 0 {
		log.Printf("warning: loaded 0 accounts from %s", h.cfg.accountsDir)
	}
	respondJSON(w, map[string]any{"accounts": len(accs)})
}

// serveModels lists every advertised model id: each base model crossed with
// the capability suffixes. The base list is refreshed from upstream at most
// once an hour and served from the persisted catalog otherwise.
func (h *proxyHandler) serveModels(w http.ResponseWriter, r *http.Request) {
	h.maybeRefreshCatalog(r.Context())
	respondJSON(w, map[string]any{
		"object": "list",
		"data":   h.catalog.list(),
	})
}

func (h *proxyHandler) maybeRefreshCatalog(ctx context.Context) {
	h.modelsMu.Lock()
	if time.Since(h.lastModelRefresh) < time.Hour {
		h.modelsMu.Unlock()
		return
	}
	h.lastModelRefresh = time.Now()
	h.modelsMu.Unlock()

	acc, err := h.pool.acquire(nil)
	if err != nil {
		return
	}
	ids, err := h.client.fetchModels(ctx, acc)
	h.pool.release(acc, outcomeNeutral)
	if err != nil {
		log.Printf("model catalog refresh failed: %v", err)
		return
	}
	h.catalog.replace(ids)
	log.Printf("model catalog refreshed (%d base models)", len(ids))
}

// serveGeneration implements the images/videos generation endpoints by
// funneling the prompt through the same pipeline as a suffixed chat model.
func (h *proxyHandler) serveGeneration(w http.ResponseWriter, r *http.Request, suffix string) {
	atomic.AddInt64(&h.inflight, 1)
	defer atomic.AddInt64(&h.inflight, -1)

	reqID := randomID()
	var req struct {
		Model  string `json:"model,omitempty"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: %v", err)
		return
	}
	if req.Prompt == "" {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
		return
	}
	model := req.Model
	if model == "" {
		model = fallbackModel
	}
	if !strings.HasSuffix(model, suffix) {
		model += suffix
	}
	if suffix == "-draw" {
		h.metrics.incKind("image")
	} else {
		h.metrics.incKind("video")
	}

	prompt, _ := json.Marshal(req.Prompt)
	chatReq := &chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	ctx := r.Context()
	if h.cfg.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.requestTimeout)
		defer cancel()
	}
	url, err := h.generateAsset(ctx, reqID, chatReq)
	if err != nil {
		h.recent.add(reqID, "", err.Error())
		writePipelineError(w, err)
		return
	}
	respondJSON(w, map[string]any{
		"created": nowUnix(),
		"data":    []map[string]string{{"url": url}},
	})
}

// generateAsset runs the submit-and-poll generation flow and returns the
// asset URL. Submission failures rotate to the next account; once a task is
// accepted the request is committed to that account.
func (h *proxyHandler) generateAsset(ctx context.Context, reqID string, req *chatRequest) (string, error) {
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

		treq, err := h.translator.translate(ctx, acc, req)
		if err != nil {
			if errors.Is(err, errInvalidRequest) {
				h.pool.release(acc, outcomeNeutral)
				return "", err
			}
			if ctx.Err() != nil {
				h.pool.release(acc, outcomeNeutral)
				return "", ctx.Err()
			}
			h.pool.release(acc, outcomeFailure)
			lastErr = err
			continue
		}

		taskID, err := h.submitGeneration(ctx, reqID, acc, treq)
		if err != nil {
			if ctx.Err() != nil {
				h.pool.release(acc, outcomeNeutral)
				return "", ctx.Err()
			}
			h.releaseFailed(acc, err)
			lastErr = err
			continue
		}

		url, err := awaitTask(ctx, h.client, acc, reqID, taskID, planForCaps(treq.caps))
		if err != nil {
			if ctx.Err() != nil {
				h.pool.release(acc, outcomeNeutral)
				return "", ctx.Err()
			}
			h.releaseFailed(acc, err)
			return "", err
		}
		h.rememberAsset(url)
		h.pool.release(acc, outcomeSuccess)
		h.metrics.inc("ok", acc.ID)
		return url, nil
	}

	if lastErr == nil {
		lastErr = errNoAvailableAccount
	}
	return "", lastErr
}
