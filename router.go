package main

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
)

// ServeHTTP routes incoming requests to the appropriate handler.
func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.debug {
		log.Printf("incoming %s %s from %s", r.Method, r.URL.Path, getClientIP(r))
	}

	switch r.URL.Path {
	case "/healthz":
		h.serveHealth(w)
		return
	case "/metrics":
		h.metrics.serve(w, r)
		return
	case "/admin/reload":
		if !h.adminAuthorized(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.reloadAccounts(w)
		return
	case "/admin/accounts":
		if !h.adminAuthorized(w, r) {
			return
		}
		switch r.Method {
		case http.MethodGet:
			h.serveAccounts(w)
		case http.MethodPost:
			h.addAccount(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	// Account enable/disable: /admin/accounts/:id/enable|disable
	if strings.HasPrefix(r.URL.Path, "/admin/accounts/") {
		if !h.adminAuthorized(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/admin/accounts/")
		if id, ok := strings.CutSuffix(rest, "/enable"); ok {
			h.setAccountDisabled(w, id, false)
			return
		}
		if id, ok := strings.CutSuffix(rest, "/disable"); ok {
			h.setAccountDisabled(w, id, true)
			return
		}
		http.NotFound(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/v1/") {
		if !h.clientAuthorized(r) {
			writeOpenAIError(w, http.StatusUnauthorized, "invalid_request_error", "missing or invalid API key")
			return
		}
		switch {
		case r.URL.Path == "/v1/chat/completions" && r.Method == http.MethodPost:
			h.serveChatCompletions(w, r)
		case r.URL.Path == "/v1/models" && r.Method == http.MethodGet:
			h.serveModels(w, r)
		case r.URL.Path == "/v1/images/generations" && r.Method == http.MethodPost:
			h.serveGeneration(w, r, "-draw")
		case r.URL.Path == "/v1/videos/generations" && r.Method == http.MethodPost:
			h.serveGeneration(w, r, "-video")
		default:
			http.NotFound(w, r)
		}
		return
	}

	http.NotFound(w, r)
}

// clientAuthorized checks the service API key on /v1/* routes. An empty
// configured key leaves the surface open (local deployments).
func (h *proxyHandler) clientAuthorized(r *http.Request) bool {
	if h.cfg.apiKey == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.apiKey)) == 1
}

func (h *proxyHandler) adminAuthorized(w http.ResponseWriter, r *http.Request) bool {
	if h.cfg.adminToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if ok && subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.adminToken)) == 1 {
		return true
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}
