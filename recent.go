package main

import (
	"sync"
	"time"
)

type recentError struct {
	At      time.Time `json:"at"`
	ReqID   string    `json:"req_id"`
	Account string    `json:"account,omitempty"`
	Message string    `json:"message"`
}

// recentErrors keeps the last N failures, newest first, for /healthz.
type recentErrors struct {
	mu   sync.Mutex
	max  int
	list []recentError
}

func newRecentErrors(max int) *recentErrors {
	return &recentErrors{max: max}
}

func (r *recentErrors) add(reqID, account, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := recentError{At: time.Now(), ReqID: reqID, Account: account, Message: msg}
	r.list = append([]recentError{entry}, r.list...)
	if len(r.list) > r.max {
		r.list = r.list[:r.max]
	}
}

func (r *recentErrors) snapshot() []recentError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recentError, len(r.list))
	copy(out, r.list)
	return out
}
