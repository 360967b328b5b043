package main

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// metrics is a few text-format counters, enough to watch the pool from curl.
type metrics struct {
	mu        sync.Mutex
	requests  map[string]int64            // status -> count
	accStatus map[string]map[string]int64 // account -> status -> count
	kinds     map[string]int64            // request kind (chat/image/video) -> count
	uploads   map[string]int64            // upload cache outcome (hit/miss) -> count
}

func newMetrics() *metrics {
	return &metrics{
		requests:  make(map[string]int64),
		accStatus: make(map[string]map[string]int64),
		kinds:     make(map[string]int64),
		uploads:   make(map[string]int64),
	}
}

func (m *metrics) inc(status string, account string) {
	m.mu.Lock()
	m.requests[status]++
	if account != "" {
		mp, ok := m.accStatus[account]
		if !ok {
			mp = make(map[string]int64)
			m.accStatus[account] = mp
		}
		mp[status]++
	}
	m.mu.Unlock()
}

func (m *metrics) incKind(kind string) {
	m.mu.Lock()
	m.kinds[kind]++
	m.mu.Unlock()
}

func (m *metrics) incUpload(outcome string) {
	m.mu.Lock()
	m.uploads[outcome]++
	m.mu.Unlock()
}

func sortedKeys[V any](mp map[string]V) []string {
	keys := make([]string, 0, len(mp))
	for k := range mp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *metrics) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sortedKeys(m.requests) {
		fmt.Fprintf(w, "qwenpool_requests_total{status=\"%s\"} %d\n", s, m.requests[s])
	}
	for _, k := range sortedKeys(m.kinds) {
		fmt.Fprintf(w, "qwenpool_requests_by_kind_total{kind=\"%s\"} %d\n", k, m.kinds[k])
	}
	for _, o := range sortedKeys(m.uploads) {
		fmt.Fprintf(w, "qwenpool_upload_cache_total{outcome=\"%s\"} %d\n", o, m.uploads[o])
	}
	for _, a := range sortedKeys(m.accStatus) {
		st := m.accStatus[a]
		for _, s := range sortedKeys(st) {
			fmt.Fprintf(w, "qwenpool_account_requests_total{account=\"%s\",status=\"%s\"} %d\n", a, s, st[s])
		}
	}
}
