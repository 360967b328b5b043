package main

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// idleTimeoutReader wraps an io.ReadCloser and returns an error if no data
// is received for longer than the configured idle timeout. This prevents
// zombie SSE connections where the upstream stops sending data but never
// closes the TCP connection.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	done    chan struct{}
	cancel  func() // cancel the request context
	closed  bool
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel func()) *idleTimeoutReader {
	r := &idleTimeoutReader{
		rc:      rc,
		timeout: timeout,
		timer:   time.NewTimer(timeout),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go r.watchdog()
	return r
}

func (r *idleTimeoutReader) watchdog() {
	select {
	case <-r.timer.C:
		// Idle timeout expired - cancel the request context which will
		// cause the Read to return with a context error.
		r.cancel()
	case <-r.done:
		r.timer.Stop()
	}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		// Got data - reset the idle timer
		r.timer.Reset(r.timeout)
	}
	if err != nil {
		if err.Error() == "context canceled" || err.Error() == "context deadline exceeded" {
			// Check if our timer fired (as opposed to a client disconnect)
			select {
			case <-r.timer.C:
				return n, fmt.Errorf("stream idle for %v, closing", r.timeout)
			default:
			}
		}
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	if !r.closed {
		r.closed = true
		close(r.done)
		r.timer.Stop()
	}
	return r.rc.Close()
}

type flushWriter struct {
	w             http.ResponseWriter
	f             http.Flusher
	flushInterval time.Duration
	lastFlush     time.Time
}

func newFlushWriter(w http.ResponseWriter, interval time.Duration) *flushWriter {
	f, _ := w.(http.Flusher)
	if f == nil {
		f = noopFlusher{}
	}
	return &flushWriter{w: w, f: f, flushInterval: interval}
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	now := time.Now()
	if fw.flushInterval <= 0 || fw.lastFlush.IsZero() || now.Sub(fw.lastFlush) >= fw.flushInterval {
		fw.f.Flush()
		fw.lastFlush = now
	}
	return n, err
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}
