package api

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// httpResponder adapts an http.ResponseWriter to the session.Responder
// contract: at most one response is ever written, and Discard permanently
// blocks later writes once the client is gone.
type httpResponder struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	sent   bool
	logger *zap.Logger
}

func newResponder(w http.ResponseWriter, logger *zap.Logger) *httpResponder {
	return &httpResponder{w: w, logger: logger}
}

// Respond writes the response unless one was already written or discarded.
func (r *httpResponder) Respond(status int, contentType string, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return
	}
	r.sent = true
	r.w.Header().Set("Content-Type", contentType)
	r.w.WriteHeader(status)
	if _, err := r.w.Write(body); err != nil {
		r.logger.Warn("write response", zap.Error(err))
	}
}

// Discard marks the responder dead. Blocks until any in-flight write ends,
// so the caller may safely return from the HTTP handler afterwards.
func (r *httpResponder) Discard() {
	r.mu.Lock()
	r.sent = true
	r.mu.Unlock()
}

// Sent reports whether a response has been written or discarded.
func (r *httpResponder) Sent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}
