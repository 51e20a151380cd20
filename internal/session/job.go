package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/enterstudio/browserless/internal/browser"
	"github.com/enterstudio/browserless/internal/sandbox"
)

// CodeContext is the validated payload of one inbound session request.
type CodeContext struct {
	Code    string
	Context map[string]any
	Flags   []string
}

// Responder writes the session's one user-visible response. Implementations
// must tolerate concurrent calls and write at most once.
type Responder interface {
	// Respond writes the response if nothing has been written yet.
	Respond(status int, contentType string, body []byte)
	// Discard marks the responder dead so no later write can happen.
	Discard()
	// Sent reports whether a response has been written or discarded.
	Sent() bool
}

// Job is one admitted unit of work. It moves Queued -> Running ->
// {Completed | Errored | TimedOut} and always ends Closed; the close action
// is a guarded one-shot safe to race between completion, timeout, and
// client disconnect.
type Job struct {
	ID        string
	Payload   CodeContext
	handler   sandbox.Handler
	responder Responder
	keepAlive bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	handle   browser.Handle
	reusable bool
	release  func(h browser.Handle, recycle bool)
	onClosed func()
}

// NewJob builds a queued job. The browser handle is bound lazily when the
// queue starts the job, not at admission.
func NewJob(payload CodeContext, handler sandbox.Handler, responder Responder, keepAlive bool) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		ID:        uuid.NewString(),
		Payload:   payload,
		handler:   handler,
		responder: responder,
		keepAlive: keepAlive,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Done is closed once the job is fully closed and its resources settled.
func (j *Job) Done() <-chan struct{} { return j.done }

// Closed reports whether the close procedure already ran.
func (j *Job) Closed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

// Cancel reclaims the job's resources after a client disconnect. No response
// is written; a handler still in flight settles later as a no-op.
func (j *Job) Cancel() {
	j.responder.Discard()
	j.finish(j.keepAlive, nil)
}

// bindHandle records the browser handle once execution starts. It reports
// false when the job was already closed, in which case ownership of the
// handle stays with the caller.
func (j *Job) bindHandle(h browser.Handle, reusable bool) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return false
	}
	j.handle = h
	j.reusable = reusable
	return true
}

func (j *Job) setRunning(release func(h browser.Handle, recycle bool), onClosed func()) {
	j.mu.Lock()
	j.release = release
	j.onClosed = onClosed
	j.mu.Unlock()
}

// finish is the idempotent close procedure. Exactly one caller wins the
// race; it runs fn (response + counters), releases or destroys the bound
// handle, and signals completion. recycle is honored only for handles that
// are safe to pool again (launched with default flags).
func (j *Job) finish(recycle bool, fn func()) bool {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return false
	}
	j.closed = true
	h := j.handle
	reusable := j.reusable
	release := j.release
	onClosed := j.onClosed
	j.mu.Unlock()

	if fn != nil {
		fn()
	}
	if h != nil && release != nil {
		release(h, recycle && reusable)
	}
	j.cancel()
	if onClosed != nil {
		onClosed()
	}
	close(j.done)
	return true
}
