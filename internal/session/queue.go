package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enterstudio/browserless/internal/browser"
	"github.com/enterstudio/browserless/internal/metrics"
	"github.com/enterstudio/browserless/internal/sandbox"
	"github.com/enterstudio/browserless/internal/swarm"
)

// QueueConfig controls the session queue.
type QueueConfig struct {
	MaxConcurrent int           // hard ceiling, never exceeded
	Timeout       time.Duration // per-job connection timeout
	KeepAlive     bool
}

// Queue runs admitted jobs in strict FIFO order subject to a mutable
// concurrency ceiling. Completion of any job, on any terminal path,
// immediately considers the next pending job.
type Queue struct {
	swarm  *swarm.Swarm
	stats  *Stats
	hooks  Hooks
	cfg    QueueConfig
	logger *zap.Logger

	mu      sync.Mutex
	pending []*Job
	running int
	ceiling int
}

// NewQueue constructs a Queue with the ceiling at its configured maximum.
func NewQueue(sw *swarm.Swarm, stats *Stats, hooks Hooks, cfg QueueConfig, logger *zap.Logger) *Queue {
	metrics.Init()
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		swarm:   sw,
		stats:   stats,
		hooks:   hooks,
		cfg:     cfg,
		logger:  logger,
		ceiling: cfg.MaxConcurrent,
	}
	metrics.SetCeiling(q.ceiling)
	return q
}

// Push appends the job and starts it immediately if a run slot is free.
func (q *Queue) Push(j *Job) {
	q.mu.Lock()
	q.pending = append(q.pending, j)
	q.mu.Unlock()
	q.dispatch()
}

// Len reports jobs in flight: running plus waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running + len(q.pending)
}

// WaitingLen reports jobs admitted but not yet running.
func (q *Queue) WaitingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running reports jobs currently executing.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Ceiling returns the current concurrency ceiling.
func (q *Queue) Ceiling() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ceiling
}

// SetCeiling updates the ceiling, clamped to [0, MaxConcurrent]. Raising it
// starts pending jobs at once.
func (q *Queue) SetCeiling(n int) {
	if n < 0 {
		n = 0
	}
	if n > q.cfg.MaxConcurrent {
		n = q.cfg.MaxConcurrent
	}
	q.mu.Lock()
	q.ceiling = n
	q.mu.Unlock()
	metrics.SetCeiling(n)
	q.dispatch()
}

// dispatch starts pending jobs while run slots are free, in submission
// order. Jobs closed while waiting (client gone) are skipped.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.running >= q.ceiling || len(q.pending) == 0 {
			waiting, running := len(q.pending), q.running
			q.mu.Unlock()
			metrics.SetQueueDepth(waiting, running)
			return
		}
		j := q.pending[0]
		q.pending = q.pending[1:]
		if j.Closed() {
			q.mu.Unlock()
			continue
		}
		q.running++
		waiting, running := len(q.pending), q.running
		q.mu.Unlock()
		metrics.SetQueueDepth(waiting, running)
		go q.run(j)
	}
}

// run drives one job through its lifecycle. The browser acquisition and the
// handler invocation are the only points the job waits on.
func (q *Queue) run(j *Job) {
	j.setRunning(q.releaseHandle, q.jobExited)

	timer := time.AfterFunc(q.cfg.Timeout, func() { q.timeoutJob(j) })
	defer timer.Stop()

	h, reusable, err := q.swarm.Acquire(j.ctx, j.Payload.Flags)
	if err != nil {
		q.failJob(j, fmt.Errorf("acquire browser: %w", err))
		return
	}
	if !j.bindHandle(h, reusable) {
		// Job closed while the launch was in flight; the handle was never
		// bound, so reclaim it here.
		q.releaseHandle(h, reusable && q.cfg.KeepAlive)
		return
	}

	page, err := h.NewPage(j.ctx)
	if err != nil {
		q.failJob(j, fmt.Errorf("open page: %w", err))
		return
	}

	result, err := j.handler(j.ctx, page, j.Payload.Context)
	if err != nil {
		q.failJob(j, err)
		return
	}
	q.completeJob(j, result)
}

// completeJob writes the artifact and recycles the handle per keep-alive.
// A job that already timed out or was canceled settles as a no-op.
func (q *Queue) completeJob(j *Job, result sandbox.Result) {
	contentType, body, err := encodeResult(result)
	if err != nil {
		q.failJob(j, fmt.Errorf("encode result: %w", err))
		return
	}
	won := j.finish(q.cfg.KeepAlive, func() {
		j.responder.Respond(http.StatusOK, contentType, body)
		q.stats.IncSuccessful()
	})
	if won {
		q.logger.Debug("session completed", zap.String("job_id", j.ID))
	}
}

// failJob reports a server error and always destroys the handle: a failed
// execution's browser state is not trusted for reuse.
func (q *Queue) failJob(j *Job, cause error) {
	won := j.finish(false, func() {
		j.responder.Respond(http.StatusInternalServerError, "text/plain; charset=utf-8", []byte(cause.Error()))
		q.stats.IncError()
		q.hooks.OnError()
	})
	if won {
		q.logger.Warn("session failed", zap.String("job_id", j.ID), zap.Error(cause))
	}
}

// timeoutJob terminates the connection with a timeout status before any
// other action, then treats the expiry like a completion so the next
// pending job starts.
func (q *Queue) timeoutJob(j *Job) {
	won := j.finish(q.cfg.KeepAlive, func() {
		if !j.responder.Sent() {
			j.responder.Respond(http.StatusRequestTimeout, "text/plain; charset=utf-8", []byte("request timed out"))
		}
		q.stats.IncTimedOut()
		q.hooks.OnTimeout()
	})
	if won {
		q.logger.Warn("session timed out", zap.String("job_id", j.ID))
	}
}

// releaseHandle recycles the handle into the swarm or destroys it.
func (q *Queue) releaseHandle(h browser.Handle, recycle bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if recycle && q.cfg.KeepAlive {
		q.swarm.Release(ctx, h)
		return
	}
	q.swarm.Destroy(ctx, h)
}

// jobExited runs exactly once per started job, on every terminal path. It
// frees the run slot, tops the pool back up, and dispatches the next job.
func (q *Queue) jobExited() {
	q.mu.Lock()
	q.running--
	q.mu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		q.swarm.Replenish(ctx)
	}()
	q.dispatch()
}

// encodeResult maps a handler artifact to a wire body: raw bytes for binary
// payloads, JSON for JSON-typed payloads, plain text otherwise.
func encodeResult(res sandbox.Result) (string, []byte, error) {
	contentType := res.Type
	switch data := res.Data.(type) {
	case json.RawMessage:
		if contentType == "" {
			contentType = "application/json"
		}
		return contentType, data, nil
	case []byte:
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return contentType, data, nil
	case string:
		if strings.Contains(contentType, "json") {
			return contentType, []byte(data), nil
		}
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		return contentType, []byte(data), nil
	default:
		if strings.Contains(contentType, "json") {
			body, err := json.Marshal(res.Data)
			if err != nil {
				return "", nil, fmt.Errorf("marshal result: %w", err)
			}
			return contentType, body, nil
		}
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		return contentType, []byte(fmt.Sprint(res.Data)), nil
	}
}
