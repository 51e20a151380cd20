package session

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/enterstudio/browserless/internal/metrics"
	"github.com/enterstudio/browserless/internal/pressure"
	"github.com/enterstudio/browserless/internal/sandbox"
)

// ErrQueueFull rejects a request because the waiting queue is at capacity.
var ErrQueueFull = errors.New("too many concurrent and queued sessions")

// ControllerConfig controls admission decisions.
type ControllerConfig struct {
	MaxConcurrent  int
	MaxQueueLength int
	AutoQueue      bool // dynamic concurrency driven by the resource monitor
}

// Controller decides per inbound request whether to reject, queue, or run,
// and tunes the queue's concurrency ceiling from host resource pressure.
// Admissions are serialized so the capacity check and the push are atomic
// with respect to concurrent requests.
type Controller struct {
	queue   *Queue
	binder  sandbox.Binder
	monitor pressure.Monitor
	stats   *Stats
	hooks   Hooks
	cfg     ControllerConfig
	logger  *zap.Logger

	mu sync.Mutex
}

// NewController wires the admission controller.
func NewController(
	queue *Queue,
	binder sandbox.Binder,
	monitor pressure.Monitor,
	stats *Stats,
	hooks Hooks,
	cfg ControllerConfig,
	logger *zap.Logger,
) *Controller {
	metrics.Init()
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		queue:   queue,
		binder:  binder,
		monitor: monitor,
		stats:   stats,
		hooks:   hooks,
		cfg:     cfg,
		logger:  logger,
	}
}

// Request is one inbound session request. Handler, when set, skips the bind
// step (used by the prebuilt artifact endpoints).
type Request struct {
	Payload   CodeContext
	Handler   sandbox.Handler
	Responder Responder
}

// Admit applies the admission contract: reject on a full queue, retune the
// ceiling under auto-queue, count and notify queued sessions, bind the
// submitted code, and push the job. The pressure signal only ever narrows
// the ceiling toward what is already in flight; it never blocks admission
// directly.
func (c *Controller) Admit(req Request) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// MaxQueueLength counts waiting slots on top of the run slots, so the
	// capacity check is against running plus waiting.
	if c.queue.Len() >= c.cfg.MaxQueueLength+c.cfg.MaxConcurrent {
		metrics.ObserveRejected()
		c.logger.Warn("session rejected, queue full",
			zap.Int("in_flight", c.queue.Len()),
			zap.Int("max_queue_length", c.cfg.MaxQueueLength),
		)
		return nil, ErrQueueFull
	}

	if c.cfg.AutoQueue && c.queue.Len() < c.cfg.MaxConcurrent {
		if c.monitor != nil && c.monitor.IsConstrained() {
			c.queue.SetCeiling(c.queue.Len())
			c.logger.Info("host constrained, ceiling narrowed", zap.Int("ceiling", c.queue.Ceiling()))
		} else {
			c.queue.SetCeiling(c.cfg.MaxConcurrent)
		}
	}

	if c.queue.Len() >= c.queue.Ceiling() {
		c.stats.IncQueued()
		c.hooks.OnQueued()
	}

	handler := req.Handler
	if handler == nil {
		bound, err := c.binder.Bind(req.Payload.Code)
		if err != nil {
			return nil, fmt.Errorf("bind code: %w", err)
		}
		handler = bound
	}

	job := NewJob(req.Payload, handler, req.Responder, c.queue.cfg.KeepAlive)
	c.queue.Push(job)
	return job, nil
}
