// Package session implements the job admission controller, the FIFO session
// queue with a mutable concurrency ceiling, and the per-job lifecycle state
// machine.
package session

import (
	"sync/atomic"

	"github.com/enterstudio/browserless/internal/metrics"
)

// Stats holds the process-lifetime session counters. Counters only move
// forward and are never reset while the service is up.
type Stats struct {
	successful atomic.Int64
	errors     atomic.Int64
	timedout   atomic.Int64
	queued     atomic.Int64
}

// NewStats builds a zeroed counter set.
func NewStats() *Stats {
	metrics.Init()
	return &Stats{}
}

// IncSuccessful counts one completed session.
func (s *Stats) IncSuccessful() {
	s.successful.Add(1)
	metrics.ObserveSession("successful")
}

// IncError counts one failed session.
func (s *Stats) IncError() {
	s.errors.Add(1)
	metrics.ObserveSession("error")
}

// IncTimedOut counts one timed-out session.
func (s *Stats) IncTimedOut() {
	s.timedout.Add(1)
	metrics.ObserveSession("timedout")
}

// IncQueued counts one session admitted into the waiting queue.
func (s *Stats) IncQueued() {
	s.queued.Add(1)
	metrics.ObserveSession("queued")
}

// Counts is a point-in-time snapshot of the counters.
type Counts struct {
	Successful int64 `json:"successful"`
	Errors     int64 `json:"error"`
	TimedOut   int64 `json:"timedout"`
	Queued     int64 `json:"queued"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Counts {
	return Counts{
		Successful: s.successful.Load(),
		Errors:     s.errors.Load(),
		TimedOut:   s.timedout.Load(),
		Queued:     s.queued.Load(),
	}
}

// Hooks receives fire-and-forget lifecycle notifications.
type Hooks interface {
	OnQueued()
	OnTimeout()
	OnError()
}

// NopHooks discards every notification.
type NopHooks struct{}

func (NopHooks) OnQueued()  {}
func (NopHooks) OnTimeout() {}
func (NopHooks) OnError()   {}
