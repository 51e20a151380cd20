// Package swarm maintains the reusable set of pre-launched browser processes.
package swarm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/enterstudio/browserless/internal/browser"
	"github.com/enterstudio/browserless/internal/metrics"
)

// Config controls swarm behavior.
type Config struct {
	Size              int           // nominal pool size, equals max concurrent sessions
	LaunchFlags       []string      // default flags used for pooled launches
	LaunchRetries     int           // extra launch attempts after the first failure
	RefreshInterval   time.Duration // how often idle handles are recycled
	MaxRefreshRetries int           // refresh deferrals allowed while the queue is deep
	KeepAlive         bool
	Preboot           bool
}

// Swarm owns the idle browser pool and the recurring refresh cycle.
type Swarm struct {
	driver  browser.Driver
	cfg     Config
	pool    *Pool
	backoff launchBackoff
	logger  *zap.Logger

	// queueLen probes the depth of the pending session queue so the refresh
	// cycle can defer while demand exceeds supply.
	queueLen func() int
}

// New constructs a Swarm. The queue-length probe may be nil until wired.
func New(driver browser.Driver, cfg Config, logger *zap.Logger) *Swarm {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Swarm{
		driver:  driver,
		cfg:     cfg,
		pool:    NewPool(),
		backoff: newLaunchBackoff(),
		logger:  logger,
	}
}

// SetQueueProbe wires the pending-queue depth probe used by the refresh cycle.
func (s *Swarm) SetQueueProbe(fn func() int) {
	s.queueLen = fn
}

// Launch starts a browser with the given flags, retrying failed attempts up
// to retries additional times with jittered backoff. Exhaustion surfaces the
// last launch error to the caller; it is fatal for this launch only.
func (s *Swarm) Launch(ctx context.Context, flags []string, retries int) (browser.Handle, error) {
	attempt := 0
	for {
		h, err := s.driver.Launch(ctx, flags)
		if err == nil {
			return h, nil
		}
		if retries <= 0 {
			return nil, fmt.Errorf("launch browser after %d attempts: %w", attempt+1, err)
		}
		retries--
		metrics.ObserveLaunchRetry()
		s.logger.Warn("browser launch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("retries_remaining", retries),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("launch canceled: %w", ctx.Err())
		case <-time.After(s.backoff.Delay(attempt)):
		}
		attempt++
	}
}

// Preboot launches the configured number of handles concurrently and parks
// them in the idle pool so the first burst of sessions skips cold starts.
func (s *Swarm) Preboot(ctx context.Context) error {
	if !s.cfg.Preboot {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Size; i++ {
		g.Go(func() error {
			h, err := s.Launch(gctx, s.cfg.LaunchFlags, s.cfg.LaunchRetries)
			if err != nil {
				return err
			}
			s.pool.GiveBack(h)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("preboot swarm: %w", err)
	}
	metrics.SetPoolIdle(s.pool.Len())
	s.logger.Info("swarm prebooted", zap.Int("size", s.pool.Len()))
	return nil
}

// Acquire hands out a browser handle without ever waiting on the pool: a
// pooled handle when one is idle and no custom flags were requested, a fresh
// launch otherwise. Custom flags always force a fresh launch because pooled
// handles carry default flags only. The returned reusable flag reports
// whether the handle may later be given back to the pool.
func (s *Swarm) Acquire(ctx context.Context, flags []string) (h browser.Handle, reusable bool, err error) {
	if len(flags) == 0 {
		if pooled, ok := s.pool.TryTake(); ok {
			metrics.SetPoolIdle(s.pool.Len())
			return pooled, true, nil
		}
		launched, err := s.Launch(ctx, s.cfg.LaunchFlags, s.cfg.LaunchRetries)
		return launched, true, err
	}
	launched, err := s.Launch(ctx, append(append([]string{}, s.cfg.LaunchFlags...), flags...), s.cfg.LaunchRetries)
	return launched, false, err
}

// Release force-closes every open page on the handle and returns it to the
// idle pool for reuse.
func (s *Swarm) Release(ctx context.Context, h browser.Handle) {
	for _, p := range h.Pages() {
		if err := p.Close(ctx); err != nil {
			s.logger.Warn("close page on release", zap.Error(err))
		}
	}
	if !s.pool.GiveBack(h) {
		s.logger.Warn("handle already idle, ignoring duplicate release")
		return
	}
	metrics.SetPoolIdle(s.pool.Len())
}

// Destroy removes a handle from tracking and terminates its process.
func (s *Swarm) Destroy(ctx context.Context, h browser.Handle) {
	s.pool.Remove(h)
	if err := h.Close(ctx); err != nil {
		s.logger.Warn("close browser", zap.Error(err))
	}
	metrics.SetPoolIdle(s.pool.Len())
}

// Replenish tops the idle pool back up by one handle after a session exits.
// Only active when preboot or keep-alive is configured, so pool occupancy
// trends back toward the configured size after every job.
func (s *Swarm) Replenish(ctx context.Context) {
	if !s.cfg.Preboot && !s.cfg.KeepAlive {
		return
	}
	if s.pool.Len() >= s.cfg.Size {
		return
	}
	h, err := s.Launch(ctx, s.cfg.LaunchFlags, s.cfg.LaunchRetries)
	if err != nil {
		s.logger.Warn("replenish launch failed", zap.Error(err))
		return
	}
	s.pool.GiveBack(h)
	metrics.SetPoolIdle(s.pool.Len())
}

// IdleLen reports the number of idle handles in the pool.
func (s *Swarm) IdleLen() int {
	return s.pool.Len()
}

// Run owns the recurring refresh cycle and blocks until the context finishes.
// A full pass is deferred while the pending queue is deeper than the idle
// pool, up to MaxRefreshRetries consecutive deferrals, after which the
// refresh is forced so no handle lives indefinitely.
func (s *Swarm) Run(ctx context.Context) {
	if s.cfg.RefreshInterval <= 0 {
		<-ctx.Done()
		return
	}
	retryInterval := s.cfg.RefreshInterval / time.Duration(s.cfg.MaxRefreshRetries+1)
	if retryInterval <= 0 {
		retryInterval = s.cfg.RefreshInterval
	}

	timer := time.NewTimer(s.cfg.RefreshInterval)
	defer timer.Stop()
	deferrals := 0

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-timer.C:
			if s.shouldDefer() && deferrals < s.cfg.MaxRefreshRetries {
				deferrals++
				s.logger.Debug("refresh deferred", zap.Int("deferrals", deferrals))
				timer.Reset(retryInterval)
				continue
			}
			s.refresh(ctx)
			deferrals = 0
			timer.Reset(s.cfg.RefreshInterval)
		}
	}
}

func (s *Swarm) shouldDefer() bool {
	if s.queueLen == nil {
		return false
	}
	return s.queueLen() > s.pool.Len()
}

// refresh closes every idle handle and, when keep-alive is on, relaunches
// enough replacements to bring the pool back to the configured size.
func (s *Swarm) refresh(ctx context.Context) {
	drained := s.pool.DrainIdle()
	for _, h := range drained {
		if err := h.Close(ctx); err != nil {
			s.logger.Warn("close browser on refresh", zap.Error(err))
		}
	}
	relaunched := 0
	if s.cfg.KeepAlive {
		need := s.cfg.Size - s.pool.Len()
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < need; i++ {
			g.Go(func() error {
				h, err := s.Launch(gctx, s.cfg.LaunchFlags, s.cfg.LaunchRetries)
				if err != nil {
					return err
				}
				s.pool.GiveBack(h)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			s.logger.Warn("refresh relaunch failed", zap.Error(err))
		}
		relaunched = s.pool.Len()
	}
	metrics.SetPoolIdle(s.pool.Len())
	s.logger.Info("swarm refreshed",
		zap.Int("closed", len(drained)),
		zap.Int("idle", relaunched),
	)
}

func (s *Swarm) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, h := range s.pool.DrainIdle() {
		if err := h.Close(ctx); err != nil {
			s.logger.Warn("close browser on shutdown", zap.Error(err))
		}
	}
	metrics.SetPoolIdle(0)
}
