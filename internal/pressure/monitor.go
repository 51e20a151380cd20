// Package pressure reports whether the host is too loaded to take on more
// parallel browser work.
package pressure

import (
	"runtime"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

// Monitor supplies a point-in-time constrained/unconstrained signal.
type Monitor interface {
	IsConstrained() bool
}

// Config holds the thresholds for the host monitor.
type Config struct {
	MaxLoadPerCPU      float64 // 1-minute load average divided by CPU count
	MinFreeMemoryRatio float64 // MemAvailable / MemTotal floor
}

// HostMonitor samples /proc via procfs. Sampling failures report
// unconstrained: a broken sensor should never wedge admission.
type HostMonitor struct {
	fs     procfs.FS
	cfg    Config
	logger *zap.Logger
}

// NewHostMonitor builds a Monitor over the default /proc mount.
func NewHostMonitor(cfg Config, logger *zap.Logger) (*HostMonitor, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	if cfg.MaxLoadPerCPU <= 0 {
		cfg.MaxLoadPerCPU = 1.0
	}
	if cfg.MinFreeMemoryRatio <= 0 {
		cfg.MinFreeMemoryRatio = 0.1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostMonitor{fs: fs, cfg: cfg, logger: logger}, nil
}

// IsConstrained reports whether load or memory pressure crosses a threshold.
func (m *HostMonitor) IsConstrained() bool {
	if load, err := m.fs.LoadAvg(); err == nil {
		perCPU := load.Load1 / float64(runtime.NumCPU())
		if perCPU > m.cfg.MaxLoadPerCPU {
			m.logger.Debug("host constrained by load", zap.Float64("load_per_cpu", perCPU))
			return true
		}
	}
	if mem, err := m.fs.Meminfo(); err == nil && mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		ratio := float64(*mem.MemAvailable) / float64(*mem.MemTotal)
		if ratio < m.cfg.MinFreeMemoryRatio {
			m.logger.Debug("host constrained by memory", zap.Float64("free_ratio", ratio))
			return true
		}
	}
	return false
}

// Static is a fixed-signal Monitor, useful in tests and when host sampling
// is unavailable.
type Static bool

// IsConstrained returns the fixed signal.
func (s Static) IsConstrained() bool { return bool(s) }
