package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ncecere/tabscribe/backend/internal/config"
)

const (
	StatusUnknown  = "unknown"
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Snapshot is the last engine probe outcome.
type Snapshot struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checkedAt,omitempty"`
	LatencyMs int64     `json:"latencyMs"`
	Error     string    `json:"error,omitempty"`
}

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// Monitor periodically probes the transcription engine and caches the result
// so health requests never wait on the upstream.
type Monitor struct {
	probe     Probe
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	startOnce sync.Once

	mu   sync.RWMutex
	last Snapshot
}

// NewMonitor constructs a monitor using the health configuration. A nil probe
// leaves the snapshot Unknown.
func NewMonitor(probe Probe, cfg config.HealthConfig, logger *slog.Logger) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > interval {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		last:     Snapshot{Status: StatusUnknown},
	}
}

// Start begins the monitoring loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil || m.probe == nil {
		return
	}
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and stores the outcome.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	if m == nil || m.probe == nil {
		return Snapshot{Status: StatusUnknown}
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	err := m.probe(timeoutCtx)
	snap := Snapshot{
		Status:    StatusOK,
		CheckedAt: m.now().UTC(),
		LatencyMs: m.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		snap.Status = StatusDegraded
		snap.Error = err.Error()
		m.logger.Warn("engine health check failed", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	prev := m.last.Status
	m.last = snap
	m.mu.Unlock()
	if prev == StatusDegraded && snap.Status == StatusOK {
		m.logger.Info("engine health recovered")
	}
	return snap
}

// Snapshot returns the most recent probe outcome.
func (m *Monitor) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{Status: StatusUnknown}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
