package heartbeat

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Gizmo3030/lgsm-hub/internal/agentapi"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
	"github.com/Gizmo3030/lgsm-hub/internal/registry"
)

// Polling defaults. The poll timeout must stay shorter than the interval so
// a slow spoke cannot back the loop up onto its next tick.
const (
	DefaultInterval      = 60 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultJitter        = 5 * time.Second
	DefaultMaxConcurrent = 8
)

// Poller issues authenticated status requests to a spoke agent
type Poller interface {
	Status(ctx context.Context, address, keyDigest string) (*agentapi.StatusReport, error)
	Telemetry(ctx context.Context, address, keyDigest string) (*models.Metrics, error)
}

// Config holds Monitor construction parameters
type Config struct {
	Fleet         registry.FleetRegistry
	Poller        Poller
	Interval      time.Duration
	Timeout       time.Duration
	Jitter        time.Duration
	MaxConcurrent int
	Logger        *zap.Logger
}

// Monitor runs one polling goroutine per tracked spoke. Poll results fold
// into the fleet registry, which owns the status state machine; the monitor
// itself never emits events.
type Monitor struct {
	fleet    registry.FleetRegistry
	poller   Poller
	interval time.Duration
	timeout  time.Duration
	jitter   time.Duration
	logger   *zap.Logger

	// bounds concurrent outbound polls across the fleet
	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a new Monitor instance
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 || cfg.Timeout >= cfg.Interval {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = DefaultJitter
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Monitor{
		fleet:    cfg.Fleet,
		poller:   cfg.Poller,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		jitter:   cfg.Jitter,
		logger:   cfg.Logger,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Watch starts polling a spoke. The first poll happens immediately (after a
// small random offset that spreads fleet-wide registration bursts) rather
// than waiting for the first tick.
func (m *Monitor) Watch(spokeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cancels[spokeID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[spokeID] = cancel

	m.wg.Add(1)
	go m.pollLoop(ctx, spokeID)
}

// Unwatch stops polling a spoke promptly
func (m *Monitor) Unwatch(spokeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, exists := m.cancels[spokeID]; exists {
		cancel()
		delete(m.cancels, spokeID)
	}
}

// Shutdown stops all poll loops and waits for them to exit
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("heartbeat monitor stopped")
}

func (m *Monitor) pollLoop(ctx context.Context, spokeID string) {
	defer m.wg.Done()

	select {
	case <-time.After(time.Duration(rand.Int63n(int64(m.jitter)))):
	case <-ctx.Done():
		return
	}

	m.pollOnce(ctx, spokeID)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("poll loop stopped", zap.String("spoke_id", spokeID))
			return
		case <-ticker.C:
			m.pollOnce(ctx, spokeID)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context, spokeID string) {
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return
	}

	// Re-read the record each poll: credentials and address may have been
	// replaced by an idempotent re-registration.
	snap, ok := m.fleet.Get(spokeID)
	if !ok {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	report, err := m.poller.Status(pollCtx, snap.Spoke.Address, snap.Spoke.APIKeyDigest)
	if err != nil {
		m.logger.Debug("heartbeat failed",
			zap.String("spoke_id", spokeID),
			zap.Error(err))
		m.fleet.RecordFailure(spokeID)
		return
	}

	// Telemetry is best-effort; a reachable spoke with a broken metrics
	// path still counts as alive.
	metrics, err := m.poller.Telemetry(pollCtx, snap.Spoke.Address, snap.Spoke.APIKeyDigest)
	if err != nil {
		m.logger.Debug("telemetry fetch failed",
			zap.String("spoke_id", spokeID),
			zap.Error(err))
		metrics = nil
	}

	m.logger.Debug("heartbeat ok",
		zap.String("spoke_id", spokeID),
		zap.Int("instances", len(report.Instances)))
	m.fleet.RecordSuccess(spokeID, metrics)
}
