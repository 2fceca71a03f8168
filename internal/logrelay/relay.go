package logrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Gizmo3030/lgsm-hub/internal/registry"
)

// Buffer defaults
const (
	DefaultReplayLines     = 100
	DefaultSubscriberLines = 256
)

// ErrNoSpoke is returned when subscribing to an untracked spoke
var ErrNoSpoke = errors.New("spoke not tracked")

// Line is one relayed log entry. A gap line replaces content dropped for a
// slow subscriber; Skipped counts the lines lost.
type Line struct {
	Text    string `json:"text,omitempty"`
	Gap     bool   `json:"gap,omitempty"`
	Skipped int    `json:"skipped,omitempty"`
}

// LineSource is one open upstream log stream
type LineSource interface {
	Lines() <-chan string
	Close() error
}

// DialFunc opens an upstream log stream to a spoke agent
type DialFunc func(ctx context.Context, address, keyDigest, instance string) (LineSource, error)

// Config holds Relay construction parameters
type Config struct {
	Fleet           registry.FleetRegistry
	Dial            DialFunc
	ReplayLines     int
	SubscriberLines int
	Logger          *zap.Logger
}

// Relay bridges spoke log streams to dashboard subscribers. One upstream
// connection is opened per (spoke, instance) and shared by every subscriber;
// the upstream is closed when the last subscriber detaches. A slow
// subscriber loses its own oldest lines, never anyone else's, and never
// stalls the upstream read.
type Relay struct {
	fleet           registry.FleetRegistry
	dial            DialFunc
	replayLines     int
	subscriberLines int
	logger          *zap.Logger

	mu        sync.Mutex
	upstreams map[streamKey]*upstream
	closed    bool
}

type streamKey struct {
	spokeID  string
	instance string
}

// NewRelay creates a new Relay instance
func NewRelay(cfg Config) *Relay {
	if cfg.ReplayLines <= 0 {
		cfg.ReplayLines = DefaultReplayLines
	}
	if cfg.SubscriberLines <= 0 {
		cfg.SubscriberLines = DefaultSubscriberLines
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Relay{
		fleet:           cfg.Fleet,
		dial:            cfg.Dial,
		replayLines:     cfg.ReplayLines,
		subscriberLines: cfg.SubscriberLines,
		logger:          cfg.Logger,
		upstreams:       make(map[streamKey]*upstream),
	}
}

// Subscribe attaches a new subscriber to a spoke's log stream, opening the
// upstream connection if this is the first subscriber. The subscriber first
// receives a bounded tail of recently buffered lines, then live lines.
func (r *Relay) Subscribe(ctx context.Context, spokeID, instance string) (*Subscription, error) {
	snap, ok := r.fleet.Get(spokeID)
	if !ok {
		return nil, fmt.Errorf("spoke %s: %w", spokeID, ErrNoSpoke)
	}

	key := streamKey{spokeID: spokeID, instance: instance}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("relay shut down")
	}
	up, exists := r.upstreams[key]
	r.mu.Unlock()

	if !exists {
		source, err := r.dial(ctx, snap.Spoke.Address, snap.Spoke.APIKeyDigest, instance)
		if err != nil {
			return nil, fmt.Errorf("failed to open upstream log stream: %w", err)
		}

		up = newUpstream(key, source, r.replayLines)

		r.mu.Lock()
		if existing, raced := r.upstreams[key]; raced {
			// Another subscriber dialed first; use theirs
			r.mu.Unlock()
			source.Close()
			up = existing
		} else {
			r.upstreams[key] = up
			r.mu.Unlock()

			go r.pump(up)
			r.logger.Info("opened upstream log stream",
				zap.String("spoke_id", spokeID),
				zap.String("instance", instance))
		}
	}

	sub := up.attach(r.subscriberLines)
	if sub == nil {
		// Upstream ended between lookup and attach; retry with a fresh one
		return r.Subscribe(ctx, spokeID, instance)
	}

	return sub, nil
}

// Unsubscribe detaches a subscriber. The upstream connection is closed when
// its last subscriber leaves.
func (r *Relay) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.up == nil {
		return
	}

	if last := sub.up.detach(sub); last {
		r.dropUpstream(sub.up)
	}
}

// CloseSpoke tears down every log stream for a spoke and all subscriber
// handles. Called when a spoke is removed from the fleet.
func (r *Relay) CloseSpoke(spokeID string) {
	r.mu.Lock()
	var targets []*upstream
	for key, up := range r.upstreams {
		if key.spokeID == spokeID {
			targets = append(targets, up)
			delete(r.upstreams, key)
		}
	}
	r.mu.Unlock()

	for _, up := range targets {
		up.shutdown()
	}
}

// Shutdown closes every upstream and subscriber
func (r *Relay) Shutdown() {
	r.mu.Lock()
	r.closed = true
	targets := make([]*upstream, 0, len(r.upstreams))
	for key, up := range r.upstreams {
		targets = append(targets, up)
		delete(r.upstreams, key)
	}
	r.mu.Unlock()

	for _, up := range targets {
		up.shutdown()
	}
}

func (r *Relay) dropUpstream(up *upstream) {
	r.mu.Lock()
	if current, exists := r.upstreams[up.key]; exists && current == up {
		delete(r.upstreams, up.key)
	}
	r.mu.Unlock()

	up.shutdown()
	r.logger.Info("closed upstream log stream",
		zap.String("spoke_id", up.key.spokeID),
		zap.String("instance", up.key.instance))
}

// pump moves lines from the upstream source to all subscribers. It must
// never block on a subscriber: broadcast drops into per-subscriber ring
// buffers and returns immediately.
func (r *Relay) pump(up *upstream) {
	for line := range up.source.Lines() {
		up.broadcast(line)
	}

	// Upstream ended on its own; detach it so the next subscriber redials
	r.mu.Lock()
	if current, exists := r.upstreams[up.key]; exists && current == up {
		delete(r.upstreams, up.key)
	}
	r.mu.Unlock()

	up.shutdown()
}
