package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Gizmo3030/lgsm-hub/internal/interfaces"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// ErrNotFound is returned when a spoke is not tracked by the registry
var ErrNotFound = fmt.Errorf("spoke not tracked")

// FleetRegistry is the authoritative in-memory table of known spokes. It
// owns the status state machine: every status change goes through one of the
// Record* methods or Untrack, and each actual change is published exactly
// once to observers (edge-triggered).
type FleetRegistry interface {
	interfaces.Subject[models.TransitionEvent]

	// Track adds a spoke to the registry, preserving registration order
	Track(spoke *models.Spoke)

	// Untrack removes a spoke from the registry
	Untrack(spokeID string)

	// Get returns a snapshot of one tracked spoke
	Get(spokeID string) (Snapshot, bool)

	// List returns snapshots of all tracked spokes in registration order
	List() []Snapshot

	// UpdateCredentials replaces the key digest and allowlist entry of a
	// tracked spoke without touching its status
	UpdateCredentials(spokeID, apiKeyDigest, allowedSourceIP string) error

	// RecordSuccess folds a successful heartbeat into the spoke record
	RecordSuccess(spokeID string, metrics *models.Metrics)

	// RecordFailure folds a missed heartbeat into the spoke record
	RecordFailure(spokeID string)

	// History returns the bounded ring of recent heartbeat samples
	History(spokeID string) []models.HeartbeatSample
}

// Config holds FleetRegistry construction parameters
type Config struct {
	DegradedThreshold int
	OfflineThreshold  int
	HistorySize       int
	Logger            *zap.Logger
}

// spokeEntry is one tracked spoke. Each entry carries its own lock so
// heartbeat, command, and log paths stay independent across spokes.
type spokeEntry struct {
	mu sync.Mutex

	spoke               models.Spoke
	lastSeen            time.Time
	consecutiveFailures int
	metrics             *models.Metrics

	// bounded ring of recent samples, next write at head
	samples []models.HeartbeatSample
	head    int
	filled  bool
}

type fleetRegistry struct {
	mu      sync.RWMutex
	entries map[string]*spokeEntry
	order   []string

	observers      []observerEntry
	nextObserverID int
	observersMu    sync.RWMutex

	degradedThreshold int
	offlineThreshold  int
	historySize       int
	logger            *zap.Logger
}

// NewFleetRegistry creates a new FleetRegistry instance
func NewFleetRegistry(cfg Config) FleetRegistry {
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = DefaultDegradedThreshold
	}
	if cfg.OfflineThreshold <= cfg.DegradedThreshold {
		cfg.OfflineThreshold = cfg.DegradedThreshold * 2
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &fleetRegistry{
		entries:           make(map[string]*spokeEntry),
		degradedThreshold: cfg.DegradedThreshold,
		offlineThreshold:  cfg.OfflineThreshold,
		historySize:       cfg.HistorySize,
		logger:            cfg.Logger,
	}
}

// Track adds a spoke to the registry
func (r *fleetRegistry) Track(spoke *models.Spoke) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[spoke.ID]; exists {
		return
	}

	r.entries[spoke.ID] = &spokeEntry{
		spoke:   *spoke,
		samples: make([]models.HeartbeatSample, r.historySize),
	}
	r.order = append(r.order, spoke.ID)

	r.logger.Info("spoke tracked",
		zap.String("spoke_id", spoke.ID),
		zap.String("name", spoke.Name),
		zap.String("status", string(spoke.Status)))
}

// Untrack removes a spoke from the registry
func (r *fleetRegistry) Untrack(spokeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[spokeID]; !exists {
		return
	}

	delete(r.entries, spokeID)
	for i, id := range r.order {
		if id == spokeID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Info("spoke untracked", zap.String("spoke_id", spokeID))
}

func (r *fleetRegistry) entry(spokeID string) (*spokeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[spokeID]
	return e, exists
}

// Get returns a snapshot of one tracked spoke
func (r *fleetRegistry) Get(spokeID string) (Snapshot, bool) {
	e, exists := r.entry(spokeID)
	if !exists {
		return Snapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// List returns snapshots of all tracked spokes in registration order
func (r *fleetRegistry) List() []Snapshot {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := r.Get(id); ok {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots
}

// UpdateCredentials replaces credential fields on a tracked spoke
func (r *fleetRegistry) UpdateCredentials(spokeID, apiKeyDigest, allowedSourceIP string) error {
	e, exists := r.entry(spokeID)
	if !exists {
		return fmt.Errorf("spoke %s: %w", spokeID, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.spoke.APIKeyDigest = apiKeyDigest
	e.spoke.AllowedSourceIP = allowedSourceIP
	e.spoke.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordSuccess folds a successful heartbeat into the spoke record. Any
// non-online spoke is promoted to online.
func (r *fleetRegistry) RecordSuccess(spokeID string, metrics *models.Metrics) {
	e, exists := r.entry(spokeID)
	if !exists {
		return
	}

	now := time.Now().UTC()

	e.mu.Lock()
	e.consecutiveFailures = 0
	e.lastSeen = now
	e.metrics = metrics
	e.pushSample(models.HeartbeatSample{
		SpokeID:   spokeID,
		Timestamp: now,
		Reachable: true,
		Metrics:   metrics,
	})
	event := e.transition(models.SpokeStatusOnline, now)
	e.mu.Unlock()

	r.publish(event)
}

// RecordFailure folds a missed heartbeat into the spoke record, demoting the
// spoke once each threshold is crossed. Pending spokes stay pending: a spoke
// that never answered a heartbeat was never online to begin with.
func (r *fleetRegistry) RecordFailure(spokeID string) {
	e, exists := r.entry(spokeID)
	if !exists {
		return
	}

	now := time.Now().UTC()

	e.mu.Lock()
	e.consecutiveFailures++
	e.pushSample(models.HeartbeatSample{
		SpokeID:   spokeID,
		Timestamp: now,
		Reachable: false,
	})

	var event *models.TransitionEvent
	if e.consecutiveFailures >= r.offlineThreshold {
		event = e.transition(models.SpokeStatusOffline, now)
	} else if e.consecutiveFailures >= r.degradedThreshold {
		event = e.transition(models.SpokeStatusDegraded, now)
	}
	e.mu.Unlock()

	r.publish(event)
}

// History returns a copy of the recent heartbeat samples, oldest first
func (r *fleetRegistry) History(spokeID string) []models.HeartbeatSample {
	e, exists := r.entry(spokeID)
	if !exists {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.HeartbeatSample
	n := len(e.samples)
	start := 0
	count := e.head
	if e.filled {
		start = e.head
		count = n
	}
	for i := 0; i < count; i++ {
		out = append(out, e.samples[(start+i)%n])
	}
	return out
}

// observerEntry pairs an observer with the id its unsubscribe handle
// removes it by, so observers never need comparable dynamic types
type observerEntry struct {
	id       int
	observer interfaces.Observer[models.TransitionEvent]
}

// Subscribe adds an observer for transition events and returns the handle
// that removes it
func (r *fleetRegistry) Subscribe(observer interfaces.Observer[models.TransitionEvent]) func() {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()

	r.nextObserverID++
	id := r.nextObserverID
	r.observers = append(r.observers, observerEntry{id: id, observer: observer})

	return func() { r.removeObserver(id) }
}

func (r *fleetRegistry) removeObserver(id int) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()

	for i, entry := range r.observers {
		if entry.id == id {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// NotifyObservers delivers an event to every registered observer
func (r *fleetRegistry) NotifyObservers(event models.TransitionEvent) {
	r.observersMu.RLock()
	observers := make([]observerEntry, len(r.observers))
	copy(observers, r.observers)
	r.observersMu.RUnlock()

	for _, entry := range observers {
		entry.observer.OnEvent(event)
	}
}

func (r *fleetRegistry) publish(event *models.TransitionEvent) {
	if event == nil {
		return
	}

	r.logger.Info("spoke status changed",
		zap.String("spoke_id", event.SpokeID),
		zap.String("from", string(event.FromStatus)),
		zap.String("to", string(event.ToStatus)))

	r.NotifyObservers(*event)
}

// transition moves the entry to the target status if the edge is legal.
// Returns the event for an actual change, nil for no-ops. Must be called
// with the entry lock held.
func (e *spokeEntry) transition(to models.SpokeStatus, now time.Time) *models.TransitionEvent {
	from := e.spoke.Status
	if from == to || !transitionAllowed(from, to) {
		return nil
	}

	e.spoke.Status = to
	e.spoke.UpdatedAt = now

	return &models.TransitionEvent{
		SpokeID:    e.spoke.ID,
		SpokeName:  e.spoke.Name,
		FromStatus: from,
		ToStatus:   to,
		OccurredAt: now,
	}
}

func (e *spokeEntry) pushSample(sample models.HeartbeatSample) {
	e.samples[e.head] = sample
	e.head++
	if e.head == len(e.samples) {
		e.head = 0
		e.filled = true
	}
}

func (e *spokeEntry) snapshot() Snapshot {
	return Snapshot{
		Spoke:               e.spoke,
		LastSeen:            e.lastSeen,
		ConsecutiveFailures: e.consecutiveFailures,
		Metrics:             e.metrics,
	}
}
