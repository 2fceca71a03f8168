package services

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gizmo3030/lgsm-hub/internal/auth"
	"github.com/Gizmo3030/lgsm-hub/internal/db"
	"github.com/Gizmo3030/lgsm-hub/internal/interfaces"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
	"github.com/Gizmo3030/lgsm-hub/internal/registry"
)

// ErrInvalidDescriptor is returned for malformed registration requests
var ErrInvalidDescriptor = errors.New("invalid spoke descriptor")

// HeartbeatMonitor is the monitor surface the service drives
type HeartbeatMonitor interface {
	Watch(spokeID string)
	Unwatch(spokeID string)
}

// CommandCanceller cancels in-flight commands for a removed spoke
type CommandCanceller interface {
	CancelSpoke(spokeID string)
}

// LogCloser tears down log streams for a removed spoke
type LogCloser interface {
	CloseSpoke(spokeID string)
}

// SpokeServiceConfig holds the dependencies for SpokeService
type SpokeServiceConfig struct {
	Fleet      registry.FleetRegistry
	SpokeRepo  db.SpokeRepository
	EventRepo  db.EventRepository
	Monitor    HeartbeatMonitor
	Dispatcher CommandCanceller
	LogRelay   LogCloser
	Logger     *zap.Logger
}

// SpokeService owns spoke lifecycle: registration, removal, and keeping the
// registry and database views of the fleet coherent.
type SpokeService struct {
	fleet      registry.FleetRegistry
	spokeRepo  db.SpokeRepository
	eventRepo  db.EventRepository
	monitor    HeartbeatMonitor
	dispatcher CommandCanceller
	logRelay   LogCloser
	logger     *zap.Logger
}

// NewSpokeService creates a new SpokeService and wires the persistence
// observer: every status transition is written back to the database and
// appended to the event history.
func NewSpokeService(cfg SpokeServiceConfig) *SpokeService {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &SpokeService{
		fleet:      cfg.Fleet,
		spokeRepo:  cfg.SpokeRepo,
		eventRepo:  cfg.EventRepo,
		monitor:    cfg.Monitor,
		dispatcher: cfg.Dispatcher,
		logRelay:   cfg.LogRelay,
		logger:     cfg.Logger,
	}

	s.fleet.Subscribe(interfaces.ObserverFunc[models.TransitionEvent](s.persistTransition))

	return s
}

// Load tracks every persisted spoke and starts heartbeat polling for it.
// Called once at hub startup.
func (s *SpokeService) Load() error {
	spokes, err := s.spokeRepo.GetAllSpokes()
	if err != nil {
		return fmt.Errorf("failed to load fleet: %w", err)
	}

	for _, spoke := range spokes {
		s.fleet.Track(spoke)
		s.monitor.Watch(spoke.ID)
	}

	s.logger.Info("fleet loaded", zap.Int("spokes", len(spokes)))
	return nil
}

// Register adds a spoke to the fleet, or updates its credentials when a
// spoke with the same (name, address) already exists. Re-registration keeps
// the existing spoke ID and status. The API key is hashed immediately and
// never stored in plaintext. Returns the spoke and whether it was created.
func (s *SpokeService) Register(name, address, apiKey, allowedSourceIP string) (*models.Spoke, bool, error) {
	if err := validateDescriptor(name, address, apiKey, allowedSourceIP); err != nil {
		return nil, false, err
	}

	digest := auth.DigestAPIKey(apiKey)

	existing, err := s.spokeRepo.GetSpokeByNameAddress(name, address)
	if err == nil {
		if err := s.spokeRepo.UpdateSpokeCredentials(existing.ID, digest, allowedSourceIP); err != nil {
			return nil, false, err
		}
		if err := s.fleet.UpdateCredentials(existing.ID, digest, allowedSourceIP); err != nil {
			return nil, false, err
		}

		existing.APIKeyDigest = digest
		existing.AllowedSourceIP = allowedSourceIP

		s.logger.Info("spoke re-registered",
			zap.String("spoke_id", existing.ID),
			zap.String("name", name),
			zap.String("address", address))
		return existing, false, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	spoke := &models.Spoke{
		ID:              uuid.New().String(),
		Name:            name,
		Address:         address,
		APIKeyDigest:    digest,
		AllowedSourceIP: allowedSourceIP,
		Status:          models.SpokeStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.spokeRepo.CreateSpoke(spoke); err != nil {
		return nil, false, err
	}

	s.fleet.Track(spoke)
	s.monitor.Watch(spoke.ID)

	s.logger.Info("spoke registered",
		zap.String("spoke_id", spoke.ID),
		zap.String("name", name),
		zap.String("address", address))

	return spoke, true, nil
}

// Get returns one spoke with its liveness state
func (s *SpokeService) Get(spokeID string) (*models.SpokeWithStatus, error) {
	snap, ok := s.fleet.Get(spokeID)
	if !ok {
		return nil, fmt.Errorf("spoke %s: %w", spokeID, db.ErrNotFound)
	}

	return snapshotToView(snap), nil
}

// List returns the fleet with liveness state, in registration order
func (s *SpokeService) List() []*models.SpokeWithStatus {
	snaps := s.fleet.List()
	out := make([]*models.SpokeWithStatus, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotToView(snap))
	}
	return out
}

// History returns the spoke's recent heartbeat samples
func (s *SpokeService) History(spokeID string) ([]models.HeartbeatSample, error) {
	if _, ok := s.fleet.Get(spokeID); !ok {
		return nil, fmt.Errorf("spoke %s: %w", spokeID, db.ErrNotFound)
	}
	return s.fleet.History(spokeID), nil
}

// Remove deletes a spoke. This is the only deletion path: it stops the
// heartbeat task, fails in-flight commands, tears down log streams, and
// finally drops the record.
func (s *SpokeService) Remove(spokeID string) error {
	if _, ok := s.fleet.Get(spokeID); !ok {
		return fmt.Errorf("spoke %s: %w", spokeID, db.ErrNotFound)
	}

	s.monitor.Unwatch(spokeID)
	s.dispatcher.CancelSpoke(spokeID)
	s.logRelay.CloseSpoke(spokeID)
	s.fleet.Untrack(spokeID)

	if err := s.spokeRepo.DeleteSpoke(spokeID); err != nil {
		return err
	}

	s.logger.Info("spoke removed", zap.String("spoke_id", spokeID))
	return nil
}

func (s *SpokeService) persistTransition(event models.TransitionEvent) {
	if err := s.spokeRepo.UpdateSpokeStatus(event.SpokeID, event.ToStatus); err != nil {
		// Storage trouble must not corrupt the in-memory state machine;
		// the registry remains authoritative until the next transition.
		s.logger.Error("failed to persist spoke status",
			zap.String("spoke_id", event.SpokeID),
			zap.Error(err))
	}

	if err := s.eventRepo.RecordEvent(&event); err != nil {
		s.logger.Error("failed to record transition event",
			zap.String("spoke_id", event.SpokeID),
			zap.Error(err))
	}
}

func validateDescriptor(name, address, apiKey, allowedSourceIP string) error {
	if name == "" {
		return fmt.Errorf("name is required: %w", ErrInvalidDescriptor)
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return fmt.Errorf("address must be host:port: %w", ErrInvalidDescriptor)
	}
	if len(apiKey) < 16 {
		return fmt.Errorf("api key too short: %w", ErrInvalidDescriptor)
	}
	if allowedSourceIP != "" && net.ParseIP(allowedSourceIP) == nil {
		return fmt.Errorf("allowed source ip is not a valid address: %w", ErrInvalidDescriptor)
	}
	return nil
}

func snapshotToView(snap registry.Snapshot) *models.SpokeWithStatus {
	view := &models.SpokeWithStatus{
		ID:                  snap.Spoke.ID,
		Name:                snap.Spoke.Name,
		Address:             snap.Spoke.Address,
		AllowedSourceIP:     snap.Spoke.AllowedSourceIP,
		Status:              snap.Spoke.Status,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		CreatedAt:           snap.Spoke.CreatedAt,
		Metrics:             snap.Metrics,
	}
	if !snap.LastSeen.IsZero() {
		lastSeen := snap.LastSeen
		view.LastSeen = &lastSeen
	}
	return view
}
