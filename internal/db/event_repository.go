package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// EventRepository defines operations for transition event history
type EventRepository interface {
	RecordEvent(event *models.TransitionEvent) error
	GetEventsBySpokeID(spokeID string, limit int) ([]*models.TransitionEvent, error)
	GetRecentEvents(limit int) ([]*models.TransitionEvent, error)
}

type eventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *sqlx.DB) EventRepository {
	return &eventRepository{db: db}
}

// RecordEvent appends a transition event to the history
func (r *eventRepository) RecordEvent(event *models.TransitionEvent) error {
	query := `
		INSERT INTO transition_events (spoke_id, spoke_name, from_status, to_status, occurred_at)
		VALUES (:spoke_id, :spoke_name, :from_status, :to_status, :occurred_at)
	`

	_, err := r.db.NamedExec(query, event)
	if err != nil {
		return fmt.Errorf("failed to record transition event: %w", err)
	}

	return nil
}

// GetEventsBySpokeID retrieves transition history for one spoke, newest first
func (r *eventRepository) GetEventsBySpokeID(spokeID string, limit int) ([]*models.TransitionEvent, error) {
	var events []*models.TransitionEvent
	query := `SELECT * FROM transition_events WHERE spoke_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`

	err := r.db.Select(&events, query, spokeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events for spoke: %w", err)
	}

	return events, nil
}

// GetRecentEvents retrieves the newest transition events across the fleet
func (r *eventRepository) GetRecentEvents(limit int) ([]*models.TransitionEvent, error) {
	var events []*models.TransitionEvent
	query := `SELECT * FROM transition_events ORDER BY occurred_at DESC, id DESC LIMIT ?`

	err := r.db.Select(&events, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}

	return events, nil
}
