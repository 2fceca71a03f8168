package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// SpokeRepository defines operations for spoke persistence
type SpokeRepository interface {
	CreateSpoke(spoke *models.Spoke) error
	GetSpokeByID(id string) (*models.Spoke, error)
	GetSpokeByNameAddress(name, address string) (*models.Spoke, error)
	UpdateSpokeCredentials(id, apiKeyDigest, allowedSourceIP string) error
	UpdateSpokeStatus(id string, status models.SpokeStatus) error
	GetAllSpokes() ([]*models.Spoke, error)
	DeleteSpoke(id string) error
}

type spokeRepository struct {
	db *sqlx.DB
}

// NewSpokeRepository creates a new spoke repository
func NewSpokeRepository(db *sqlx.DB) SpokeRepository {
	return &spokeRepository{db: db}
}

// CreateSpoke inserts a new spoke into the database
func (r *spokeRepository) CreateSpoke(spoke *models.Spoke) error {
	query := `
		INSERT INTO spokes (id, name, address, api_key_digest, allowed_source_ip, status, created_at, updated_at)
		VALUES (:id, :name, :address, :api_key_digest, :allowed_source_ip, :status, :created_at, :updated_at)
	`

	_, err := r.db.NamedExec(query, spoke)
	if err != nil {
		return fmt.Errorf("failed to create spoke: %w", err)
	}

	return nil
}

// GetSpokeByID retrieves a spoke by its ID
func (r *spokeRepository) GetSpokeByID(id string) (*models.Spoke, error) {
	var spoke models.Spoke
	query := `SELECT * FROM spokes WHERE id = ?`

	err := r.db.Get(&spoke, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("spoke %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get spoke by id: %w", err)
	}

	return &spoke, nil
}

// GetSpokeByNameAddress retrieves a spoke by its (name, address) pair,
// the key used for idempotent re-registration.
func (r *spokeRepository) GetSpokeByNameAddress(name, address string) (*models.Spoke, error) {
	var spoke models.Spoke
	query := `SELECT * FROM spokes WHERE name = ? AND address = ?`

	err := r.db.Get(&spoke, query, name, address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("spoke %s@%s: %w", name, address, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get spoke by name and address: %w", err)
	}

	return &spoke, nil
}

// UpdateSpokeCredentials replaces a spoke's key digest and source allowlist
func (r *spokeRepository) UpdateSpokeCredentials(id, apiKeyDigest, allowedSourceIP string) error {
	query := `
		UPDATE spokes
		SET api_key_digest = ?, allowed_source_ip = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.Exec(query, apiKeyDigest, allowedSourceIP, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update spoke credentials: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("spoke %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpdateSpokeStatus persists a spoke's status
func (r *spokeRepository) UpdateSpokeStatus(id string, status models.SpokeStatus) error {
	query := `UPDATE spokes SET status = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.Exec(query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update spoke status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("spoke %s: %w", id, ErrNotFound)
	}

	return nil
}

// GetAllSpokes retrieves all spokes in registration order
func (r *spokeRepository) GetAllSpokes() ([]*models.Spoke, error) {
	var spokes []*models.Spoke
	query := `SELECT * FROM spokes ORDER BY created_at ASC`

	err := r.db.Select(&spokes, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get all spokes: %w", err)
	}

	return spokes, nil
}

// DeleteSpoke removes a spoke from the database
func (r *spokeRepository) DeleteSpoke(id string) error {
	result, err := r.db.Exec(`DELETE FROM spokes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete spoke: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("spoke %s: %w", id, ErrNotFound)
	}

	return nil
}
