package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// SettingRepository defines operations for hub configuration entries
type SettingRepository interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	GetAllSettings() ([]*models.Setting, error)
}

type settingRepository struct {
	db *sqlx.DB
}

// NewSettingRepository creates a new setting repository
func NewSettingRepository(db *sqlx.DB) SettingRepository {
	return &settingRepository{db: db}
}

// GetSetting returns the value for a key, or empty string if unset
func (r *settingRepository) GetSetting(key string) (string, error) {
	var value string
	err := r.db.Get(&value, `SELECT value FROM settings WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}

	return value, nil
}

// SetSetting creates or replaces a setting
func (r *settingRepository) SetSetting(key, value string) error {
	_, err := r.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}

	return nil
}

// GetAllSettings retrieves every setting
func (r *settingRepository) GetAllSettings() ([]*models.Setting, error) {
	var settings []*models.Setting
	err := r.db.Select(&settings, `SELECT key, value FROM settings ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	return settings, nil
}
