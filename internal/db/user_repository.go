package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// UserRepository defines operations for dashboard credential persistence
type UserRepository interface {
	CreateUser(user *models.User) error
	GetUserByUsername(username string) (*models.User, error)
	UpdatePasswordHash(username, passwordHash string) error
	CountUsers() (int, error)
}

type userRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepository{db: db}
}

// CreateUser inserts a new dashboard user
func (r *userRepository) CreateUser(user *models.User) error {
	query := `
		INSERT INTO users (username, password_hash, role, created_at)
		VALUES (:username, :password_hash, :role, :created_at)
	`

	_, err := r.db.NamedExec(query, user)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUserByUsername retrieves a user by username
func (r *userRepository) GetUserByUsername(username string) (*models.User, error) {
	var user models.User
	query := `SELECT * FROM users WHERE username = ?`

	err := r.db.Get(&user, query, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// UpdatePasswordHash replaces a user's password hash
func (r *userRepository) UpdatePasswordHash(username, passwordHash string) error {
	result, err := r.db.Exec(`UPDATE users SET password_hash = ? WHERE username = ?`, passwordHash, username)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}

	return nil
}

// CountUsers returns the number of dashboard users
func (r *userRepository) CountUsers() (int, error) {
	var count int
	err := r.db.Get(&count, `SELECT COUNT(*) FROM users`)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}

	return count, nil
}

// EnsureDefaultAdmin creates the bootstrap admin user when the users table is
// empty, so a fresh hub is reachable before any credentials are provisioned.
func EnsureDefaultAdmin(repo UserRepository, username, passwordHash string) error {
	count, err := repo.CountUsers()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return repo.CreateUser(&models.User{
		Username:     username,
		PasswordHash: passwordHash,
		Role:         models.RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	})
}
