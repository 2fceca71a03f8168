package db

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// Store provides access to all repositories
type Store struct {
	db          *sqlx.DB
	SpokeRepo   SpokeRepository
	CommandRepo CommandRepository
	UserRepo    UserRepository
	EventRepo   EventRepository
	SettingRepo SettingRepository
}

// NewStore creates a new store with all repositories
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:          db,
		SpokeRepo:   NewSpokeRepository(db),
		CommandRepo: NewCommandRepository(db),
		UserRepo:    NewUserRepository(db),
		EventRepo:   NewEventRepository(db),
		SettingRepo: NewSettingRepository(db),
	}
}

// DB returns the underlying database connection
func (s *Store) DB() *sqlx.DB {
	return s.db
}
