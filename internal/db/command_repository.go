package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// ErrStateNotAdvanced is returned when a command state update would move the
// command backward through its lifecycle. Command state is monotonic.
var ErrStateNotAdvanced = errors.New("command state transition rejected")

// CommandRepository defines operations for command persistence
type CommandRepository interface {
	CreateCommand(cmd *models.Command) error
	GetCommandByID(id string) (*models.Command, error)
	AdvanceCommandState(id string, next models.CommandState, detail string) error
	GetCommandsBySpokeID(spokeID string, limit int) ([]*models.Command, error)
	FailInFlightCommands(spokeID, detail string) (int64, error)
}

type commandRepository struct {
	db *sqlx.DB
}

// NewCommandRepository creates a new command repository
func NewCommandRepository(db *sqlx.DB) CommandRepository {
	return &commandRepository{db: db}
}

// CreateCommand inserts a new command into the database
func (r *commandRepository) CreateCommand(cmd *models.Command) error {
	query := `
		INSERT INTO commands (id, spoke_id, verb, target_instance, issuer, state, result_detail, issued_at, updated_at)
		VALUES (:id, :spoke_id, :verb, :target_instance, :issuer, :state, :result_detail, :issued_at, :updated_at)
	`

	_, err := r.db.NamedExec(query, cmd)
	if err != nil {
		return fmt.Errorf("failed to create command: %w", err)
	}

	return nil
}

// GetCommandByID retrieves a command by ID
func (r *commandRepository) GetCommandByID(id string) (*models.Command, error) {
	var cmd models.Command
	query := `SELECT * FROM commands WHERE id = ?`

	err := r.db.Get(&cmd, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get command by id: %w", err)
	}

	return &cmd, nil
}

// AdvanceCommandState moves a command forward through its lifecycle. The
// current state is re-checked in the UPDATE predicate so a terminal command
// can never be rewritten, even by a late-arriving result.
func (r *commandRepository) AdvanceCommandState(id string, next models.CommandState, detail string) error {
	cmd, err := r.GetCommandByID(id)
	if err != nil {
		return err
	}

	if !cmd.State.CanAdvanceTo(next) {
		return fmt.Errorf("command %s %s -> %s: %w", id, cmd.State, next, ErrStateNotAdvanced)
	}

	query := `
		UPDATE commands
		SET state = ?, result_detail = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`

	result, err := r.db.Exec(query, next, detail, time.Now().UTC(), id, cmd.State)
	if err != nil {
		return fmt.Errorf("failed to advance command state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// State moved underneath us between the read and the update
		return fmt.Errorf("command %s %s -> %s: %w", id, cmd.State, next, ErrStateNotAdvanced)
	}

	return nil
}

// GetCommandsBySpokeID retrieves command history for a spoke, newest first
func (r *commandRepository) GetCommandsBySpokeID(spokeID string, limit int) ([]*models.Command, error) {
	var cmds []*models.Command
	query := `SELECT * FROM commands WHERE spoke_id = ? ORDER BY issued_at DESC LIMIT ?`

	err := r.db.Select(&cmds, query, spokeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get commands for spoke: %w", err)
	}

	return cmds, nil
}

// FailInFlightCommands marks every non-terminal command for a spoke as
// failed. Used when a spoke is removed from the fleet.
func (r *commandRepository) FailInFlightCommands(spokeID, detail string) (int64, error) {
	query := `
		UPDATE commands
		SET state = ?, result_detail = ?, updated_at = ?
		WHERE spoke_id = ? AND state IN (?, ?)
	`

	result, err := r.db.Exec(query, models.CommandStateFailed, detail, time.Now().UTC(),
		spokeID, models.CommandStateSent, models.CommandStateAcknowledged)
	if err != nil {
		return 0, fmt.Errorf("failed to fail in-flight commands: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
