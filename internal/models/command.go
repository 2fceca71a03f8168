package models

import "time"

// Command verbs
const (
	VerbStart   = "start"
	VerbStop    = "stop"
	VerbRestart = "restart"
	VerbUpdate  = "update"
	VerbBackup  = "backup"
)

// CommandState represents the lifecycle state of a dispatched command.
// States are monotonic: Sent -> Acknowledged -> {Succeeded | Failed | TimedOut}.
type CommandState string

const (
	CommandStateSent         CommandState = "sent"
	CommandStateAcknowledged CommandState = "acknowledged"
	CommandStateSucceeded    CommandState = "succeeded"
	CommandStateFailed       CommandState = "failed"
	CommandStateTimedOut     CommandState = "timed_out"
)

// IsTerminal reports whether no further state changes are accepted
func (s CommandState) IsTerminal() bool {
	switch s {
	case CommandStateSucceeded, CommandStateFailed, CommandStateTimedOut:
		return true
	}
	return false
}

// CanAdvanceTo reports whether a transition from s to next moves forward
// through the command lifecycle.
func (s CommandState) CanAdvanceTo(next CommandState) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case CommandStateAcknowledged:
		return s == CommandStateSent
	case CommandStateSucceeded, CommandStateFailed, CommandStateTimedOut:
		return true
	}
	return false
}

// Command is a unit of dispatched work targeting one managed game-server
// process on a spoke. Retained in the database as history after reaching a
// terminal state.
type Command struct {
	ID             string       `db:"id" json:"id"`
	SpokeID        string       `db:"spoke_id" json:"spoke_id"`
	Verb           string       `db:"verb" json:"verb"`
	TargetInstance string       `db:"target_instance" json:"target_instance"`
	Issuer         string       `db:"issuer" json:"issuer"`
	State          CommandState `db:"state" json:"state"`
	ResultDetail   string       `db:"result_detail" json:"result_detail,omitempty"`
	IssuedAt       time.Time    `db:"issued_at" json:"issued_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// ValidVerb reports whether verb is one of the allowed control actions
func ValidVerb(verb string) bool {
	switch verb {
	case VerbStart, VerbStop, VerbRestart, VerbUpdate, VerbBackup:
		return true
	}
	return false
}
