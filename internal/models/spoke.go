package models

import "time"

// SpokeStatus represents the liveness state of a spoke
type SpokeStatus string

const (
	SpokeStatusPending  SpokeStatus = "pending"
	SpokeStatusOnline   SpokeStatus = "online"
	SpokeStatusDegraded SpokeStatus = "degraded"
	SpokeStatusOffline  SpokeStatus = "offline"
)

// Spoke represents a managed game-server host in the database
type Spoke struct {
	ID              string      `db:"id" json:"id"`
	Name            string      `db:"name" json:"name"`
	Address         string      `db:"address" json:"address"`
	APIKeyDigest    string      `db:"api_key_digest" json:"-"` // Never expose the key digest in JSON
	AllowedSourceIP string      `db:"allowed_source_ip" json:"allowed_source_ip,omitempty"`
	Status          SpokeStatus `db:"status" json:"status"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// SpokeWithStatus combines database spoke data with in-memory liveness state
type SpokeWithStatus struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Address             string      `json:"address"`
	AllowedSourceIP     string      `json:"allowed_source_ip,omitempty"`
	Status              SpokeStatus `json:"status"`
	LastSeen            *time.Time  `json:"last_seen,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	CreatedAt           time.Time   `json:"created_at"`
	Metrics             *Metrics    `json:"metrics,omitempty"`
}

// Metrics holds the latest telemetry reported by a spoke
type Metrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	RAMPercent  float64 `json:"ram_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// HeartbeatSample is one poll result; samples are not persisted individually,
// they only fold into the spoke's status and a bounded recent-history ring.
type HeartbeatSample struct {
	SpokeID   string    `json:"spoke_id"`
	Timestamp time.Time `json:"timestamp"`
	Reachable bool      `json:"reachable"`
	Metrics   *Metrics  `json:"metrics,omitempty"`
}

// TransitionEvent records a spoke status change
type TransitionEvent struct {
	ID         int64       `db:"id" json:"id"`
	SpokeID    string      `db:"spoke_id" json:"spoke_id"`
	SpokeName  string      `db:"spoke_name" json:"spoke_name"`
	FromStatus SpokeStatus `db:"from_status" json:"from_status"`
	ToStatus   SpokeStatus `db:"to_status" json:"to_status"`
	OccurredAt time.Time   `db:"occurred_at" json:"occurred_at"`
}
