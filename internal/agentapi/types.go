// Package agentapi holds the wire contract between the hub and the spoke
// agent, plus the hub-side client that speaks it.
package agentapi

import "github.com/Gizmo3030/lgsm-hub/internal/models"

// Header carrying the API key digest on every hub <-> spoke call
const APIKeyHeader = "X-Api-Key"

// StatusReport is the spoke's answer to a heartbeat poll
type StatusReport struct {
	Status    string   `json:"status"`
	Instances []string `json:"instances"`
}

// ExecuteRequest asks the agent to run one control action against a managed
// game-server instance
type ExecuteRequest struct {
	CommandID string `json:"command_id"`
	Verb      string `json:"verb"`
	Instance  string `json:"instance"`
}

// ExecuteAck confirms the agent accepted a command for execution
type ExecuteAck struct {
	CommandID string `json:"command_id"`
	Accepted  bool   `json:"accepted"`
}

// CommandResult is reported back to the hub once the underlying action
// finishes
type CommandResult struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// ErrorResponse is the agent's JSON error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// Telemetry aliases the hub-side metrics model so both ends marshal the
// same shape
type Telemetry = models.Metrics
