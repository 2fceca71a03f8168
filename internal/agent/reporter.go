package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gizmo3030/lgsm-hub/internal/agentapi"
)

// Reporter posts command results back to the hub once execution finishes
type Reporter struct {
	hubURL     string
	spokeID    string
	keyDigest  string
	httpClient *http.Client
}

type ReporterConfig struct {
	// HubURL is the hub's base URL, e.g. http://hub.example:49950
	HubURL    string
	SpokeID   string
	KeyDigest string
	Timeout   time.Duration
}

func NewReporter(config ReporterConfig) *Reporter {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Reporter{
		hubURL:     config.HubURL,
		spokeID:    config.SpokeID,
		keyDigest:  config.KeyDigest,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Report delivers one command result to the hub's callback endpoint
func (r *Reporter) Report(ctx context.Context, result agentapi.CommandResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	url := fmt.Sprintf("%s/api/spokes/%s/commands/%s/result", r.hubURL, r.spokeID, result.CommandID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build result request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(agentapi.APIKeyHeader, r.keyDigest)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub returned HTTP %d", resp.StatusCode)
	}
	return nil
}
