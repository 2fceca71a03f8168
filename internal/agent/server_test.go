package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gizmo3030/lgsm-hub/internal/agentapi"
	"github.com/Gizmo3030/lgsm-hub/internal/auth"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
	"go.uber.org/zap"
)

// fakeManager answers from fixed data instead of driving tmux and LGSM
type fakeManager struct {
	mu        sync.Mutex
	instances []string
	runErr    error
	runCalls  []string
}

func (m *fakeManager) Instances(ctx context.Context) ([]string, error) {
	return m.instances, nil
}

func (m *fakeManager) Telemetry(ctx context.Context) (*models.Metrics, error) {
	return &models.Metrics{CPUPercent: 25, RAMPercent: 40, DiskPercent: 60}, nil
}

func (m *fakeManager) Run(ctx context.Context, instance, verb string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCalls = append(m.runCalls, instance+"/"+verb)
	if m.runErr != nil {
		return "", m.runErr
	}
	return "ok", nil
}

func (m *fakeManager) OpenLog(ctx context.Context, instance string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("line1\nline2\n")), nil
}

func (m *fakeManager) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.runCalls))
	copy(out, m.runCalls)
	return out
}

type resultSink struct {
	mu      sync.Mutex
	results []agentapi.CommandResult
}

func (s *resultSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var res agentapi.CommandResult
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.results = append(s.results, res)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
	}
}

func (s *resultSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *resultSink) first() agentapi.CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[0]
}

const testKey = "provisioned-key-0123456789abcdef"

func newTestServer(t *testing.T, manager GameServerManager, hubURL string) *Server {
	t.Helper()

	digest := auth.DigestAPIKey(testKey)
	srv := NewServer(ServerConfig{
		Manager: manager,
		Reporter: NewReporter(ReporterConfig{
			HubURL:    hubURL,
			SpokeID:   "s1",
			KeyDigest: digest,
		}),
		KeyDigest: digest,
		Logger:    zap.NewNop(),
		Port:      0,
	})
	srv.RegisterRoutes()
	return srv
}

func authedRequest(method, target string, body []byte) *http.Request {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set(agentapi.APIKeyHeader, auth.DigestAPIKey(testKey))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestRequireKey(t *testing.T) {
	srv := newTestServer(t, &fakeManager{}, "http://unused")

	// Missing key
	resp, err := srv.app.Test(httptest.NewRequest(http.MethodGet, "/status", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong key
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(agentapi.APIKeyHeader, auth.DigestAPIKey("wrong-key"))
	resp, err = srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct key
	resp, err = srv.app.Test(authedRequest(http.MethodGet, "/status", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusReportsInstances(t *testing.T) {
	srv := newTestServer(t, &fakeManager{instances: []string{"csgoserver", "rustserver"}}, "http://unused")

	resp, err := srv.app.Test(authedRequest(http.MethodGet, "/status", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report agentapi.StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, []string{"csgoserver", "rustserver"}, report.Instances)
}

func TestTelemetry(t *testing.T) {
	srv := newTestServer(t, &fakeManager{}, "http://unused")

	resp, err := srv.app.Test(authedRequest(http.MethodGet, "/telemetry", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var metrics models.Metrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metrics))
	assert.Equal(t, 25.0, metrics.CPUPercent)
	assert.Equal(t, 40.0, metrics.RAMPercent)
	assert.Equal(t, 60.0, metrics.DiskPercent)
}

func TestCommandRejectsUnknownVerb(t *testing.T) {
	srv := newTestServer(t, &fakeManager{}, "http://unused")

	body, _ := json.Marshal(agentapi.ExecuteRequest{CommandID: "c1", Verb: "details", Instance: "gameserver"})
	resp, err := srv.app.Test(authedRequest(http.MethodPost, "/commands", body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCommandRequiresInstanceAndID(t *testing.T) {
	srv := newTestServer(t, &fakeManager{}, "http://unused")

	body, _ := json.Marshal(agentapi.ExecuteRequest{Verb: models.VerbStart})
	resp, err := srv.app.Test(authedRequest(http.MethodPost, "/commands", body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandAcksAndReportsResult(t *testing.T) {
	sink := &resultSink{}
	hub := httptest.NewServer(sink.handler())
	defer hub.Close()

	manager := &fakeManager{}
	srv := newTestServer(t, manager, hub.URL)

	body, _ := json.Marshal(agentapi.ExecuteRequest{CommandID: "c1", Verb: models.VerbStart, Instance: "gameserver"})
	resp, err := srv.app.Test(authedRequest(http.MethodPost, "/commands", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack agentapi.ExecuteAck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.True(t, ack.Accepted)
	assert.Equal(t, "c1", ack.CommandID)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	result := sink.first()
	assert.Equal(t, "c1", result.CommandID)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"gameserver/start"}, manager.calls())
}

func TestCommandFailureReported(t *testing.T) {
	sink := &resultSink{}
	hub := httptest.NewServer(sink.handler())
	defer hub.Close()

	manager := &fakeManager{runErr: errors.New("script exited 1")}
	srv := newTestServer(t, manager, hub.URL)

	body, _ := json.Marshal(agentapi.ExecuteRequest{CommandID: "c2", Verb: models.VerbStop, Instance: "gameserver"})
	resp, err := srv.app.Test(authedRequest(http.MethodPost, "/commands", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	result := sink.first()
	assert.False(t, result.Success)
	assert.Contains(t, result.Detail, "script exited 1")
}

func TestTailOf(t *testing.T) {
	assert.Equal(t, "short", tailOf("short", 10))
	assert.Equal(t, "cdef", tailOf("abcdef", 4))
	assert.Equal(t, "", tailOf("", 4))
}
