package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// memSettings is an in-memory SettingRepository
type memSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *memSettings) GetSetting(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *memSettings) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memSettings) GetAllSettings() ([]*models.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Setting
	for k, v := range s.values {
		out = append(out, &models.Setting{Key: k, Value: v})
	}
	return out, nil
}

type received struct {
	mu       sync.Mutex
	payloads []map[string]interface{}
}

func (r *received) add(p map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *received) first() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[0]
}

func testEvent() models.TransitionEvent {
	return models.TransitionEvent{
		SpokeID:    "s1",
		SpokeName:  "host-1",
		FromStatus: models.SpokeStatusOnline,
		ToStatus:   models.SpokeStatusDegraded,
		OccurredAt: time.Now().UTC(),
	}
}

func TestNotifierDeliversWebhook(t *testing.T) {
	got := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got.add(p)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	settings := &memSettings{values: map[string]string{models.SettingWebhookURL: srv.URL}}
	n := NewNotifier(Config{Settings: settings})
	n.Start()
	defer n.Shutdown()

	n.OnEvent(testEvent())

	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	p := got.first()
	assert.Equal(t, "s1", p["spoke_id"])
	assert.Equal(t, "host-1", p["spoke_name"])
	assert.Equal(t, "online", p["from_status"])
	assert.Equal(t, "degraded", p["to_status"])
	assert.Contains(t, p["content"], "host-1")
	assert.Contains(t, p["content"], "degraded")
}

func TestNotifierSkipsWhenNoWebhookConfigured(t *testing.T) {
	settings := &memSettings{values: map[string]string{}}
	n := NewNotifier(Config{Settings: settings})
	n.Start()
	defer n.Shutdown()

	// Nothing to assert beyond not panicking and not blocking
	n.OnEvent(testEvent())
	time.Sleep(50 * time.Millisecond)
}

func TestNotifierSurvivesFailingWebhook(t *testing.T) {
	calls := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.add(nil)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	settings := &memSettings{values: map[string]string{models.SettingWebhookURL: srv.URL}}
	n := NewNotifier(Config{Settings: settings})
	n.Start()
	defer n.Shutdown()

	n.OnEvent(testEvent())
	n.OnEvent(testEvent())

	// Failures are dropped, later events still deliver
	require.Eventually(t, func() bool { return calls.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestOnEventNeverBlocksWhenQueueFull(t *testing.T) {
	settings := &memSettings{values: map[string]string{}}
	n := NewNotifier(Config{Settings: settings, QueueSize: 1})
	// Not started: the queue fills immediately

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			n.OnEvent(testEvent())
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnEvent blocked on a full queue")
	}
}
