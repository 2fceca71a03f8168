package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gizmo3030/lgsm-hub/internal/interfaces"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// collector records every published transition event
type collector struct {
	mu     sync.Mutex
	events []models.TransitionEvent
}

func (c *collector) OnEvent(event models.TransitionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) all() []models.TransitionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.TransitionEvent, len(c.events))
	copy(out, c.events)
	return out
}

func newTestRegistry(t *testing.T, degraded, offline int) (FleetRegistry, *collector) {
	t.Helper()

	fleet := NewFleetRegistry(Config{
		DegradedThreshold: degraded,
		OfflineThreshold:  offline,
	})

	c := &collector{}
	fleet.Subscribe(c)
	return fleet, c
}

func testSpoke(id string, status models.SpokeStatus) *models.Spoke {
	return &models.Spoke{
		ID:      id,
		Name:    "host-" + id,
		Address: "10.0.0.1:8090",
		Status:  status,
	}
}

func TestTrackAndGet(t *testing.T) {
	fleet, _ := newTestRegistry(t, 2, 4)

	fleet.Track(testSpoke("a", models.SpokeStatusPending))

	snap, ok := fleet.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", snap.Spoke.ID)
	assert.Equal(t, models.SpokeStatusPending, snap.Spoke.Status)
	assert.Zero(t, snap.ConsecutiveFailures)

	_, ok = fleet.Get("missing")
	assert.False(t, ok)
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	fleet, _ := newTestRegistry(t, 2, 4)

	fleet.Track(testSpoke("c", models.SpokeStatusPending))
	fleet.Track(testSpoke("a", models.SpokeStatusPending))
	fleet.Track(testSpoke("b", models.SpokeStatusPending))

	snaps := fleet.List()
	require.Len(t, snaps, 3)
	assert.Equal(t, "c", snaps[0].Spoke.ID)
	assert.Equal(t, "a", snaps[1].Spoke.ID)
	assert.Equal(t, "b", snaps[2].Spoke.ID)

	fleet.Untrack("a")
	snaps = fleet.List()
	require.Len(t, snaps, 2)
	assert.Equal(t, "c", snaps[0].Spoke.ID)
	assert.Equal(t, "b", snaps[1].Spoke.ID)
}

func TestFirstSuccessPromotesPendingToOnline(t *testing.T) {
	fleet, events := newTestRegistry(t, 2, 4)
	fleet.Track(testSpoke("a", models.SpokeStatusPending))

	fleet.RecordSuccess("a", &models.Metrics{CPUPercent: 12.5})

	snap, _ := fleet.Get("a")
	assert.Equal(t, models.SpokeStatusOnline, snap.Spoke.Status)
	require.NotNil(t, snap.Metrics)
	assert.Equal(t, 12.5, snap.Metrics.CPUPercent)
	assert.False(t, snap.LastSeen.IsZero())

	got := events.all()
	require.Len(t, got, 1)
	assert.Equal(t, models.SpokeStatusPending, got[0].FromStatus)
	assert.Equal(t, models.SpokeStatusOnline, got[0].ToStatus)
}

func TestPendingSpokeNeverDemotes(t *testing.T) {
	fleet, events := newTestRegistry(t, 2, 4)
	fleet.Track(testSpoke("a", models.SpokeStatusPending))

	for i := 0; i < 6; i++ {
		fleet.RecordFailure("a")
	}

	snap, _ := fleet.Get("a")
	assert.Equal(t, models.SpokeStatusPending, snap.Spoke.Status)
	assert.Equal(t, 6, snap.ConsecutiveFailures)
	assert.Empty(t, events.all())
}

func TestDegradedEventIsEdgeTriggered(t *testing.T) {
	fleet, events := newTestRegistry(t, 2, 4)
	fleet.Track(testSpoke("a", models.SpokeStatusOnline))

	fleet.RecordFailure("a")
	snap, _ := fleet.Get("a")
	assert.Equal(t, models.SpokeStatusOnline, snap.Spoke.Status)
	assert.Empty(t, events.all())

	fleet.RecordFailure("a")
	snap, _ = fleet.Get("a")
	assert.Equal(t, models.SpokeStatusDegraded, snap.Spoke.Status)

	// Third failure stays below the offline threshold; no repeat event
	fleet.RecordFailure("a")
	got := events.all()
	require.Len(t, got, 1)
	assert.Equal(t, models.SpokeStatusOnline, got[0].FromStatus)
	assert.Equal(t, models.SpokeStatusDegraded, got[0].ToStatus)
}

func TestDegradedThenOfflineThenRecovery(t *testing.T) {
	fleet, events := newTestRegistry(t, 2, 4)
	fleet.Track(testSpoke("a", models.SpokeStatusOnline))

	for i := 0; i < 4; i++ {
		fleet.RecordFailure("a")
	}
	snap, _ := fleet.Get("a")
	assert.Equal(t, models.SpokeStatusOffline, snap.Spoke.Status)

	fleet.RecordSuccess("a", nil)
	snap, _ = fleet.Get("a")
	assert.Equal(t, models.SpokeStatusOnline, snap.Spoke.Status)
	assert.Zero(t, snap.ConsecutiveFailures)

	got := events.all()
	require.Len(t, got, 3)
	assert.Equal(t, models.SpokeStatusDegraded, got[0].ToStatus)
	assert.Equal(t, models.SpokeStatusOffline, got[1].ToStatus)
	assert.Equal(t, models.SpokeStatusOnline, got[2].ToStatus)
}

func TestSuccessWhileOnlineEmitsNothing(t *testing.T) {
	fleet, events := newTestRegistry(t, 2, 4)
	fleet.Track(testSpoke("a", models.SpokeStatusOnline))

	fleet.RecordSuccess("a", nil)
	fleet.RecordSuccess("a", nil)

	assert.Empty(t, events.all())
}

func TestUpdateCredentials(t *testing.T) {
	fleet, _ := newTestRegistry(t, 2, 4)
	fleet.Track(testSpoke("a", models.SpokeStatusOnline))

	err := fleet.UpdateCredentials("a", "digest-2", "192.168.1.5")
	require.NoError(t, err)

	snap, _ := fleet.Get("a")
	assert.Equal(t, "digest-2", snap.Spoke.APIKeyDigest)
	assert.Equal(t, "192.168.1.5", snap.Spoke.AllowedSourceIP)
	assert.Equal(t, models.SpokeStatusOnline, snap.Spoke.Status)

	err = fleet.UpdateCredentials("missing", "d", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryRingKeepsNewestSamples(t *testing.T) {
	fleet := NewFleetRegistry(Config{
		DegradedThreshold: 2,
		OfflineThreshold:  4,
		HistorySize:       3,
	})
	fleet.Track(testSpoke("a", models.SpokeStatusOnline))

	fleet.RecordSuccess("a", nil)
	fleet.RecordFailure("a")
	fleet.RecordFailure("a")
	fleet.RecordFailure("a")
	fleet.RecordFailure("a")

	samples := fleet.History("a")
	require.Len(t, samples, 3)
	for _, s := range samples {
		assert.False(t, s.Reachable)
	}

	assert.Nil(t, fleet.History("missing"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fleet := NewFleetRegistry(Config{DegradedThreshold: 2, OfflineThreshold: 4})
	fleet.Track(testSpoke("a", models.SpokeStatusPending))

	events := &collector{}
	unsubscribe := fleet.Subscribe(events)
	unsubscribe()

	fleet.RecordSuccess("a", nil)
	assert.Empty(t, events.all())
}

func TestUnsubscribeFuncObserver(t *testing.T) {
	fleet := NewFleetRegistry(Config{DegradedThreshold: 2, OfflineThreshold: 4})
	fleet.Track(testSpoke("a", models.SpokeStatusPending))

	var delivered int
	unsubscribe := fleet.Subscribe(interfaces.ObserverFunc[models.TransitionEvent](func(models.TransitionEvent) {
		delivered++
	}))

	fleet.RecordSuccess("a", nil)
	assert.Equal(t, 1, delivered)

	unsubscribe()

	fleet.RecordFailure("a")
	fleet.RecordFailure("a")
	assert.Equal(t, 1, delivered)
}

func TestUnsubscribeKeepsOtherObservers(t *testing.T) {
	fleet := NewFleetRegistry(Config{DegradedThreshold: 2, OfflineThreshold: 4})
	fleet.Track(testSpoke("a", models.SpokeStatusPending))

	first := &collector{}
	second := &collector{}
	unsubscribeFirst := fleet.Subscribe(first)
	fleet.Subscribe(second)

	unsubscribeFirst()
	unsubscribeFirst() // repeat removal is a no-op

	fleet.RecordSuccess("a", nil)
	assert.Empty(t, first.all())
	assert.Len(t, second.all(), 1)
}

func TestTrackIsIdempotent(t *testing.T) {
	fleet, _ := newTestRegistry(t, 2, 4)

	fleet.Track(testSpoke("a", models.SpokeStatusOnline))
	fleet.Track(testSpoke("a", models.SpokeStatusPending))

	snap, _ := fleet.Get("a")
	assert.Equal(t, models.SpokeStatusOnline, snap.Spoke.Status)
	assert.Len(t, fleet.List(), 1)
}
