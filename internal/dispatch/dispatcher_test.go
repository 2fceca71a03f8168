package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gizmo3030/lgsm-hub/internal/agentapi"
	"github.com/Gizmo3030/lgsm-hub/internal/auth"
	"github.com/Gizmo3030/lgsm-hub/internal/db"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
	"github.com/Gizmo3030/lgsm-hub/internal/registry"
)

// memCommandRepo is an in-memory CommandRepository for dispatcher tests
type memCommandRepo struct {
	mu       sync.Mutex
	commands map[string]*models.Command
	advances int
}

func newMemCommandRepo() *memCommandRepo {
	return &memCommandRepo{commands: make(map[string]*models.Command)}
}

func (r *memCommandRepo) CreateCommand(cmd *models.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *cmd
	r.commands[cmd.ID] = &c
	return nil
}

func (r *memCommandRepo) GetCommandByID(id string) (*models.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", id, db.ErrNotFound)
	}
	c := *cmd
	return &c, nil
}

func (r *memCommandRepo) AdvanceCommandState(id string, next models.CommandState, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advances++
	cmd, ok := r.commands[id]
	if !ok {
		return fmt.Errorf("command %s: %w", id, db.ErrNotFound)
	}
	if !cmd.State.CanAdvanceTo(next) {
		return fmt.Errorf("command %s in state %s: %w", id, cmd.State, db.ErrStateNotAdvanced)
	}
	cmd.State = next
	cmd.ResultDetail = detail
	cmd.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memCommandRepo) GetCommandsBySpokeID(spokeID string, limit int) ([]*models.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Command
	for _, cmd := range r.commands {
		if cmd.SpokeID == spokeID {
			c := *cmd
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memCommandRepo) FailInFlightCommands(spokeID, detail string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, cmd := range r.commands {
		if cmd.SpokeID == spokeID && !cmd.State.IsTerminal() {
			cmd.State = models.CommandStateFailed
			cmd.ResultDetail = detail
			count++
		}
	}
	return count, nil
}

func (r *memCommandRepo) advanceAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advances
}

func (r *memCommandRepo) state(t *testing.T, id string) models.CommandState {
	t.Helper()
	cmd, err := r.GetCommandByID(id)
	require.NoError(t, err)
	return cmd.State
}

// fakeSender records delivered commands and answers from a script
type fakeSender struct {
	mu        sync.Mutex
	delivered []agentapi.ExecuteRequest
	errs      []error
	gate      chan struct{}
}

func (s *fakeSender) Execute(ctx context.Context, address, keyDigest string, req agentapi.ExecuteRequest) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *fakeSender) deliveries() []agentapi.ExecuteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agentapi.ExecuteRequest, len(s.delivered))
	copy(out, s.delivered)
	return out
}

var (
	operator = auth.Principal{Username: "alice", Role: models.RoleOperator}
	admin    = auth.Principal{Username: "root", Role: models.RoleAdmin}
)

func newTestDispatcher(t *testing.T, sender Sender, allowDegraded bool) (*Dispatcher, registry.FleetRegistry, *memCommandRepo) {
	t.Helper()
	return newTestDispatcherTimeout(t, sender, allowDegraded, time.Minute)
}

func newTestDispatcherTimeout(t *testing.T, sender Sender, allowDegraded bool, completion time.Duration) (*Dispatcher, registry.FleetRegistry, *memCommandRepo) {
	t.Helper()

	fleet := registry.NewFleetRegistry(registry.Config{})
	repo := newMemCommandRepo()

	d := NewDispatcher(Config{
		Fleet:             fleet,
		Commands:          repo,
		Sender:            sender,
		AckTimeout:        5 * time.Second,
		CompletionTimeout: completion,
		AllowDegraded:     allowDegraded,
	})
	t.Cleanup(d.Shutdown)

	return d, fleet, repo
}

func trackOnline(fleet registry.FleetRegistry, id string) {
	fleet.Track(&models.Spoke{
		ID:      id,
		Name:    "host-" + id,
		Address: "10.0.0.1:8090",
		Status:  models.SpokeStatusOnline,
	})
}

func waitForState(t *testing.T, repo *memCommandRepo, id string, want models.CommandState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return repo.state(t, id) == want
	}, 2*time.Second, 10*time.Millisecond, "command %s never reached %s", id, want)
}

func TestDispatchRejectsInvalidVerb(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeSender{}, false)

	_, err := d.Dispatch("a", "destroy", "gameserver", operator)
	assert.ErrorIs(t, err, ErrInvalidVerb)
}

func TestDispatchEnforcesVerbAuthorization(t *testing.T) {
	d, fleet, repo := newTestDispatcher(t, &fakeSender{}, false)
	trackOnline(fleet, "a")

	_, err := d.Dispatch("a", models.VerbUpdate, "gameserver", operator)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	// No command row is left behind
	cmds, _ := repo.GetCommandsBySpokeID("a", 10)
	assert.Empty(t, cmds)

	id, err := d.Dispatch("a", models.VerbUpdate, "gameserver", admin)
	require.NoError(t, err)
	waitForState(t, repo, id, models.CommandStateAcknowledged)
}

func TestDispatchUnknownSpoke(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeSender{}, false)

	_, err := d.Dispatch("missing", models.VerbStart, "gameserver", operator)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDispatchRefusesNonDispatchableStates(t *testing.T) {
	d, fleet, repo := newTestDispatcher(t, &fakeSender{}, false)

	fleet.Track(&models.Spoke{ID: "p", Status: models.SpokeStatusPending})
	fleet.Track(&models.Spoke{ID: "o", Status: models.SpokeStatusOffline})
	fleet.Track(&models.Spoke{ID: "d", Status: models.SpokeStatusDegraded})

	for _, spokeID := range []string{"p", "o", "d"} {
		_, err := d.Dispatch(spokeID, models.VerbStart, "gameserver", operator)
		assert.ErrorIs(t, err, ErrSpokeUnreachable, spokeID)

		cmds, _ := repo.GetCommandsBySpokeID(spokeID, 10)
		assert.Empty(t, cmds, spokeID)
	}
}

func TestDispatchDegradedWhenAllowed(t *testing.T) {
	d, fleet, repo := newTestDispatcher(t, &fakeSender{}, true)
	fleet.Track(&models.Spoke{ID: "d", Status: models.SpokeStatusDegraded})

	id, err := d.Dispatch("d", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)
	waitForState(t, repo, id, models.CommandStateAcknowledged)
}

func TestDeliverySuccessAdvancesToAcknowledged(t *testing.T) {
	sender := &fakeSender{}
	d, fleet, repo := newTestDispatcher(t, sender, false)
	trackOnline(fleet, "a")

	id, err := d.Dispatch("a", models.VerbRestart, "gameserver", operator)
	require.NoError(t, err)

	waitForState(t, repo, id, models.CommandStateAcknowledged)

	deliveries := sender.deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, id, deliveries[0].CommandID)
	assert.Equal(t, models.VerbRestart, deliveries[0].Verb)
	assert.Equal(t, "gameserver", deliveries[0].Instance)
}

func TestRejectionFailsTransportErrorTimesOut(t *testing.T) {
	sender := &fakeSender{errs: []error{
		fmt.Errorf("HTTP 422: bad verb: %w", agentapi.ErrRejected),
		errors.New("dial tcp: connection refused"),
	}}
	d, fleet, repo := newTestDispatcher(t, sender, false)
	trackOnline(fleet, "a")

	rejected, err := d.Dispatch("a", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)
	waitForState(t, repo, rejected, models.CommandStateFailed)

	timedOut, err := d.Dispatch("a", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)
	waitForState(t, repo, timedOut, models.CommandStateTimedOut)
}

func TestDeliveryIsSerializedPerSpoke(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	d, fleet, repo := newTestDispatcher(t, sender, false)
	trackOnline(fleet, "a")

	first, err := d.Dispatch("a", models.VerbStop, "gameserver", operator)
	require.NoError(t, err)
	second, err := d.Dispatch("a", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)

	// Both rows exist in Sent while the first transmission is blocked
	assert.Equal(t, models.CommandStateSent, repo.state(t, first))
	assert.Equal(t, models.CommandStateSent, repo.state(t, second))
	assert.Empty(t, sender.deliveries())

	// Release the first delivery only
	sender.gate <- struct{}{}
	waitForState(t, repo, first, models.CommandStateAcknowledged)

	deliveries := sender.deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, first, deliveries[0].CommandID)

	sender.gate <- struct{}{}
	waitForState(t, repo, second, models.CommandStateAcknowledged)

	deliveries = sender.deliveries()
	require.Len(t, deliveries, 2)
	assert.Equal(t, second, deliveries[1].CommandID)
}

func TestHandleResult(t *testing.T) {
	d, fleet, repo := newTestDispatcher(t, &fakeSender{}, false)
	trackOnline(fleet, "a")

	id, err := d.Dispatch("a", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)
	waitForState(t, repo, id, models.CommandStateAcknowledged)

	err = d.HandleResult("a", agentapi.CommandResult{CommandID: id, Success: true, Detail: "started"})
	require.NoError(t, err)
	assert.Equal(t, models.CommandStateSucceeded, repo.state(t, id))

	// A duplicate report hits the monotonic guard
	err = d.HandleResult("a", agentapi.CommandResult{CommandID: id, Success: false})
	assert.ErrorIs(t, err, db.ErrStateNotAdvanced)
}

func TestHandleResultWrongSpoke(t *testing.T) {
	d, fleet, repo := newTestDispatcher(t, &fakeSender{}, false)
	trackOnline(fleet, "a")

	id, err := d.Dispatch("a", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)
	waitForState(t, repo, id, models.CommandStateAcknowledged)

	err = d.HandleResult("b", agentapi.CommandResult{CommandID: id, Success: true})
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Equal(t, models.CommandStateAcknowledged, repo.state(t, id))
}

func TestCompletionWatchdogTimesOutSilentSpoke(t *testing.T) {
	d, fleet, repo := newTestDispatcherTimeout(t, &fakeSender{}, false, 50*time.Millisecond)
	trackOnline(fleet, "a")

	id, err := d.Dispatch("a", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)

	waitForState(t, repo, id, models.CommandStateTimedOut)
}

func TestCompletionWatchdogYieldsToResult(t *testing.T) {
	d, fleet, repo := newTestDispatcherTimeout(t, &fakeSender{}, false, 300*time.Millisecond)
	trackOnline(fleet, "a")

	id, err := d.Dispatch("a", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)
	waitForState(t, repo, id, models.CommandStateAcknowledged)

	require.NoError(t, d.HandleResult("a", agentapi.CommandResult{CommandID: id, Success: true}))

	// The result disarms the watchdog, so nothing fires after the deadline
	attempts := repo.advanceAttempts()
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, models.CommandStateSucceeded, repo.state(t, id))
	assert.Equal(t, attempts, repo.advanceAttempts())
}

func TestShutdownStopsCompletionWatchdog(t *testing.T) {
	d, fleet, repo := newTestDispatcherTimeout(t, &fakeSender{}, false, 300*time.Millisecond)
	trackOnline(fleet, "a")

	id, err := d.Dispatch("a", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)
	waitForState(t, repo, id, models.CommandStateAcknowledged)

	d.Shutdown()

	// The stopped timer must not fire and advance the command
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, models.CommandStateAcknowledged, repo.state(t, id))
}

func TestCancelSpokeStopsCompletionWatchdog(t *testing.T) {
	d, fleet, repo := newTestDispatcherTimeout(t, &fakeSender{}, false, 300*time.Millisecond)
	trackOnline(fleet, "a")

	id, err := d.Dispatch("a", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)
	waitForState(t, repo, id, models.CommandStateAcknowledged)

	d.CancelSpoke("a")
	assert.Equal(t, models.CommandStateFailed, repo.state(t, id))

	attempts := repo.advanceAttempts()
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, attempts, repo.advanceAttempts())
}

func TestCancelSpokeFailsInFlight(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	d, fleet, repo := newTestDispatcher(t, sender, false)
	trackOnline(fleet, "a")

	id, err := d.Dispatch("a", models.VerbStart, "gameserver", operator)
	require.NoError(t, err)

	d.CancelSpoke("a")
	assert.True(t, repo.state(t, id).IsTerminal())
}
