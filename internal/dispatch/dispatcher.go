package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gizmo3030/lgsm-hub/internal/agentapi"
	"github.com/Gizmo3030/lgsm-hub/internal/auth"
	"github.com/Gizmo3030/lgsm-hub/internal/db"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
	"github.com/Gizmo3030/lgsm-hub/internal/registry"
)

var (
	// ErrSpokeUnreachable is returned when dispatch targets a spoke that is
	// not in a dispatchable state
	ErrSpokeUnreachable = errors.New("spoke unreachable")

	// ErrInvalidVerb is returned for verbs outside the allowed set
	ErrInvalidVerb = errors.New("invalid command verb")

	// ErrQueueFull is returned when a spoke's command queue is saturated
	ErrQueueFull = errors.New("command queue full")
)

// Defaults for the command lifecycle timeouts
const (
	DefaultAckTimeout        = 15 * time.Second
	DefaultCompletionTimeout = 10 * time.Minute
	queueCapacity            = 64
)

// Sender delivers a command to a spoke agent and returns once the agent
// acknowledges it
type Sender interface {
	Execute(ctx context.Context, address, keyDigest string, req agentapi.ExecuteRequest) error
}

// Config holds Dispatcher construction parameters
type Config struct {
	Fleet             registry.FleetRegistry
	Commands          db.CommandRepository
	Sender            Sender
	AckTimeout        time.Duration
	CompletionTimeout time.Duration
	AllowDegraded     bool
	Logger            *zap.Logger
}

// Dispatcher accepts operator intents and forwards them to spoke agents.
// Commands to one spoke are delivered strictly in issue order: the next
// command is not transmitted until the previous one has left the Sent
// state. Commands to different spokes flow independently. The dispatcher
// never retries control verbs on its own; a timeout or failure is surfaced
// and the operator re-issues explicitly.
type Dispatcher struct {
	fleet             registry.FleetRegistry
	commands          db.CommandRepository
	sender            Sender
	ackTimeout        time.Duration
	completionTimeout time.Duration
	allowDegraded     bool
	logger            *zap.Logger

	mu        sync.Mutex
	workers   map[string]*spokeWorker
	watchdogs map[string]map[string]*time.Timer
	closed    bool
	wg        sync.WaitGroup
}

type spokeWorker struct {
	queue  chan *models.Command
	cancel context.CancelFunc
}

// NewDispatcher creates a new Dispatcher instance
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = DefaultCompletionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Dispatcher{
		fleet:             cfg.Fleet,
		commands:          cfg.Commands,
		sender:            cfg.Sender,
		ackTimeout:        cfg.AckTimeout,
		completionTimeout: cfg.CompletionTimeout,
		allowDegraded:     cfg.AllowDegraded,
		logger:            cfg.Logger,
		workers:           make(map[string]*spokeWorker),
		watchdogs:         make(map[string]map[string]*time.Timer),
	}
}

// Dispatch validates the intent, records the command in state Sent, and
// queues it for delivery. It returns the command ID immediately; the
// lifecycle advances asynchronously.
func (d *Dispatcher) Dispatch(spokeID, verb, targetInstance string, issuer auth.Principal) (string, error) {
	if !models.ValidVerb(verb) {
		return "", fmt.Errorf("verb %q: %w", verb, ErrInvalidVerb)
	}

	// Verb-level authorization happens before any connectivity concern
	if !issuer.CanDispatch(verb) {
		return "", fmt.Errorf("verb %q requires elevated role: %w", verb, auth.ErrUnauthorized)
	}

	snap, ok := d.fleet.Get(spokeID)
	if !ok {
		return "", fmt.Errorf("spoke %s: %w", spokeID, registry.ErrNotFound)
	}

	switch snap.Spoke.Status {
	case models.SpokeStatusOnline:
	case models.SpokeStatusDegraded:
		if !d.allowDegraded {
			return "", fmt.Errorf("spoke %s is degraded and degraded dispatch is disabled: %w", spokeID, ErrSpokeUnreachable)
		}
	default:
		// Pending and offline spokes never receive commands
		return "", fmt.Errorf("spoke %s is %s: %w", spokeID, snap.Spoke.Status, ErrSpokeUnreachable)
	}

	now := time.Now().UTC()
	cmd := &models.Command{
		ID:             uuid.New().String(),
		SpokeID:        spokeID,
		Verb:           verb,
		TargetInstance: targetInstance,
		Issuer:         issuer.Username,
		State:          models.CommandStateSent,
		IssuedAt:       now,
		UpdatedAt:      now,
	}

	if err := d.commands.CreateCommand(cmd); err != nil {
		return "", fmt.Errorf("failed to record command: %w", err)
	}

	if err := d.enqueue(cmd); err != nil {
		// Keep history consistent: the command never left the hub
		d.advance(cmd.ID, models.CommandStateFailed, err.Error())
		return "", err
	}

	d.logger.Info("command dispatched",
		zap.String("command_id", cmd.ID),
		zap.String("spoke_id", spokeID),
		zap.String("verb", verb),
		zap.String("instance", targetInstance),
		zap.String("issuer", issuer.Username))

	return cmd.ID, nil
}

// HandleResult records the terminal outcome reported by a spoke. Late or
// duplicate reports against a terminal command are rejected by the
// monotonic state guard.
func (d *Dispatcher) HandleResult(spokeID string, result agentapi.CommandResult) error {
	cmd, err := d.commands.GetCommandByID(result.CommandID)
	if err != nil {
		return err
	}

	if cmd.SpokeID != spokeID {
		return fmt.Errorf("command %s does not belong to spoke %s: %w", result.CommandID, spokeID, db.ErrNotFound)
	}

	next := models.CommandStateSucceeded
	if !result.Success {
		next = models.CommandStateFailed
	}

	if err := d.commands.AdvanceCommandState(cmd.ID, next, result.Detail); err != nil {
		return err
	}
	d.disarmWatchdog(spokeID, cmd.ID)

	d.logger.Info("command completed",
		zap.String("command_id", cmd.ID),
		zap.String("spoke_id", spokeID),
		zap.String("state", string(next)))

	return nil
}

// CancelSpoke stops the spoke's delivery worker and fails every in-flight
// command. Called when a spoke is removed from the fleet.
func (d *Dispatcher) CancelSpoke(spokeID string) {
	d.mu.Lock()
	worker, exists := d.workers[spokeID]
	if exists {
		worker.cancel()
		delete(d.workers, spokeID)
	}
	d.mu.Unlock()
	d.disarmSpokeWatchdogs(spokeID)

	count, err := d.commands.FailInFlightCommands(spokeID, "spoke removed from fleet")
	if err != nil {
		d.logger.Error("failed to cancel in-flight commands",
			zap.String("spoke_id", spokeID),
			zap.Error(err))
		return
	}
	if count > 0 {
		d.logger.Info("cancelled in-flight commands",
			zap.String("spoke_id", spokeID),
			zap.Int64("count", count))
	}
}

// Shutdown stops all delivery workers
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	for id, worker := range d.workers {
		worker.cancel()
		delete(d.workers, id)
	}
	for id, timers := range d.watchdogs {
		for _, timer := range timers {
			timer.Stop()
		}
		delete(d.watchdogs, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) enqueue(cmd *models.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("dispatcher shut down: %w", ErrSpokeUnreachable)
	}

	worker, exists := d.workers[cmd.SpokeID]
	if !exists {
		ctx, cancel := context.WithCancel(context.Background())
		worker = &spokeWorker{
			queue:  make(chan *models.Command, queueCapacity),
			cancel: cancel,
		}
		d.workers[cmd.SpokeID] = worker

		d.wg.Add(1)
		go d.deliverLoop(ctx, cmd.SpokeID, worker.queue)
	}

	select {
	case worker.queue <- cmd:
		return nil
	default:
		return fmt.Errorf("spoke %s: %w", cmd.SpokeID, ErrQueueFull)
	}
}

// deliverLoop transmits queued commands one at a time, in issue order
func (d *Dispatcher) deliverLoop(ctx context.Context, spokeID string, queue chan *models.Command) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-queue:
			d.deliver(ctx, spokeID, cmd)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, spokeID string, cmd *models.Command) {
	snap, ok := d.fleet.Get(spokeID)
	if !ok {
		d.advance(cmd.ID, models.CommandStateFailed, "spoke removed before delivery")
		return
	}
	if snap.Spoke.Status == models.SpokeStatusOffline {
		d.advance(cmd.ID, models.CommandStateFailed, "spoke went offline before delivery")
		return
	}

	ackCtx, cancel := context.WithTimeout(ctx, d.ackTimeout)
	defer cancel()

	err := d.sender.Execute(ackCtx, snap.Spoke.Address, snap.Spoke.APIKeyDigest, agentapi.ExecuteRequest{
		CommandID: cmd.ID,
		Verb:      cmd.Verb,
		Instance:  cmd.TargetInstance,
	})
	if err != nil {
		if errors.Is(err, agentapi.ErrRejected) {
			// The spoke answered and refused, distinct from never answering
			d.advance(cmd.ID, models.CommandStateFailed, err.Error())
		} else {
			d.advance(cmd.ID, models.CommandStateTimedOut, err.Error())
		}
		return
	}

	d.advance(cmd.ID, models.CommandStateAcknowledged, "")

	// Watchdog: an acknowledged command whose result never arrives is
	// timed out. The monotonic guard makes a late firing a no-op when
	// the result beat the timer.
	d.armWatchdog(spokeID, cmd.ID)
}

func (d *Dispatcher) armWatchdog(spokeID, commandID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	timers := d.watchdogs[spokeID]
	if timers == nil {
		timers = make(map[string]*time.Timer)
		d.watchdogs[spokeID] = timers
	}
	timers[commandID] = time.AfterFunc(d.completionTimeout, func() {
		d.expireCommand(spokeID, commandID)
	})
}

func (d *Dispatcher) expireCommand(spokeID, commandID string) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	d.disarmWatchdog(spokeID, commandID)

	if err := d.commands.AdvanceCommandState(commandID, models.CommandStateTimedOut, "no completion report from spoke"); err == nil {
		d.logger.Warn("command timed out awaiting completion",
			zap.String("command_id", commandID),
			zap.String("spoke_id", spokeID))
	}
}

func (d *Dispatcher) disarmWatchdog(spokeID, commandID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timers := d.watchdogs[spokeID]; timers != nil {
		if timer, ok := timers[commandID]; ok {
			timer.Stop()
			delete(timers, commandID)
			if len(timers) == 0 {
				delete(d.watchdogs, spokeID)
			}
		}
	}
}

func (d *Dispatcher) disarmSpokeWatchdogs(spokeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, timer := range d.watchdogs[spokeID] {
		timer.Stop()
	}
	delete(d.watchdogs, spokeID)
}

func (d *Dispatcher) advance(commandID string, next models.CommandState, detail string) {
	if err := d.commands.AdvanceCommandState(commandID, next, detail); err != nil {
		d.logger.Error("failed to advance command state",
			zap.String("command_id", commandID),
			zap.String("next", string(next)),
			zap.Error(err))
	}
}
