package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Gizmo3030/lgsm-hub/internal/db"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// Defaults for outward notification delivery
const (
	DefaultQueueSize = 64
	DefaultTimeout   = 10 * time.Second
)

// payload is the structured body pushed to the operator's webhook. Content
// mirrors the fields in a human-readable line so chat webhooks (Discord and
// compatible) render something useful without configuration.
type payload struct {
	Content    string `json:"content"`
	SpokeID    string `json:"spoke_id"`
	SpokeName  string `json:"spoke_name"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Timestamp  string `json:"timestamp"`
}

// Config holds Notifier construction parameters
type Config struct {
	Settings  db.SettingRepository
	QueueSize int
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Notifier translates transition events into webhook notifications.
// Delivery is best-effort: a full queue or a failing webhook drops the
// notification and never applies backpressure to the heartbeat path.
type Notifier struct {
	settings db.SettingRepository
	client   *http.Client
	logger   *zap.Logger

	queue  chan models.TransitionEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewNotifier creates a new Notifier instance
func NewNotifier(cfg Config) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Notifier{
		settings: cfg.Settings,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger,
		queue:    make(chan models.TransitionEvent, cfg.QueueSize),
	}
}

// Start launches the delivery loop
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return
	}
	n.started = true

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add(1)
	go n.deliverLoop(ctx)
}

// Shutdown stops the delivery loop
func (n *Notifier) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return
	}
	n.started = false

	n.cancel()
	n.wg.Wait()
}

// OnEvent enqueues a transition event for delivery. Never blocks: when the
// queue is full the event is dropped and counted against the log.
func (n *Notifier) OnEvent(event models.TransitionEvent) {
	select {
	case n.queue <- event:
	default:
		n.logger.Warn("notification queue full, dropping event",
			zap.String("spoke_id", event.SpokeID),
			zap.String("to", string(event.ToStatus)))
	}
}

func (n *Notifier) deliverLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.queue:
			n.deliver(ctx, event)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, event models.TransitionEvent) {
	url, err := n.settings.GetSetting(models.SettingWebhookURL)
	if err != nil {
		n.logger.Error("failed to read webhook url", zap.Error(err))
		return
	}
	if url == "" {
		return
	}

	body, err := json.Marshal(payload{
		Content: fmt.Sprintf("Spoke %s (%s): %s -> %s",
			event.SpokeName, event.SpokeID, event.FromStatus, event.ToStatus),
		SpokeID:    event.SpokeID,
		SpokeName:  event.SpokeName,
		FromStatus: string(event.FromStatus),
		ToStatus:   string(event.ToStatus),
		Timestamp:  event.OccurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.logger.Error("failed to marshal notification", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to build webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			zap.String("spoke_id", event.SpokeID),
			zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected",
			zap.String("spoke_id", event.SpokeID),
			zap.Int("status", resp.StatusCode))
		return
	}

	n.logger.Debug("webhook delivered",
		zap.String("spoke_id", event.SpokeID),
		zap.String("to", string(event.ToStatus)))
}
