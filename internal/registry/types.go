package registry

import (
	"time"

	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// Default failure thresholds for the heartbeat state machine. A spoke is
// demoted to degraded after DegradedThreshold consecutive missed heartbeats
// and to offline after OfflineThreshold.
const (
	DefaultDegradedThreshold = 2
	DefaultOfflineThreshold  = 4
	DefaultHistorySize       = 30
)

// Snapshot is a point-in-time copy of one tracked spoke record
type Snapshot struct {
	Spoke               models.Spoke
	LastSeen            time.Time
	ConsecutiveFailures int
	Metrics             *models.Metrics
}

// statusTransitions is the set of legal status edges. Everything else is a
// no-op: pending spokes stay pending until their first successful heartbeat,
// and offline spokes can only come back through online.
var statusTransitions = map[models.SpokeStatus][]models.SpokeStatus{
	models.SpokeStatusPending:  {models.SpokeStatusOnline},
	models.SpokeStatusOnline:   {models.SpokeStatusDegraded},
	models.SpokeStatusDegraded: {models.SpokeStatusOnline, models.SpokeStatusOffline},
	models.SpokeStatusOffline:  {models.SpokeStatusOnline},
}

func transitionAllowed(from, to models.SpokeStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
