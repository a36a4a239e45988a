package meter

import (
	"log/slog"

	"github.com/veldt-io/reservoir"
)

// LogMeter logs engine events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ reservoir.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e reservoir.DecisionEvent) {
	for _, h := range e.Headrooms {
		m.Logger.Debug("headroom",
			"tenant", e.TenantID,
			"resource", h.Resource,
			"delta", h.Delta,
			"usage", h.Usage,
			"limit", h.Limit,
			"headroom", h.Headroom,
		)
	}
	if e.Granted {
		m.Logger.Info("reservation_granted",
			"tenant", e.TenantID,
			"reservation_id", e.ReservationID,
		)
	} else {
		m.Logger.Warn("reservation_denied",
			"tenant", e.TenantID,
			"over_quota", e.Overs,
		)
	}
}

func (m *LogMeter) OnReclaim(e reservoir.ReclaimEvent) {
	m.Logger.Debug("expired_reservations_reclaimed",
		"tenant", e.TenantID,
		"removed", e.Removed,
	)
}

func (m *LogMeter) OnRetry(e reservoir.RetryEvent) {
	m.Logger.Warn("reservation_retry",
		"tenant", e.TenantID,
		"attempt", e.Attempt,
		"error", e.Err,
	)
}
