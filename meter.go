package reservoir

// Meter observes engine decisions for monitoring/logging.
type Meter interface {
	// OnDecision is called after every reservation attempt.
	OnDecision(event DecisionEvent)

	// OnReclaim is called when expired reservation rows are removed.
	OnReclaim(event ReclaimEvent)

	// OnRetry is called before a contention-triggered retry attempt.
	OnRetry(event RetryEvent)
}

// DecisionEvent describes the outcome of one reservation attempt.
type DecisionEvent struct {
	TenantID      string
	Deltas        map[string]int64
	Granted       bool
	ReservationID string
	Overs         []string
	Headrooms     []HeadroomDetail
}

// HeadroomDetail records the arithmetic behind one resource's check.
type HeadroomDetail struct {
	Resource string
	Delta    int64
	Usage    int64
	Limit    int64
	Headroom int64
}

// ReclaimEvent describes removal of expired reservation rows.
type ReclaimEvent struct {
	TenantID string
	Removed  int64
}

// RetryEvent describes a retry of a contended reservation attempt.
type RetryEvent struct {
	TenantID string
	Attempt  int
	Err      error
}

// noopMeter ignores all events.
type noopMeter struct{}

func (noopMeter) OnDecision(DecisionEvent) {}
func (noopMeter) OnReclaim(ReclaimEvent)   {}
func (noopMeter) OnRetry(RetryEvent)       {}
