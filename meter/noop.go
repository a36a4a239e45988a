package meter

import "github.com/veldt-io/reservoir"

// NoopMeter ignores all events.
type NoopMeter struct{}

var _ reservoir.Meter = (*NoopMeter)(nil)

func (*NoopMeter) OnDecision(reservoir.DecisionEvent) {}
func (*NoopMeter) OnReclaim(reservoir.ReclaimEvent)   {}
func (*NoopMeter) OnRetry(reservoir.RetryEvent)       {}
