package policy

import "github.com/ineyio/imagegate"

// ThresholdPolicy batches submissions of at least MinBatch prompts and sends
// smaller ones down the direct path.
type ThresholdPolicy struct {
	MinBatch int
}

var _ imagegate.RoutingPolicy = ThresholdPolicy{}

// Threshold returns a ThresholdPolicy. Values below 1 are treated as 1.
func Threshold(minBatch int) ThresholdPolicy {
	if minBatch < 1 {
		minBatch = 1
	}
	return ThresholdPolicy{MinBatch: minBatch}
}

// Route implements imagegate.RoutingPolicy.
func (p ThresholdPolicy) Route(n int) imagegate.Route {
	if n >= p.MinBatch {
		return imagegate.RouteBatch
	}
	return imagegate.RouteDirect
}
