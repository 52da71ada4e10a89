package imagegate

// Route is the path a set of prompts takes through the coordinator.
type Route int

const (
	// RouteDirect sends each prompt straight to the Gateway.
	RouteDirect Route = iota
	// RouteBatch groups the prompts into one discounted BatchJob.
	RouteBatch
)

func (r Route) String() string {
	switch r {
	case RouteDirect:
		return "direct"
	case RouteBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// RoutingPolicy decides between the direct and the batch path.
type RoutingPolicy interface {
	// Route returns the path for a submission of n prompts.
	Route(n int) Route
}

// thresholdPolicy is the default RoutingPolicy: batch from minBatch prompts up.
type thresholdPolicy struct {
	minBatch int
}

func (p thresholdPolicy) Route(n int) Route {
	if n >= p.minBatch {
		return RouteBatch
	}
	return RouteDirect
}
