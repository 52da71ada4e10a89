package policy

import "github.com/ineyio/imagegate"

// AlwaysBatch routes every submission, even a single prompt, through the
// batch API for the discounted price.
type AlwaysBatch struct{}

var _ imagegate.RoutingPolicy = AlwaysBatch{}

func (AlwaysBatch) Route(int) imagegate.Route { return imagegate.RouteBatch }

// AlwaysDirect never batches. Useful when the batch API is unavailable for
// an account.
type AlwaysDirect struct{}

var _ imagegate.RoutingPolicy = AlwaysDirect{}

func (AlwaysDirect) Route(int) imagegate.Route { return imagegate.RouteDirect }
