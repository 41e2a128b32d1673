package dpb

import "context"

// Listener receives status events for a single subservice. newStatus is the
// only method, and it must return nothing: the Event Dispatcher only
// delivers void-returning listener methods through its sequenced
// executor; anything with a non-void return is called synchronously and
// therefore does not belong on this interface.
type Listener interface {
	NewStatus(ctx context.Context, status Status)
}

// InferiorService is a subservice delegated to an inferior network. It is
// the aggregator-facing half of the inferior network interface consumed by
// this module. Every method is a suspension point: it may
// block on the inferior network's own I/O.
type InferiorService interface {
	ID() string
	Define(ctx context.Context, request ServiceRequest) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Release(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
	GetRequest(ctx context.Context) (ServiceRequest, error)
	Errors(ctx context.Context) []error
	AddListener(ctx context.Context, l Listener) error
	RemoveListener(ctx context.Context, l Listener) error
}

// InferiorNetwork is the narrow interface an inferior network (a switch or
// another aggregator) exposes to this aggregator. The Trunk
// Manager and Planner only ever see subterminals and distance models
// through this interface; the switch fabric back-end and its REST client
// are out of scope and live behind an implementation of this interface
// supplied by the caller.
type InferiorNetwork interface {
	Name() string
	NewService(ctx context.Context) (InferiorService, error)
	GetService(ctx context.Context, id string) (InferiorService, bool, error)
	GetTerminal(ctx context.Context, name string) (*SubterminalRef, bool, error)
	GetModel(ctx context.Context, minBandwidth uint64) (DistanceModel, error)
}

// DistanceEdge is one entry of a DistanceModel: the pairwise minimum-delay
// route between two subterminals of the same inferior network, at the
// capacity the model was computed for.
type DistanceEdge struct {
	From, To SubterminalRef
	Metric   uint32
}

// DistanceModel is the read-side routing model an inferior network
// publishes for a given minimum bandwidth: the pairwise minimum-delay
// edges between every pair of its terminals that are mutually reachable
// at that bandwidth. The Planner treats each edge as an internal-cost arc
// when building its candidate graph.
type DistanceModel interface {
	Edges() []DistanceEdge
}
