// Package dpb defines the vocabulary shared between the Persistent
// Aggregator and the networks it composes: terminals, circuits, trunks,
// and the narrow interfaces an inferior network must satisfy to be
// delegated a subservice.
package dpb

import "fmt"

// Label identifies a sub-channel on a terminal. Its meaning (VLAN id,
// possibly stacked) is decided by the owning network.
type Label uint32

// TerminalID is the aggregator-local identity of a Terminal.
type TerminalID int64

func (t TerminalID) String() string {
	return fmt.Sprintf("%d", int64(t))
}

// Circuit is a terminal plus a label: the addressable endpoint of a
// service.
type Circuit struct {
	Terminal TerminalID
	Label    Label
}

func (c Circuit) String() string {
	return fmt.Sprintf("%d/%d", c.Terminal, c.Label)
}

// SubterminalRef is an opaque reference to a terminal owned by an
// inferior network: the pair (subnetwork name, subterminal name).
type SubterminalRef struct {
	Subnetwork string
	Subname    string
}

func (r SubterminalRef) String() string {
	return fmt.Sprintf("%s/%s", r.Subnetwork, r.Subname)
}

// Terminal is a named point of access on an aggregator, backed by a
// subterminal on one inferior network. Immutable once created.
type Terminal struct {
	ID         TerminalID
	Name       string
	Subnetwork string
	Subname    string
}

// Bandwidth is an unsigned per-direction bandwidth request or allocation. The
// two directions are always named relative to the direction the request
// was issued in: Ingress is traffic flowing into the aggregator from the
// circuit, Egress is traffic flowing out to it.
type Bandwidth struct {
	Ingress uint64
	Egress  uint64
}

// CircuitRequest is the user-facing request for a single circuit within a
// service: the desired per-direction bandwidth and whether the circuit is
// shaped or merely policed.
type CircuitRequest struct {
	Circuit Circuit
	Ingress uint64
	Egress  uint64
	Shaping bool
}

// ServiceRequest is the set of circuits a service interconnects.
type ServiceRequest []CircuitRequest

// Intent is the only persisted control variable of a Service. Its wire
// encoding is fixed independently of declaration order.
type Intent int

const (
	IntentInactive Intent = 0
	IntentActive   Intent = 1
	IntentAbort    Intent = 2
	IntentRelease  Intent = 3
)

func (i Intent) String() string {
	switch i {
	case IntentInactive:
		return "INACTIVE"
	case IntentActive:
		return "ACTIVE"
	case IntentAbort:
		return "ABORT"
	case IntentRelease:
		return "RELEASE"
	default:
		return fmt.Sprintf("Intent(%d)", int(i))
	}
}

// Status is the observable, derived state of a Service.
type Status int

const (
	StatusDormant Status = iota
	StatusEstablishing
	StatusInactive
	StatusActivating
	StatusActive
	StatusDeactivating
	StatusFailed
	StatusReleasing
	StatusReleased
)

func (s Status) String() string {
	switch s {
	case StatusDormant:
		return "DORMANT"
	case StatusEstablishing:
		return "ESTABLISHING"
	case StatusInactive:
		return "INACTIVE"
	case StatusActivating:
		return "ACTIVATING"
	case StatusActive:
		return "ACTIVE"
	case StatusDeactivating:
		return "DEACTIVATING"
	case StatusFailed:
		return "FAILED"
	case StatusReleasing:
		return "RELEASING"
	case StatusReleased:
		return "RELEASED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ServiceID is the aggregator-local identity of a Service.
type ServiceID int64
