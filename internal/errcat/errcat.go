// Package errcat tags every error raised by the aggregator with a
// Category: PersistenceError, InvalidRequest, ResourceExhausted, Conflict,
// NotFound, IllegalState, SubserviceFailure.
package errcat

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category is one of the seven error kinds the aggregator raises.
type Category int

const (
	Unknown Category = iota
	Persistence
	InvalidRequest
	ResourceExhausted
	Conflict
	NotFound
	IllegalState
	SubserviceFailure
)

func (c Category) String() string {
	switch c {
	case Persistence:
		return "PersistenceError"
	case InvalidRequest:
		return "InvalidRequest"
	case ResourceExhausted:
		return "ResourceExhausted"
	case Conflict:
		return "Conflict"
	case NotFound:
		return "NotFound"
	case IllegalState:
		return "IllegalState"
	case SubserviceFailure:
		return "SubserviceFailure"
	default:
		return "Unknown"
	}
}

// categorized is the concrete error type every Category.New/.Newf/.Wrap
// produces. The wrapped cause is preserved so callers can still
// errors.Is/errors.As through it.
type categorized struct {
	category Category
	cause    error
}

func (e *categorized) Error() string {
	return e.cause.Error()
}

func (e *categorized) Unwrap() error {
	return e.cause
}

func (e *categorized) Cause() error {
	return e.cause
}

// New creates a new error of this category from a message.
func (c Category) New(msg string) error {
	return &categorized{category: c, cause: errors.New(msg)}
}

// Newf creates a new error of this category from a format string. A
// trailing %w verb is honored the same way fmt.Errorf honors it.
func (c Category) Newf(format string, args ...any) error {
	return &categorized{category: c, cause: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error with this category, preserving it as the
// cause. Wrapping nil returns nil.
func (c Category) Wrap(err error) error {
	if err == nil {
		return nil
	}
	if cz, ok := err.(*categorized); ok && cz.category == c {
		return cz
	}
	return &categorized{category: c, cause: err}
}

// GetCategory recovers the category of err, or Unknown if err was never
// categorized.
func GetCategory(err error) Category {
	for err != nil {
		if cz, ok := err.(*categorized); ok {
			return cz.category
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Unknown
}

// Is reports whether err (or anything it wraps) was categorized as c.
func Is(err error, c Category) bool {
	return GetCategory(err) == c
}

// Named error kinds built on top of the seven categories. Each is
// constructed with Newf so call sites can add identifying detail (which
// trunk, which service, ...).

func NoPath(detail string) error {
	return ResourceExhausted.Newf("no path: %s", detail)
}

func NoFreeLabel(trunk int64) error {
	return ResourceExhausted.Newf("no free label on trunk %d", trunk)
}

func InsufficientCapacity(trunk int64, wantUp, wantDown, haveUp, haveDown uint64) error {
	return ResourceExhausted.Newf(
		"insufficient capacity on trunk %d: want up=%d down=%d, have up=%d down=%d",
		trunk, wantUp, wantDown, haveUp, haveDown)
}

func TerminalExists(name string) error {
	return Conflict.Newf("terminal %q already exists", name)
}

func LabelsInUse(trunk int64) error {
	return Conflict.Newf("labels in use on trunk %d", trunk)
}

func TerminalInUse(name string) error {
	return Conflict.Newf("terminal %q is in use", name)
}

func UnknownTerminal(name string) error {
	return NotFound.Newf("unknown terminal %q", name)
}

func UnknownTrunk(id int64) error {
	return NotFound.Newf("unknown trunk %d", id)
}

func UnknownSubnetwork(name string) error {
	return NotFound.Newf("unknown subnetwork %q", name)
}

func UnknownSubterminal(subnet, subname string) error {
	return NotFound.Newf("unknown subterminal %s/%s", subnet, subname)
}

func ServiceReleased(id int64) error {
	return IllegalState.Newf("service %d is released", id)
}

func ServiceReleasing(id int64) error {
	return IllegalState.Newf("service %d is releasing", id)
}

func ServiceInUse(id int64) error {
	return IllegalState.Newf("service %d is already initiated", id)
}

func TrunkRemoved(id int64) error {
	return IllegalState.Newf("trunk %d has been removed", id)
}
