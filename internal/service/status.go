package service

import "github.com/nwfabric/dpb/pkg/dpb"

// counters tallies, by last-reported status, how many of a Service's
// clients currently hold that status. It is the only input
// (besides intent and initiated) the observable status function needs.
type counters struct {
	dormant, inactive, active, failed, released int
}

func (c *counters) get(s dpb.Status) int {
	switch s {
	case dpb.StatusDormant:
		return c.dormant
	case dpb.StatusInactive:
		return c.inactive
	case dpb.StatusActive:
		return c.active
	case dpb.StatusFailed:
		return c.failed
	case dpb.StatusReleased:
		return c.released
	default:
		return 0
	}
}

func (c *counters) add(s dpb.Status, delta int) {
	switch s {
	case dpb.StatusDormant:
		c.dormant += delta
	case dpb.StatusInactive:
		c.inactive += delta
	case dpb.StatusActive:
		c.active += delta
	case dpb.StatusFailed:
		c.failed += delta
	case dpb.StatusReleased:
		c.released += delta
	}
}

// observableStatus derives a Service's observable status: a
// Service's status is entirely determined by its intent, whether it has
// been initiated (a request defined), its client count n, and how many of
// those clients currently report each terminal or semi-terminal status.
// The table is matched top to bottom, first match wins: RELEASE intent is
// checked before anything else (a service can be released before it is
// ever defined, e.g. an operator releasing a freshly-created, still-DORMANT
// service), then FAILED, which is sticky once any client has failed,
// except that RELEASE intent still drives the service on to
// RELEASING/RELEASED past a failure; a released service is not "still
// failed".
func observableStatus(intent dpb.Intent, initiated bool, n int, c counters) dpb.Status {
	if intent == dpb.IntentRelease {
		if n == 0 || c.released == n {
			return dpb.StatusReleased
		}
		return dpb.StatusReleasing
	}
	if c.failed > 0 {
		return dpb.StatusFailed
	}
	if !initiated {
		return dpb.StatusDormant
	}
	if c.dormant > 0 {
		return dpb.StatusEstablishing
	}
	switch intent {
	case dpb.IntentActive:
		if c.active == n {
			return dpb.StatusActive
		}
		return dpb.StatusActivating
	default: // IntentInactive, IntentAbort
		if c.active > 0 {
			return dpb.StatusDeactivating
		}
		return dpb.StatusInactive
	}
}
