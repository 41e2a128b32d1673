package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwfabric/dpb/pkg/dpb"
)

func TestObservableStatus(t *testing.T) {
	cases := []struct {
		name      string
		intent    dpb.Intent
		initiated bool
		n         int
		counts    counters
		want      dpb.Status
	}{
		{"not yet defined", dpb.IntentInactive, false, 0, counters{}, dpb.StatusDormant},
		{"establishing", dpb.IntentInactive, true, 2, counters{dormant: 1, inactive: 1}, dpb.StatusEstablishing},
		{"all inactive", dpb.IntentInactive, true, 2, counters{inactive: 2}, dpb.StatusInactive},
		{"activating", dpb.IntentActive, true, 2, counters{inactive: 1, active: 1}, dpb.StatusActivating},
		{"active", dpb.IntentActive, true, 2, counters{active: 2}, dpb.StatusActive},
		{"deactivating", dpb.IntentInactive, true, 2, counters{active: 1, inactive: 1}, dpb.StatusDeactivating},
		{"failed sticky", dpb.IntentActive, true, 2, counters{active: 1, failed: 1}, dpb.StatusFailed},
		{"releasing", dpb.IntentRelease, true, 2, counters{released: 1, active: 1}, dpb.StatusReleasing},
		{"released", dpb.IntentRelease, true, 2, counters{released: 2}, dpb.StatusReleased},
		{"released with no clients", dpb.IntentRelease, true, 0, counters{}, dpb.StatusReleased},
		{"release overrides failure", dpb.IntentRelease, true, 2, counters{failed: 1, released: 1}, dpb.StatusReleasing},
		{"release before ever defined", dpb.IntentRelease, false, 0, counters{}, dpb.StatusReleased},
		{"failure wins over uninitiated", dpb.IntentInactive, false, 1, counters{failed: 1}, dpb.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, observableStatus(tc.intent, tc.initiated, tc.n, tc.counts))
		})
	}
}
