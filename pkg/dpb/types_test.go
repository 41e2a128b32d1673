package dpb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwfabric/dpb/pkg/dpb"
)

// TestIntentEncoding pins the persisted integer values of the four
// intents. These are wire values stored in the services table; they must
// never drift with constant reordering.
func TestIntentEncoding(t *testing.T) {
	require.Equal(t, 0, int(dpb.IntentInactive))
	require.Equal(t, 1, int(dpb.IntentActive))
	require.Equal(t, 2, int(dpb.IntentAbort))
	require.Equal(t, 3, int(dpb.IntentRelease))
}

func TestIntentString(t *testing.T) {
	require.Equal(t, "INACTIVE", dpb.IntentInactive.String())
	require.Equal(t, "ACTIVE", dpb.IntentActive.String())
	require.Equal(t, "ABORT", dpb.IntentAbort.String())
	require.Equal(t, "RELEASE", dpb.IntentRelease.String())
	require.Equal(t, "Intent(9)", dpb.Intent(9).String())
}
