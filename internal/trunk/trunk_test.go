package trunk_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/nwfabric/dpb/internal/errcat"
	"github.com/nwfabric/dpb/internal/testsupport"
	"github.com/nwfabric/dpb/internal/trunk"
)

func TestRemoveTrunkDisablesHandle(t *testing.T) {
	gw, mock := testsupport.NewMockGateway(t)
	ctx := context.Background()
	mgr := trunk.NewManager(gw)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows(
			[]string{"id", "start_network", "start_name", "end_network", "end_name", "up_cap", "down_cap", "metric", "commissioned"}).
			AddRow(int64(1), "a", "x", "b", "y", int64(0), int64(0), int64(1), true))
	mock.ExpectCommit()

	h, err := mgr.GetHandle(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), h.ID())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows(
			[]string{"id", "start_network", "start_name", "end_network", "end_name", "up_cap", "down_cap", "metric", "commissioned"}).
			AddRow(int64(1), "a", "x", "b", "y", int64(0), int64(0), int64(1), true))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "labels"`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`DELETE FROM "labels"`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM "trunks"`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, mgr.RemoveTrunk(ctx, 1))

	err = h.ProvideBandwidth(ctx, 10, 10)
	require.Error(t, err)
	require.Equal(t, errcat.IllegalState, errcat.GetCategory(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReversedViewSwapsOrientation(t *testing.T) {
	gw, mock := testsupport.NewMockGateway(t)
	ctx := context.Background()
	mgr := trunk.NewManager(gw)

	trunkCols := []string{"id", "start_network", "start_name", "end_network", "end_name",
		"up_cap", "down_cap", "metric", "commissioned"}
	trunkRow := func() *sqlmock.Rows {
		return mock.NewRows(trunkCols).
			AddRow(int64(4), "a", "x", "b", "y", int64(10), int64(10), int64(1), true)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(4)).WillReturnRows(trunkRow())
	mock.ExpectCommit()

	h, err := mgr.GetHandle(ctx, 4)
	require.NoError(t, err)
	r := h.Reverse()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(4)).WillReturnRows(trunkRow())
	mock.ExpectCommit()
	start, err := r.GetStartTerminal(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", start.Subnetwork)
	require.Equal(t, "y", start.Subname)

	// Capacity directions swap with the orientation: the reversed view's
	// up is the underlying trunk's down.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(4)).WillReturnRows(trunkRow())
	mock.ExpectExec(`UPDATE "trunks" SET`).
		WithArgs(int64(7), int64(5), int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, r.ProvideBandwidth(ctx, 5, 7))

	require.Same(t, h, r.Reverse())
	require.NoError(t, mock.ExpectationsWereMet())
}
