package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwfabric/dpb/internal/errcat"
	"github.com/nwfabric/dpb/internal/store"
	"github.com/nwfabric/dpb/internal/testsupport"
	"github.com/nwfabric/dpb/pkg/dpb"
)

func TestInsertAndGetTrunk(t *testing.T) {
	gw, mock := testsupport.NewMockGateway(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "trunks"`).
		WithArgs("net-a", "sw0", "net-b", "sw1", int64(0), int64(0), int64(5), true).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	var id int64
	err := gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		id, err = tx.InsertTrunk(ctx, dpb.SubterminalRef{Subnetwork: "net-a", Subname: "sw0"},
			dpb.SubterminalRef{Subnetwork: "net-b", Subname: "sw1"}, 5)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawBandwidthInsufficientCapacity(t *testing.T) {
	gw, mock := testsupport.NewMockGateway(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnRows(mock.NewRows(
			[]string{"id", "start_network", "start_name", "end_network", "end_name", "up_cap", "down_cap", "metric", "commissioned"}).
			AddRow(int64(9), "a", "x", "b", "y", int64(10), int64(10), int64(1), true))
	mock.ExpectRollback()

	err := gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.WithdrawBandwidth(ctx, 9, 20, 5)
	})
	require.Error(t, err)
	require.Equal(t, errcat.ResourceExhausted, errcat.GetCategory(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
