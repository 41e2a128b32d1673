package aggregator_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwfabric/dpb/internal/aggregator"
	"github.com/nwfabric/dpb/internal/testsupport"
	"github.com/nwfabric/dpb/pkg/dpb"
)

func TestAddTerminalAndDumpStatus(t *testing.T) {
	gw, mock := testsupport.NewMockGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := aggregator.New(ctx, "test-agg", gw, 4, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "terminals"`).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	id, err := a.AddTerminal(ctx, "A", dpb.SubterminalRef{Subnetwork: "s1", Subname: "swA"})
	require.NoError(t, err)
	require.Equal(t, int64(1), int64(id))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "terminals"`).
		WillReturnRows(mock.NewRows([]string{"id", "name", "subnetwork", "subname"}).
			AddRow(int64(1), "A", "s1", "swA"))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "trunks"`).
		WillReturnRows(mock.NewRows([]string{"id", "start_network", "start_name", "end_network", "end_name",
			"up_cap", "down_cap", "metric", "commissioned"}))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM "services"`).
		WillReturnRows(mock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	var buf bytes.Buffer
	require.NoError(t, a.DumpStatus(ctx, &buf))
	require.Contains(t, buf.String(), "test-agg")
	require.Contains(t, buf.String(), "A -> s1/swA")
	require.NoError(t, mock.ExpectationsWereMet())
}
