package planner_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/nwfabric/dpb/internal/errcat"
	"github.com/nwfabric/dpb/internal/planner"
	"github.com/nwfabric/dpb/internal/store"
	"github.com/nwfabric/dpb/internal/testsupport"
	"github.com/nwfabric/dpb/pkg/dpb"
)

type stubNetwork struct {
	name string
}

func (s stubNetwork) Name() string { return s.name }
func (s stubNetwork) NewService(ctx context.Context) (dpb.InferiorService, error) {
	return nil, nil
}
func (s stubNetwork) GetService(ctx context.Context, id string) (dpb.InferiorService, bool, error) {
	return nil, false, nil
}
func (s stubNetwork) GetTerminal(ctx context.Context, name string) (*dpb.SubterminalRef, bool, error) {
	return nil, false, nil
}
func (s stubNetwork) GetModel(ctx context.Context, minBandwidth uint64) (dpb.DistanceModel, error) {
	return emptyModel{}, nil
}

type emptyModel struct{}

func (emptyModel) Edges() []dpb.DistanceEdge { return nil }

type stubResolver map[string]dpb.InferiorNetwork

func (r stubResolver) Network(name string) (dpb.InferiorNetwork, bool) {
	n, ok := r[name]
	return n, ok
}

func TestPlanHappyPathSymmetric(t *testing.T) {
	gw, mock := testsupport.NewMockGateway(t)
	ctx := context.Background()

	resolver := stubResolver{
		"s1": stubNetwork{name: "s1"},
		"s2": stubNetwork{name: "s2"},
	}
	p := planner.New(resolver)

	terminals := map[dpb.TerminalID]*store.TerminalRow{
		1: {ID: 1, Name: "A", Subnetwork: "s1", Subname: "swA"},
		2: {ID: 2, Name: "B", Subnetwork: "s2", Subname: "swB"},
	}
	request := dpb.ServiceRequest{
		{Circuit: dpb.Circuit{Terminal: 1, Label: 10}, Ingress: 10, Egress: 10},
		{Circuit: dpb.Circuit{Terminal: 2, Label: 20}, Ingress: 10, Egress: 10},
	}

	trunkCols := []string{"id", "start_network", "start_name", "end_network", "end_name",
		"up_cap", "down_cap", "metric", "commissioned"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE commissioned = \$1`).
		WithArgs(true).
		WillReturnRows(mock.NewRows(trunkCols).
			AddRow(int64(1), "s1", "swA", "s2", "swB", int64(100), int64(100), int64(5), true))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "labels" WHERE trunk_id = \$1 AND service_id IS NULL`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(2))

	// worstShortfall's re-read of the trunk row.
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows(trunkCols).
			AddRow(int64(1), "s1", "swA", "s2", "swB", int64(100), int64(100), int64(5), true))

	// commit: AllocateTunnel re-reads the trunk, selects the free label,
	// updates it, then withdraws bandwidth.
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows(trunkCols).
			AddRow(int64(1), "s1", "swA", "s2", "swB", int64(100), int64(100), int64(5), true))
	mock.ExpectQuery(`SELECT start_label FROM "labels"`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows([]string{"start_label"}).AddRow(int64(500)))
	mock.ExpectExec(`UPDATE "labels" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows(trunkCols).
			AddRow(int64(1), "s1", "swA", "s2", "swB", int64(100), int64(100), int64(5), true))
	mock.ExpectExec(`UPDATE "trunks" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT end_label FROM "labels"`).
		WithArgs(int64(1), int64(500)).
		WillReturnRows(mock.NewRows([]string{"end_label"}).AddRow(int64(900)))
	mock.ExpectCommit()

	var result *planner.Result
	err := gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		result, err = p.Plan(ctx, tx, 42, request, terminals)
		return err
	})
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	require.Equal(t, int64(1), result.Allocations[0].TrunkID)
	require.Equal(t, dpb.Label(500), result.Allocations[0].StartLabel)
	require.Equal(t, dpb.Label(900), result.Allocations[0].EndLabel)
	require.Equal(t, uint64(10), result.Allocations[0].Up)
	require.Equal(t, uint64(10), result.Allocations[0].Down)
	require.Len(t, result.SubRequests, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPlanPrunesUndersizedTrunkThenSucceeds exercises the
// prune-and-retry loop: two parallel trunks connect the same pair of
// subterminals, the cheaper one (lower metric) too small for the
// request's aggregated load. The first spanning tree picks the cheap
// trunk, worstShortfall finds it wanting, and the Planner retries with it
// excluded rather than failing outright, succeeding on the second,
// costlier trunk.
func TestPlanPrunesUndersizedTrunkThenSucceeds(t *testing.T) {
	gw, mock := testsupport.NewMockGateway(t)
	ctx := context.Background()

	resolver := stubResolver{
		"s1": stubNetwork{name: "s1"},
		"s2": stubNetwork{name: "s2"},
	}
	p := planner.New(resolver)

	terminals := map[dpb.TerminalID]*store.TerminalRow{
		1: {ID: 1, Name: "A", Subnetwork: "s1", Subname: "swA"},
		2: {ID: 2, Name: "B", Subnetwork: "s2", Subname: "swB"},
	}
	request := dpb.ServiceRequest{
		{Circuit: dpb.Circuit{Terminal: 1, Label: 10}, Ingress: 10, Egress: 10},
		{Circuit: dpb.Circuit{Terminal: 2, Label: 20}, Ingress: 10, Egress: 10},
	}

	trunkCols := []string{"id", "start_network", "start_name", "end_network", "end_name",
		"up_cap", "down_cap", "metric", "commissioned"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE commissioned = \$1`).
		WithArgs(true).
		WillReturnRows(mock.NewRows(trunkCols).
			AddRow(int64(1), "s1", "swA", "s2", "swB", int64(10), int64(5), int64(1), true).
			AddRow(int64(2), "s1", "swA", "s2", "swB", int64(100), int64(100), int64(10), true))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "labels" WHERE trunk_id = \$1 AND service_id IS NULL`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "labels" WHERE trunk_id = \$1 AND service_id IS NULL`).
		WithArgs(int64(2)).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(2))

	// iteration 1: cheaper trunk 1 (metric 1) forms the tree; its up
	// capacity (10) is enough to make it a candidate, but its down capacity
	// (5) falls short of the requested 10/10 load, so it's pruned.
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows(trunkCols).
			AddRow(int64(1), "s1", "swA", "s2", "swB", int64(10), int64(5), int64(1), true))

	// iteration 2: only trunk 2 remains, and it fits.
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(2)).
		WillReturnRows(mock.NewRows(trunkCols).
			AddRow(int64(2), "s1", "swA", "s2", "swB", int64(100), int64(100), int64(10), true))

	// commit: AllocateTunnel re-reads the trunk, selects the free label,
	// updates it, then withdraws bandwidth; GetPeer reads the far label.
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(2)).
		WillReturnRows(mock.NewRows(trunkCols).
			AddRow(int64(2), "s1", "swA", "s2", "swB", int64(100), int64(100), int64(10), true))
	mock.ExpectQuery(`SELECT start_label FROM "labels"`).
		WithArgs(int64(2)).
		WillReturnRows(mock.NewRows([]string{"start_label"}).AddRow(int64(500)))
	mock.ExpectExec(`UPDATE "labels" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE id = \$1`).
		WithArgs(int64(2)).
		WillReturnRows(mock.NewRows(trunkCols).
			AddRow(int64(2), "s1", "swA", "s2", "swB", int64(100), int64(100), int64(10), true))
	mock.ExpectExec(`UPDATE "trunks" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT end_label FROM "labels"`).
		WithArgs(int64(2), int64(500)).
		WillReturnRows(mock.NewRows([]string{"end_label"}).AddRow(int64(900)))
	mock.ExpectCommit()

	var result *planner.Result
	err := gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		result, err = p.Plan(ctx, tx, 42, request, terminals)
		return err
	})
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	require.Equal(t, int64(2), result.Allocations[0].TrunkID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPlanNoPathWhenTrunkLabelRangeExhausted covers the case where the
// only trunk between the requested subterminals still has every tunnel
// label already allocated: candidateEdges drops it entirely, leaving no
// path between the terminals.
func TestPlanNoPathWhenTrunkLabelRangeExhausted(t *testing.T) {
	gw, mock := testsupport.NewMockGateway(t)
	ctx := context.Background()

	resolver := stubResolver{
		"s1": stubNetwork{name: "s1"},
		"s2": stubNetwork{name: "s2"},
	}
	p := planner.New(resolver)

	terminals := map[dpb.TerminalID]*store.TerminalRow{
		1: {ID: 1, Name: "A", Subnetwork: "s1", Subname: "swA"},
		2: {ID: 2, Name: "B", Subnetwork: "s2", Subname: "swB"},
	}
	request := dpb.ServiceRequest{
		{Circuit: dpb.Circuit{Terminal: 1, Label: 10}, Ingress: 10, Egress: 10},
		{Circuit: dpb.Circuit{Terminal: 2, Label: 20}, Ingress: 10, Egress: 10},
	}

	trunkCols := []string{"id", "start_network", "start_name", "end_network", "end_name",
		"up_cap", "down_cap", "metric", "commissioned"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "trunks" WHERE commissioned = \$1`).
		WithArgs(true).
		WillReturnRows(mock.NewRows(trunkCols).
			AddRow(int64(1), "s1", "swA", "s2", "swB", int64(100), int64(100), int64(5), true))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "labels" WHERE trunk_id = \$1 AND service_id IS NULL`).
		WithArgs(int64(1)).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err := gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		_, err := p.Plan(ctx, tx, 42, request, terminals)
		return err
	})
	require.Error(t, err)
	require.Equal(t, errcat.ResourceExhausted, errcat.GetCategory(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
