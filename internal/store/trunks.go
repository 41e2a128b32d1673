package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nwfabric/dpb/internal/errcat"
	"github.com/nwfabric/dpb/pkg/dpb"
)

// InsertTrunk creates a trunk between two subterminals with zero capacity
// in both directions; capacity is added later via ProvideBandwidth.
func (tx *Tx) InsertTrunk(ctx context.Context, start, end dpb.SubterminalRef, metric int64) (int64, error) {
	q, args, err := tx.sb.Insert(ident(tx.tables.Trunks)).
		Columns("start_network", "start_name", "end_network", "end_name", "up_cap", "down_cap", "metric", "commissioned").
		Values(start.Subnetwork, start.Subname, end.Subnetwork, end.Subname, 0, 0, metric, true).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, errcat.Persistence.Wrap(err)
	}
	var id int64
	if err := tx.tx.GetContext(ctx, &id, tx.tx.Rebind(q), args...); err != nil {
		return 0, errcat.Persistence.Wrap(err)
	}
	return id, nil
}

func (tx *Tx) GetTrunk(ctx context.Context, id int64) (*TrunkRow, bool, error) {
	var row TrunkRow
	q, args, err := tx.sb.Select("id", "start_network", "start_name", "end_network", "end_name",
		"up_cap", "down_cap", "metric", "commissioned").
		From(ident(tx.tables.Trunks)).Where("id = ?", id).ToSql()
	if err != nil {
		return nil, false, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.GetContext(ctx, &row, tx.tx.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errcat.Persistence.Wrap(err)
	}
	return &row, true, nil
}

// FindTrunk returns the trunk with subterm as either endpoint, matching the
// inferior DistanceModel's request for the trunk reachable from a given
// subterminal.
func (tx *Tx) FindTrunk(ctx context.Context, subterm dpb.SubterminalRef) (*TrunkRow, bool, error) {
	var row TrunkRow
	q, args, err := tx.sb.Select("id", "start_network", "start_name", "end_network", "end_name",
		"up_cap", "down_cap", "metric", "commissioned").
		From(ident(tx.tables.Trunks)).
		Where("(start_network = ? AND start_name = ?) OR (end_network = ? AND end_name = ?)",
			subterm.Subnetwork, subterm.Subname, subterm.Subnetwork, subterm.Subname).
		Limit(1).ToSql()
	if err != nil {
		return nil, false, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.GetContext(ctx, &row, tx.tx.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errcat.Persistence.Wrap(err)
	}
	return &row, true, nil
}

func (tx *Tx) ListTrunks(ctx context.Context) ([]TrunkRow, error) {
	var rows []TrunkRow
	q, args, err := tx.sb.Select("id", "start_network", "start_name", "end_network", "end_name",
		"up_cap", "down_cap", "metric", "commissioned").
		From(ident(tx.tables.Trunks)).OrderBy("id").ToSql()
	if err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.SelectContext(ctx, &rows, tx.tx.Rebind(q), args...); err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	return rows, nil
}

// ListCommissionedTrunks is the candidate-edge set the Planner builds
// its graph from: decommissioned trunks are excluded from new
// allocations even though their existing tunnels stay intact.
func (tx *Tx) ListCommissionedTrunks(ctx context.Context) ([]TrunkRow, error) {
	var rows []TrunkRow
	q, args, err := tx.sb.Select("id", "start_network", "start_name", "end_network", "end_name",
		"up_cap", "down_cap", "metric", "commissioned").
		From(ident(tx.tables.Trunks)).Where("commissioned = ?", true).OrderBy("id").ToSql()
	if err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.SelectContext(ctx, &rows, tx.tx.Rebind(q), args...); err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	return rows, nil
}

func (tx *Tx) requireTrunk(ctx context.Context, id int64) (*TrunkRow, error) {
	row, ok, err := tx.GetTrunk(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errcat.UnknownTrunk(id)
	}
	return row, nil
}

// ProvideBandwidth increases a trunk's residual up/down capacity.
// Negative deltas are rejected by the caller layer; store only ever adds
// non-negative amounts here.
func (tx *Tx) ProvideBandwidth(ctx context.Context, trunkID int64, up, down int64) error {
	if _, err := tx.requireTrunk(ctx, trunkID); err != nil {
		return err
	}
	q, args, err := tx.sb.Update(ident(tx.tables.Trunks)).
		Set("up_cap", sqExpr("up_cap + ?", up)).
		Set("down_cap", sqExpr("down_cap + ?", down)).
		Where("id = ?", trunkID).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

// WithdrawBandwidth decreases a trunk's residual capacity. Fails with
// ResourceExhausted if the trunk does not currently have that much free.
func (tx *Tx) WithdrawBandwidth(ctx context.Context, trunkID int64, up, down int64) error {
	row, err := tx.requireTrunk(ctx, trunkID)
	if err != nil {
		return err
	}
	if row.UpCap < up || row.DownCap < down {
		return errcat.InsufficientCapacity(trunkID, uint64(up), uint64(down), uint64(row.UpCap), uint64(row.DownCap))
	}
	q, args, err := tx.sb.Update(ident(tx.tables.Trunks)).
		Set("up_cap", sqExpr("up_cap - ?", up)).
		Set("down_cap", sqExpr("down_cap - ?", down)).
		Where("id = ?", trunkID).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

// SetDelay updates a trunk's propagation metric, consumed by the Planner's
// distance-vector FIB.
func (tx *Tx) SetDelay(ctx context.Context, trunkID int64, metric int64) error {
	if _, err := tx.requireTrunk(ctx, trunkID); err != nil {
		return err
	}
	q, args, err := tx.sb.Update(ident(tx.tables.Trunks)).
		Set("metric", metric).Where("id = ?", trunkID).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

func (tx *Tx) SetCommissioned(ctx context.Context, trunkID int64, commissioned bool) error {
	if _, err := tx.requireTrunk(ctx, trunkID); err != nil {
		return err
	}
	q, args, err := tx.sb.Update(ident(tx.tables.Trunks)).
		Set("commissioned", commissioned).Where("id = ?", trunkID).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

// DeleteTrunk removes a trunk row. Fails with Conflict (LabelsInUse) if any
// of its labels are still allocated to a service; removing it out from
// under a live tunnel would strand that service's state.
func (tx *Tx) DeleteTrunk(ctx context.Context, trunkID int64) error {
	if _, err := tx.requireTrunk(ctx, trunkID); err != nil {
		return err
	}
	var allocated int
	q, args, err := tx.sb.Select("COUNT(*)").From(ident(tx.tables.Labels)).
		Where("trunk_id = ? AND service_id IS NOT NULL", trunkID).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.GetContext(ctx, &allocated, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if allocated > 0 {
		return errcat.LabelsInUse(trunkID)
	}

	dq, dargs, err := tx.sb.Delete(ident(tx.tables.Labels)).Where("trunk_id = ?", trunkID).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(dq), dargs...); err != nil {
		return errcat.Persistence.Wrap(err)
	}

	tq, targs, err := tx.sb.Delete(ident(tx.tables.Trunks)).Where("id = ?", trunkID).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(tq), targs...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}
