package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nwfabric/dpb/internal/errcat"
)

// DefineLabelRange inserts amount label tuples into a trunk's label map,
// pairing startBase+i with endBase+i. Fails
// with Conflict (LabelsInUse) if any tuple in the range already exists.
func (tx *Tx) DefineLabelRange(ctx context.Context, trunkID int64, startBase, endBase int64, amount int) error {
	if _, err := tx.requireTrunk(ctx, trunkID); err != nil {
		return err
	}
	ib := tx.sb.Insert(ident(tx.tables.Labels)).
		Columns("trunk_id", "start_label", "end_label", "up_alloc", "down_alloc", "service_id")
	for i := 0; i < amount; i++ {
		ib = ib.Values(trunkID, startBase+int64(i), endBase+int64(i), nil, nil, nil)
	}
	q, args, err := ib.ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		if isUniqueViolation(err) {
			return errcat.LabelsInUse(trunkID)
		}
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

// RevokeStartLabelRange removes amount free label tuples whose start_label
// falls in [startBase, startBase+amount). Fails with Conflict
// (LabelsInUse) if any tuple in the range is still allocated.
func (tx *Tx) RevokeStartLabelRange(ctx context.Context, trunkID int64, startBase int64, amount int) error {
	return tx.revokeLabelRange(ctx, trunkID, "start_label", startBase, amount)
}

// RevokeEndLabelRange is the symmetric operation over end_label.
func (tx *Tx) RevokeEndLabelRange(ctx context.Context, trunkID int64, endBase int64, amount int) error {
	return tx.revokeLabelRange(ctx, trunkID, "end_label", endBase, amount)
}

func (tx *Tx) revokeLabelRange(ctx context.Context, trunkID int64, column string, base int64, amount int) error {
	if _, err := tx.requireTrunk(ctx, trunkID); err != nil {
		return err
	}
	var inUse int
	q, args, err := tx.sb.Select("COUNT(*)").From(ident(tx.tables.Labels)).
		Where("trunk_id = ? AND "+column+" >= ? AND "+column+" < ? AND service_id IS NOT NULL",
			trunkID, base, base+int64(amount)).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.GetContext(ctx, &inUse, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if inUse > 0 {
		return errcat.LabelsInUse(trunkID)
	}
	dq, dargs, err := tx.sb.Delete(ident(tx.tables.Labels)).
		Where("trunk_id = ? AND "+column+" >= ? AND "+column+" < ?", trunkID, base, base+int64(amount)).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(dq), dargs...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

// GetPeer looks up the label on the opposite side of a tunnel, given either
// its start or end label.
func (tx *Tx) GetPeer(ctx context.Context, trunkID int64, label int64, fromStart bool) (int64, bool, error) {
	var (
		peer   int64
		lookup string
		target string
	)
	if fromStart {
		lookup, target = "start_label", "end_label"
	} else {
		lookup, target = "end_label", "start_label"
	}
	q, args, err := tx.sb.Select(target).From(ident(tx.tables.Labels)).
		Where("trunk_id = ? AND "+lookup+" = ?", trunkID, label).ToSql()
	if err != nil {
		return 0, false, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.GetContext(ctx, &peer, tx.tx.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errcat.Persistence.Wrap(err)
	}
	return peer, true, nil
}

// GetAvailableTunnelCount reports how many free label tuples a trunk has
// left, independent of residual
// bandwidth capacity.
func (tx *Tx) GetAvailableTunnelCount(ctx context.Context, trunkID int64) (int, error) {
	var n int
	q, args, err := tx.sb.Select("COUNT(*)").From(ident(tx.tables.Labels)).
		Where("trunk_id = ? AND service_id IS NULL", trunkID).ToSql()
	if err != nil {
		return 0, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.GetContext(ctx, &n, tx.tx.Rebind(q), args...); err != nil {
		return 0, errcat.Persistence.Wrap(err)
	}
	return n, nil
}

// AllocateTunnel is the atomic heart of the Persistence Gateway contract:
// verify the trunk has both a free label tuple and
// sufficient residual bandwidth, claim the first free tuple, bind it to
// serviceID, and decrement the trunk's residual capacity, all inside the
// caller's transaction, so a concurrent allocator serializes behind this
// one under SERIALIZABLE isolation. Returns
// errcat.ResourceExhausted (wrapping NoFreeLabel/InsufficientCapacity) if
// either check fails; the caller is expected to treat that as "no capacity
// on this trunk", not a hard error.
func (tx *Tx) AllocateTunnel(ctx context.Context, trunkID, serviceID int64, up, down uint64) (int64, error) {
	trunk, err := tx.requireTrunk(ctx, trunkID)
	if err != nil {
		return 0, err
	}
	if !trunk.Commissioned {
		return 0, errcat.TrunkRemoved(trunkID)
	}
	if uint64(trunk.UpCap) < up || uint64(trunk.DownCap) < down {
		return 0, errcat.InsufficientCapacity(trunkID, up, down, uint64(trunk.UpCap), uint64(trunk.DownCap))
	}

	var startLabel int64
	q, args, err := tx.sb.Select("start_label").From(ident(tx.tables.Labels)).
		Where("trunk_id = ? AND service_id IS NULL", trunkID).
		OrderBy("start_label").Limit(1).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return 0, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.GetContext(ctx, &startLabel, tx.tx.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errcat.NoFreeLabel(trunkID)
		}
		return 0, errcat.Persistence.Wrap(err)
	}

	uq, uargs, err := tx.sb.Update(ident(tx.tables.Labels)).
		Set("service_id", serviceID).
		Set("up_alloc", up).
		Set("down_alloc", down).
		Where("trunk_id = ? AND start_label = ?", trunkID, startLabel).ToSql()
	if err != nil {
		return 0, errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(uq), uargs...); err != nil {
		return 0, errcat.Persistence.Wrap(err)
	}

	if err := tx.WithdrawBandwidth(ctx, trunkID, int64(up), int64(down)); err != nil {
		return 0, err
	}
	return startLabel, nil
}

// ReleaseTunnels frees every label tuple allocated to serviceID across all
// trunks and restores the released bandwidth to each trunk's residual
// capacity. Idempotent: releasing a service with no allocations is a no-op.
func (tx *Tx) ReleaseTunnels(ctx context.Context, serviceID int64) error {
	var rows []LabelRow
	q, args, err := tx.sb.Select("trunk_id", "start_label", "end_label", "up_alloc", "down_alloc", "service_id").
		From(ident(tx.tables.Labels)).Where("service_id = ?", serviceID).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.SelectContext(ctx, &rows, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}

	for _, row := range rows {
		uq, uargs, err := tx.sb.Update(ident(tx.tables.Labels)).
			Set("service_id", nil).
			Set("up_alloc", nil).
			Set("down_alloc", nil).
			Where("trunk_id = ? AND start_label = ?", row.TrunkID, row.StartLabel).ToSql()
		if err != nil {
			return errcat.Persistence.Wrap(err)
		}
		if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(uq), uargs...); err != nil {
			return errcat.Persistence.Wrap(err)
		}
		if err := tx.ProvideBandwidth(ctx, row.TrunkID, row.UpAlloc.Int64, row.DownAlloc.Int64); err != nil {
			return err
		}
	}
	return nil
}

// ListAllocationsForService returns every tunnel currently bound to
// serviceID, ordered by trunk id and start label.
func (tx *Tx) ListAllocationsForService(ctx context.Context, serviceID int64) ([]LabelRow, error) {
	var rows []LabelRow
	q, args, err := tx.sb.Select("trunk_id", "start_label", "end_label", "up_alloc", "down_alloc", "service_id").
		From(ident(tx.tables.Labels)).Where("service_id = ?", serviceID).OrderBy("trunk_id", "start_label").ToSql()
	if err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.SelectContext(ctx, &rows, tx.tx.Rebind(q), args...); err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	return rows, nil
}
