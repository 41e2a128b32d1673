package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nwfabric/dpb/internal/errcat"
)

// InsertService creates a service row with intent INACTIVE.
func (tx *Tx) InsertService(ctx context.Context) (int64, error) {
	q, args, err := tx.sb.Insert(ident(tx.tables.Services)).
		Columns("intent").Values(0).Suffix("RETURNING id").ToSql()
	if err != nil {
		return 0, errcat.Persistence.Wrap(err)
	}
	var id int64
	if err := tx.tx.GetContext(ctx, &id, tx.tx.Rebind(q), args...); err != nil {
		return 0, errcat.Persistence.Wrap(err)
	}
	return id, nil
}

func (tx *Tx) GetService(ctx context.Context, id int64) (*ServiceRow, bool, error) {
	var row ServiceRow
	q, args, err := tx.sb.Select("id", "intent").From(ident(tx.tables.Services)).
		Where("id = ?", id).ToSql()
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

func (tx *Tx) ListServiceIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	q, args, err := tx.sb.Select("id").From(ident(tx.tables.Services)).OrderBy("id").ToSql()
	if err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.SelectContext(ctx, &ids, tx.tx.Rebind(q), args...); err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	return ids, nil
}

// SetIntent persists the single control variable a user can set on a
// service.
func (tx *Tx) SetIntent(ctx context.Context, id int64, intent int) error {
	q, args, err := tx.sb.Update(ident(tx.tables.Services)).
		Set("intent", intent).Where("id = ?", id).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	res, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...)
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errcat.NotFound.Newf("unknown service %d", id)
	}
	return nil
}

// DeleteService removes a service and its dependent circuit/subservice
// rows. Callers must have already released its tunnels via ReleaseTunnels
// within the same transaction.
func (tx *Tx) DeleteService(ctx context.Context, id int64) error {
	if err := tx.DeleteServiceCircuits(ctx, id); err != nil {
		return err
	}
	if err := tx.DeleteSubservices(ctx, id); err != nil {
		return err
	}
	q, args, err := tx.sb.Delete(ident(tx.tables.Services)).Where("id = ?", id).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

// InsertServiceCircuit records one circuit of a service's request.
func (tx *Tx) InsertServiceCircuit(ctx context.Context, row ServiceCircuitRow) error {
	q, args, err := tx.sb.Insert(ident(tx.tables.ServiceCircuits)).
		Columns("service_id", "terminal_id", "label", "ingress", "egress", "shaping").
		Values(row.ServiceID, row.TerminalID, row.Label, row.Ingress, row.Egress, row.Shaping).
		ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

func (tx *Tx) ListServiceCircuits(ctx context.Context, serviceID int64) ([]ServiceCircuitRow, error) {
	var rows []ServiceCircuitRow
	q, args, err := tx.sb.Select("service_id", "terminal_id", "label", "ingress", "egress", "shaping").
		From(ident(tx.tables.ServiceCircuits)).Where("service_id = ?", serviceID).ToSql()
	if err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.SelectContext(ctx, &rows, tx.tx.Rebind(q), args...); err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	return rows, nil
}

func (tx *Tx) DeleteServiceCircuits(ctx context.Context, serviceID int64) error {
	q, args, err := tx.sb.Delete(ident(tx.tables.ServiceCircuits)).
		Where("service_id = ?", serviceID).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

// InsertSubservice records that serviceID has delegated a subservice to an
// inferior network.
func (tx *Tx) InsertSubservice(ctx context.Context, serviceID int64, subserviceID, subnetwork string) error {
	q, args, err := tx.sb.Insert(ident(tx.tables.Subservices)).
		Columns("service_id", "subservice_id", "subnetwork_name").
		Values(serviceID, subserviceID, subnetwork).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

func (tx *Tx) ListSubservices(ctx context.Context, serviceID int64) ([]SubserviceRow, error) {
	var rows []SubserviceRow
	q, args, err := tx.sb.Select("service_id", "subservice_id", "subnetwork_name").
		From(ident(tx.tables.Subservices)).Where("service_id = ?", serviceID).ToSql()
	if err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.SelectContext(ctx, &rows, tx.tx.Rebind(q), args...); err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	return rows, nil
}

func (tx *Tx) DeleteSubservices(ctx context.Context, serviceID int64) error {
	q, args, err := tx.sb.Delete(ident(tx.tables.Subservices)).
		Where("service_id = ?", serviceID).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

// IsInitiated reports whether a service already has at least one circuit
// defined, the guard behind errcat.ServiceInUse.
func (tx *Tx) IsInitiated(ctx context.Context, serviceID int64) (bool, error) {
	var n int
	q, args, err := tx.sb.Select("COUNT(*)").From(ident(tx.tables.ServiceCircuits)).
		Where("service_id = ?", serviceID).ToSql()
	if err != nil {
		return false, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.GetContext(ctx, &n, tx.tx.Rebind(q), args...); err != nil {
		return false, errcat.Persistence.Wrap(err)
	}
	return n > 0, nil
}
