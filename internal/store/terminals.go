package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/lib/pq"

	"github.com/nwfabric/dpb/internal/errcat"
)

// InsertTerminal creates a new terminal row. Fails with Conflict
// (TerminalExists) if the name is already taken.
func (tx *Tx) InsertTerminal(ctx context.Context, name, subnetwork, subname string) (int64, error) {
	q, args, err := tx.sb.Insert(ident(tx.tables.Terminals)).
		Columns("name", "subnetwork", "subname").
		Values(name, subnetwork, subname).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, errcat.Persistence.Wrap(err)
	}
	var id int64
	if err := tx.tx.GetContext(ctx, &id, tx.tx.Rebind(q), args...); err != nil {
		if isUniqueViolation(err) {
			return 0, errcat.TerminalExists(name)
		}
		return 0, errcat.Persistence.Wrap(err)
	}
	return id, nil
}

func (tx *Tx) GetTerminal(ctx context.Context, id int64) (*TerminalRow, bool, error) {
	var row TerminalRow
	q, args, err := tx.sb.Select("id", "name", "subnetwork", "subname").
		From(ident(tx.tables.Terminals)).Where("id = ?", id).ToSql()
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

func (tx *Tx) GetTerminalByName(ctx context.Context, name string) (*TerminalRow, bool, error) {
	var row TerminalRow
	q, args, err := tx.sb.Select("id", "name", "subnetwork", "subname").
		From(ident(tx.tables.Terminals)).Where("name = ?", name).ToSql()
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

func (tx *Tx) ListTerminals(ctx context.Context) ([]TerminalRow, error) {
	var rows []TerminalRow
	q, args, err := tx.sb.Select("id", "name", "subnetwork", "subname").
		From(ident(tx.tables.Terminals)).OrderBy("id").ToSql()
	if err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.SelectContext(ctx, &rows, tx.tx.Rebind(q), args...); err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	return rows, nil
}

// DeleteTerminal removes a terminal. Fails with Conflict (TerminalInUse)
// if any service circuit or trunk endpoint still references it.
func (tx *Tx) DeleteTerminal(ctx context.Context, id int64) error {
	term, ok, err := tx.GetTerminal(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errcat.UnknownTerminal("#" + strconv.FormatInt(id, 10))
	}

	var circuitCount int
	cq, cargs, err := tx.sb.Select("COUNT(*)").From(ident(tx.tables.ServiceCircuits)).
		Where("terminal_id = ?", id).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.GetContext(ctx, &circuitCount, tx.tx.Rebind(cq), cargs...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if circuitCount > 0 {
		return errcat.TerminalInUse(term.Name)
	}

	var trunkCount int
	tq, targs, err := tx.sb.Select("COUNT(*)").From(ident(tx.tables.Trunks)).
		Where("(start_network = ? AND start_name = ?) OR (end_network = ? AND end_name = ?)",
			term.Subnetwork, term.Subname, term.Subnetwork, term.Subname).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if err := tx.tx.GetContext(ctx, &trunkCount, tx.tx.Rebind(tq), targs...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if trunkCount > 0 {
		return errcat.TerminalInUse(term.Name)
	}

	dq, dargs, err := tx.sb.Delete(ident(tx.tables.Terminals)).Where("id = ?", id).ToSql()
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(dq), dargs...); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
