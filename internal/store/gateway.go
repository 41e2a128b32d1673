// Package store is the Persistence Gateway: every
// externally visible operation on the Aggregator opens or inherits a
// transaction, performs all reads/writes within it, and commits
// atomically. On any failure the transaction rolls back and no in-memory
// state is left ahead of the database: the database is the source of
// truth for trunk residual capacity; in-memory state is only
// ever a snapshot read inside the current transaction.
package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	sq "github.com/Masterminds/squirrel"

	"github.com/datawire/dlib/dlog"
	"github.com/nwfabric/dpb/internal/config"
	"github.com/nwfabric/dpb/internal/errcat"
)

// Gateway opens connections and transactions against the relational store
// of record. It holds no domain state of its own.
type Gateway struct {
	db     *sqlx.DB
	tables config.Tables
	sb     sq.StatementBuilderType
}

// Open connects to cfg.DB.Service using cfg.DB.Driver and returns a
// Gateway ready to Bootstrap. The connection pool is sized from cfg.DB.
func Open(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	db, err := sqlx.Open(cfg.DB.Driver, cfg.DB.Service)
	if err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		return nil, errcat.Persistence.Wrap(err)
	}
	return New(db, cfg.Tables), nil
}

// New wraps an already-open *sqlx.DB. Exposed separately from Open so
// tests can hand in a sqlmock-backed *sqlx.DB.
func New(db *sqlx.DB, tables config.Tables) *Gateway {
	return &Gateway{
		db:     db,
		tables: tables,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Bootstrap runs CREATE TABLE IF NOT EXISTS for all six tables. It is
// idempotent: re-running it against an already-bootstrapped schema is a
// no-op.
func (g *Gateway) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements(g.tables) {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return errcat.Persistence.Wrap(err)
		}
	}
	dlog.Debugf(ctx, "store: schema bootstrapped")
	return nil
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Tx is an explicit transaction handle, passed as a parameter through call
// chains instead of recovered from thread-local/context state.
type Tx struct {
	tx          *sqlx.Tx
	tables      config.Tables
	sb          sq.StatementBuilderType
	commitHooks []func()
}

// AddCommitHook registers fn to run after this transaction commits
// successfully. Used by callers (internal/trunk's removeTrunk) that must
// update an in-memory index in lockstep with the DB row it mirrors, inside
// the same transaction boundary. Hooks never
// run if the transaction rolls back.
func (tx *Tx) AddCommitHook(fn func()) {
	tx.commitHooks = append(tx.commitHooks, fn)
}

// WithTx opens one transaction, runs fn, and commits on success or rolls
// back on any error fn returns, the single serialisation point for
// every cross-row invariant of the schema.
func (g *Gateway) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := g.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errcat.Persistence.Wrap(err)
	}
	tx := &Tx{tx: sqlTx, tables: g.tables, sb: g.sb}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			dlog.Errorf(ctx, "store: rollback failed: %v (original error: %v)", rbErr, err)
		}
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return errcat.Persistence.Wrap(err)
	}
	for _, hook := range tx.commitHooks {
		hook()
	}
	return nil
}
