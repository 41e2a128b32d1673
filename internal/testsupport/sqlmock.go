// Package testsupport provides sqlmock-backed fixtures for the
// Persistence Gateway's tests, so transactional SQL paths can be
// exercised without a live server.
package testsupport

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/nwfabric/dpb/internal/config"
	"github.com/nwfabric/dpb/internal/store"
)

// NewMockGateway returns a *store.Gateway backed by a sqlmock connection
// using regexp query matching (squirrel-built SQL is verbose and easy to
// over-specify with exact-string matching), along with the mock controller
// used to set expectations. The caller must call mock.ExpectationsWereMet()
// at the end of the test.
func NewMockGateway(t *testing.T) (*store.Gateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return store.New(sqlxDB, config.DefaultTables), mock
}
