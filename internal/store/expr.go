package store

import sq "github.com/Masterminds/squirrel"

// sqExpr builds a squirrel SQL expression for use as an UPDATE ... SET
// value, e.g. sqExpr("up_cap + ?", delta).
func sqExpr(sql string, args ...any) sq.Sqlizer {
	return sq.Expr(sql, args...)
}
