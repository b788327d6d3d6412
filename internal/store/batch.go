package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Statement is one parameterized SQL statement. Values are always bound
// through Args, never formatted into SQL.
type Statement struct {
	SQL  string
	Args []any

	// MustAffect makes the enclosing batch fail with ErrConflict when the
	// statement changes no rows. It turns an UPDATE ... WHERE status IN (...)
	// into a compare-and-set.
	MustAffect bool
}

// Stmt builds a Statement.
func Stmt(query string, args ...any) Statement {
	return Statement{SQL: query, Args: args}
}

// Guarded builds a Statement that must change at least one row.
func Guarded(query string, args ...any) Statement {
	return Statement{SQL: query, Args: args, MustAffect: true}
}

// ExecBatch runs stmts in one transaction: all commit or none do.
// Lock contention retries the whole batch.
func (s *SQLiteStore) ExecBatch(ctx context.Context, stmts ...Statement) error {
	s.logger.Debug("sql", "op", "batch", "statements", len(stmts))
	return s.withTx(ctx, "batch", func(tx *sql.Tx) error {
		return execInTx(ctx, tx, stmts)
	})
}

// Insert runs a single INSERT and returns the new row id.
func (s *SQLiteStore) Insert(ctx context.Context, stmt Statement) (int64, error) {
	var id int64
	err := s.retry.Do(ctx, s.logger, "insert", func() error {
		res, err := s.db.ExecContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// execInTx executes stmts against tx, enforcing MustAffect guards.
func execInTx(ctx context.Context, tx *sql.Tx, stmts []Statement) error {
	for i, st := range stmts {
		res, err := tx.ExecContext(ctx, st.SQL, st.Args...)
		if err != nil {
			return err
		}
		if !st.MustAffect {
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: statement %d matched no rows", ErrConflict, i)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, retrying the whole transaction on lock
// contention. fn must use only tx: the pool has a single connection.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.retry.Do(ctx, s.logger, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// inList returns "(?, ?, ...)" for n values and the values as args.
func inList[T any](vals []T) (string, []any) {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ") + ")", args
}

// stringList converts typed string enums to their SQL values.
func stringList[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}
