package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Run executes fn inside a *sql.Tx.
// If fn returns an error the tx rolls back, else it commits.
func Run[T any](
	ctx context.Context,
	db *sql.DB,
	newQueries func(*sql.Tx) *T,
	fn func(q *T) error,
) error {
	return RunWith(ctx, db, TxOptions{}, newQueries, fn)
}

// TxOptions tunes RunWith. Attempts counts whole transactions; serialization
// failures and deadlocks are retried until it is used up.
type TxOptions struct {
	Isolation sql.IsolationLevel
	Attempts  int
}

func RunWith[T any](
	ctx context.Context,
	db *sql.DB,
	opts TxOptions,
	newQueries func(*sql.Tx) *T,
	fn func(q *T) error,
) error {
	attempts := max(opts.Attempts, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if err = runOnce(ctx, db, opts.Isolation, newQueries, fn); err == nil || !Retryable(err) {
			return err
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, err)
}

func runOnce[T any](
	ctx context.Context,
	db *sql.DB,
	isolation sql.IsolationLevel,
	newQueries func(*sql.Tx) *T,
	fn func(q *T) error,
) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: isolation}) // BEGIN
	if err != nil {
		return err
	}
	q := newQueries(tx) // bind Queries to this tx
	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return tx.Commit() // COMMIT
}

// Retryable reports whether err is a serialization failure or deadlock that
// a fresh transaction may not hit again.
func Retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}
