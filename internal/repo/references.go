package repo

import (
	"context"
	"database/sql"
)

// NextReferenceCounter increments and returns the per-year counter used to
// build application references. Counters are monotonic per calendar year.
func (r Repo) NextReferenceCounter(ctx context.Context, tx *sql.Tx, year int) (int, error) {
	var counter int
	err := tx.QueryRowContext(ctx, `SELECT counter FROM reference_counters WHERE year=?`, year).Scan(&counter)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO reference_counters(year,counter) VALUES (?,1)`, year); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	counter++
	if _, err := tx.ExecContext(ctx, `UPDATE reference_counters SET counter=? WHERE year=?`, counter, year); err != nil {
		return 0, err
	}
	return counter, nil
}
