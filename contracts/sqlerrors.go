package contracts

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"mailerd/queue"
)

// ErrConstraint is returned when a write violates a schema constraint,
// for example a contract naming an unknown account.
var ErrConstraint = errors.New("constraint violation")

// mapSQLError classifies err. Constraint violations are caller errors; all
// other failures mean the database is unusable and become store errors.
func mapSQLError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w: %v", op, ErrConstraint, sqliteErr)
	}
	return &queue.StoreError{Op: "contracts " + op, Err: err}
}
