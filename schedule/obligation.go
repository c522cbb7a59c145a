package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrStale is returned by Source.Advance when the stored end date no longer
// matches the one the caller read.
var ErrStale = errors.New("obligation changed concurrently")

// Party is one side of an obligation.
type Party struct {
	ID    int64
	Name  fn.Option[string]
	Email fn.Option[string]
}

// Obligation is a recurring commitment that periodically produces mail.
type Obligation struct {
	ID        int64
	Class     string
	Sender    Party
	Recipient Party

	StartDate    fn.Option[time.Time]
	EndDate      fn.Option[time.Time]
	PeriodMonths fn.Option[int]
}

// Period returns the advance step in months, one when unset.
func (o Obligation) Period() int {
	if n := o.PeriodMonths.UnwrapOr(1); n > 0 {
		return n
	}
	return 1
}

// NextEnd returns the stored end date, or start plus one period when none
// is stored. A missing start counts as now.
func (o Obligation) NextEnd(now time.Time) time.Time {
	return o.EndDate.UnwrapOrFunc(func() time.Time {
		return AddMonths(o.StartDate.UnwrapOr(now), o.Period())
	})
}

// Source enumerates obligations flagged for automatic processing.
type Source interface {
	// Obligations returns every obligation flagged for auto-processing.
	Obligations(ctx context.Context) ([]Obligation, error)

	// Advance sets the end date of obligation id to next, provided it
	// still equals prev. Otherwise it returns ErrStale.
	Advance(ctx context.Context, id int64, prev fn.Option[time.Time], next time.Time) error
}

// SchedulingError reports an obligation skipped because of missing or
// invalid related data. It never aborts the batch.
type SchedulingError struct {
	ObligationID int64
	Err          error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("obligation %d: %v", e.ObligationID, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }
