package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mailerd/internal/audit"
)

// Completed reports whether every recipient result is terminal.
func Completed(st *Status) bool {
	for _, r := range st.Recipients {
		if !r.State.Terminal() {
			return false
		}
	}
	return true
}

// Succeeded reports whether the status is complete and every recipient was
// delivered.
func Succeeded(st *Status) bool {
	if !Completed(st) {
		return false
	}
	for _, r := range st.Recipients {
		if r.State != StateDelivered {
			return false
		}
	}
	return true
}

// Counts aggregates recipient and message outcomes.
type Counts struct {
	Messages  int `json:"messages"`
	Pending   int `json:"pending"`
	Deferred  int `json:"deferred"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`

	// Sent and Undeliverable count terminal messages.
	Sent          int `json:"sent"`
	Undeliverable int `json:"undeliverable"`
}

// Tally derives counts from the given statuses. Nothing is accumulated
// between calls.
func Tally(statuses ...*Status) Counts {
	var c Counts
	for _, st := range statuses {
		c.Messages++
		for _, r := range st.Recipients {
			switch r.State {
			case StateDelivered:
				c.Delivered++
			case StateFailed:
				c.Failed++
			case StateDeferred:
				c.Deferred++
			default:
				c.Pending++
			}
		}
		switch {
		case Succeeded(st):
			c.Sent++
		case Completed(st):
			c.Undeliverable++
		}
	}
	return c
}

func (c Counts) String() string {
	return fmt.Sprintf("%d messages: %d delivered, %d failed, %d deferred, %d pending",
		c.Messages, c.Delivered, c.Failed, c.Deferred, c.Pending)
}

// Tracker is the only writer of delivery status.
type Tracker struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// NewTracker returns a tracker writing through to store.
func NewTracker(store Store, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, log: log, now: time.Now}
}

// Record merges results into st and writes the status through to the store
// before returning. Terminal results are never changed; attempting to do so
// returns ErrTerminal and leaves the stored status untouched. Results for
// recipients outside the envelope are ignored.
func (t *Tracker) Record(ctx context.Context, st *Status, results map[string]RecipientResult) (*Status, error) {
	next := st.Clone()
	for rcpt, res := range results {
		prev, ok := next.Recipients[rcpt]
		if !ok {
			t.log.Warn("ignoring result for unknown recipient", "id", st.ID, "rcpt", rcpt)
			continue
		}
		if prev.State.Terminal() {
			if prev == res {
				continue
			}
			return st, fmt.Errorf("recipient %s of %s: %w", rcpt, st.ID, ErrTerminal)
		}
		next.Recipients[rcpt] = res
	}
	next.UpdatedAt = t.now().UTC()
	if err := t.store.UpdateStatus(ctx, next); err != nil {
		return st, err
	}
	if Completed(next) && !Completed(st) {
		t.log.Debug("message reached terminal state", "id", next.ID, "succeeded", Succeeded(next))
	}
	return next, nil
}

// Drain polls the store for recent changes. Messages that reached a terminal
// state since the previous drain are reported exactly once.
func (t *Tracker) Drain(ctx context.Context) ([]*Status, Counts, error) {
	recent, err := t.store.ListRecent(ctx)
	if err != nil {
		return nil, Counts{}, err
	}
	var done []*Status
	for _, st := range recent {
		if !Completed(st) {
			continue
		}
		done = append(done, st)
		for rcpt, r := range st.Recipients {
			if r.State == StateFailed {
				t.log.Warn("recipient failed", "id", st.ID, "rcpt", rcpt, "reason", r.Reason)
			}
		}
		t.log.Info("message finished", "id", st.ID, "succeeded", Succeeded(st))
	}
	return done, Tally(recent...), nil
}

// Incomplete returns the statuses still in flight. It restores visibility
// after a restart; it never triggers a send.
func (t *Tracker) Incomplete(ctx context.Context) ([]*Status, error) {
	pending, err := t.store.ListIncomplete(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range pending {
		audit.Transition(st.ID, "recovered", "")
	}
	return pending, nil
}
