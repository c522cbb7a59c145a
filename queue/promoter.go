package queue

import (
	"context"
	"errors"
	"log/slog"

	"mailerd/internal/audit"
	"mailerd/internal/metrics"
)

// Promoter moves due messages from deferred into today's ready bucket.
type Promoter struct {
	spool Spool
	log   *slog.Logger
}

// NewPromoter returns a promoter over spool.
func NewPromoter(spool Spool, log *slog.Logger) *Promoter {
	if log == nil {
		log = slog.Default()
	}
	return &Promoter{spool: spool, log: log}
}

// Promote moves every message in a deferred bucket dated on or before day
// into ready/<day>, then removes the emptied buckets. Buckets whose name is
// not a date are never due. Repeating Promote for the same day is a no-op.
func (p *Promoter) Promote(ctx context.Context, day string) (int, error) {
	cutoff, err := ParseDay(day)
	if err != nil {
		return 0, err
	}
	buckets, err := p.spool.Buckets(ctx, Deferred)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, bucket := range buckets {
		due, err := ParseDay(bucket)
		if err != nil {
			p.log.Debug("ignoring foreign deferred entry", "bucket", bucket)
			continue
		}
		if due.After(cutoff) {
			continue
		}
		ids, err := p.spool.IDs(ctx, Deferred, bucket)
		if err != nil {
			return moved, err
		}
		for _, id := range ids {
			err := p.spool.Move(ctx, id, Deferred, Ready, bucket, day)
			var de *DataError
			switch {
			case errors.As(err, &de):
				p.log.Warn("skipping unpromotable message", "id", id, "bucket", bucket, "err", err)
				continue
			case err != nil:
				return moved, err
			}
			moved++
			metrics.Messages.WithLabelValues("promoted").Inc()
			audit.Transition(id, "promoted", day)
		}
		if err := p.spool.Prune(ctx, Deferred, bucket); err != nil {
			return moved, err
		}
	}
	if moved > 0 {
		p.log.Info("promoted deferred messages", "count", moved, "day", day)
	}
	return moved, nil
}
