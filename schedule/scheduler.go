// Package schedule turns due obligations into deferred messages.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"mailerd/compose"
	"mailerd/internal/email"
	"mailerd/internal/metrics"
	"mailerd/queue"
)

// Enqueuer persists a composed draft as a deferred message.
type Enqueuer interface {
	Enqueue(ctx context.Context, d compose.Draft) (string, error)
}

// Options configures a Scheduler.
type Options struct {
	// Policy.DefaultDays below one means DefaultLookaheadDays; class
	// overrides are kept either way.
	Policy Policy
	// Producer renders messages; RenewalNotice when nil.
	Producer DocumentProducer
	// DefaultFrom is used when the sender has no email address.
	DefaultFrom string
	ReplyTo     string
	Logger      *slog.Logger
}

// Report summarises one scheduling pass.
type Report struct {
	Scheduled int
	Skipped   []*SchedulingError
}

// Scheduler creates one message per due obligation and advances the
// obligation's end date.
type Scheduler struct {
	source   Source
	out      Enqueuer
	producer DocumentProducer
	policy   Policy
	from     string
	replyTo  string
	log      *slog.Logger
	now      func() time.Time
}

// New returns a Scheduler reading from source and writing into out.
func New(source Source, out Enqueuer, opts Options) *Scheduler {
	s := &Scheduler{
		source:   source,
		out:      out,
		producer: opts.Producer,
		policy:   opts.Policy,
		from:     opts.DefaultFrom,
		replyTo:  opts.ReplyTo,
		log:      opts.Logger,
		now:      time.Now,
	}
	if s.producer == nil {
		s.producer = RenewalNotice{}
	}
	if s.policy.DefaultDays <= 0 {
		s.policy.DefaultDays = DefaultLookaheadDays
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Run processes every obligation once. Obligations with missing data are
// skipped and reported; store failures abort the pass.
//
// The message is written before the end date is advanced. The message id
// is derived from the obligation and its end date, so a pass interrupted
// between the two writes finds the message on the next run and only
// advances the date.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	var rep Report
	obligations, err := s.source.Obligations(ctx)
	if err != nil {
		return rep, err
	}

	now := s.now()
	for _, ob := range obligations {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		end := ob.NextEnd(now)
		if !end.Before(now.Add(s.policy.Lookahead(classOf(ob)))) {
			continue
		}

		err := s.schedule(ctx, ob, end, now)
		var serr *SchedulingError
		switch {
		case errors.As(err, &serr):
			rep.Skipped = append(rep.Skipped, serr)
			metrics.SchedulingErrors.WithLabelValues(classOf(ob)).Inc()
			s.log.Warn("skipping obligation", "obligation", ob.ID, "err", serr.Err)
		case errors.Is(err, ErrStale):
			s.log.Warn("obligation changed while scheduling", "obligation", ob.ID)
		case err != nil:
			return rep, err
		default:
			rep.Scheduled++
		}
	}
	return rep, nil
}

func (s *Scheduler) schedule(ctx context.Context, ob Obligation, end, now time.Time) error {
	skip := func(format string, args ...any) error {
		return &SchedulingError{ObligationID: ob.ID, Err: fmt.Errorf(format, args...)}
	}

	rcptEmail := strings.TrimSpace(ob.Recipient.Email.UnwrapOr(""))
	if rcptEmail == "" {
		return skip("recipient account %d has no email address", ob.Recipient.ID)
	}
	senderEmail := strings.TrimSpace(ob.Sender.Email.UnwrapOr(s.from))
	if senderEmail == "" {
		return skip("sender account %d has no email address and no default sender is configured", ob.Sender.ID)
	}

	n := Notice{
		Obligation:     ob,
		SenderEmail:    senderEmail,
		SenderName:     email.DisplayName(ob.Sender.Name.UnwrapOr(""), senderEmail),
		RecipientEmail: rcptEmail,
		RecipientName:  email.DisplayName(ob.Recipient.Name.UnwrapOr(""), rcptEmail),
		EndDate:        end,
	}
	doc, err := s.producer.Produce(ctx, n)
	if err != nil {
		if queue.IsStoreError(err) {
			return err
		}
		return skip("produce document: %w", err)
	}

	id, err := s.out.Enqueue(ctx, compose.Draft{
		From:        mail.Address{Name: n.SenderName, Address: n.SenderEmail},
		To:          []mail.Address{{Name: n.RecipientName, Address: n.RecipientEmail}},
		ReplyTo:     s.replyTo,
		Subject:     doc.Subject,
		Body:        doc.Body,
		Attachments: doc.Attachments,
		DueDate:     queue.Today(now),
		Key:         fmt.Sprintf("obligation/%d/%s", ob.ID, queue.DayKey(end)),
	})
	switch {
	case errors.Is(err, compose.ErrInvalidDraft), queue.IsDataError(err):
		return skip("%w", err)
	case err != nil:
		return err
	}
	next := AddMonths(end, ob.Period())
	if err := s.source.Advance(ctx, ob.ID, ob.EndDate, next); err != nil {
		return err
	}
	s.log.Info("obligation scheduled", "obligation", ob.ID, "id", id,
		"end", queue.DayKey(end), "next", queue.DayKey(next))
	return nil
}

func classOf(ob Obligation) string {
	if ob.Class == "" {
		return DefaultClass
	}
	return strings.ToLower(ob.Class)
}
