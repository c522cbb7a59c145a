package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"mailerd/internal/audit"
	"mailerd/internal/metrics"
	"mailerd/queue"
)

// errNoResult marks a recipient the transport returned nothing for.
var errNoResult = &TransportError{Temporary: true, Err: errors.New("transport returned no result")}

// Options tunes a Worker.
type Options struct {
	// Workers bounds concurrent sends; zero means NumCPU.
	Workers int
	// MaxRetries is how often a transient recipient failure is retried
	// within one attempt before it is marked failed.
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Outcome counts the messages filed by one DeliverReady call.
type Outcome struct {
	Sent   int
	Failed int
	// Recovered counts messages that already had a terminal status and
	// were filed without sending.
	Recovered int
}

// Worker sends ready messages and files them into sent or failed.
type Worker struct {
	spool     queue.Spool
	tracker   *queue.Tracker
	transport Transport
	opts      Options
	log       *slog.Logger

	sleep func(context.Context, time.Duration) error
}

// New returns a worker. The tracker must write to the same spool.
func New(spool queue.Spool, tracker *queue.Tracker, transport Transport, opts Options) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		spool:     spool,
		tracker:   tracker,
		transport: transport,
		opts:      opts,
		log:       log.With("transport", transport.Name()),
		sleep:     sleepCtx,
	}
}

type job struct {
	id     string
	bucket string
}

// DeliverReady attempts every message in a ready bucket dated on or before
// day and files it under sent/<day> or failed/<day>. No message is left in
// ready once its attempt completes. Per-message data errors are logged and
// skipped; store errors abort the call.
func (w *Worker) DeliverReady(ctx context.Context, day string) (Outcome, error) {
	cutoff, err := queue.ParseDay(day)
	if err != nil {
		return Outcome{}, err
	}
	buckets, err := w.spool.Buckets(ctx, queue.Ready)
	if err != nil {
		return Outcome{}, err
	}

	var jobs []job
	var due []string
	for _, bucket := range buckets {
		d, err := queue.ParseDay(bucket)
		if err != nil || d.After(cutoff) {
			continue
		}
		ids, err := w.spool.IDs(ctx, queue.Ready, bucket)
		if err != nil {
			return Outcome{}, err
		}
		for _, id := range ids {
			jobs = append(jobs, job{id: id, bucket: bucket})
		}
		due = append(due, bucket)
	}

	var sent, failed, recovered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Workers)
	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Sends run on ctx so a sibling failure never cuts one short.
			dest, wasDone, err := w.deliver(ctx, j, day)
			if err != nil {
				return err
			}
			switch {
			case dest == "":
			case wasDone:
				recovered.Inc()
			case dest == queue.Sent:
				sent.Inc()
			default:
				failed.Inc()
			}
			return nil
		})
	}
	err = g.Wait()

	out := Outcome{Sent: int(sent.Load()), Failed: int(failed.Load()), Recovered: int(recovered.Load())}
	if err != nil {
		return out, err
	}
	for _, bucket := range due {
		if err := w.spool.Prune(ctx, queue.Ready, bucket); err != nil {
			return out, err
		}
	}
	return out, nil
}

// deliver handles one message. It returns the location the message was
// filed into, empty when it was skipped.
func (w *Worker) deliver(ctx context.Context, j job, day string) (queue.Location, bool, error) {
	msg, st, err := w.spool.Get(ctx, j.id)
	if err != nil {
		if queue.IsDataError(err) || errors.Is(err, queue.ErrNotFound) {
			w.log.Warn("skipping unreadable message", "id", j.id, "bucket", j.bucket, "err", err)
			return "", false, nil
		}
		return "", false, err
	}

	wasDone := queue.Completed(st)
	if wasDone {
		w.log.Info("filing message with terminal status", "id", msg.ID)
	} else {
		st, err = w.attempt(ctx, msg, st)
		if err != nil {
			return "", false, err
		}
		if !queue.Completed(st) {
			w.log.Warn("message has recipients outside its envelope", "id", msg.ID)
			return "", false, nil
		}
	}

	dest := queue.Failed
	if queue.Succeeded(st) {
		dest = queue.Sent
	}
	if err := w.spool.Move(ctx, msg.ID, queue.Ready, dest, j.bucket, day); err != nil {
		if queue.IsDataError(err) {
			w.log.Warn("skipping unfileable message", "id", msg.ID, "err", err)
			return "", false, nil
		}
		return "", false, err
	}
	metrics.Messages.WithLabelValues(string(dest)).Inc()
	audit.Transition(msg.ID, string(dest), day)
	w.log.Info("message filed", "id", msg.ID, "location", string(dest))
	return dest, wasDone, nil
}

// attempt sends to every non-terminal recipient, retrying transient
// failures up to MaxRetries times. Every round of results is recorded
// before the next one starts.
func (w *Worker) attempt(ctx context.Context, msg *queue.Message, st *queue.Status) (*queue.Status, error) {
	var pending []string
	for _, rcpt := range msg.Envelope.To {
		if r, ok := st.Recipients[rcpt]; ok && !r.State.Terminal() {
			pending = append(pending, rcpt)
		}
	}

	for round := 0; len(pending) > 0; round++ {
		res, sendErr := w.transport.Send(ctx, msg, pending)

		results := make(map[string]queue.RecipientResult, len(pending))
		var retry []string
		for _, rcpt := range pending {
			rerr := sendErr
			if rerr == nil {
				var ok bool
				if rerr, ok = res[rcpt]; !ok {
					rerr = errNoResult
				}
			}
			if rerr == nil {
				results[rcpt] = queue.Delivered()
				continue
			}
			te := classify(rcpt, rerr)
			if te.Temporary && round < w.opts.MaxRetries {
				results[rcpt] = queue.DeferredResult(reason(rerr), round+1)
				retry = append(retry, rcpt)
				continue
			}
			results[rcpt] = queue.FailedResult(reason(rerr))
			w.log.Warn("recipient failed", "id", msg.ID, "rcpt", rcpt, "err", te)
		}

		next, err := w.tracker.Record(ctx, st, results)
		if err != nil {
			return st, fmt.Errorf("record %s: %w", msg.ID, err)
		}
		st = next
		for _, r := range results {
			metrics.Recipients.WithLabelValues(string(r.State)).Inc()
		}

		pending = retry
		if len(pending) == 0 {
			break
		}
		metrics.Retries.WithLabelValues(w.transport.Name()).Add(float64(len(pending)))
		wait := backoffDuration(w.opts.Backoff, w.opts.MaxBackoff, round+1)
		w.log.Info("retrying deferred recipients", "id", msg.ID, "count", len(pending), "in", wait)
		if err := w.sleep(ctx, wait); err != nil {
			return w.abandon(ctx, st, pending, err)
		}
	}
	return st, nil
}

// abandon marks recipients still awaiting a retry as failed.
func (w *Worker) abandon(ctx context.Context, st *queue.Status, rcpts []string, cause error) (*queue.Status, error) {
	results := make(map[string]queue.RecipientResult, len(rcpts))
	for _, rcpt := range rcpts {
		results[rcpt] = queue.FailedResult("retry abandoned: " + cause.Error())
	}
	next, err := w.tracker.Record(context.WithoutCancel(ctx), st, results)
	if err != nil {
		return st, err
	}
	return next, nil
}
