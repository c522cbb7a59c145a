// Package daemon drives the mail pipeline: schedule, promote, deliver,
// report, sleep.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"

	"mailerd/delivery"
	"mailerd/internal/metrics"
	"mailerd/queue"
	"mailerd/schedule"
)

// DefaultInterval is the sleep between cycles.
const DefaultInterval = 5 * time.Minute

// ErrRunning is returned when a cycle is started while another is active.
var ErrRunning = errors.New("daemon: cycle already running")

// Scheduler is the Scheduling phase.
type Scheduler interface {
	Run(ctx context.Context) (schedule.Report, error)
}

// Deliverer is the Delivering phase.
type Deliverer interface {
	DeliverReady(ctx context.Context, day string) (delivery.Outcome, error)
}

// Components are the phases of one cycle. Scheduler may be nil when no
// obligation source is configured.
type Components struct {
	Spool     queue.Spool
	Scheduler Scheduler
	Promoter  *queue.Promoter
	Worker    Deliverer
	Tracker   *queue.Tracker
}

// Options configures the loop.
type Options struct {
	// Interval between cycles; DefaultInterval when zero.
	Interval time.Duration
	// Schedule is a standard cron expression that overrides Interval.
	Schedule string
	Logger   *slog.Logger
	// OnCycle is called after every cycle, including failed ones.
	OnCycle func(Summary, error)
}

// Summary reports one cycle.
type Summary struct {
	Day string
	// Resumed counts non-terminal messages found at startup.
	Resumed   int
	Scheduled int
	Skipped   int
	Promoted  int
	Sent      int
	Failed    int
	Recovered int
	// Finished are the messages that reached a terminal state since the
	// previous report.
	Finished []*queue.Status
	Counts   queue.Counts
	Duration time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("%d scheduled, %d promoted, %d sent, %d failed",
		s.Scheduled, s.Promoted, s.Sent, s.Failed)
}

// Daemon runs cycles until its context is cancelled.
type Daemon struct {
	c        Components
	schedule cron.Schedule
	log      *slog.Logger
	onCycle  func(Summary, error)
	now      func() time.Time

	running *atomic.Bool
	phase   *atomic.Int32
	resumed *atomic.Bool
}

// New validates the schedule and returns a daemon.
func New(c Components, opts Options) (*Daemon, error) {
	if c.Spool == nil || c.Promoter == nil || c.Worker == nil || c.Tracker == nil {
		return nil, errors.New("daemon: spool, promoter, worker and tracker are required")
	}
	sched, err := parseSchedule(opts.Schedule, opts.Interval)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{
		c:        c,
		schedule: sched,
		log:      log,
		onCycle:  opts.OnCycle,
		now:      time.Now,
		running:  atomic.NewBool(false),
		phase:    atomic.NewInt32(int32(Idle)),
		resumed:  atomic.NewBool(false),
	}, nil
}

func parseSchedule(expr string, interval time.Duration) (cron.Schedule, error) {
	if expr != "" {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("daemon: schedule %q: %w", expr, err)
		}
		return sched, nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return cron.Every(interval), nil
}

// Phase returns the current phase.
func (d *Daemon) Phase() Phase { return Phase(d.phase.Load()) }

// Running reports whether a cycle is in progress.
func (d *Daemon) Running() bool { return d.running.Load() }

func (d *Daemon) enter(p Phase) {
	d.phase.Store(int32(p))
	d.log.Debug("entering phase", "phase", p.String())
}

// Resume returns the messages still in flight from a previous run. It is
// called once before the first cycle; nothing is sent.
func (d *Daemon) Resume(ctx context.Context) ([]*queue.Status, error) {
	pending, err := d.c.Tracker.Incomplete(ctx)
	if err != nil {
		return nil, err
	}
	d.resumed.Store(true)
	if len(pending) > 0 {
		d.log.Info("resuming incomplete messages", "count", len(pending))
	}
	return pending, nil
}

// RunOnce runs a single cycle. Phases run to completion even when ctx is
// cancelled mid-cycle. A failing phase ends the cycle with an error.
func (d *Daemon) RunOnce(ctx context.Context) (Summary, error) {
	if !d.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunning
	}
	defer d.running.Store(false)
	defer d.enter(Idle)

	ctx = context.WithoutCancel(ctx)
	start := d.now()
	sum := Summary{Day: queue.DayKey(start)}

	if !d.resumed.Load() {
		pending, err := d.Resume(ctx)
		if err != nil {
			return d.abort(sum, start, Idle, err)
		}
		sum.Resumed = len(pending)
	}

	if d.c.Scheduler != nil {
		d.enter(Scheduling)
		rep, err := d.c.Scheduler.Run(ctx)
		sum.Scheduled = rep.Scheduled
		sum.Skipped = len(rep.Skipped)
		if err != nil {
			return d.abort(sum, start, Scheduling, err)
		}
	}

	d.enter(Promoting)
	n, err := d.c.Promoter.Promote(ctx, sum.Day)
	sum.Promoted = n
	if err != nil {
		return d.abort(sum, start, Promoting, err)
	}

	d.enter(Delivering)
	out, err := d.c.Worker.DeliverReady(ctx, sum.Day)
	sum.Sent, sum.Failed, sum.Recovered = out.Sent, out.Failed, out.Recovered
	if err != nil {
		return d.abort(sum, start, Delivering, err)
	}

	d.enter(Reporting)
	finished, counts, err := d.c.Tracker.Drain(ctx)
	if err != nil {
		return d.abort(sum, start, Reporting, err)
	}
	sum.Finished, sum.Counts = finished, counts
	d.recordDepth(ctx)

	sum.Duration = d.now().Sub(start)
	metrics.Cycles.WithLabelValues("ok").Inc()
	metrics.CycleDuration.Observe(sum.Duration.Seconds())
	d.log.Info("cycle complete", "day", sum.Day, "summary", sum.String(),
		"skipped", sum.Skipped, "recovered", sum.Recovered, "duration", sum.Duration)
	return sum, nil
}

func (d *Daemon) abort(sum Summary, start time.Time, p Phase, err error) (Summary, error) {
	sum.Duration = d.now().Sub(start)
	metrics.Cycles.WithLabelValues("error").Inc()
	metrics.CycleDuration.Observe(sum.Duration.Seconds())
	d.log.Error("cycle aborted", "phase", p.String(), "store", queue.IsStoreError(err), "err", err)
	return sum, fmt.Errorf("%s: %w", p, err)
}

// recordDepth publishes how many messages wait in deferred and ready.
func (d *Daemon) recordDepth(ctx context.Context) {
	for _, loc := range []queue.Location{queue.Deferred, queue.Ready} {
		buckets, err := d.c.Spool.Buckets(ctx, loc)
		if err != nil {
			d.log.Debug("queue depth unavailable", "location", string(loc), "err", err)
			continue
		}
		total := 0
		for _, b := range buckets {
			ids, err := d.c.Spool.IDs(ctx, loc, b)
			if err != nil {
				continue
			}
			total += len(ids)
		}
		metrics.SetQueueDepth(string(loc), total)
	}
}

// Run cycles until ctx is cancelled. Cycle errors are logged and retried
// on the next tick; the in-flight cycle always completes before Run
// returns.
func (d *Daemon) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, err := d.RunOnce(ctx)
		if d.onCycle != nil {
			d.onCycle(sum, err)
		}

		d.enter(Sleeping)
		next := d.schedule.Next(d.now())
		d.log.Debug("sleeping", "until", next)
		if err := sleepUntil(ctx, next); err != nil {
			d.enter(Idle)
			return err
		}
		d.enter(Idle)
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	timer := time.NewTimer(time.Until(t))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
