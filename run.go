package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"mailerd/contracts"
	"mailerd/daemon"
	"mailerd/delivery"
	"mailerd/health"
	"mailerd/queue"
	"mailerd/schedule"
)

func newRunCmd(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the mail daemon",
		Long: `Run schedules due obligations, promotes due messages, delivers them and
sleeps until the next cycle. With --once a single cycle runs and the
command exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

func (a *app) run(cmd *cobra.Command, once bool) error {
	if err := a.cfg.RequireDatabase(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := contracts.Open(a.cfg.DatabaseURL, a.log)
	if err != nil {
		return err
	}
	defer store.Close()

	spool, err := a.openSpool()
	if err != nil {
		return err
	}
	composer, err := a.newComposer(spool)
	if err != nil {
		return err
	}
	transport, err := buildTransport(a.cfg)
	if err != nil {
		return err
	}

	tracker := queue.NewTracker(spool, a.log)
	worker := delivery.New(spool, tracker, transport, delivery.Options{
		Workers:    a.cfg.Workers,
		MaxRetries: a.cfg.MaxRetries,
		Backoff:    a.cfg.RetryBackoff,
		Logger:     a.log,
	})
	scheduler := schedule.New(store, composer, schedule.Options{
		Policy: schedule.Policy{
			DefaultDays: a.cfg.LookaheadDays,
			Classes:     a.cfg.LookaheadClasses,
		},
		DefaultFrom: a.cfg.DefaultFrom,
		ReplyTo:     a.cfg.ReplyTo,
		Logger:      a.log,
	})

	out := cmd.OutOrStdout()
	d, err := daemon.New(daemon.Components{
		Spool:     spool,
		Scheduler: scheduler,
		Promoter:  queue.NewPromoter(spool, a.log),
		Worker:    worker,
		Tracker:   tracker,
	}, daemon.Options{
		Interval: a.cfg.Interval,
		Schedule: a.cfg.Schedule,
		Logger:   a.log,
		OnCycle: func(sum daemon.Summary, err error) {
			printSummary(out, sum, err)
		},
	})
	if err != nil {
		return err
	}

	if a.cfg.HealthAddr != "" {
		srv, ln, err := health.StartHealthServer(a.cfg.HealthAddr,
			health.SpoolStatus(spool, func() string { return d.Phase().String() }))
		if err != nil {
			return err
		}
		a.log.Info("health server listening", "addr", ln.Addr().String())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a.log.Info("mailer starting", "transport", transport.Name(),
		"spool", spool.Root(), "interval", a.cfg.Interval, "schedule", a.cfg.Schedule)

	if once {
		sum, err := d.RunOnce(ctx)
		printSummary(out, sum, err)
		return err
	}
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info("mailer stopped")
	return nil
}

// printSummary writes the human-readable cycle line.
func printSummary(w io.Writer, sum daemon.Summary, err error) {
	green := color.New(color.FgGreen).SprintfFunc()
	red := color.New(color.FgRed).SprintfFunc()
	yellow := color.New(color.FgYellow).SprintfFunc()

	line := sum.String()
	switch {
	case err != nil:
		fprintf(w, "%s %s: %s\n", sum.Day, red("cycle failed"), err)
		return
	case sum.Failed > 0:
		line = red(line)
	case sum.Sent > 0:
		line = green(line)
	}
	fprintf(w, "%s %s\n", sum.Day, line)
	if sum.Skipped > 0 {
		fprintf(w, "%s\n", yellow("%d obligations skipped; see log for details", sum.Skipped))
	}
}
