// Command mailerd schedules, queues and delivers contract mail.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"mailerd/internal/audit"
	"mailerd/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand shares once configuration is loaded.
type app struct {
	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "mailerd",
		Short: "Scheduled contract mail daemon",
		Long: `mailerd turns due contract obligations into queued messages and
delivers them over SMTP, directly to MX hosts, or into a drop directory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = newLogger(cfg, cmd.ErrOrStderr())
			slog.SetDefault(a.log)
			audit.Set(cfg.Audit)
			audit.SetLogger(a.log)
			return nil
		},
	}

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newStatusCmd(a))
	root.AddCommand(newEnqueueCmd(a))
	return root
}

// newLogger builds the process logger. MAILER_DEBUG lowers the level to
// debug and MAILER_LOG_FORMAT=json selects the JSON handler.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
