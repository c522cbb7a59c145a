// Package audit records message lifecycle transitions. Records are emitted
// only when MAILER_AUDIT is true.
package audit

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/atomic"
)

var (
	enabled = atomic.NewBool(envEnabled())
	logger  = atomic.NewPointer[slog.Logger](nil)
)

func envEnabled() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("MAILER_AUDIT")), "true")
}

// Set toggles audit output.
func Set(on bool) { enabled.Store(on) }

// Enabled reports whether audit output is on.
func Enabled() bool { return enabled.Load() }

// RefreshFromEnv re-reads MAILER_AUDIT.
func RefreshFromEnv() { enabled.Store(envEnabled()) }

// SetLogger directs audit records to l. A nil logger restores slog.Default.
func SetLogger(l *slog.Logger) { logger.Store(l) }

func current() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Log emits a free-form audit record.
func Log(msg string, args ...any) {
	if !Enabled() {
		return
	}
	current().Info("[AUDIT] "+msg, args...)
}

// Transition records that message id entered state. Detail is optional.
func Transition(id, state, detail string) {
	if !Enabled() {
		return
	}
	args := []any{"id", id, "state", state}
	if detail != "" {
		args = append(args, "detail", detail)
	}
	current().Info("[AUDIT] transition", args...)
}
