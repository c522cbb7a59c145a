package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultHostname = "localhost"

// Bool parses a boolean setting. Only "true" or "false" (case-insensitive)
// are recognised; any other value results in the provided default.
func Bool(value string, defaultValue bool) bool {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "true":
		return true
	case "false":
		return false
	default:
		return defaultValue
	}
}

// Hostname returns the name the daemon should announce in EHLO.
// Preference order: configured value, system hostname, fallback.
func Hostname(configured string) string {
	if v := strings.TrimSpace(configured); v != "" {
		return v
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHostname
}

// Workers returns the number of concurrent deliveries. Defaults to the
// number of logical CPUs when unset or invalid.
func Workers(value string) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return runtime.NumCPU()
	}
	workers, err := strconv.Atoi(value)
	if err != nil || workers < 1 {
		return runtime.NumCPU()
	}
	return workers
}

// ParseClasses parses "class=days,..." lookahead overrides.
func ParseClasses(value string) (map[string]int, error) {
	out := make(map[string]int)
	value = strings.TrimSpace(value)
	if value == "" {
		return out, nil
	}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, days, ok := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, &Error{Key: "MAILER_LOOKAHEAD_CLASSES", Reason: fmt.Sprintf("expected class=days, got %q", part)}
		}
		n, err := strconv.Atoi(strings.TrimSpace(days))
		if err != nil || n < 0 {
			return nil, &Error{Key: "MAILER_LOOKAHEAD_CLASSES", Reason: fmt.Sprintf("invalid day count for %s", name)}
		}
		out[name] = n
	}
	return out, nil
}

func intSetting(v *viper.Viper, key string, def int) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &Error{Key: key, Reason: fmt.Sprintf("not a number: %q", raw)}
	}
	if n < 0 {
		return 0, &Error{Key: key, Reason: "must not be negative"}
	}
	return n, nil
}

func durationSetting(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &Error{Key: key, Reason: fmt.Sprintf("invalid duration %q", raw)}
	}
	if d <= 0 {
		return 0, &Error{Key: key, Reason: "must be positive"}
	}
	return d, nil
}
