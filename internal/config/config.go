// Package config loads daemon settings from the environment, an optional
// .env file and an optional config file named by MAILER_CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"mailerd/internal/dkim"
)

// ErrConfig is wrapped by every configuration error.
var ErrConfig = errors.New("invalid configuration")

// Error reports a missing or malformed setting.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

func (e *Error) Unwrap() error { return ErrConfig }

// Transport names.
const (
	TransportAuto  = "auto"
	TransportSMTP  = "smtp"
	TransportLocal = "local"
	TransportMX    = "mx"
	TransportFile  = "file"
)

// SMTP holds relay settings.
type SMTP struct {
	Server   string
	Port     int
	Username string
	Password string
	// LocalHost is the unauthenticated relay used without credentials.
	LocalHost   string
	CAFile      string
	TLSInsecure bool
}

// HasCredentials reports whether server, username and password are all set.
func (s SMTP) HasCredentials() bool {
	return s.Server != "" && s.Username != "" && s.Password != ""
}

// Config is the complete daemon configuration.
type Config struct {
	DatabaseURL string
	SpoolDir    string
	Transport   string
	SMTP        SMTP
	FileDropDir string
	Hostname    string

	Interval time.Duration
	// Schedule is an optional cron expression overriding Interval.
	Schedule string

	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration

	LookaheadDays    int
	LookaheadClasses map[string]int
	DefaultFrom      string
	ReplyTo          string

	HealthAddr string
	DKIM       dkim.Options

	Debug     bool
	Audit     bool
	LogFormat string
}

// Load reads the configuration. Unknown transports, malformed numbers,
// durations or class overrides are reported as *Error.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if file := strings.TrimSpace(v.GetString("MAILER_CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Key: "MAILER_CONFIG_FILE", Reason: err.Error()}
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("MAILER_SPOOL_DIR", "./mails")
	v.SetDefault("MAILER_TRANSPORT", TransportAuto)
	v.SetDefault("SMTP_LOCAL_HOST", "localhost")
	v.SetDefault("MAILER_INTERVAL", "5m")
	v.SetDefault("MAILER_MAX_RETRIES", 3)
	v.SetDefault("MAILER_RETRY_BACKOFF", "2s")
	v.SetDefault("MAILER_LOOKAHEAD_DAYS", 31)
	v.SetDefault("MAILER_LOG_FORMAT", "text")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DatabaseURL: strings.TrimSpace(v.GetString("DATABASE_URL")),
		SpoolDir:    strings.TrimSpace(v.GetString("MAILER_SPOOL_DIR")),
		Transport:   strings.ToLower(strings.TrimSpace(v.GetString("MAILER_TRANSPORT"))),
		SMTP: SMTP{
			Server:      strings.TrimSpace(v.GetString("SMTP_SERVER")),
			Username:    v.GetString("SMTP_USERNAME"),
			Password:    v.GetString("SMTP_PASSWORD"),
			LocalHost:   strings.TrimSpace(v.GetString("SMTP_LOCAL_HOST")),
			CAFile:      strings.TrimSpace(v.GetString("MAILER_SMTP_CA_FILE")),
			TLSInsecure: Bool(v.GetString("MAILER_SMTP_TLS_INSECURE"), false),
		},
		FileDropDir: strings.TrimSpace(v.GetString("MAILER_FILE_DROP_DIR")),
		Hostname:    Hostname(v.GetString("MAILER_HOSTNAME")),
		Schedule:    strings.TrimSpace(v.GetString("MAILER_SCHEDULE")),
		Workers:     Workers(v.GetString("MAILER_WORKERS")),
		DefaultFrom: strings.TrimSpace(v.GetString("MAILER_DEFAULT_FROM")),
		ReplyTo:     strings.TrimSpace(v.GetString("MAILER_REPLY_TO")),
		HealthAddr:  strings.TrimSpace(v.GetString("MAILER_HEALTH_ADDR")),
		DKIM: dkim.Options{
			Selector:   v.GetString("MAILER_DKIM_SELECTOR"),
			KeyPath:    v.GetString("MAILER_DKIM_KEY_PATH"),
			PrivateKey: v.GetString("MAILER_DKIM_PRIVATE_KEY"),
			Domain:     v.GetString("MAILER_DKIM_DOMAIN"),
		},
		Debug:     Bool(v.GetString("MAILER_DEBUG"), false),
		Audit:     Bool(v.GetString("MAILER_AUDIT"), false),
		LogFormat: strings.ToLower(strings.TrimSpace(v.GetString("MAILER_LOG_FORMAT"))),
	}

	var err error
	switch cfg.Transport {
	case TransportAuto, TransportSMTP, TransportLocal, TransportMX, TransportFile:
	default:
		return nil, &Error{Key: "MAILER_TRANSPORT", Reason: fmt.Sprintf("unknown transport %q", cfg.Transport)}
	}
	if cfg.SMTP.Port, err = intSetting(v, "SMTP_PORT", 0); err != nil {
		return nil, err
	}
	if cfg.SMTP.Port < 0 || cfg.SMTP.Port > 65535 {
		return nil, &Error{Key: "SMTP_PORT", Reason: "out of range"}
	}
	if cfg.Interval, err = durationSetting(v, "MAILER_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return nil, &Error{Key: "MAILER_SCHEDULE", Reason: err.Error()}
		}
	}
	if cfg.RetryBackoff, err = durationSetting(v, "MAILER_RETRY_BACKOFF"); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = intSetting(v, "MAILER_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.LookaheadDays, err = intSetting(v, "MAILER_LOOKAHEAD_DAYS", 31); err != nil {
		return nil, err
	}
	if cfg.LookaheadDays == 0 {
		return nil, &Error{Key: "MAILER_LOOKAHEAD_DAYS", Reason: "must be at least one day"}
	}
	if cfg.LookaheadClasses, err = ParseClasses(v.GetString("MAILER_LOOKAHEAD_CLASSES")); err != nil {
		return nil, err
	}
	if cfg.Transport == TransportSMTP && !cfg.SMTP.HasCredentials() {
		return nil, &Error{Key: "SMTP_SERVER", Reason: "smtp transport requires SMTP_SERVER, SMTP_USERNAME and SMTP_PASSWORD"}
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, &Error{Key: "MAILER_LOG_FORMAT", Reason: fmt.Sprintf("unknown format %q", cfg.LogFormat)}
	}
	if cfg.FileDropDir == "" {
		cfg.FileDropDir = strings.TrimRight(cfg.SpoolDir, "/") + "/outbox"
	}
	return cfg, nil
}

// ResolvedTransport maps "auto" to the relay when credentials are present
// and to the local relay otherwise.
func (c *Config) ResolvedTransport() string {
	if c.Transport != TransportAuto && c.Transport != "" {
		return c.Transport
	}
	if c.SMTP.HasCredentials() {
		return TransportSMTP
	}
	return TransportLocal
}

// RequireDatabase reports a configuration error when DATABASE_URL is unset.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return &Error{Key: "DATABASE_URL", Reason: "must be set"}
	}
	return nil
}
