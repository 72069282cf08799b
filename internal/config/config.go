// Package config loads and validates the bridge's configuration from process
// environment variables, all of which carry the MAIL_LASER_ prefix mandated
// by the external configuration contract (see project documentation).
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "MAIL_LASER"

// Config holds every tunable of the bridge. It is immutable once Load
// returns successfully; callers share it by value or by read-only reference.
type Config struct {
	// TargetEmails is the allow-list of recipient addresses the SMTP engine
	// accepts mail for, compared case-insensitively. envconfig splits the
	// comma-separated MAIL_LASER_TARGET_EMAILS value automatically.
	TargetEmails []string `envconfig:"target_emails" required:"true"`
	// WebhookURL is the single downstream endpoint every accepted message is
	// forwarded to.
	WebhookURL string `envconfig:"webhook_url" required:"true"`

	SMTPBind string `envconfig:"smtp_bind" default:"0.0.0.0"`
	SMTPPort int    `envconfig:"smtp_port" default:"2525"`

	HealthBind string `envconfig:"health_bind" default:"0.0.0.0"`
	HealthPort int    `envconfig:"health_port" default:"8080"`

	WebhookTimeoutSec int `envconfig:"webhook_timeout_s" default:"30"`
	WebhookMaxRetries int `envconfig:"webhook_max_retries" default:"3"`
	CircuitThreshold  int `envconfig:"cb_threshold" default:"5"`
	CircuitResetSec   int `envconfig:"cb_reset_s" default:"60"`

	// HeaderPrefixes is an ordered list of case-insensitive header-name
	// prefixes that are copied verbatim into EmailPayload.Headers. An empty
	// list disables header passthrough entirely.
	HeaderPrefixes []string `envconfig:"header_prefixes"`

	// targetEmailsLower is a lowercased lookup set built once at load time so
	// that RCPT TO matching never re-normalizes the configured list.
	targetEmailsLower map[string]string
}

// Release indicates whether the process runs in release mode, in which case
// WebhookURL must use HTTPS. It is supplied by the caller rather than read
// from the environment; main sets it from the -release command-line flag, so
// it is chosen at launch, not at build time.
type Release bool

// Load reads and validates configuration from the process environment. relMode
// controls whether a non-HTTPS webhook URL is rejected.
func Load(relMode Release) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(relMode); err != nil {
		return nil, err
	}
	cfg.targetEmailsLower = make(map[string]string, len(cfg.TargetEmails))
	for _, addr := range cfg.TargetEmails {
		cfg.targetEmailsLower[strings.ToLower(addr)] = addr
	}
	return &cfg, nil
}

func (cfg *Config) validate(relMode Release) error {
	if len(cfg.TargetEmails) == 0 {
		return fmt.Errorf("config: target_emails must list at least one recipient")
	}
	for _, addr := range cfg.TargetEmails {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("config: target_emails must not contain an empty entry")
		}
	}
	parsed, err := url.Parse(cfg.WebhookURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: webhook_url %q is not an absolute URL", cfg.WebhookURL)
	}
	if parsed.Scheme != "https" && bool(relMode) {
		return fmt.Errorf("config: webhook_url must use https in release mode, got %q", parsed.Scheme)
	}
	if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
		return fmt.Errorf("config: smtp_port %d is out of range", cfg.SMTPPort)
	}
	if cfg.HealthPort < 1 || cfg.HealthPort > 65535 {
		return fmt.Errorf("config: health_port %d is out of range", cfg.HealthPort)
	}
	if cfg.WebhookTimeoutSec < 1 {
		return fmt.Errorf("config: webhook_timeout_s must be greater than 0")
	}
	if cfg.WebhookMaxRetries < 0 {
		return fmt.Errorf("config: webhook_max_retries must not be negative")
	}
	if cfg.CircuitThreshold < 1 {
		return fmt.Errorf("config: cb_threshold must be greater than 0")
	}
	if cfg.CircuitResetSec < 1 {
		return fmt.Errorf("config: cb_reset_s must be greater than 0")
	}
	return nil
}

// MatchTarget reports whether addr matches some entry of TargetEmails under
// ASCII case folding, returning the originally configured spelling so the
// emitted payload's recipient field preserves it.
func (cfg *Config) MatchTarget(addr string) (string, bool) {
	original, ok := cfg.targetEmailsLower[strings.ToLower(addr)]
	return original, ok
}

// SMTPAddr returns the listen address for the SMTP engine.
func (cfg *Config) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", cfg.SMTPBind, cfg.SMTPPort)
}

// HealthAddr returns the listen address for the health endpoint.
func (cfg *Config) HealthAddr() string {
	return fmt.Sprintf("%s:%d", cfg.HealthBind, cfg.HealthPort)
}
