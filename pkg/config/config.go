// Package config holds the immutable configuration of an initialization run.
// Values come from Default, optionally overlaid by a YAML file and then by
// PISA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/crypto"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/isolation"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/retry"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is passed by value. Nothing in this module mutates a Config after construction.
type Config struct {
	Timeouts      Timeouts      `yaml:"timeouts" json:"timeouts"`
	Retry         Retry         `yaml:"retry" json:"retry"`
	Channel       Channel       `yaml:"channel" json:"channel"`
	Readiness     Readiness     `yaml:"readiness" json:"readiness"`
	Chain         Chain         `yaml:"chain" json:"chain"`
	Messaging     Messaging     `yaml:"messaging" json:"messaging"`
	Isolation     Isolation     `yaml:"isolation" json:"isolation"`
	Log           Log           `yaml:"log" json:"log"`
	Ledger        Ledger        `yaml:"ledger" json:"ledger"`
	Observability Observability `yaml:"observability" json:"observability"`
}

// Timeouts bound each suspending round trip. PageLoad and SecureChannel
// supersede Stage for the reload and key exchange stages.
type Timeouts struct {
	Stage         time.Duration `yaml:"stage" json:"stage"`
	PageLoad      time.Duration `yaml:"page_load" json:"page_load"`
	SecureChannel time.Duration `yaml:"secure_channel" json:"secure_channel"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxJitter   time.Duration `yaml:"max_jitter" json:"max_jitter"`
}

// Channel configures the secure channel. AgentConstraint is a semver
// constraint the page agent version must satisfy.
type Channel struct {
	Curve           string        `yaml:"curve" json:"curve"`
	NonceSize       int           `yaml:"nonce_size" json:"nonce_size"`
	TokenTTL        time.Duration `yaml:"token_ttl" json:"token_ttl"`
	ProtocolVersion string        `yaml:"protocol_version" json:"protocol_version"`
	AgentConstraint string        `yaml:"agent_constraint" json:"agent_constraint"`
	Protections     []string      `yaml:"protections" json:"protections"`
}

type Readiness struct {
	Expression string `yaml:"expression" json:"expression"`
}

type Chain struct {
	Separator string `yaml:"separator" json:"separator"`
}

// Messaging throttles round trips to the in-page context.
type Messaging struct {
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" json:"burst"`
}

// Isolation configures the reference isolation manager used by the CLI.
type Isolation struct {
	Enabled     bool                   `yaml:"enabled" json:"enabled"`
	Interferers []isolation.Interferer `yaml:"interferers" json:"interferers"`
}

type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "json" | "text"
}

type Ledger struct {
	Driver string `yaml:"driver" json:"driver"` // "sqlite" | "postgres"
	DSN    string `yaml:"dsn" json:"dsn"`
}

type Observability struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"service_name"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	Insecure    bool   `yaml:"insecure" json:"insecure"`
}

// DefaultProtections is the lockdown protection list requested from the page.
var DefaultProtections = []string{
	"suspend-external-events",
	"freeze-mutable-natives",
	"dom-mutation-monitor",
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Timeouts: Timeouts{
			Stage:         10 * time.Second,
			PageLoad:      30 * time.Second,
			SecureChannel: 30 * time.Second,
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			MaxJitter:   100 * time.Millisecond,
		},
		Channel: Channel{
			Curve:           crypto.DefaultCurve,
			NonceSize:       crypto.DefaultNonceSize,
			TokenTTL:        time.Hour,
			ProtocolVersion: "1.0.0",
			AgentConstraint: ">= 1.0.0, < 2.0.0",
			Protections:     append([]string(nil), DefaultProtections...),
		},
		Chain:     Chain{Separator: "|"},
		Messaging: Messaging{RatePerSecond: 20, Burst: 5},
		Log:       Log{Level: "INFO", Format: "text"},
		Ledger:    Ledger{Driver: "sqlite", DSN: "pisa-ledger.db"},
		Observability: Observability{
			ServiceName: "pisa",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// RetryPolicy converts the retry section to a backoff policy.
func (c Config) RetryPolicy() retry.BackoffPolicy {
	return retry.BackoffPolicy{
		PolicyID:    "pisa",
		BaseMs:      c.Retry.BaseDelay.Milliseconds(),
		MaxMs:       c.Retry.MaxDelay.Milliseconds(),
		MaxJitterMs: c.Retry.MaxJitter.Milliseconds(),
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Timeouts.Stage > 0, "timeouts.stage must be positive")
	check(c.Timeouts.PageLoad > 0, "timeouts.page_load must be positive")
	check(c.Timeouts.SecureChannel > 0, "timeouts.secure_channel must be positive")
	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be at least 1")
	check(c.Retry.BaseDelay >= 0 && c.Retry.MaxDelay >= 0 && c.Retry.MaxJitter >= 0, "retry delays must not be negative")
	check(crypto.SupportedCurve(c.Channel.Curve), "channel.curve %q is not supported", c.Channel.Curve)
	check(c.Channel.NonceSize >= crypto.MinNonceSize, "channel.nonce_size must be at least %d", crypto.MinNonceSize)
	check(c.Channel.TokenTTL >= 0, "channel.token_ttl must not be negative")
	check(c.Channel.ProtocolVersion != "", "channel.protocol_version is required")
	check(len(c.Channel.Protections) > 0, "channel.protections must not be empty")
	check(c.Chain.Separator != "", "chain.separator is required")
	check(c.Messaging.RatePerSecond > 0 && c.Messaging.Burst >= 1, "messaging rate and burst must be positive")
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		check(false, "log.format %q must be json or text", c.Log.Format)
	}
	switch c.Ledger.Driver {
	case "", "sqlite", "postgres":
	default:
		check(false, "ledger.driver %q must be sqlite or postgres", c.Ledger.Driver)
	}
	return errors.Join(errs...)
}

// ApplyEnv returns a copy of c with PISA_* environment overrides applied.
func ApplyEnv(c Config) (Config, error) {
	out := c
	out.Channel.Protections = append([]string(nil), c.Channel.Protections...)
	out.Isolation.Interferers = append([]isolation.Interferer(nil), c.Isolation.Interferers...)

	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	dur("PISA_STAGE_TIMEOUT", &out.Timeouts.Stage)
	dur("PISA_PAGE_LOAD_TIMEOUT", &out.Timeouts.PageLoad)
	dur("PISA_SECURE_CHANNEL_TIMEOUT", &out.Timeouts.SecureChannel)
	if v, ok := os.LookupEnv("PISA_RETRY_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PISA_RETRY_MAX_ATTEMPTS: %w", err))
		} else {
			out.Retry.MaxAttempts = n
		}
	}
	str("PISA_CURVE", &out.Channel.Curve)
	str("PISA_AGENT_CONSTRAINT", &out.Channel.AgentConstraint)
	str("PISA_READINESS_EXPR", &out.Readiness.Expression)
	str("PISA_CHAIN_SEPARATOR", &out.Chain.Separator)
	str("PISA_LOG_LEVEL", &out.Log.Level)
	str("PISA_LOG_FORMAT", &out.Log.Format)
	str("PISA_LEDGER_DRIVER", &out.Ledger.Driver)
	str("PISA_LEDGER_DSN", &out.Ledger.DSN)
	if v, ok := os.LookupEnv("PISA_OTEL_ENDPOINT"); ok && v != "" {
		out.Observability.Enabled = true
		out.Observability.Endpoint = v
	}

	return out, errors.Join(errs...)
}
