// Package config provides configuration loading for the identity service.
// Settings come from ID_-prefixed environment variables, optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv never overrides variables that are already set, so the OS environment
// always wins over .env, and .env wins over .env.local.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// EnvPrefix is prepended to every variable name in Config.
const EnvPrefix = "ID_"

// Supported token signing algorithms.
const (
	AlgorithmES256 = "ES256"
	AlgorithmEdDSA = "EdDSA"
)

// Config captures environment-driven settings for the identity service.
type Config struct {
	Env            string `env:"ENV" envDefault:"dev"`            // Deployment environment (dev, staging, prod)
	Address        string `env:"HTTP_ADDR" envDefault:":8081"`    // API listen address
	MetricsAddress string `env:"METRICS_ADDR" envDefault:":9090"` // Prometheus listen address
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`     // debug, info, warn, error
	LogFormat      string `env:"LOG_FORMAT" envDefault:"text"`    // text or json
	DatabaseDSN    string `env:"DB_DSN"`                          // PostgreSQL DSN, empty selects the memory backend

	// Token signing and trust material
	SigningJWKPath     string `env:"SIGNING_JWK_PATH"`                     // Private JWK used to sign tokens
	SigningKeyID       string `env:"SIGNING_KEY_ID"`                       // Overrides the kid found in the JWK
	SigningAlgorithm   string `env:"SIGNING_ALGORITHM" envDefault:"ES256"` // ES256 or EdDSA
	JWKSPath           string `env:"JWKS_PATH"`                            // Additional trusted public keys
	JWKSURL            string `env:"JWKS_URL"`                             // Remote key set consulted on unknown kids
	RevocationEndpoint string `env:"REVOCATION_ENDPOINT"`                  // Remote denylist, empty uses local storage
	RevocationAPIKey   string `env:"REVOCATION_API_KEY"`                   // Sent to the remote denylist

	// Service-to-service gate
	APIKeyHeader string   `env:"API_KEY_HEADER" envDefault:"X-TS-API-Key"`
	APIKeys      []string `env:"API_KEYS" envSeparator:","`

	// Relying party
	AllowedOrigins   []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
	RelyingPartyID   string   `env:"RP_ID" envDefault:"localhost"`
	RelyingPartyName string   `env:"RP_NAME" envDefault:"TS Auth"`

	// Lifetimes
	ChallengeTTL    time.Duration `env:"CHALLENGE_TTL" envDefault:"60s"`
	ChallengeGrace  time.Duration `env:"CHALLENGE_GRACE" envDefault:"60s"`
	IdentityTTL     time.Duration `env:"IDENTITY_TTL" envDefault:"1h"`
	ProvisioningTTL time.Duration `env:"PROVISIONING_TTL" envDefault:"15m"`
	CommonTTL       time.Duration `env:"COMMON_TTL" envDefault:"12h"`
	ConsentTTL      time.Duration `env:"CONSENT_TTL" envDefault:"2m"`

	SweepSchedule string `env:"SWEEP_SCHEDULE" envDefault:"@hourly"` // cron spec for the cleanup task

	// Outbound HTTP (JWKS fetch and revocation checks)
	HTTPClientTimeout time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"5s"`
	HTTPClientRetries int           `env:"HTTP_CLIENT_RETRIES" envDefault:"2"`
}

// Load reads environment variables and produces a validated Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsDev reports whether the service runs in the development environment.
func (c Config) IsDev() bool {
	return c.Env == "dev"
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c Config) Validate() error {
	var problems []string

	switch c.SigningAlgorithm {
	case AlgorithmES256, AlgorithmEdDSA:
	default:
		problems = append(problems, fmt.Sprintf("%sSIGNING_ALGORITHM must be %s or %s", EnvPrefix, AlgorithmES256, AlgorithmEdDSA))
	}
	if c.RelyingPartyID == "" {
		problems = append(problems, EnvPrefix+"RP_ID is required")
	}
	if len(c.AllowedOrigins) == 0 {
		problems = append(problems, EnvPrefix+"ALLOWED_ORIGINS is required")
	}

	durations := map[string]time.Duration{
		"CHALLENGE_TTL":       c.ChallengeTTL,
		"IDENTITY_TTL":        c.IdentityTTL,
		"PROVISIONING_TTL":    c.ProvisioningTTL,
		"COMMON_TTL":          c.CommonTTL,
		"CONSENT_TTL":         c.ConsentTTL,
		"HTTP_CLIENT_TIMEOUT": c.HTTPClientTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s%s must be > 0", EnvPrefix, name))
		}
	}
	if c.ChallengeGrace < 0 {
		problems = append(problems, EnvPrefix+"CHALLENGE_GRACE must be >= 0")
	}
	if c.HTTPClientRetries < 0 {
		problems = append(problems, EnvPrefix+"HTTP_CLIENT_RETRIES must be >= 0")
	}

	// Production deployments must not fall back to ephemeral state or an open gate
	if !c.IsDev() {
		if c.DatabaseDSN == "" {
			problems = append(problems, EnvPrefix+"DB_DSN is required outside dev")
		}
		if c.SigningJWKPath == "" {
			problems = append(problems, EnvPrefix+"SIGNING_JWK_PATH is required outside dev")
		}
		if len(c.APIKeys) == 0 {
			problems = append(problems, EnvPrefix+"API_KEYS is required outside dev")
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// normalize trims list entries and drops empty ones so "a, b," parses as [a b].
func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.APIKeys = compact(c.APIKeys)
	c.AllowedOrigins = compact(c.AllowedOrigins)
	for i, origin := range c.AllowedOrigins {
		c.AllowedOrigins[i] = strings.TrimRight(origin, "/")
	}
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
