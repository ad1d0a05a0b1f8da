package token

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrUnauthenticated is returned for every token that must not be trusted.
// The underlying cause is logged but never exposed to callers.
var ErrUnauthenticated = errors.New("token: unauthenticated")

var validationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "token_validation_total",
		Help: "Total number of token validations by result",
	},
	[]string{"result"},
)

// KeySource resolves a verification key by key id. Implementations may
// refresh from a remote endpoint on a miss.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// RevocationChecker reports whether a tid is on the denylist.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tid string) (bool, error)
}

// Validator verifies presented tokens.
type Validator struct {
	keys        KeySource
	revocations RevocationChecker
	clock       func() time.Time
	logger      *slog.Logger
}

// ValidatorOption customizes a Validator.
type ValidatorOption func(*Validator)

// WithValidatorClock overrides the time source used for exp checks.
func WithValidatorClock(clock func() time.Time) ValidatorOption {
	return func(v *Validator) { v.clock = clock }
}

// WithValidatorLogger sets the logger for rejection causes.
func WithValidatorLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = logger }
}

// NewValidator returns a Validator resolving keys from keys and checking tids
// against revocations.
func NewValidator(keys KeySource, revocations RevocationChecker, opts ...ValidatorOption) *Validator {
	v := &Validator{keys: keys, revocations: revocations, clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks signature, expiry and revocation of raw and returns its
// claims. Every failure is reported as ErrUnauthenticated.
func (v *Validator) Validate(ctx context.Context, raw string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return v.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods([]string{AlgorithmES256, AlgorithmEdDSA}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return Claims{}, v.reject(ctx, "invalid", err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return Claims{}, v.reject(ctx, "invalid", errors.New("missing sub or tid"))
	}

	revoked, err := v.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Claims{}, v.reject(ctx, "error", fmt.Errorf("revocation check: %w", err))
	}
	if revoked {
		return Claims{}, v.reject(ctx, "revoked", fmt.Errorf("token %s revoked", claims.ID))
	}

	validationsTotal.WithLabelValues("valid").Inc()
	return claims, nil
}

func (v *Validator) reject(ctx context.Context, result string, cause error) error {
	validationsTotal.WithLabelValues(result).Inc()
	level := slog.LevelDebug
	if result == "error" {
		level = slog.LevelError
	}
	v.logger.Log(ctx, level, "token rejected", "result", result, "error", cause)
	return ErrUnauthenticated
}
