// Package challenge issues and consumes single-use WebAuthn challenges.
//
// A challenge is bound to the origin that requested it and optionally to an
// identity. It is consumed by Take, which deletes and returns it in one storage
// operation, so a challenge can be redeemed at most once.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
)

var (
	// ErrNotFound covers both unknown and expired challenges; callers cannot tell them apart.
	ErrNotFound = errors.New("challenge not found")
	// ErrUnknownIdentity is returned when a bound challenge names an identity that does not exist.
	ErrUnknownIdentity = errors.New("challenge identity unknown")
)

var (
	issuanceCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "challenge_issuance_total",
			Help: "Total number of WebAuthn challenges issued.",
		},
	)

	redemptionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_redemptions_total",
			Help: "Total number of challenge redemptions, by result.",
		},
		[]string{"result"}, // success, missing, expired
	)
)

// Store wraps the persistent challenge table with TTL policy.
type Store struct {
	store  storage.ChallengeStore
	ttl    time.Duration
	grace  time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the logger used for rejected redemptions.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New returns a Store issuing challenges valid for ttl and accepted up to
// grace past their expiry.
func New(store storage.ChallengeStore, ttl, grace time.Duration, opts ...Option) *Store {
	s := &Store{
		store:  store,
		ttl:    ttl,
		grace:  grace,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Grace returns the tolerance applied past a challenge's expiry.
func (s *Store) Grace() time.Duration {
	return s.grace
}

// Create generates and persists a challenge for origin. A non-nil identityID
// binds the challenge to that identity.
func (s *Store) Create(ctx context.Context, origin string, identityID []byte) (model.Challenge, error) {
	value, err := ids.NewChallenge()
	if err != nil {
		return model.Challenge{}, err
	}

	now := s.clock()
	ch := model.Challenge{
		Challenge: value,
		Origin:    origin,
		Issued:    now,
		Expires:   now.Add(s.ttl),
	}
	if identityID != nil {
		ch.IdentityID = ids.Bytes(identityID).Clone()
	}

	if err := s.store.CreateChallenge(ctx, ch); err != nil {
		if errors.Is(err, storage.ErrForeignKey) {
			return model.Challenge{}, ErrUnknownIdentity
		}
		return model.Challenge{}, fmt.Errorf("create challenge: %w", err)
	}
	issuanceCount.Inc()
	return ch, nil
}

// Take consumes a challenge. The row is deleted whether or not it is still
// usable; an expired challenge yields ErrNotFound like a missing one.
func (s *Store) Take(ctx context.Context, value []byte) (model.Challenge, error) {
	ch, err := s.store.TakeChallenge(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			redemptionCount.WithLabelValues("missing").Inc()
			return model.Challenge{}, ErrNotFound
		}
		return model.Challenge{}, fmt.Errorf("take challenge: %w", err)
	}

	if !ch.Usable(s.clock(), s.grace) {
		redemptionCount.WithLabelValues("expired").Inc()
		s.logger.Debug("expired challenge presented", "expires", ch.Expires)
		return model.Challenge{}, ErrNotFound
	}
	redemptionCount.WithLabelValues("success").Inc()
	return ch, nil
}
