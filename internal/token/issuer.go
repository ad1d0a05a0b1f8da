package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
)

var issuedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "token_issuance_total",
		Help: "Total number of tokens issued by kind",
	},
	[]string{"kind"},
)

// Policy holds the lifetime of each kind.
type Policy struct {
	Provisioning time.Duration
	Common       time.Duration
	Consent      time.Duration
}

// TTL returns the lifetime of a token of kind k.
func (p Policy) TTL(k Kind) time.Duration {
	return Visit[time.Duration](k, ttlSwitch{p: p})
}

type ttlSwitch struct{ p Policy }

func (s ttlSwitch) Provisioning() time.Duration    { return s.p.Provisioning }
func (s ttlSwitch) Common() time.Duration          { return s.p.Common }
func (s ttlSwitch) Consent(_ string) time.Duration { return s.p.Consent }

// Issuer signs tokens with the process signing key.
type Issuer struct {
	key    *SigningKey
	policy Policy
	clock  func() time.Time
}

// IssuerOption customizes an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerClock overrides the time source.
func WithIssuerClock(clock func() time.Time) IssuerOption {
	return func(i *Issuer) { i.clock = clock }
}

// NewIssuer returns an Issuer for key under policy.
func NewIssuer(key *SigningKey, policy Policy, opts ...IssuerOption) *Issuer {
	i := &Issuer{key: key, policy: policy, clock: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue signs a token of kind for subject with a fresh tid.
func (i *Issuer) Issue(subject string, kind Kind) (string, Claims, error) {
	claims := Claims{
		Subject:   subject,
		ID:        ids.NewTokenID(),
		ExpiresAt: jwt.NewNumericDate(i.clock().Add(i.policy.TTL(kind))),
		Kind:      kind,
	}

	tok := jwt.NewWithClaims(i.key.Method(), &claims)
	tok.Header["kid"] = i.key.ID
	signed, err := tok.SignedString(i.key.signingKey())
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}

	issuedTotal.WithLabelValues(TypeOf(kind)).Inc()
	return signed, claims, nil
}
