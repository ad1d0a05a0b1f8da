package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of every token. The kind is flattened into the typ
// and act fields on the wire.
type Claims struct {
	Subject   string           // base64url identity id
	ID        string           // tid, the revocation key
	ExpiresAt *jwt.NumericDate // exp
	Kind      Kind
}

type wireClaims struct {
	Subject   string           `json:"sub"`
	ID        string           `json:"tid"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	Type      string           `json:"typ"`
	Action    string           `json:"act,omitempty"`
}

var _ jwt.Claims = (*Claims)(nil)

// Expiry returns exp as a time, or the zero time when unset.
func (c Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// MarshalJSON flattens the kind into typ and act.
func (c Claims) MarshalJSON() ([]byte, error) {
	if c.Kind == nil {
		return nil, errors.New("token: claims without kind")
	}
	return json.Marshal(wireClaims{
		Subject:   c.Subject,
		ID:        c.ID,
		ExpiresAt: c.ExpiresAt,
		Type:      TypeOf(c.Kind),
		Action:    ActionOf(c.Kind),
	})
}

// UnmarshalJSON rebuilds the kind from typ and act.
func (c *Claims) UnmarshalJSON(data []byte) error {
	var w wireClaims
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := ParseKind(w.Type, w.Action)
	if err != nil {
		return fmt.Errorf("decode claims: %w", err)
	}
	*c = Claims{Subject: w.Subject, ID: w.ID, ExpiresAt: w.ExpiresAt, Kind: kind}
	return nil
}

// jwt.Claims

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (c *Claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c *Claims) GetIssuer() (string, error)                   { return "", nil }
func (c *Claims) GetSubject() (string, error)                  { return c.Subject, nil }
func (c *Claims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }
