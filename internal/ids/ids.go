// Package ids generates the random identifiers used by the identity service and
// defines their wire encoding.
//
// Binary identifiers (identity ids, credential ids, challenges) travel as
// unpadded base64url strings, matching the encoding browsers use for WebAuthn
// buffers.
package ids

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Lengths of generated identifiers in bytes.
const (
	IdentityLength  = 32 // 256 bits, opaque user handle
	ChallengeLength = 32 // 256 bits, WebAuthn challenge
)

// ErrEmpty is returned when an identifier string decodes to zero bytes.
var ErrEmpty = errors.New("empty identifier")

// Bytes is a binary identifier that marshals to unpadded base64url JSON.
// A nil value marshals to null.
type Bytes []byte

// Random returns n bytes from the system CSPRNG.
func Random(n int) (Bytes, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return buf, nil
}

// NewIdentityID allocates a fresh identity id.
func NewIdentityID() (Bytes, error) {
	return Random(IdentityLength)
}

// NewChallenge allocates a fresh challenge value.
func NewChallenge() (Bytes, error) {
	return Random(ChallengeLength)
}

// NewTokenID returns a unique token id used as the revocation key.
func NewTokenID() string {
	return uuid.NewString()
}

// Parse decodes a base64url identifier. Padding and the standard alphabet are
// tolerated because some clients emit them.
func Parse(s string) (Bytes, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode identifier: %w", err)
	}
	return b, nil
}

// String encodes b as unpadded base64url.
func (b Bytes) String() string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Equal reports whether b and o hold the same bytes.
func (b Bytes) Equal(o Bytes) bool {
	return bytes.Equal(b, o)
}

// Clone returns a copy that does not alias b.
func (b Bytes) Clone() Bytes {
	if b == nil {
		return nil
	}
	return append(Bytes(nil), b...)
}

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(b.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}
