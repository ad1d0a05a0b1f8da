// Package model defines the persisted row types of the identity service. The
// same structs are serialized on the wire, so JSON names follow the API.
package model

import (
	"time"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
)

// Identity is a user account. Expires is set only while the identity has no
// registered credential and is cleared for good by the first registration.
type Identity struct {
	ID          ids.Bytes  `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Created     time.Time  `json:"created"`
	Expires     *time.Time `json:"expires"`
}

// Permanent reports whether the identity can no longer expire.
func (i Identity) Permanent() bool {
	return i.Expires == nil
}

// PublicKey is a registered WebAuthn credential (a persisted public key).
type PublicKey struct {
	RawID            ids.Bytes  `json:"rawId"`
	IdentityID       ids.Bytes  `json:"identityId"`
	DisplayName      string     `json:"displayName"`
	PublicKey        ids.Bytes  `json:"publicKey"`          // COSE_Key encoding
	Algorithm        int64      `json:"publicKeyAlgorithm"` // COSE algorithm identifier
	Transports       []string   `json:"transports"`
	SignatureCounter uint32     `json:"signatureCounter"`
	Created          time.Time  `json:"created"`
	LastUsed         *time.Time `json:"lastUsed"`
}

// Challenge is a single-use WebAuthn challenge. A nil IdentityID means the
// challenge is not bound to any identity.
type Challenge struct {
	Challenge  ids.Bytes `json:"challenge"`
	IdentityID ids.Bytes `json:"identityId"`
	Origin     string    `json:"origin"`
	Issued     time.Time `json:"issued"`
	Expires    time.Time `json:"expires"`
}

// Bound reports whether the challenge is tied to a specific identity.
func (c Challenge) Bound() bool {
	return c.IdentityID != nil
}

// Usable reports whether the challenge may still be consumed at now, allowing
// grace past its nominal expiry.
func (c Challenge) Usable(now time.Time, grace time.Duration) bool {
	return now.Before(c.Expires.Add(grace))
}

// Revocation is a denylist entry. Expires mirrors the revoked token's exp so
// the entry can be collected once the token would have expired anyway.
type Revocation struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// AcceptsCounter reports whether an assertion presenting counter may follow
// the stored state of k. The counter must strictly increase, except that a key
// that has never been used may present zero against a stored zero once.
func (k PublicKey) AcceptsCounter(counter uint32) bool {
	if counter > k.SignatureCounter {
		return true
	}
	return counter == 0 && k.SignatureCounter == 0 && k.LastUsed == nil
}
