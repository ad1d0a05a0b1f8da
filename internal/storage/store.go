// Package storage provides the persistence layer of the identity service:
// identities, registered public keys, single-use challenges and the token
// revocation denylist.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
)

// Standard error values used across storage implementations
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation or a lost concurrent update.
	ErrConflict = errors.New("conflict")
	// ErrForeignKey indicates that a referenced identity does not exist.
	ErrForeignKey = errors.New("referenced identity does not exist")
	// ErrLastCredential indicates that a delete would leave an identity without credentials.
	ErrLastCredential = errors.New("identity must keep at least one credential")
)

// IdentityStore persists identities.
type IdentityStore interface {
	// CreateIdentity inserts a new identity. ErrConflict when the username is taken.
	CreateIdentity(ctx context.Context, identity model.Identity) error
	// GetIdentity returns the identity with the given id.
	GetIdentity(ctx context.Context, id []byte) (model.Identity, error)
	// GetIdentityByUsername returns the identity with the given username.
	GetIdentityByUsername(ctx context.Context, username string) (model.Identity, error)
	// DeleteIdentity removes an identity together with its keys and challenges.
	DeleteIdentity(ctx context.Context, id []byte) error
}

// PublicKeyStore persists registered WebAuthn credentials.
type PublicKeyStore interface {
	// RegisterPublicKey inserts a credential and clears the owning identity's
	// expiry in the same transaction. ErrForeignKey when the identity is gone,
	// ErrConflict when the raw id is already registered.
	RegisterPublicKey(ctx context.Context, key model.PublicKey) error
	// GetPublicKey returns the credential with the given raw id.
	GetPublicKey(ctx context.Context, rawID []byte) (model.PublicKey, error)
	// ListPublicKeys returns every credential of an identity, oldest first.
	ListPublicKeys(ctx context.Context, identityID []byte) ([]model.PublicKey, error)
	// CountPublicKeys returns how many credentials an identity holds.
	CountPublicKeys(ctx context.Context, identityID []byte) (int, error)
	// RecordPublicKeyUse stores the counter of a successful assertion. The
	// counter rule of model.PublicKey.AcceptsCounter is re-checked against the
	// stored row; ErrConflict when it no longer holds.
	RecordPublicKeyUse(ctx context.Context, rawID []byte, counter uint32, usedAt time.Time) error
	// DeletePublicKey removes a credential owned by identityID. ErrLastCredential
	// when it is the identity's only credential.
	DeletePublicKey(ctx context.Context, rawID, identityID []byte) error
}

// ChallengeStore persists single-use challenges.
type ChallengeStore interface {
	// CreateChallenge inserts a challenge. ErrForeignKey when it is bound to an
	// identity that does not exist.
	CreateChallenge(ctx context.Context, challenge model.Challenge) error
	// TakeChallenge atomically deletes and returns a challenge. ErrNotFound when
	// it is absent or was already consumed.
	TakeChallenge(ctx context.Context, challenge []byte) (model.Challenge, error)
}

// RevocationStore persists the token denylist.
type RevocationStore interface {
	// Revoke records a revoked token id. Revoking twice is not an error; the
	// returned bool reports whether a new entry was written.
	Revoke(ctx context.Context, revocation model.Revocation) (bool, error)
	// IsRevoked reports whether the token id is on the denylist.
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// SweepStore removes rows that outlived their usefulness.
type SweepStore interface {
	// DeleteExpiredRevocations removes denylist entries whose token expired before now.
	DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
	// DeleteExpiredChallenges removes challenges that expired before the cutoff.
	DeleteExpiredChallenges(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteExpiredIdentities removes identities that never registered a credential
	// and expired before now.
	DeleteExpiredIdentities(ctx context.Context, now time.Time) (int64, error)
}

// Store aggregates all persistence capabilities required by the service.
type Store interface {
	IdentityStore
	PublicKeyStore
	ChallengeStore
	RevocationStore
	SweepStore

	// Ping verifies that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
