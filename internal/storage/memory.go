// Package storage contains the in-memory implementation of Store, used in
// development and by tests.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
)

// memory mirrors the relational constraints of the PostgreSQL schema:
// unique usernames, foreign keys to identities, and cascading deletes.
type memory struct {
	mu          sync.Mutex
	identities  map[string]model.Identity
	usernames   map[string]string // username -> identity key
	publicKeys  map[string]model.PublicKey
	challenges  map[string]model.Challenge
	revocations map[string]time.Time
}

// NewMemory returns a concurrency-safe in-memory implementation of Store.
func NewMemory() Store {
	return &memory{
		identities:  make(map[string]model.Identity),
		usernames:   make(map[string]string),
		publicKeys:  make(map[string]model.PublicKey),
		challenges:  make(map[string]model.Challenge),
		revocations: make(map[string]time.Time),
	}
}

func key(b []byte) string { return string(b) }

// CreateIdentity stores a new identity. Returns ErrConflict on a duplicate id or username.
func (m *memory) CreateIdentity(_ context.Context, identity model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[key(identity.ID)]; ok {
		return ErrConflict
	}
	if _, ok := m.usernames[identity.Username]; ok {
		return ErrConflict
	}
	m.identities[key(identity.ID)] = cloneIdentity(identity)
	m.usernames[identity.Username] = key(identity.ID)
	return nil
}

// GetIdentity retrieves an identity by id.
func (m *memory) GetIdentity(_ context.Context, id []byte) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[key(id)]
	if !ok {
		return model.Identity{}, ErrNotFound
	}
	return cloneIdentity(identity), nil
}

// GetIdentityByUsername retrieves an identity by its unique username.
func (m *memory) GetIdentityByUsername(_ context.Context, username string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.usernames[username]
	if !ok {
		return model.Identity{}, ErrNotFound
	}
	return cloneIdentity(m.identities[k]), nil
}

// DeleteIdentity removes an identity and cascades to its keys and challenges.
func (m *memory) DeleteIdentity(_ context.Context, id []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[key(id)]; !ok {
		return ErrNotFound
	}
	m.deleteIdentityLocked(key(id))
	return nil
}

func (m *memory) deleteIdentityLocked(k string) {
	identity := m.identities[k]
	delete(m.usernames, identity.Username)
	delete(m.identities, k)
	for rawID, pk := range m.publicKeys {
		if key(pk.IdentityID) == k {
			delete(m.publicKeys, rawID)
		}
	}
	for c, ch := range m.challenges {
		if ch.Bound() && key(ch.IdentityID) == k {
			delete(m.challenges, c)
		}
	}
}

// RegisterPublicKey stores a credential and makes its identity permanent.
func (m *memory) RegisterPublicKey(_ context.Context, pk model.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[key(pk.IdentityID)]
	if !ok {
		return ErrForeignKey
	}
	if _, ok := m.publicKeys[key(pk.RawID)]; ok {
		return ErrConflict
	}
	m.publicKeys[key(pk.RawID)] = clonePublicKey(pk)
	identity.Expires = nil
	m.identities[key(pk.IdentityID)] = identity
	return nil
}

// GetPublicKey retrieves a credential by raw id.
func (m *memory) GetPublicKey(_ context.Context, rawID []byte) (model.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, ok := m.publicKeys[key(rawID)]
	if !ok {
		return model.PublicKey{}, ErrNotFound
	}
	return clonePublicKey(pk), nil
}

// ListPublicKeys returns the identity's credentials ordered by creation time.
func (m *memory) ListPublicKeys(_ context.Context, identityID []byte) ([]model.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PublicKey, 0)
	for _, pk := range m.publicKeys {
		if key(pk.IdentityID) == key(identityID) {
			out = append(out, clonePublicKey(pk))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// CountPublicKeys returns the number of credentials held by an identity.
func (m *memory) CountPublicKeys(_ context.Context, identityID []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(key(identityID)), nil
}

func (m *memory) countLocked(identityKey string) int {
	n := 0
	for _, pk := range m.publicKeys {
		if key(pk.IdentityID) == identityKey {
			n++
		}
	}
	return n
}

// RecordPublicKeyUse stores a new counter value when it still advances the stored one.
func (m *memory) RecordPublicKeyUse(_ context.Context, rawID []byte, counter uint32, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, ok := m.publicKeys[key(rawID)]
	if !ok {
		return ErrNotFound
	}
	if !pk.AcceptsCounter(counter) {
		return ErrConflict
	}
	pk.SignatureCounter = counter
	pk.LastUsed = &usedAt
	m.publicKeys[key(rawID)] = pk
	return nil
}

// DeletePublicKey removes a credential unless it is the identity's last one.
func (m *memory) DeletePublicKey(_ context.Context, rawID, identityID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, ok := m.publicKeys[key(rawID)]
	if !ok || key(pk.IdentityID) != key(identityID) {
		return ErrNotFound
	}
	if m.countLocked(key(identityID)) <= 1 {
		return ErrLastCredential
	}
	delete(m.publicKeys, key(rawID))
	return nil
}

// CreateChallenge stores a challenge, enforcing the identity foreign key.
func (m *memory) CreateChallenge(_ context.Context, ch model.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.Bound() {
		if _, ok := m.identities[key(ch.IdentityID)]; !ok {
			return ErrForeignKey
		}
	}
	if _, ok := m.challenges[key(ch.Challenge)]; ok {
		return ErrConflict
	}
	m.challenges[key(ch.Challenge)] = cloneChallenge(ch)
	return nil
}

// TakeChallenge removes and returns a challenge in one step.
func (m *memory) TakeChallenge(_ context.Context, challenge []byte) (model.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[key(challenge)]
	if !ok {
		return model.Challenge{}, ErrNotFound
	}
	delete(m.challenges, key(challenge))
	return ch, nil
}

// Revoke adds a token id to the denylist. Existing entries are left untouched.
func (m *memory) Revoke(_ context.Context, r model.Revocation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revocations[r.Token]; ok {
		return false, nil
	}
	m.revocations[r.Token] = r.Expires
	return true, nil
}

// IsRevoked reports whether the token id is on the denylist.
func (m *memory) IsRevoked(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revocations[token]
	return ok, nil
}

// DeleteExpiredRevocations drops denylist entries whose tokens expired before now.
func (m *memory) DeleteExpiredRevocations(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for token, expires := range m.revocations {
		if expires.Before(now) {
			delete(m.revocations, token)
			n++
		}
	}
	return n, nil
}

// DeleteExpiredChallenges drops challenges that expired before cutoff.
func (m *memory) DeleteExpiredChallenges(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for c, ch := range m.challenges {
		if ch.Expires.Before(cutoff) {
			delete(m.challenges, c)
			n++
		}
	}
	return n, nil
}

// DeleteExpiredIdentities drops identities that are still temporary and expired before now.
func (m *memory) DeleteExpiredIdentities(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, identity := range m.identities {
		if identity.Expires != nil && identity.Expires.Before(now) {
			m.deleteIdentityLocked(k)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds for the memory backend.
func (m *memory) Ping(context.Context) error { return nil }

// Close is a no-op for the memory backend.
func (m *memory) Close() error { return nil }

func cloneIdentity(i model.Identity) model.Identity {
	i.ID = i.ID.Clone()
	if i.Expires != nil {
		e := *i.Expires
		i.Expires = &e
	}
	return i
}

func clonePublicKey(pk model.PublicKey) model.PublicKey {
	pk.RawID = pk.RawID.Clone()
	pk.IdentityID = pk.IdentityID.Clone()
	pk.PublicKey = pk.PublicKey.Clone()
	pk.Transports = append([]string{}, pk.Transports...)
	if pk.LastUsed != nil {
		u := *pk.LastUsed
		pk.LastUsed = &u
	}
	return pk
}

func cloneChallenge(ch model.Challenge) model.Challenge {
	ch.Challenge = ch.Challenge.Clone()
	ch.IdentityID = ch.IdentityID.Clone()
	return ch
}
