// Package storage contains tests for the in-memory storage implementation.
package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/ids"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newIdentity(t *testing.T, store Store, username string) model.Identity {
	t.Helper()
	id, err := ids.NewIdentityID()
	require.NoError(t, err)
	expires := testNow.Add(time.Hour)
	identity := model.Identity{
		ID:          id,
		Username:    username,
		DisplayName: "Display " + username,
		Created:     testNow,
		Expires:     &expires,
	}
	require.NoError(t, store.CreateIdentity(context.Background(), identity))
	return identity
}

func newKey(identity model.Identity, rawID byte, created time.Time) model.PublicKey {
	return model.PublicKey{
		RawID:       ids.Bytes{rawID, rawID},
		IdentityID:  identity.ID,
		DisplayName: "key",
		PublicKey:   ids.Bytes{0xa5},
		Algorithm:   -7,
		Transports:  []string{"internal"},
		Created:     created,
	}
}

func TestMemoryStore_CreateGetIdentity(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	identity := newIdentity(t, store, "alice")

	got, err := store.GetIdentity(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.False(t, got.Permanent())

	byName, err := store.GetIdentityByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, byName.ID.Equal(identity.ID))

	_, err = store.GetIdentity(ctx, []byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DuplicateUsername(t *testing.T) {
	store := NewMemory()
	newIdentity(t, store, "alice")

	id, err := ids.NewIdentityID()
	require.NoError(t, err)
	err = store.CreateIdentity(context.Background(), model.Identity{ID: id, Username: "alice", Created: testNow})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_RegisterClearsExpiry(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	identity := newIdentity(t, store, "alice")

	require.NoError(t, store.RegisterPublicKey(ctx, newKey(identity, 1, testNow)))

	got, err := store.GetIdentity(ctx, identity.ID)
	require.NoError(t, err)
	assert.True(t, got.Permanent())

	// A second registration of the same raw id is rejected.
	assert.ErrorIs(t, store.RegisterPublicKey(ctx, newKey(identity, 1, testNow)), ErrConflict)

	// Unknown identities surface as a foreign key violation.
	orphan := newKey(model.Identity{ID: ids.Bytes("nobody")}, 2, testNow)
	assert.ErrorIs(t, store.RegisterPublicKey(ctx, orphan), ErrForeignKey)
}

func TestMemoryStore_TakeChallengeIsSingleUse(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	value, err := ids.NewChallenge()
	require.NoError(t, err)
	require.NoError(t, store.CreateChallenge(ctx, model.Challenge{
		Challenge: value,
		Origin:    "https://auth.example.com",
		Issued:    testNow,
		Expires:   testNow.Add(time.Minute),
	}))

	got, err := store.TakeChallenge(ctx, value)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", got.Origin)

	_, err = store.TakeChallenge(ctx, value)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TakeChallengeConcurrent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	value, err := ids.NewChallenge()
	require.NoError(t, err)
	require.NoError(t, store.CreateChallenge(ctx, model.Challenge{Challenge: value, Issued: testNow, Expires: testNow.Add(time.Minute)}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TakeChallenge(ctx, value); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_ChallengeForeignKey(t *testing.T) {
	store := NewMemory()
	value, err := ids.NewChallenge()
	require.NoError(t, err)

	err = store.CreateChallenge(context.Background(), model.Challenge{
		Challenge:  value,
		IdentityID: ids.Bytes("unknown"),
		Issued:     testNow,
		Expires:    testNow.Add(time.Minute),
	})
	assert.ErrorIs(t, err, ErrForeignKey)
}

func TestMemoryStore_RecordPublicKeyUse(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	identity := newIdentity(t, store, "alice")
	pk := newKey(identity, 1, testNow)
	pk.SignatureCounter = 5
	require.NoError(t, store.RegisterPublicKey(ctx, pk))

	// Counters at or below the stored value are refused and change nothing.
	assert.ErrorIs(t, store.RecordPublicKeyUse(ctx, pk.RawID, 5, testNow), ErrConflict)
	assert.ErrorIs(t, store.RecordPublicKeyUse(ctx, pk.RawID, 4, testNow), ErrConflict)
	got, err := store.GetPublicKey(ctx, pk.RawID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got.SignatureCounter)
	assert.Nil(t, got.LastUsed)

	require.NoError(t, store.RecordPublicKeyUse(ctx, pk.RawID, 6, testNow))
	got, err = store.GetPublicKey(ctx, pk.RawID)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), got.SignatureCounter)
	require.NotNil(t, got.LastUsed)
	assert.True(t, got.LastUsed.Equal(testNow))
}

func TestMemoryStore_ZeroCounterAllowedOnce(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	identity := newIdentity(t, store, "alice")
	pk := newKey(identity, 1, testNow)
	require.NoError(t, store.RegisterPublicKey(ctx, pk))

	require.NoError(t, store.RecordPublicKeyUse(ctx, pk.RawID, 0, testNow))
	assert.ErrorIs(t, store.RecordPublicKeyUse(ctx, pk.RawID, 0, testNow.Add(time.Second)), ErrConflict)
}

func TestMemoryStore_LastCredentialGuard(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	identity := newIdentity(t, store, "alice")
	first := newKey(identity, 1, testNow)
	second := newKey(identity, 2, testNow.Add(time.Second))
	require.NoError(t, store.RegisterPublicKey(ctx, first))
	require.NoError(t, store.RegisterPublicKey(ctx, second))

	keys, err := store.ListPublicKeys(ctx, identity.ID)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.True(t, keys[0].RawID.Equal(first.RawID))

	require.NoError(t, store.DeletePublicKey(ctx, first.RawID, identity.ID))
	assert.ErrorIs(t, store.DeletePublicKey(ctx, second.RawID, identity.ID), ErrLastCredential)
	assert.ErrorIs(t, store.DeletePublicKey(ctx, first.RawID, identity.ID), ErrNotFound)

	n, err := store.CountPublicKeys(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_DeletePublicKeyOfOtherIdentity(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	alice := newIdentity(t, store, "alice")
	bob := newIdentity(t, store, "bobby")
	require.NoError(t, store.RegisterPublicKey(ctx, newKey(alice, 1, testNow)))
	require.NoError(t, store.RegisterPublicKey(ctx, newKey(alice, 2, testNow)))

	assert.ErrorIs(t, store.DeletePublicKey(ctx, ids.Bytes{1, 1}, bob.ID), ErrNotFound)
}

func TestMemoryStore_RevokeIsIdempotent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	r := model.Revocation{Token: "tid-1", Expires: testNow.Add(time.Hour)}

	inserted, err := store.Revoke(ctx, r)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Revoke(ctx, r)
	require.NoError(t, err)
	assert.False(t, inserted)

	revoked, err := store.IsRevoked(ctx, "tid-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = store.IsRevoked(ctx, "tid-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Revoke(ctx, model.Revocation{Token: "old", Expires: testNow.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = store.Revoke(ctx, model.Revocation{Token: "live", Expires: testNow.Add(time.Minute)})
	require.NoError(t, err)

	stale := newIdentity(t, store, "stale")
	expired := testNow.Add(-time.Minute)
	require.NoError(t, store.DeleteIdentity(ctx, stale.ID))
	stale.Expires = &expired
	require.NoError(t, store.CreateIdentity(ctx, stale))
	kept := newIdentity(t, store, "kept")
	require.NoError(t, store.RegisterPublicKey(ctx, newKey(kept, 9, testNow)))

	require.NoError(t, store.CreateChallenge(ctx, model.Challenge{Challenge: ids.Bytes("c1"), Issued: testNow, Expires: testNow.Add(-2 * time.Minute)}))
	require.NoError(t, store.CreateChallenge(ctx, model.Challenge{Challenge: ids.Bytes("c2"), IdentityID: stale.ID, Issued: testNow, Expires: testNow.Add(time.Minute)}))

	n, err := store.DeleteExpiredRevocations(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.DeleteExpiredChallenges(ctx, testNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.DeleteExpiredIdentities(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The bound challenge went with its identity.
	_, err = store.TakeChallenge(ctx, ids.Bytes("c2"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetIdentity(ctx, kept.ID)
	assert.NoError(t, err)
}
