// Package storage contains PostgreSQL schema migrations for the identity service.
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MigratePostgres applies schema migrations to the PostgreSQL database.
// Uses IF NOT EXISTS clauses so it can run on every start.
//
// Tables created:
// - identities: user accounts, temporary until the first credential is registered
// - public_keys: registered WebAuthn credentials
// - challenges: single-use WebAuthn challenges
// - revocations: denylist of revoked token ids
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS identities (
            id BYTEA PRIMARY KEY,                 -- Opaque random identity id
            username TEXT NOT NULL UNIQUE,        -- Login name, 4-64 characters
            display_name TEXT NOT NULL,           -- Human readable name, 4-64 characters
            created TIMESTAMPTZ NOT NULL,
            expires TIMESTAMPTZ                   -- NULL once a credential exists
        )`,
		`CREATE INDEX IF NOT EXISTS idx_identities_expires ON identities (expires) WHERE expires IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS public_keys (
            raw_id BYTEA PRIMARY KEY,             -- WebAuthn credential id
            identity_id BYTEA NOT NULL REFERENCES identities (id) ON DELETE CASCADE,
            display_name TEXT NOT NULL,
            public_key BYTEA NOT NULL,            -- COSE_Key encoded verification key
            public_key_algorithm INTEGER NOT NULL,-- COSE algorithm identifier
            transports JSONB NOT NULL DEFAULT '[]'::jsonb,
            signature_counter BIGINT NOT NULL DEFAULT 0 CHECK (signature_counter >= 0),
            created TIMESTAMPTZ NOT NULL,
            last_used TIMESTAMPTZ
        )`,
		`CREATE INDEX IF NOT EXISTS idx_public_keys_identity_id ON public_keys (identity_id)`,
		`CREATE TABLE IF NOT EXISTS challenges (
            challenge BYTEA PRIMARY KEY,          -- 32 random bytes
            identity_id BYTEA REFERENCES identities (id) ON DELETE CASCADE,
            origin TEXT NOT NULL,                 -- Origin that requested the challenge
            issued TIMESTAMPTZ NOT NULL,
            expires TIMESTAMPTZ NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_expires ON challenges (expires)`,
		`CREATE TABLE IF NOT EXISTS revocations (
            token TEXT PRIMARY KEY,               -- Revoked token id (tid claim)
            expires TIMESTAMPTZ NOT NULL          -- Original token expiry
        )`,
		`CREATE INDEX IF NOT EXISTS idx_revocations_expires ON revocations (expires)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
