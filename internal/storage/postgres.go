// Package storage contains the PostgreSQL implementation of the Store interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
)

// PostgreSQL error codes translated at the storage boundary.
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// opTimeout bounds every statement issued by the postgres store.
const opTimeout = 10 * time.Second

// postgres implements Store on top of a database/sql pool using the pgx driver.
// Each method checks out one pooled connection (or transaction) for its duration.
type postgres struct {
	db *sql.DB
}

// OpenPostgres opens a PostgreSQL connection pool and verifies connectivity.
//
// Connection pool configuration:
// - Max 25 open connections to prevent overwhelming the database
// - Max 5 idle connections to maintain a warm pool
// - 5-minute lifetime and idle time to prevent stale connections
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// NewPostgres returns a Store backed by an open pool. Migrations must already
// have been applied with MigratePostgres.
func NewPostgres(db *sql.DB) Store {
	return &postgres{db: db}
}

// DB returns the underlying pool.
func (p *postgres) DB() *sql.DB {
	return p.db
}

// translate maps constraint violations to the package's sentinel errors.
func translate(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return ErrForeignKey
		case pgUniqueViolation:
			return ErrConflict
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CreateIdentity inserts a new identity row.
func (p *postgres) CreateIdentity(ctx context.Context, identity model.Identity) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	const q = `INSERT INTO identities (id, username, display_name, created, expires) VALUES ($1, $2, $3, $4, $5)`
	_, err := p.db.ExecContext(ctx, q, []byte(identity.ID), identity.Username, identity.DisplayName, identity.Created, nullTime(identity.Expires))
	if err != nil {
		return translate("insert identity", err)
	}
	return nil
}

const identityColumns = `id, username, display_name, created, expires`

// GetIdentity selects an identity by id.
func (p *postgres) GetIdentity(ctx context.Context, id []byte) (model.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	const q = `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`
	return scanIdentity(p.db.QueryRowContext(ctx, q, id))
}

// GetIdentityByUsername selects an identity by its unique username.
func (p *postgres) GetIdentityByUsername(ctx context.Context, username string) (model.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	const q = `SELECT ` + identityColumns + ` FROM identities WHERE username = $1`
	return scanIdentity(p.db.QueryRowContext(ctx, q, username))
}

func scanIdentity(row *sql.Row) (model.Identity, error) {
	var (
		identity model.Identity
		id       []byte
		expires  sql.NullTime
	)
	err := row.Scan(&id, &identity.Username, &identity.DisplayName, &identity.Created, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Identity{}, ErrNotFound
		}
		return model.Identity{}, fmt.Errorf("query identity: %w", err)
	}
	identity.ID = id
	identity.Expires = timePtr(expires)
	return identity, nil
}

// DeleteIdentity removes an identity; keys and challenges cascade.
func (p *postgres) DeleteIdentity(ctx context.Context, id []byte) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RegisterPublicKey inserts the credential and clears the identity expiry in one transaction.
func (p *postgres) RegisterPublicKey(ctx context.Context, pk model.PublicKey) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	transports, err := json.Marshal(nonNil(pk.Transports))
	if err != nil {
		return fmt.Errorf("marshal transports: %w", err)
	}

	return p.inTx(ctx, func(tx *sql.Tx) error {
		const insert = `INSERT INTO public_keys
            (raw_id, identity_id, display_name, public_key, public_key_algorithm, transports, signature_counter, created, last_used)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		if _, err := tx.ExecContext(ctx, insert,
			[]byte(pk.RawID), []byte(pk.IdentityID), pk.DisplayName, []byte(pk.PublicKey),
			pk.Algorithm, transports, int64(pk.SignatureCounter), pk.Created, nullTime(pk.LastUsed),
		); err != nil {
			return translate("insert public key", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE identities SET expires = NULL WHERE id = $1`, []byte(pk.IdentityID)); err != nil {
			return fmt.Errorf("clear identity expiry: %w", err)
		}
		return nil
	})
}

const publicKeyColumns = `raw_id, identity_id, display_name, public_key, public_key_algorithm, transports, signature_counter, created, last_used`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPublicKey(row rowScanner) (model.PublicKey, error) {
	var (
		pk                          model.PublicKey
		rawID, identityID, material []byte
		transports                  []byte
		counter                     int64
		lastUsed                    sql.NullTime
	)
	if err := row.Scan(&rawID, &identityID, &pk.DisplayName, &material, &pk.Algorithm, &transports, &counter, &pk.Created, &lastUsed); err != nil {
		return model.PublicKey{}, err
	}
	if err := json.Unmarshal(transports, &pk.Transports); err != nil {
		return model.PublicKey{}, fmt.Errorf("unmarshal transports: %w", err)
	}
	pk.RawID = rawID
	pk.IdentityID = identityID
	pk.PublicKey = material
	pk.Transports = nonNil(pk.Transports)
	pk.SignatureCounter = uint32(counter)
	pk.LastUsed = timePtr(lastUsed)
	return pk, nil
}

// GetPublicKey selects a credential by raw id.
func (p *postgres) GetPublicKey(ctx context.Context, rawID []byte) (model.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	const q = `SELECT ` + publicKeyColumns + ` FROM public_keys WHERE raw_id = $1`
	pk, err := scanPublicKey(p.db.QueryRowContext(ctx, q, rawID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PublicKey{}, ErrNotFound
		}
		return model.PublicKey{}, fmt.Errorf("query public key: %w", err)
	}
	return pk, nil
}

// ListPublicKeys returns every credential of an identity, oldest first.
func (p *postgres) ListPublicKeys(ctx context.Context, identityID []byte) ([]model.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	const q = `SELECT ` + publicKeyColumns + ` FROM public_keys WHERE identity_id = $1 ORDER BY created ASC`
	rows, err := p.db.QueryContext(ctx, q, identityID)
	if err != nil {
		return nil, fmt.Errorf("query public keys: %w", err)
	}
	defer rows.Close()

	keys := make([]model.PublicKey, 0)
	for rows.Next() {
		pk, err := scanPublicKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan public key: %w", err)
		}
		keys = append(keys, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate public keys: %w", err)
	}
	return keys, nil
}

// CountPublicKeys counts the credentials of an identity.
func (p *postgres) CountPublicKeys(ctx context.Context, identityID []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM public_keys WHERE identity_id = $1`, identityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count public keys: %w", err)
	}
	return n, nil
}

// RecordPublicKeyUse applies the counter rule in the UPDATE predicate so two
// concurrent assertions presenting the same counter cannot both be recorded.
func (p *postgres) RecordPublicKeyUse(ctx context.Context, rawID []byte, counter uint32, usedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	const q = `UPDATE public_keys
        SET signature_counter = $2, last_used = $3
        WHERE raw_id = $1
          AND (signature_counter < $2 OR ($2 = 0 AND signature_counter = 0 AND last_used IS NULL))`
	res, err := p.db.ExecContext(ctx, q, rawID, int64(counter), usedAt)
	if err != nil {
		return fmt.Errorf("update public key counter: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 1 {
		return nil
	}

	// Distinguish a vanished key from a counter that no longer advances
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM public_keys WHERE raw_id = $1)`, rawID).Scan(&exists); err != nil {
		return fmt.Errorf("query public key: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// DeletePublicKey removes a credential unless it is the identity's last one.
// The identity row is locked so concurrent deletes cannot both pass the count.
func (p *postgres) DeletePublicKey(ctx context.Context, rawID, identityID []byte) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return p.inTx(ctx, func(tx *sql.Tx) error {
		var locked []byte
		err := tx.QueryRowContext(ctx, `SELECT id FROM identities WHERE id = $1 FOR UPDATE`, identityID).Scan(&locked)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock identity: %w", err)
		}

		var owned bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM public_keys WHERE raw_id = $1 AND identity_id = $2)`,
			rawID, identityID,
		).Scan(&owned); err != nil {
			return fmt.Errorf("query public key: %w", err)
		}
		if !owned {
			return ErrNotFound
		}

		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM public_keys WHERE identity_id = $1`, identityID).Scan(&n); err != nil {
			return fmt.Errorf("count public keys: %w", err)
		}
		if n <= 1 {
			return ErrLastCredential
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM public_keys WHERE raw_id = $1 AND identity_id = $2`, rawID, identityID); err != nil {
			return fmt.Errorf("delete public key: %w", err)
		}
		return nil
	})
}

// CreateChallenge inserts a challenge row.
func (p *postgres) CreateChallenge(ctx context.Context, ch model.Challenge) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	const q = `INSERT INTO challenges (challenge, identity_id, origin, issued, expires) VALUES ($1, $2, $3, $4, $5)`
	var identityID any
	if ch.Bound() {
		identityID = []byte(ch.IdentityID)
	}
	if _, err := p.db.ExecContext(ctx, q, []byte(ch.Challenge), identityID, ch.Origin, ch.Issued, ch.Expires); err != nil {
		return translate("insert challenge", err)
	}
	return nil
}

// TakeChallenge deletes and returns a challenge in a single statement, so a
// challenge can never be observed without being consumed.
func (p *postgres) TakeChallenge(ctx context.Context, challenge []byte) (model.Challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	const q = `DELETE FROM challenges WHERE challenge = $1 RETURNING challenge, identity_id, origin, issued, expires`
	var (
		ch                model.Challenge
		value, identityID []byte
	)
	err := p.db.QueryRowContext(ctx, q, challenge).Scan(&value, &identityID, &ch.Origin, &ch.Issued, &ch.Expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Challenge{}, ErrNotFound
		}
		return model.Challenge{}, fmt.Errorf("take challenge: %w", err)
	}
	ch.Challenge = value
	ch.IdentityID = identityID
	return ch, nil
}

// Revoke inserts a denylist entry, ignoring duplicates.
func (p *postgres) Revoke(ctx context.Context, r model.Revocation) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	const q = `INSERT INTO revocations (token, expires) VALUES ($1, $2) ON CONFLICT (token) DO NOTHING`
	res, err := p.db.ExecContext(ctx, q, r.Token, r.Expires)
	if err != nil {
		return false, fmt.Errorf("insert revocation: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// IsRevoked reports whether a token id is on the denylist.
func (p *postgres) IsRevoked(ctx context.Context, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var revoked bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM revocations WHERE token = $1)`, token).Scan(&revoked); err != nil {
		return false, fmt.Errorf("query revocation: %w", err)
	}
	return revoked, nil
}

// DeleteExpiredRevocations removes denylist entries whose tokens have expired.
func (p *postgres) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	return p.deleteWhere(ctx, "revocations", `DELETE FROM revocations WHERE expires < $1`, now)
}

// DeleteExpiredChallenges removes challenges that expired before cutoff.
func (p *postgres) DeleteExpiredChallenges(ctx context.Context, cutoff time.Time) (int64, error) {
	return p.deleteWhere(ctx, "challenges", `DELETE FROM challenges WHERE expires < $1`, cutoff)
}

// DeleteExpiredIdentities removes identities that never registered a credential.
func (p *postgres) DeleteExpiredIdentities(ctx context.Context, now time.Time) (int64, error) {
	return p.deleteWhere(ctx, "identities", `DELETE FROM identities WHERE expires IS NOT NULL AND expires < $1`, now)
}

func (p *postgres) deleteWhere(ctx context.Context, table, q string, at time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, q, at)
	if err != nil {
		return 0, fmt.Errorf("delete expired %s: %w", table, err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// Ping verifies database connectivity.
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the pool.
func (p *postgres) Close() error {
	return p.db.Close()
}

// inTx runs fn in a transaction, committing on success and rolling back on
// error or panic.
func (p *postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
