package tokenpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/tokenrelay/internal/tokenkit"
)

const selectColumns = `account_id, platform, access_token, refresh_token, expires_unix, needs_reauthentication, version, updated_at_unix`

// PostgresTokenStore persists connected-account credentials in PostgreSQL.
type PostgresTokenStore struct {
	pool *pgxpool.Pool
}

// NewPostgresTokenStore constructs a Postgres store. Call RunMigrations first.
func NewPostgresTokenStore(pool *pgxpool.Pool) *PostgresTokenStore {
	return &PostgresTokenStore{pool: pool}
}

// Get loads the record for the account.
func (store *PostgresTokenStore) Get(ctx context.Context, accountID string, platform tokenkit.Platform) (tokenkit.TokenRecord, error) {
	row := store.pool.QueryRow(ctx, `
SELECT `+selectColumns+`
FROM social_account_tokens
WHERE account_id = $1 AND platform = $2
`, accountID, string(platform))
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tokenkit.TokenRecord{}, fmt.Errorf("token_store.get.pgx: %w", tokenkit.ErrRecordNotFound)
		}
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.get.pgx: %w", err)
	}
	return record, nil
}

// Put upserts the record, bumping the stored version in the same statement.
func (store *PostgresTokenStore) Put(ctx context.Context, record tokenkit.TokenRecord) (tokenkit.TokenRecord, error) {
	if err := tokenkit.ValidateRecord(record); err != nil {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.put.pgx: %w", err)
	}
	row := store.pool.QueryRow(ctx, `
INSERT INTO social_account_tokens (`+selectColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
ON CONFLICT (account_id, platform) DO UPDATE SET
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    expires_unix = EXCLUDED.expires_unix,
    needs_reauthentication = EXCLUDED.needs_reauthentication,
    version = social_account_tokens.version + 1,
    updated_at_unix = EXCLUDED.updated_at_unix
RETURNING `+selectColumns,
		record.AccountID, string(record.Platform), record.AccessToken, record.RefreshToken,
		expiresUnix(record), record.NeedsReauthentication, time.Now().UTC().Unix())
	stored, err := scanRecord(row)
	if err != nil {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.put.pgx: %w", err)
	}
	return stored, nil
}

// CompareAndSwap updates the row only when its version still equals expected.Version.
func (store *PostgresTokenStore) CompareAndSwap(ctx context.Context, expected tokenkit.TokenRecord, replacement tokenkit.TokenRecord) (tokenkit.TokenRecord, error) {
	if expected.Key() != replacement.Key() {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.pgx: %w", tokenkit.ErrInvalidRecord)
	}
	if err := tokenkit.ValidateRecord(replacement); err != nil {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.pgx: %w", err)
	}
	row := store.pool.QueryRow(ctx, `
UPDATE social_account_tokens
SET access_token = $4,
    refresh_token = $5,
    expires_unix = $6,
    needs_reauthentication = $7,
    version = version + 1,
    updated_at_unix = $8
WHERE account_id = $1 AND platform = $2 AND version = $3
RETURNING `+selectColumns,
		expected.AccountID, string(expected.Platform), int64(expected.Version),
		replacement.AccessToken, replacement.RefreshToken, expiresUnix(replacement),
		replacement.NeedsReauthentication, time.Now().UTC().Unix())
	stored, err := scanRecord(row)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.pgx: %w", err)
	}
	if _, getErr := store.Get(ctx, expected.AccountID, expected.Platform); getErr != nil {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.pgx: %w", getErr)
	}
	return tokenkit.TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.pgx: %w", tokenkit.ErrStoreConflict)
}

// Delete removes the record for the account.
func (store *PostgresTokenStore) Delete(ctx context.Context, accountID string, platform tokenkit.Platform) error {
	if _, err := store.pool.Exec(ctx, `
DELETE FROM social_account_tokens
WHERE account_id = $1 AND platform = $2
`, accountID, string(platform)); err != nil {
		return fmt.Errorf("token_store.delete.pgx: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (tokenkit.TokenRecord, error) {
	var (
		record        tokenkit.TokenRecord
		platform      string
		expires       int64
		version       int64
		updatedAtUnix int64
	)
	if err := row.Scan(&record.AccountID, &platform, &record.AccessToken, &record.RefreshToken,
		&expires, &record.NeedsReauthentication, &version, &updatedAtUnix); err != nil {
		return tokenkit.TokenRecord{}, err
	}
	record.Platform = tokenkit.Platform(platform)
	record.Version = uint64(version)
	record.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	if expires != 0 {
		record.ExpiresAt = time.Unix(expires, 0).UTC()
	}
	return record, nil
}

func expiresUnix(record tokenkit.TokenRecord) int64 {
	if record.ExpiresAt.IsZero() {
		return 0
	}
	return record.ExpiresAt.Unix()
}
