// Package tokenredis stores connected-account credentials in Redis, one JSON value per account.
package tokenredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/tokenrelay/internal/tokenkit"
)

const (
	defaultKeyPrefix = "tokenrelay:token"
	maxPutAttempts   = 64
	maxCASAttempts   = 5
)

var errTxContention = errors.New("token_store.redis.contention")

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisTokenStore keeps one JSON document per account and swaps it under WATCH.
type RedisTokenStore struct {
	client    *redis.Client
	keyPrefix string
}

type storedRecord struct {
	AccountID             string `json:"account_id"`
	Platform              string `json:"platform"`
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token,omitempty"`
	ExpiresUnix           int64  `json:"expires_unix,omitempty"`
	NeedsReauthentication bool   `json:"needs_reauthentication"`
	Version               uint64 `json:"version"`
	UpdatedAtUnix         int64  `json:"updated_at_unix"`
}

// Open parses a redis:// URL, pings the server, and returns a store.
func Open(ctx context.Context, redisURL string) (*RedisTokenStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("token_store.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("token_store.redis.ping: %w", pingErr)
	}
	return NewRedisTokenStore(client, ""), nil
}

// NewRedisTokenStore wraps an existing client. An empty prefix selects the default.
func NewRedisTokenStore(client *redis.Client, keyPrefix string) *RedisTokenStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisTokenStore{client: client, keyPrefix: keyPrefix}
}

// Close releases the underlying client.
func (store *RedisTokenStore) Close() error {
	return store.client.Close()
}

func (store *RedisTokenStore) key(accountID string, platform tokenkit.Platform) string {
	return fmt.Sprintf("%s:%s:%s", store.keyPrefix, platform, accountID)
}

// Get loads the record for the account.
func (store *RedisTokenStore) Get(ctx context.Context, accountID string, platform tokenkit.Platform) (tokenkit.TokenRecord, error) {
	record, err := store.read(ctx, store.client, store.key(accountID, platform))
	if err != nil {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.get.redis: %w", err)
	}
	return record, nil
}

// Put stores the record, replacing whatever was there and bumping the version.
func (store *RedisTokenStore) Put(ctx context.Context, record tokenkit.TokenRecord) (tokenkit.TokenRecord, error) {
	if err := tokenkit.ValidateRecord(record); err != nil {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.put.redis: %w", err)
	}
	key := store.key(record.AccountID, record.Platform)
	var stored tokenkit.TokenRecord
	err := store.watch(ctx, key, maxPutAttempts, func(tx *redis.Tx) error {
		current, readErr := store.read(ctx, tx, key)
		switch {
		case readErr == nil:
			record.Version = current.Version + 1
		case errors.Is(readErr, tokenkit.ErrRecordNotFound):
			record.Version = 1
		default:
			return readErr
		}
		record.UpdatedAt = time.Now().UTC().Truncate(time.Second)
		if writeErr := store.write(ctx, tx, key, record); writeErr != nil {
			return writeErr
		}
		stored = record
		return nil
	})
	if err != nil {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.put.redis: %w", err)
	}
	return stored, nil
}

// CompareAndSwap replaces the record when the stored version matches expected.Version.
func (store *RedisTokenStore) CompareAndSwap(ctx context.Context, expected tokenkit.TokenRecord, replacement tokenkit.TokenRecord) (tokenkit.TokenRecord, error) {
	if expected.Key() != replacement.Key() {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.redis: %w", tokenkit.ErrInvalidRecord)
	}
	if err := tokenkit.ValidateRecord(replacement); err != nil {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.redis: %w", err)
	}
	key := store.key(expected.AccountID, expected.Platform)
	var stored tokenkit.TokenRecord
	err := store.watch(ctx, key, maxCASAttempts, func(tx *redis.Tx) error {
		current, readErr := store.read(ctx, tx, key)
		if readErr != nil {
			return readErr
		}
		if current.Version != expected.Version {
			return tokenkit.ErrStoreConflict
		}
		replacement.Version = current.Version + 1
		replacement.UpdatedAt = time.Now().UTC().Truncate(time.Second)
		if writeErr := store.write(ctx, tx, key, replacement); writeErr != nil {
			return writeErr
		}
		stored = replacement
		return nil
	})
	if errors.Is(err, errTxContention) {
		err = tokenkit.ErrStoreConflict
	}
	if err != nil {
		return tokenkit.TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.redis: %w", err)
	}
	return stored, nil
}

// Delete removes the record for the account.
func (store *RedisTokenStore) Delete(ctx context.Context, accountID string, platform tokenkit.Platform) error {
	if err := store.client.Del(ctx, store.key(accountID, platform)).Err(); err != nil {
		return fmt.Errorf("token_store.delete.redis: %w", err)
	}
	return nil
}

// watch runs fn under WATCH key, retrying when another client touched the key before EXEC.
// Put is last-write-wins and retries well past the number of competing writers; CAS reports a conflict sooner.
func (store *RedisTokenStore) watch(ctx context.Context, key string, attempts int, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < attempts; attempt++ {
		err := store.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return errTxContention
}

func (store *RedisTokenStore) read(ctx context.Context, reader getter, key string) (tokenkit.TokenRecord, error) {
	payload, err := reader.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return tokenkit.TokenRecord{}, tokenkit.ErrRecordNotFound
		}
		return tokenkit.TokenRecord{}, err
	}
	var decoded storedRecord
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return tokenkit.TokenRecord{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return decoded.record(), nil
}

func (store *RedisTokenStore) write(ctx context.Context, tx *redis.Tx, key string, record tokenkit.TokenRecord) error {
	payload, err := json.Marshal(storedFromRecord(record))
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, 0)
		return nil
	})
	return err
}

func storedFromRecord(record tokenkit.TokenRecord) storedRecord {
	stored := storedRecord{
		AccountID:             record.AccountID,
		Platform:              string(record.Platform),
		AccessToken:           record.AccessToken,
		RefreshToken:          record.RefreshToken,
		NeedsReauthentication: record.NeedsReauthentication,
		Version:               record.Version,
		UpdatedAtUnix:         record.UpdatedAt.Unix(),
	}
	if !record.ExpiresAt.IsZero() {
		stored.ExpiresUnix = record.ExpiresAt.Unix()
	}
	return stored
}

func (stored storedRecord) record() tokenkit.TokenRecord {
	record := tokenkit.TokenRecord{
		AccountID:             stored.AccountID,
		Platform:              tokenkit.Platform(stored.Platform),
		AccessToken:           stored.AccessToken,
		RefreshToken:          stored.RefreshToken,
		NeedsReauthentication: stored.NeedsReauthentication,
		Version:               stored.Version,
		UpdatedAt:             time.Unix(stored.UpdatedAtUnix, 0).UTC(),
	}
	if stored.ExpiresUnix != 0 {
		record.ExpiresAt = time.Unix(stored.ExpiresUnix, 0).UTC()
	}
	return record
}
