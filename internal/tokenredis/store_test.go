package tokenredis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tyemirov/tokenrelay/internal/tokenkit"
	"github.com/tyemirov/tokenrelay/internal/tokenkit/storetest"
)

func TestRedisTokenStoreSemantics(t *testing.T) {
	redisURL := os.Getenv("TOKENRELAY_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TOKENRELAY_TEST_REDIS_URL not set")
	}
	store, err := Open(context.Background(), redisURL)
	if err != nil {
		t.Fatalf("open redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	storetest.Exercise(t, store)
}

func TestOpenRejectsMalformedURL(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), "memcached://localhost:11211"); err == nil {
		t.Fatalf("expected error for non-redis URL")
	}
}

func TestStoredRecordKeepsZeroExpiry(t *testing.T) {
	t.Parallel()
	updatedAt := time.Unix(1_700_000_000, 0).UTC()
	record := tokenkit.TokenRecord{
		AccountID:   "account-1",
		Platform:    tokenkit.PlatformThreads,
		AccessToken: "token",
		Version:     4,
		UpdatedAt:   updatedAt,
	}
	roundTripped := storedFromRecord(record).record()
	if !roundTripped.ExpiresAt.IsZero() {
		t.Fatalf("expected zero expiry, got %v", roundTripped.ExpiresAt)
	}
	if roundTripped != record {
		t.Fatalf("expected %+v, got %+v", record, roundTripped)
	}
}

func TestKeyIncludesPlatformAndAccount(t *testing.T) {
	t.Parallel()
	store := NewRedisTokenStore(nil, "")
	if key := store.key("did:plc:abc", tokenkit.PlatformBluesky); key != "tokenrelay:token:bluesky:did:plc:abc" {
		t.Fatalf("unexpected key %q", key)
	}
}
