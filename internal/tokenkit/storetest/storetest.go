// Package storetest checks a tokenkit.TokenStore implementation against the shared store semantics.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/tokenrelay/internal/tokenkit"
)

// Exercise runs the store through get, put, compare-and-swap and delete.
// Account identifiers are random so shared databases can be reused across runs.
func Exercise(t *testing.T, store tokenkit.TokenStore) {
	t.Helper()
	ctx := context.Background()
	accountID := "account-" + uuid.NewString()

	if _, err := store.Get(ctx, accountID, tokenkit.PlatformTwitter); !errors.Is(err, tokenkit.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second).UTC()
	original, putErr := store.Put(ctx, tokenkit.TokenRecord{
		AccountID:    accountID,
		Platform:     tokenkit.PlatformTwitter,
		AccessToken:  "T1",
		RefreshToken: "R1",
		ExpiresAt:    expiresAt,
	})
	if putErr != nil {
		t.Fatalf("put failed: %v", putErr)
	}
	if original.Version == 0 {
		t.Fatalf("expected a non-zero version after put")
	}
	if !original.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("expected expiry %v, got %v", expiresAt, original.ExpiresAt)
	}

	if _, err := store.Get(ctx, accountID, tokenkit.PlatformReddit); !errors.Is(err, tokenkit.ErrRecordNotFound) {
		t.Fatalf("records must be keyed by platform, got %v", err)
	}

	first := original
	first.AccessToken = "T2"
	swapped, swapErr := store.CompareAndSwap(ctx, original, first)
	if swapErr != nil {
		t.Fatalf("first swap failed: %v", swapErr)
	}
	if swapped.Version != original.Version+1 {
		t.Fatalf("expected version %d after swap, got %d", original.Version+1, swapped.Version)
	}

	stale := original
	stale.AccessToken = "T-stale"
	if _, err := store.CompareAndSwap(ctx, original, stale); !errors.Is(err, tokenkit.ErrStoreConflict) {
		t.Fatalf("expected ErrStoreConflict for stale swap, got %v", err)
	}

	current, getErr := store.Get(ctx, accountID, tokenkit.PlatformTwitter)
	if getErr != nil {
		t.Fatalf("get failed: %v", getErr)
	}
	if current.AccessToken != "T2" || current.RefreshToken != "R1" {
		t.Fatalf("stale swap must not apply, got %+v", current)
	}

	overwrite := tokenkit.TokenRecord{AccountID: accountID, Platform: tokenkit.PlatformTwitter, AccessToken: "T3", NeedsReauthentication: true}
	written, overwriteErr := store.Put(ctx, overwrite)
	if overwriteErr != nil {
		t.Fatalf("overwrite failed: %v", overwriteErr)
	}
	if written.Version != current.Version+1 {
		t.Fatalf("expected version %d after last-write-wins put, got %d", current.Version+1, written.Version)
	}
	if !written.NeedsReauthentication || !written.ExpiresAt.IsZero() {
		t.Fatalf("put must replace the whole record, got %+v", written)
	}

	mismatched := tokenkit.TokenRecord{AccountID: "other-" + accountID, Platform: tokenkit.PlatformTwitter, AccessToken: "T4"}
	if _, err := store.CompareAndSwap(ctx, written, mismatched); !errors.Is(err, tokenkit.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for key mismatch, got %v", err)
	}

	if _, err := store.Put(ctx, tokenkit.TokenRecord{AccountID: accountID, Platform: tokenkit.PlatformTwitter}); !errors.Is(err, tokenkit.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for empty access token, got %v", err)
	}

	ghost := tokenkit.TokenRecord{AccountID: "ghost-" + accountID, Platform: tokenkit.PlatformTwitter, AccessToken: "T5", Version: 1}
	if _, err := store.CompareAndSwap(ctx, ghost, ghost); !errors.Is(err, tokenkit.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound for missing record swap, got %v", err)
	}

	if err := store.Delete(ctx, accountID, tokenkit.PlatformTwitter); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, accountID, tokenkit.PlatformTwitter); !errors.Is(err, tokenkit.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, accountID, tokenkit.PlatformTwitter); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}

	exerciseConcurrentPuts(t, store)
}

// exerciseConcurrentPuts races writers on a key that does not exist yet.
// Every put must succeed with its own version and the stored record must be the one holding the highest version.
func exerciseConcurrentPuts(t *testing.T, store tokenkit.TokenStore) {
	t.Helper()
	const writers = 8
	ctx := context.Background()
	accountID := "concurrent-" + uuid.NewString()

	results := make([]tokenkit.TokenRecord, writers)
	errs := make([]error, writers)
	var waitGroup sync.WaitGroup
	start := make(chan struct{})
	for index := 0; index < writers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			<-start
			results[index], errs[index] = store.Put(ctx, tokenkit.TokenRecord{
				AccountID:   accountID,
				Platform:    tokenkit.PlatformReddit,
				AccessToken: fmt.Sprintf("T-writer-%d", index),
			})
		}(index)
	}
	close(start)
	waitGroup.Wait()

	versions := make(map[uint64]string, writers)
	var latest tokenkit.TokenRecord
	for index, err := range errs {
		if err != nil {
			t.Fatalf("concurrent put %d failed: %v", index, err)
		}
		result := results[index]
		if owner, duplicate := versions[result.Version]; duplicate {
			t.Fatalf("version %d returned to both %s and %s", result.Version, owner, result.AccessToken)
		}
		versions[result.Version] = result.AccessToken
		if result.Version > latest.Version {
			latest = result
		}
	}
	if latest.Version != writers {
		t.Fatalf("expected final version %d, got %d", writers, latest.Version)
	}

	stored, getErr := store.Get(ctx, accountID, tokenkit.PlatformReddit)
	if getErr != nil {
		t.Fatalf("get after concurrent puts failed: %v", getErr)
	}
	if stored.Version != latest.Version || stored.AccessToken != latest.AccessToken {
		t.Fatalf("expected stored record %q@%d, got %q@%d", latest.AccessToken, latest.Version, stored.AccessToken, stored.Version)
	}
	if err := store.Delete(ctx, accountID, tokenkit.PlatformReddit); err != nil {
		t.Fatalf("cleanup delete failed: %v", err)
	}
}
