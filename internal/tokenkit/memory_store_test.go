package tokenkit

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryTokenStoreReturnsCopies(t *testing.T) {
	store := NewMemoryTokenStore()
	stored, err := store.Put(context.Background(), TokenRecord{AccountID: "account", Platform: PlatformReddit, AccessToken: "T1"})
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	stored.AccessToken = "mutated"

	loaded, getErr := store.Get(context.Background(), "account", PlatformReddit)
	if getErr != nil {
		t.Fatalf("get error: %v", getErr)
	}
	if loaded.AccessToken != "T1" {
		t.Fatalf("expected store to be isolated from caller mutations, got %q", loaded.AccessToken)
	}
}

func TestMemoryTokenStoreRejectsInvalidRecords(t *testing.T) {
	store := NewMemoryTokenStore()
	invalid := []TokenRecord{
		{Platform: PlatformReddit, AccessToken: "T1"},
		{AccountID: "account", Platform: "myspace", AccessToken: "T1"},
		{AccountID: "account", Platform: PlatformReddit},
	}
	for _, record := range invalid {
		if _, err := store.Put(context.Background(), record); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("expected ErrInvalidRecord for %+v, got %v", record, err)
		}
	}

	store.mutex.Lock()
	count := len(store.records)
	store.mutex.Unlock()
	if count != 0 {
		t.Fatalf("expected no records to be written, found %d", count)
	}
}
