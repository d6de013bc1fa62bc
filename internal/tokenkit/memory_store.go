package tokenkit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryTokenStore is an in-memory store intended for tests and dev.
type MemoryTokenStore struct {
	mutex   sync.Mutex
	records map[RecordKey]TokenRecord
	now     func() time.Time
}

// NewMemoryTokenStore creates a new in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		records: make(map[RecordKey]TokenRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a copy of the stored record.
func (store *MemoryTokenStore) Get(ctx context.Context, accountID string, platform Platform) (TokenRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.records[RecordKey{AccountID: accountID, Platform: platform}]
	if !ok {
		return TokenRecord{}, fmt.Errorf("token_store.get.memory: %w", ErrRecordNotFound)
	}
	return record, nil
}

// Put stores the record, replacing whatever was there.
func (store *MemoryTokenStore) Put(ctx context.Context, record TokenRecord) (TokenRecord, error) {
	if err := ValidateRecord(record); err != nil {
		return TokenRecord{}, fmt.Errorf("token_store.put.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	current, exists := store.records[record.Key()]
	record.Version = 1
	if exists {
		record.Version = current.Version + 1
	}
	record.UpdatedAt = store.now()
	store.records[record.Key()] = record
	return record, nil
}

// CompareAndSwap replaces the record when the stored version matches expected.Version.
func (store *MemoryTokenStore) CompareAndSwap(ctx context.Context, expected TokenRecord, replacement TokenRecord) (TokenRecord, error) {
	if expected.Key() != replacement.Key() {
		return TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.memory: %w", ErrInvalidRecord)
	}
	if err := ValidateRecord(replacement); err != nil {
		return TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	current, exists := store.records[expected.Key()]
	if !exists {
		return TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.memory: %w", ErrRecordNotFound)
	}
	if current.Version != expected.Version {
		return TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.memory: %w", ErrStoreConflict)
	}
	replacement.Version = current.Version + 1
	replacement.UpdatedAt = store.now()
	store.records[replacement.Key()] = replacement
	return replacement, nil
}

// Delete removes the record for the account.
func (store *MemoryTokenStore) Delete(ctx context.Context, accountID string, platform Platform) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.records, RecordKey{AccountID: accountID, Platform: platform})
	return nil
}
