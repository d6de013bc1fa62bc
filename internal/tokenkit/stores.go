package tokenkit

import "context"

// TokenStore durably keeps one TokenRecord per account and platform.
type TokenStore interface {
	// Get returns ErrRecordNotFound when the account is not connected.
	Get(ctx context.Context, accountID string, platform Platform) (TokenRecord, error)
	// Put writes the record unconditionally (last write wins) and returns the stored version.
	Put(ctx context.Context, record TokenRecord) (TokenRecord, error)
	// CompareAndSwap replaces expected with replacement only if the stored version still equals expected.Version.
	CompareAndSwap(ctx context.Context, expected TokenRecord, replacement TokenRecord) (TokenRecord, error)
	// Delete removes the record; deleting a missing record is not an error.
	Delete(ctx context.Context, accountID string, platform Platform) error
}
