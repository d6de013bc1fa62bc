// Package tokenenvelope carries business payloads together with access-token renewal metadata,
// so a client picks up a freshly minted token from an ordinary response.
//
// The JSON field names are a compatibility contract between server and clients and must not change.
package tokenenvelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	// ErrMissingStorage indicates Unwrap received a renewal but no storage to persist it in.
	ErrMissingStorage = errors.New("token_envelope.missing_storage")
	// ErrMalformedEnvelope indicates the response body was not a JSON envelope.
	ErrMalformedEnvelope = errors.New("token_envelope.malformed")
)

// Envelope wraps serverData with renewal fields.
type Envelope[T any] struct {
	ServerData     T       `json:"serverData"`
	TokenRenewed   bool    `json:"accessTokenWasExpiredSoWeCreatedAnotherOne"`
	NewAccessToken *string `json:"newAccessToken,omitempty"`
}

// RenewalSource reports whether the current request minted a new access token.
type RenewalSource interface {
	Renewal() (bool, string)
}

// TokenStorage is the client-side home of the current access token.
type TokenStorage interface {
	StoreAccessToken(token string) error
}

// Wrap builds the envelope for serverData. A nil source means no renewal happened.
func Wrap[T any](serverData T, source RenewalSource) Envelope[T] {
	envelope := Envelope[T]{ServerData: serverData}
	if source == nil {
		return envelope
	}
	renewed, token := source.Renewal()
	if !renewed || token == "" {
		return envelope
	}
	envelope.TokenRenewed = true
	envelope.NewAccessToken = &token
	return envelope
}

// RenewedToken returns the renewed token, if any.
func (envelope Envelope[T]) RenewedToken() (string, bool) {
	if !envelope.TokenRenewed || envelope.NewAccessToken == nil || strings.TrimSpace(*envelope.NewAccessToken) == "" {
		return "", false
	}
	return *envelope.NewAccessToken, true
}

// Unwrap persists a renewed token before returning serverData.
// Missing renewal fields mean no renewal; unwrapping the same envelope twice stores the same token twice.
func Unwrap[T any](envelope Envelope[T], storage TokenStorage) (T, error) {
	token, renewed := envelope.RenewedToken()
	if !renewed {
		return envelope.ServerData, nil
	}
	if storage == nil {
		var zero T
		return zero, fmt.Errorf("token_envelope.unwrap: %w", ErrMissingStorage)
	}
	if err := storage.StoreAccessToken(token); err != nil {
		var zero T
		return zero, fmt.Errorf("token_envelope.unwrap.store: %w", err)
	}
	return envelope.ServerData, nil
}

// Decode reads one JSON envelope from reader and unwraps it.
func Decode[T any](reader io.Reader, storage TokenStorage) (T, error) {
	var envelope Envelope[T]
	if err := json.NewDecoder(reader).Decode(&envelope); err != nil {
		var zero T
		return zero, fmt.Errorf("token_envelope.decode: %w: %w", ErrMalformedEnvelope, err)
	}
	return Unwrap(envelope, storage)
}

// MemoryTokenStorage keeps the latest access token in memory.
type MemoryTokenStorage struct {
	mutex  sync.RWMutex
	token  string
	writes int
}

// NewMemoryTokenStorage seeds the storage with the token the client currently holds.
func NewMemoryTokenStorage(initial string) *MemoryTokenStorage {
	return &MemoryTokenStorage{token: initial}
}

// StoreAccessToken replaces the held token.
func (storage *MemoryTokenStorage) StoreAccessToken(token string) error {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	storage.token = token
	storage.writes++
	return nil
}

// AccessToken returns the held token.
func (storage *MemoryTokenStorage) AccessToken() string {
	storage.mutex.RLock()
	defer storage.mutex.RUnlock()
	return storage.token
}

// Writes counts StoreAccessToken calls.
func (storage *MemoryTokenStorage) Writes() int {
	storage.mutex.RLock()
	defer storage.mutex.RUnlock()
	return storage.writes
}
