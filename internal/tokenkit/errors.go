package tokenkit

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates no credential exists for the requested account.
	ErrNotConnected = errors.New("token_manager.not_connected")
	// ErrReauthRequired indicates the account must go through the authorization flow again.
	ErrReauthRequired = errors.New("token_manager.reauth_required")
	// ErrRefreshFailedTransient indicates refresh retries were exhausted on recoverable failures.
	ErrRefreshFailedTransient = errors.New("token_manager.refresh_failed_transient")
	// ErrUnsupportedPlatform indicates no provider is registered for the platform.
	ErrUnsupportedPlatform = errors.New("token_manager.unsupported_platform")
	// ErrStore indicates the token store failed while serving a manager operation.
	ErrStore = errors.New("token_store.failure")
)

var (
	// ErrRecordNotFound indicates no record matched the requested key.
	ErrRecordNotFound = errors.New("token_store.not_found")
	// ErrStoreConflict indicates a compare-and-swap lost against a concurrent write.
	ErrStoreConflict = errors.New("token_store.conflict")
	// ErrInvalidRecord indicates a record is missing its account, platform, or access token.
	ErrInvalidRecord = errors.New("token_store.invalid_record")
)

// ProviderError is a refresh failure classified by the provider implementation.
type ProviderError struct {
	Platform   Platform
	Permanent  bool
	StatusCode int
	Err        error
}

func (providerError *ProviderError) Error() string {
	classification := "transient"
	if providerError.Permanent {
		classification = "permanent"
	}
	if providerError.StatusCode != 0 {
		return fmt.Sprintf("provider.%s.%s (status %d): %v", providerError.Platform, classification, providerError.StatusCode, providerError.Err)
	}
	return fmt.Sprintf("provider.%s.%s: %v", providerError.Platform, classification, providerError.Err)
}

func (providerError *ProviderError) Unwrap() error {
	return providerError.Err
}

// NewPermanentProviderError marks err as unrecoverable without a new authorization (revoked or invalid grant).
func NewPermanentProviderError(platform Platform, statusCode int, err error) error {
	return &ProviderError{Platform: platform, Permanent: true, StatusCode: statusCode, Err: err}
}

// NewTransientProviderError marks err as retryable (network, timeout, 5xx, rate limit).
func NewTransientProviderError(platform Platform, statusCode int, err error) error {
	return &ProviderError{Platform: platform, Permanent: false, StatusCode: statusCode, Err: err}
}

// IsPermanentProviderError reports whether err carries a permanent provider classification.
// Unclassified errors are treated as transient.
func IsPermanentProviderError(err error) bool {
	var providerError *ProviderError
	if errors.As(err, &providerError) {
		return providerError.Permanent
	}
	return false
}
