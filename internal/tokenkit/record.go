package tokenkit

import (
	"strings"
	"time"
)

// RecordKey addresses the single live credential of a connected account.
type RecordKey struct {
	AccountID string
	Platform  Platform
}

func (key RecordKey) String() string {
	return string(key.Platform) + ":" + key.AccountID
}

// TokenRecord is one provider credential pair for one connected account.
// A zero ExpiresAt means the provider does not publish an expiry for the access token.
type TokenRecord struct {
	AccountID             string
	Platform              Platform
	AccessToken           string
	RefreshToken          string
	ExpiresAt             time.Time
	NeedsReauthentication bool
	Version               uint64
	UpdatedAt             time.Time
}

// Key returns the store key of the record.
func (record TokenRecord) Key() RecordKey {
	return RecordKey{AccountID: record.AccountID, Platform: record.Platform}
}

// HasRefreshToken reports whether the provider issued a refresh credential.
func (record TokenRecord) HasRefreshToken() bool {
	return strings.TrimSpace(record.RefreshToken) != ""
}

// ValidateRecord rejects records missing an account, a known platform, or an access token.
func ValidateRecord(record TokenRecord) error {
	if strings.TrimSpace(record.AccountID) == "" {
		return ErrInvalidRecord
	}
	if _, err := ParsePlatform(string(record.Platform)); err != nil {
		return ErrInvalidRecord
	}
	if strings.TrimSpace(record.AccessToken) == "" {
		return ErrInvalidRecord
	}
	return nil
}

// ExpiredWithMargin is the default expiry rule: a token is expired once now+margin reaches ExpiresAt.
func ExpiredWithMargin(record TokenRecord, now time.Time, margin time.Duration) bool {
	if record.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(record.ExpiresAt)
}
