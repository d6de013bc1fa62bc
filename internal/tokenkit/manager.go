package tokenkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var errEmptyAccessToken = errors.New("provider returned an empty access token")

// Provider exchanges stored refresh material for a new access token on one platform.
type Provider interface {
	Platform() Platform
	// Refresh returns the full updated record or a *ProviderError describing the failure.
	Refresh(ctx context.Context, record TokenRecord) (TokenRecord, error)
	// IsTokenExpired must not perform I/O.
	IsTokenExpired(record TokenRecord, now time.Time, margin time.Duration) bool
}

// State is the lifecycle position of one account credential.
type State string

const (
	StateValid                 State = "valid"
	StateExpiredPendingRefresh State = "expired_pending_refresh"
	StateRefreshInFlight       State = "refresh_in_flight"
	StateReauthRequired        State = "reauth_required"
)

// AccessToken is a currently valid bearer value handed to callers.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
	Renewed   bool
}

// Manager hands out valid access tokens for the accounts of one platform.
// At most one refresh per account runs at a time; concurrent callers share its outcome.
type Manager struct {
	platform Platform
	provider Provider
	store    TokenStore
	config   ManagerConfig

	flights       singleflight.Group
	inFlightMutex sync.Mutex
	inFlight      map[string]struct{}
}

// NewManager wires a provider to a store.
func NewManager(store TokenStore, provider Provider, configuration ManagerConfig) *Manager {
	if store == nil {
		panic("token store is required")
	}
	if provider == nil {
		panic("provider is required")
	}
	return &Manager{
		platform: provider.Platform(),
		provider: provider,
		store:    store,
		config:   configuration.withDefaults(),
		inFlight: make(map[string]struct{}),
	}
}

// Platform returns the platform served by the manager.
func (manager *Manager) Platform() Platform {
	return manager.platform
}

// GetValidToken returns a usable access token for the account, refreshing it when it is within the safety margin of expiry.
func (manager *Manager) GetValidToken(ctx context.Context, accountID string) (AccessToken, error) {
	record, err := manager.load(ctx, accountID)
	if err != nil {
		return AccessToken{}, err
	}
	if record.NeedsReauthentication {
		return AccessToken{}, fmt.Errorf("token_manager.get_valid_token.%s: %w", manager.platform, ErrReauthRequired)
	}
	if !manager.isExpired(record) {
		manager.config.Metrics.Increment(MetricTokenReused)
		return AccessToken{Token: record.AccessToken, ExpiresAt: record.ExpiresAt}, nil
	}

	refreshed, refreshErr := manager.refreshShared(ctx, record.Key())
	if refreshErr != nil {
		return AccessToken{}, refreshErr
	}
	renewed := refreshed.AccessToken != record.AccessToken
	if renewed {
		if requestContext, ok := RequestTokenContextFrom(ctx); ok {
			if !requestContext.RecordRenewal(record.Key(), refreshed.AccessToken) {
				manager.config.Logger.Debug("renewal not reported for secondary account",
					zap.String("code", "token_manager.renewal.secondary_account"),
					zap.String("platform", string(manager.platform)),
					zap.String("account_id", record.AccountID))
			}
		}
	}
	return AccessToken{Token: refreshed.AccessToken, ExpiresAt: refreshed.ExpiresAt, Renewed: renewed}, nil
}

// IsTokenExpired applies the provider's expiry rule with the configured safety margin.
func (manager *Manager) IsTokenExpired(record TokenRecord) bool {
	return manager.isExpired(record)
}

// State reports where the account credential sits in its lifecycle without refreshing it.
func (manager *Manager) State(ctx context.Context, accountID string) (State, error) {
	record, err := manager.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	switch {
	case record.NeedsReauthentication:
		return StateReauthRequired, nil
	case manager.isRefreshing(record.Key().String()):
		return StateRefreshInFlight, nil
	case manager.isExpired(record):
		return StateExpiredPendingRefresh, nil
	default:
		return StateValid, nil
	}
}

func (manager *Manager) load(ctx context.Context, accountID string) (TokenRecord, error) {
	if strings.TrimSpace(accountID) == "" {
		return TokenRecord{}, fmt.Errorf("token_manager.load.%s: %w", manager.platform, ErrNotConnected)
	}
	record, err := manager.store.Get(ctx, accountID, manager.platform)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return TokenRecord{}, fmt.Errorf("token_manager.load.%s: %w", manager.platform, ErrNotConnected)
		}
		return TokenRecord{}, fmt.Errorf("token_manager.load.%s: %w: %w", manager.platform, ErrStore, err)
	}
	return record, nil
}

func (manager *Manager) isExpired(record TokenRecord) bool {
	return manager.provider.IsTokenExpired(record, manager.config.Clock.Now(), manager.config.SafetyMargin)
}

// refreshShared runs the refresh detached from the caller's cancellation so other waiters still get the outcome.
func (manager *Manager) refreshShared(ctx context.Context, key RecordKey) (TokenRecord, error) {
	flightKey := key.String()
	resultChannel := manager.flights.DoChan(flightKey, func() (any, error) {
		flightContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), manager.config.RefreshDeadline)
		defer cancel()
		manager.setRefreshing(flightKey, true)
		defer manager.setRefreshing(flightKey, false)
		return manager.refresh(flightContext, key)
	})

	select {
	case <-ctx.Done():
		return TokenRecord{}, fmt.Errorf("token_manager.refresh.%s: %w", manager.platform, ctx.Err())
	case result := <-resultChannel:
		if result.Shared {
			manager.config.Metrics.Increment(MetricRefreshJoined)
		}
		if result.Err != nil {
			return TokenRecord{}, result.Err
		}
		return result.Val.(TokenRecord), nil
	}
}

func (manager *Manager) refresh(ctx context.Context, key RecordKey) (TokenRecord, error) {
	current, err := manager.load(ctx, key.AccountID)
	if err != nil {
		return TokenRecord{}, err
	}
	if current.NeedsReauthentication {
		return TokenRecord{}, fmt.Errorf("token_manager.refresh.%s: %w", manager.platform, ErrReauthRequired)
	}
	if !manager.isExpired(current) {
		manager.config.Metrics.Increment(MetricRefreshAdopted)
		return current, nil
	}

	manager.config.Metrics.Increment(MetricRefreshStarted)
	refreshed, refreshErr := manager.refreshWithRetry(ctx, current)
	if refreshErr != nil {
		if IsPermanentProviderError(refreshErr) {
			manager.config.Metrics.Increment(MetricRefreshPermanentFailure)
			if reconnected, ok := manager.flagReauthentication(ctx, current, refreshErr); ok {
				manager.config.Metrics.Increment(MetricRefreshAdopted)
				return reconnected, nil
			}
			return TokenRecord{}, fmt.Errorf("token_manager.refresh.%s: %w: %w", manager.platform, ErrReauthRequired, refreshErr)
		}
		manager.config.Metrics.Increment(MetricRefreshTransientFailure)
		manager.config.Logger.Warn("token refresh failed",
			zap.String("code", "token_manager.refresh.transient_failure"),
			zap.String("platform", string(manager.platform)),
			zap.String("account_id", key.AccountID),
			zap.Error(refreshErr))
		return TokenRecord{}, fmt.Errorf("token_manager.refresh.%s: %w: %w", manager.platform, ErrRefreshFailedTransient, refreshErr)
	}

	replacement := normalizeRefreshed(current, refreshed)
	stored, storeErr := manager.store.CompareAndSwap(ctx, current, replacement)
	if storeErr != nil {
		if errors.Is(storeErr, ErrStoreConflict) {
			latest, latestErr := manager.store.Get(ctx, key.AccountID, manager.platform)
			if latestErr == nil && !latest.NeedsReauthentication && !manager.isExpired(latest) {
				manager.config.Metrics.Increment(MetricRefreshAdopted)
				return latest, nil
			}
		}
		manager.config.Logger.Error("refreshed token not persisted",
			zap.String("code", "token_manager.refresh.store_failure"),
			zap.String("platform", string(manager.platform)),
			zap.String("account_id", key.AccountID),
			zap.Error(storeErr))
		return TokenRecord{}, fmt.Errorf("token_manager.refresh.%s: %w: %w", manager.platform, ErrStore, storeErr)
	}

	manager.config.Metrics.Increment(MetricRefreshSucceeded)
	manager.config.Logger.Info("token refreshed",
		zap.String("code", "token_manager.refresh.succeeded"),
		zap.String("platform", string(manager.platform)),
		zap.String("account_id", key.AccountID),
		zap.Time("expires_at", stored.ExpiresAt))
	return stored, nil
}

func (manager *Manager) refreshWithRetry(ctx context.Context, current TokenRecord) (TokenRecord, error) {
	backoff := retry.NewExponential(manager.config.BaseDelay)
	backoff = retry.WithJitterPercent(manager.config.JitterPercent, backoff)
	backoff = retry.WithMaxRetries(uint64(manager.config.RefreshAttempts-1), backoff)

	var refreshed TokenRecord
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			manager.config.Metrics.Increment(MetricRefreshRetried)
		}
		callContext, cancel := context.WithTimeout(ctx, manager.config.CallTimeout)
		defer cancel()

		next, callErr := manager.provider.Refresh(callContext, current)
		if callErr == nil && strings.TrimSpace(next.AccessToken) == "" {
			callErr = NewTransientProviderError(manager.platform, 0, errEmptyAccessToken)
		}
		if callErr != nil {
			if IsPermanentProviderError(callErr) {
				return callErr
			}
			manager.config.Logger.Debug("token refresh attempt failed",
				zap.String("code", "token_manager.refresh.attempt_failed"),
				zap.String("platform", string(manager.platform)),
				zap.String("account_id", current.AccountID),
				zap.Int("attempt", attempt),
				zap.Error(callErr))
			return retry.RetryableError(callErr)
		}
		refreshed = next
		return nil
	})
	return refreshed, err
}

// flagReauthentication marks the record as needing a reconnect. When the record changed underneath the refresh
// and now holds usable credentials, it returns them instead and reports true.
func (manager *Manager) flagReauthentication(ctx context.Context, current TokenRecord, cause error) (TokenRecord, bool) {
	flagged := current
	flagged.NeedsReauthentication = true
	if _, err := manager.store.CompareAndSwap(ctx, current, flagged); err != nil {
		if errors.Is(err, ErrStoreConflict) {
			latest, latestErr := manager.store.Get(ctx, current.AccountID, manager.platform)
			if latestErr == nil && !latest.NeedsReauthentication && !manager.isExpired(latest) {
				manager.config.Logger.Info("account reconnected during failed refresh",
					zap.String("code", "token_manager.flag_reauth.superseded"),
					zap.String("platform", string(manager.platform)),
					zap.String("account_id", current.AccountID))
				return latest, true
			}
		}
		manager.config.Logger.Warn("reauthentication flag not persisted",
			zap.String("code", "token_manager.flag_reauth.store_failure"),
			zap.String("platform", string(manager.platform)),
			zap.String("account_id", current.AccountID),
			zap.Error(err))
		return TokenRecord{}, false
	}
	manager.config.Logger.Warn("account requires reauthentication",
		zap.String("code", "token_manager.refresh.permanent_failure"),
		zap.String("platform", string(manager.platform)),
		zap.String("account_id", current.AccountID),
		zap.Error(cause))
	return TokenRecord{}, false
}

func (manager *Manager) setRefreshing(flightKey string, refreshing bool) {
	manager.inFlightMutex.Lock()
	defer manager.inFlightMutex.Unlock()
	if refreshing {
		manager.inFlight[flightKey] = struct{}{}
		return
	}
	delete(manager.inFlight, flightKey)
}

func (manager *Manager) isRefreshing(flightKey string) bool {
	manager.inFlightMutex.Lock()
	defer manager.inFlightMutex.Unlock()
	_, ok := manager.inFlight[flightKey]
	return ok
}

func normalizeRefreshed(current TokenRecord, refreshed TokenRecord) TokenRecord {
	refreshed.AccountID = current.AccountID
	refreshed.Platform = current.Platform
	if !refreshed.HasRefreshToken() {
		refreshed.RefreshToken = current.RefreshToken
	}
	refreshed.NeedsReauthentication = false
	return refreshed
}
