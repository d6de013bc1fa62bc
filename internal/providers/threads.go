package providers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/tyemirov/tokenrelay/internal/tokenkit"
)

// threadsRefreshWindow is how early long-lived Threads tokens are renewed; an expired one cannot be refreshed at all.
const threadsRefreshWindow = 24 * time.Hour

// ThreadsProvider renews long-lived Threads tokens, which act as their own refresh credential.
type ThreadsProvider struct {
	httpClient *http.Client
	refreshURL string
}

// NewThreadsProvider constructs a Threads provider against refreshURL.
func NewThreadsProvider(httpClient *http.Client, refreshURL string) *ThreadsProvider {
	return &ThreadsProvider{httpClient: httpClient, refreshURL: refreshURL}
}

type threadsRefreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (provider *ThreadsProvider) Platform() tokenkit.Platform {
	return tokenkit.PlatformThreads
}

func (provider *ThreadsProvider) Refresh(ctx context.Context, record tokenkit.TokenRecord) (tokenkit.TokenRecord, error) {
	if record.AccessToken == "" {
		return tokenkit.TokenRecord{}, missingRefreshMaterial(tokenkit.PlatformThreads)
	}
	target, parseErr := url.Parse(provider.refreshURL)
	if parseErr != nil {
		return tokenkit.TokenRecord{}, tokenkit.NewTransientProviderError(tokenkit.PlatformThreads, 0, parseErr)
	}
	query := target.Query()
	query.Set("grant_type", "th_refresh_token")
	query.Set("access_token", record.AccessToken)
	target.RawQuery = query.Encode()

	request, requestErr := newRequest(ctx, http.MethodGet, target.String(), nil)
	if requestErr != nil {
		return tokenkit.TokenRecord{}, tokenkit.NewTransientProviderError(tokenkit.PlatformThreads, 0, requestErr)
	}
	var payload threadsRefreshResponse
	if err := doJSON(provider.httpClient, request, tokenkit.PlatformThreads, &payload); err != nil {
		return tokenkit.TokenRecord{}, err
	}

	refreshed := tokenkit.TokenRecord{AccessToken: payload.AccessToken}
	if payload.ExpiresIn > 0 {
		refreshed.ExpiresAt = time.Now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return refreshed, nil
}

func (provider *ThreadsProvider) IsTokenExpired(record tokenkit.TokenRecord, now time.Time, margin time.Duration) bool {
	return tokenkit.ExpiredWithMargin(record, now, max(margin, threadsRefreshWindow))
}
