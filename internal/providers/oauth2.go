package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tyemirov/tokenrelay/internal/tokenkit"
	"golang.org/x/oauth2"
)

// Grant errors after which the refresh token can never succeed again.
var permanentGrantErrors = map[string]struct{}{
	"invalid_grant":       {},
	"invalid_client":      {},
	"unauthorized_client": {},
	"invalid_token":       {},
}

// OAuth2Provider refreshes RFC 6749 refresh-token grants (Twitter, Reddit).
type OAuth2Provider struct {
	platform   tokenkit.Platform
	config     *oauth2.Config
	httpClient *http.Client
}

// NewTwitterProvider uses client_secret_basic when a secret is configured and public-client params otherwise.
func NewTwitterProvider(httpClient *http.Client, clientID string, clientSecret string, tokenURL string) *OAuth2Provider {
	authStyle := oauth2.AuthStyleInHeader
	if clientSecret == "" {
		authStyle = oauth2.AuthStyleInParams
	}
	return &OAuth2Provider{
		platform: tokenkit.PlatformTwitter,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: authStyle},
		},
		httpClient: httpClient,
	}
}

// NewRedditProvider sets the descriptive User-Agent Reddit requires on every token call.
func NewRedditProvider(httpClient *http.Client, clientID string, clientSecret string, tokenURL string, userAgent string) *OAuth2Provider {
	return &OAuth2Provider{
		platform: tokenkit.PlatformReddit,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		},
		httpClient: withUserAgent(httpClient, userAgent),
	}
}

func (provider *OAuth2Provider) Platform() tokenkit.Platform {
	return provider.platform
}

func (provider *OAuth2Provider) Refresh(ctx context.Context, record tokenkit.TokenRecord) (tokenkit.TokenRecord, error) {
	if !record.HasRefreshToken() {
		return tokenkit.TokenRecord{}, missingRefreshMaterial(provider.platform)
	}
	clientContext := context.WithValue(ctx, oauth2.HTTPClient, provider.httpClient)
	token, err := provider.config.TokenSource(clientContext, &oauth2.Token{RefreshToken: record.RefreshToken}).Token()
	if err != nil {
		return tokenkit.TokenRecord{}, classifyOAuth2Error(provider.platform, err)
	}
	refreshed := tokenkit.TokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		refreshed.ExpiresAt = token.Expiry.UTC()
	}
	return refreshed, nil
}

func (provider *OAuth2Provider) IsTokenExpired(record tokenkit.TokenRecord, now time.Time, margin time.Duration) bool {
	return tokenkit.ExpiredWithMargin(record, now, margin)
}

func classifyOAuth2Error(platform tokenkit.Platform, err error) error {
	var retrieveError *oauth2.RetrieveError
	if !errors.As(err, &retrieveError) {
		return tokenkit.NewTransientProviderError(platform, 0, err)
	}
	statusCode := 0
	if retrieveError.Response != nil {
		statusCode = retrieveError.Response.StatusCode
	}
	if _, permanent := permanentGrantErrors[retrieveError.ErrorCode]; permanent {
		return tokenkit.NewPermanentProviderError(platform, statusCode, err)
	}
	return classifyStatus(platform, statusCode, err)
}
