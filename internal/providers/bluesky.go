package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tokenrelay/internal/tokenkit"
)

const blueskyRefreshPath = "/xrpc/com.atproto.server.refreshSession"

// BlueskyProvider refreshes AT Protocol sessions. Expiry lives inside the access JWT rather than in the record.
type BlueskyProvider struct {
	httpClient *http.Client
	pdsURL     string
	parser     *jwt.Parser
}

// NewBlueskyProvider constructs a provider for the PDS at pdsURL.
func NewBlueskyProvider(httpClient *http.Client, pdsURL string) *BlueskyProvider {
	return &BlueskyProvider{
		httpClient: httpClient,
		pdsURL:     strings.TrimRight(pdsURL, "/"),
		parser:     jwt.NewParser(),
	}
}

type blueskySessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

func (provider *BlueskyProvider) Platform() tokenkit.Platform {
	return tokenkit.PlatformBluesky
}

func (provider *BlueskyProvider) Refresh(ctx context.Context, record tokenkit.TokenRecord) (tokenkit.TokenRecord, error) {
	if !record.HasRefreshToken() {
		return tokenkit.TokenRecord{}, missingRefreshMaterial(tokenkit.PlatformBluesky)
	}
	request, requestErr := newRequest(ctx, http.MethodPost, provider.pdsURL+blueskyRefreshPath, nil)
	if requestErr != nil {
		return tokenkit.TokenRecord{}, tokenkit.NewTransientProviderError(tokenkit.PlatformBluesky, 0, requestErr)
	}
	request.Header.Set("Authorization", "Bearer "+record.RefreshToken)

	var session blueskySessionResponse
	if err := doJSON(provider.httpClient, request, tokenkit.PlatformBluesky, &session); err != nil {
		return tokenkit.TokenRecord{}, err
	}
	refreshed := tokenkit.TokenRecord{
		AccessToken:  session.AccessJwt,
		RefreshToken: session.RefreshJwt,
	}
	if expiresAt, ok := provider.jwtExpiry(session.AccessJwt); ok {
		refreshed.ExpiresAt = expiresAt
	}
	return refreshed, nil
}

// IsTokenExpired reads the exp claim of the access JWT and falls back to the stored expiry when it is unreadable.
func (provider *BlueskyProvider) IsTokenExpired(record tokenkit.TokenRecord, now time.Time, margin time.Duration) bool {
	expiresAt, ok := provider.jwtExpiry(record.AccessToken)
	if !ok {
		return tokenkit.ExpiredWithMargin(record, now, margin)
	}
	return !now.Add(margin).Before(expiresAt)
}

func (provider *BlueskyProvider) jwtExpiry(accessJwt string) (time.Time, bool) {
	if strings.Count(accessJwt, ".") != 2 {
		return time.Time{}, false
	}
	// Signatures are the PDS's concern; an unknown alg (ES256K) still yields decoded claims.
	token, _, err := provider.parser.ParseUnverified(accessJwt, &jwt.RegisteredClaims{})
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return time.Time{}, false
	}
	if token == nil || token.Claims == nil {
		return time.Time{}, false
	}
	expiration, claimErr := token.Claims.GetExpirationTime()
	if claimErr != nil || expiration == nil {
		return time.Time{}, false
	}
	return expiration.Time.UTC(), true
}
