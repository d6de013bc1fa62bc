// Package providers implements token refresh for each supported social platform.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/tokenrelay/internal/tokenkit"
)

const (
	DefaultTwitterTokenURL   = "https://api.twitter.com/2/oauth2/token"
	DefaultRedditTokenURL    = "https://www.reddit.com/api/v1/access_token"
	DefaultRedditUserAgent   = "tokenrelay/1.0"
	DefaultThreadsRefreshURL = "https://graph.threads.net/refresh_access_token"
	DefaultBlueskyPDSURL     = "https://bsky.social"

	defaultHTTPTimeout = 15 * time.Second
)

var (
	// ErrMissingClientCredentials indicates an OAuth2 platform was enabled without a client id.
	ErrMissingClientCredentials = errors.New("providers.missing_client_credentials")
	// ErrMissingRefreshMaterial indicates the stored record carries nothing to refresh with.
	ErrMissingRefreshMaterial = errors.New("providers.missing_refresh_material")
)

// Settings carries per-platform client credentials and endpoints.
type Settings struct {
	HTTPClient *http.Client

	TwitterClientID     string
	TwitterClientSecret string
	TwitterTokenURL     string

	RedditClientID     string
	RedditClientSecret string
	RedditTokenURL     string
	RedditUserAgent    string

	ThreadsRefreshURL string

	BlueskyPDSURL string
}

func (settings Settings) withDefaults() Settings {
	if settings.HTTPClient == nil {
		settings.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if strings.TrimSpace(settings.TwitterTokenURL) == "" {
		settings.TwitterTokenURL = DefaultTwitterTokenURL
	}
	if strings.TrimSpace(settings.RedditTokenURL) == "" {
		settings.RedditTokenURL = DefaultRedditTokenURL
	}
	if strings.TrimSpace(settings.RedditUserAgent) == "" {
		settings.RedditUserAgent = DefaultRedditUserAgent
	}
	if strings.TrimSpace(settings.ThreadsRefreshURL) == "" {
		settings.ThreadsRefreshURL = DefaultThreadsRefreshURL
	}
	if strings.TrimSpace(settings.BlueskyPDSURL) == "" {
		settings.BlueskyPDSURL = DefaultBlueskyPDSURL
	}
	return settings
}

// Build returns the provider implementation for platform. The mapping is closed: new platforms need code here.
func Build(platform tokenkit.Platform, settings Settings) (tokenkit.Provider, error) {
	settings = settings.withDefaults()
	switch platform {
	case tokenkit.PlatformTwitter:
		if strings.TrimSpace(settings.TwitterClientID) == "" {
			return nil, fmt.Errorf("providers.build.%s: %w", platform, ErrMissingClientCredentials)
		}
		return NewTwitterProvider(settings.HTTPClient, settings.TwitterClientID, settings.TwitterClientSecret, settings.TwitterTokenURL), nil
	case tokenkit.PlatformReddit:
		if strings.TrimSpace(settings.RedditClientID) == "" {
			return nil, fmt.Errorf("providers.build.%s: %w", platform, ErrMissingClientCredentials)
		}
		return NewRedditProvider(settings.HTTPClient, settings.RedditClientID, settings.RedditClientSecret, settings.RedditTokenURL, settings.RedditUserAgent), nil
	case tokenkit.PlatformThreads:
		return NewThreadsProvider(settings.HTTPClient, settings.ThreadsRefreshURL), nil
	case tokenkit.PlatformBluesky:
		return NewBlueskyProvider(settings.HTTPClient, settings.BlueskyPDSURL), nil
	default:
		return nil, fmt.Errorf("providers.build.%s: %w", platform, tokenkit.ErrUnsupportedPlatform)
	}
}

// BuildAll builds providers for every platform, failing on the first misconfiguration.
func BuildAll(platforms []tokenkit.Platform, settings Settings) ([]tokenkit.Provider, error) {
	built := make([]tokenkit.Provider, 0, len(platforms))
	for _, platform := range platforms {
		provider, err := Build(platform, settings)
		if err != nil {
			return nil, err
		}
		built = append(built, provider)
	}
	return built, nil
}
