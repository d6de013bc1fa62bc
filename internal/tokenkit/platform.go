package tokenkit

import (
	"fmt"
	"strings"
)

// Platform identifies a supported identity provider.
type Platform string

const (
	PlatformTwitter Platform = "twitter"
	PlatformReddit  Platform = "reddit"
	PlatformThreads Platform = "threads"
	PlatformBluesky Platform = "bluesky"
)

var knownPlatforms = []Platform{PlatformTwitter, PlatformReddit, PlatformThreads, PlatformBluesky}

// AllPlatforms lists every platform the service knows how to refresh.
func AllPlatforms() []Platform {
	cloned := make([]Platform, len(knownPlatforms))
	copy(cloned, knownPlatforms)
	return cloned
}

// ParsePlatform normalizes a platform identifier and rejects unknown values.
func ParsePlatform(value string) (Platform, error) {
	normalized := Platform(strings.ToLower(strings.TrimSpace(value)))
	for _, platform := range knownPlatforms {
		if platform == normalized {
			return platform, nil
		}
	}
	return "", fmt.Errorf("token_manager.parse_platform.%q: %w", value, ErrUnsupportedPlatform)
}

func (platform Platform) String() string {
	return string(platform)
}
