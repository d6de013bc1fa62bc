package tokenkit

import (
	"errors"
	"fmt"
	"sort"
)

var errDuplicateProvider = errors.New("token_registry.duplicate_provider")

// Registry maps each configured platform to its long-lived Manager.
type Registry struct {
	managers map[Platform]*Manager
}

// NewRegistry builds one Manager per provider. Providers must cover distinct, known platforms.
func NewRegistry(store TokenStore, providers []Provider, configuration ManagerConfig) (*Registry, error) {
	managers := make(map[Platform]*Manager, len(providers))
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		platform, err := ParsePlatform(string(provider.Platform()))
		if err != nil {
			return nil, fmt.Errorf("token_registry.new: %w", err)
		}
		if _, exists := managers[platform]; exists {
			return nil, fmt.Errorf("token_registry.new.%s: %w", platform, errDuplicateProvider)
		}
		managers[platform] = NewManager(store, provider, configuration)
	}
	return &Registry{managers: managers}, nil
}

// ForPlatform returns the manager of the platform or ErrUnsupportedPlatform.
func (registry *Registry) ForPlatform(platform Platform) (*Manager, error) {
	manager, ok := registry.managers[platform]
	if !ok {
		return nil, fmt.Errorf("token_registry.for_platform.%s: %w", platform, ErrUnsupportedPlatform)
	}
	return manager, nil
}

// Platforms lists configured platforms in a stable order.
func (registry *Registry) Platforms() []Platform {
	platforms := make([]Platform, 0, len(registry.managers))
	for platform := range registry.managers {
		platforms = append(platforms, platform)
	}
	sort.Slice(platforms, func(left, right int) bool {
		return platforms[left] < platforms[right]
	})
	return platforms
}

// RequirePlatforms fails when any of the platforms has no manager; intended for startup validation.
func (registry *Registry) RequirePlatforms(platforms ...Platform) error {
	for _, platform := range platforms {
		if _, err := registry.ForPlatform(platform); err != nil {
			return err
		}
	}
	return nil
}
