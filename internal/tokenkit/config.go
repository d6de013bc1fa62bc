package tokenkit

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSafetyMargin    = 60 * time.Second
	DefaultRefreshAttempts = 3
	DefaultBaseDelay       = 500 * time.Millisecond
	DefaultJitterPercent   = 20
	DefaultCallTimeout     = 10 * time.Second
	DefaultRefreshDeadline = 30 * time.Second
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// ManagerConfig tunes expiry margins, retries, and timeouts of a Manager.
type ManagerConfig struct {
	SafetyMargin    time.Duration
	RefreshAttempts int
	BaseDelay       time.Duration
	JitterPercent   uint64
	CallTimeout     time.Duration
	RefreshDeadline time.Duration
	Clock           Clock
	Logger          *zap.Logger
	Metrics         MetricsRecorder
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{}.withDefaults()
}

func (configuration ManagerConfig) withDefaults() ManagerConfig {
	if configuration.SafetyMargin <= 0 {
		configuration.SafetyMargin = DefaultSafetyMargin
	}
	if configuration.RefreshAttempts <= 0 {
		configuration.RefreshAttempts = DefaultRefreshAttempts
	}
	if configuration.BaseDelay <= 0 {
		configuration.BaseDelay = DefaultBaseDelay
	}
	if configuration.JitterPercent == 0 {
		configuration.JitterPercent = DefaultJitterPercent
	}
	if configuration.CallTimeout <= 0 {
		configuration.CallTimeout = DefaultCallTimeout
	}
	if configuration.RefreshDeadline <= 0 {
		configuration.RefreshDeadline = DefaultRefreshDeadline
	}
	if configuration.Clock == nil {
		configuration.Clock = NewSystemClock()
	}
	if configuration.Logger == nil {
		configuration.Logger = zap.NewNop()
	}
	if configuration.Metrics == nil {
		configuration.Metrics = noopMetrics{}
	}
	return configuration
}
