package web

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	// ErrInvalidOrigin reports a CORS origin that is not a bare https origin or a loopback http origin.
	ErrInvalidOrigin = errors.New("web.cors.invalid_origin")

	errNoOrigins = errors.New("web.cors.no_origins")
)

// ConfigureCORS lets operator dashboards on the listed origins call the account API with their session cookie.
// Responses carry provider access tokens, so plain http is accepted only for loopback hosts.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := normalizeOrigins(allowedOrigins)
	if err != nil {
		return nil, err
	}
	logger.Info("cors enabled",
		zap.String("code", "web.cors.enabled"),
		zap.Strings("origins", origins))
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{"Retry-After", requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

// normalizeOrigins accepts repeated and comma-separated values, as viper yields both from flags and env.
func normalizeOrigins(values []string) ([]string, error) {
	unique := make(map[string]struct{}, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			origin, err := normalizeOrigin(part)
			if err != nil {
				return nil, err
			}
			unique[origin] = struct{}{}
		}
	}
	if len(unique) == 0 {
		return nil, fmt.Errorf("web.cors.configure: %w", errNoOrigins)
	}
	return slices.Sorted(maps.Keys(unique)), nil
}

func normalizeOrigin(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" || parsed.User != nil ||
		strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("web.cors.origin.%q: %w", trimmed, ErrInvalidOrigin)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme == "https":
	case scheme == "http" && isLoopbackHost(parsed.Hostname()):
	default:
		return "", fmt.Errorf("web.cors.origin.%q: %w", trimmed, ErrInvalidOrigin)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
