package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tokenrelay/internal/providers"
	"github.com/tyemirov/tokenrelay/internal/tokenkit"
	"github.com/tyemirov/tokenrelay/pkg/sessionvalidator"
	"go.uber.org/zap"
)

func setValidConfig() {
	defaults := tokenkit.DefaultManagerConfig()
	viper.Set("listen_addr", ":0")
	viper.Set("platforms", []string{"threads", "bluesky"})
	viper.Set("session_signing_key", "signing-secret")
	viper.Set("session_issuer", "tokenrelay")
	viper.Set("refresh_margin", defaults.SafetyMargin)
	viper.Set("refresh_attempts", defaults.RefreshAttempts)
	viper.Set("refresh_base_delay", defaults.BaseDelay)
	viper.Set("provider_timeout", defaults.CallTimeout)
	viper.Set("refresh_deadline", defaults.RefreshDeadline)
}

func expectConfigError(t *testing.T, expectedMessage string) {
	t.Helper()
	_, err := LoadServiceConfig()
	if err == nil {
		t.Fatalf("expected configuration error %q", expectedMessage)
	}
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	expectedMessage := "config.uninitialized_service_config: service configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServiceConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		mutate          func()
		expectedMessage string
	}{
		{
			name:            "missing platforms",
			mutate:          func() { viper.Set("platforms", []string{}) },
			expectedMessage: "config.missing_platforms: platforms must list at least one platform",
		},
		{
			name:            "unknown platform",
			mutate:          func() { viper.Set("platforms", []string{"threads", "myspace"}) },
			expectedMessage: `config.invalid_platform: unsupported platform "myspace"`,
		},
		{
			name:            "twitter without client id",
			mutate:          func() { viper.Set("platforms", []string{"twitter"}) },
			expectedMessage: "config.missing_provider_credentials: twitter_client_id must be provided when twitter is enabled",
		},
		{
			name:            "missing signing key",
			mutate:          func() { viper.Set("session_signing_key", "") },
			expectedMessage: "config.missing_session_signing_key: session_signing_key must be provided",
		},
		{
			name:            "invalid backend",
			mutate:          func() { viper.Set("store_backend", "cassandra") },
			expectedMessage: "config.invalid_store_backend: store_backend must be one of auto, memory, gorm, pgx, redis",
		},
		{
			name:            "pgx without database url",
			mutate:          func() { viper.Set("store_backend", "pgx") },
			expectedMessage: "config.missing_database_url: database_url must be provided for store_backend pgx",
		},
		{
			name:            "negative margin",
			mutate:          func() { viper.Set("refresh_margin", -time.Second) },
			expectedMessage: "config.invalid_refresh_margin: refresh_margin must be greater than zero",
		},
		{
			name:            "zero margin",
			mutate:          func() { viper.Set("refresh_margin", time.Duration(0)) },
			expectedMessage: "config.invalid_refresh_margin: refresh_margin must be greater than zero",
		},
		{
			name:            "zero attempts",
			mutate:          func() { viper.Set("refresh_attempts", 0) },
			expectedMessage: "config.invalid_refresh_attempts: refresh_attempts must be at least 1",
		},
		{
			name:            "zero provider timeout",
			mutate:          func() { viper.Set("provider_timeout", time.Duration(0)) },
			expectedMessage: "config.invalid_timeout: refresh_base_delay, provider_timeout and refresh_deadline must be greater than zero",
		},
		{
			name:            "cors without origins",
			mutate:          func() { viper.Set("enable_cors", true) },
			expectedMessage: "config.missing_cors_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			setValidConfig()
			testCase.mutate()
			expectConfigError(t, testCase.expectedMessage)
		})
	}
}

func TestLoadServiceConfigSuccess(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setValidConfig()
	viper.Set("platforms", []string{"Twitter, reddit", "twitter"})
	viper.Set("twitter_client_id", "twitter-client")
	viper.Set("reddit_client_id", "reddit-client")
	viper.Set("refresh_margin", 2*time.Minute)

	serviceConfig, err := LoadServiceConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if len(serviceConfig.Platforms) != 2 || serviceConfig.Platforms[0] != tokenkit.PlatformTwitter || serviceConfig.Platforms[1] != tokenkit.PlatformReddit {
		t.Fatalf("unexpected platforms: %v", serviceConfig.Platforms)
	}
	if serviceConfig.StoreBackend != storeBackendAuto {
		t.Fatalf("expected auto store backend, got %q", serviceConfig.StoreBackend)
	}
	if serviceConfig.Manager.SafetyMargin != 2*time.Minute {
		t.Fatalf("unexpected safety margin: %v", serviceConfig.Manager.SafetyMargin)
	}
	if serviceConfig.Providers.TwitterClientID != "twitter-client" {
		t.Fatalf("provider settings not carried: %+v", serviceConfig.Providers)
	}
}

func TestDetectStoreBackend(t *testing.T) {
	t.Parallel()
	testCases := map[string]string{
		"":                             storeBackendMemory,
		"redis://localhost:6379/0":     storeBackendRedis,
		"REDISS://cache.internal:6380": storeBackendRedis,
		"postgres://user@db/tokens":    storeBackendGORM,
		"sqlite:file:tokens.db":        storeBackendGORM,
	}
	for databaseURL, expected := range testCases {
		if backend := detectStoreBackend(databaseURL); backend != expected {
			t.Fatalf("detectStoreBackend(%q) = %q, expected %q", databaseURL, backend, expected)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file must be ignored, got %v", err)
	}

	envPath := filepath.Join(t.TempDir(), "service.env")
	if err := os.WriteFile(envPath, []byte("APP_TOKENRELAY_TEST_VALUE=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("APP_TOKENRELAY_TEST_VALUE") })
	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("unexpected error loading env file: %v", err)
	}
	if value := os.Getenv("APP_TOKENRELAY_TEST_VALUE"); value != "from-dotenv" {
		t.Fatalf("expected dotenv value, got %q", value)
	}
}

func runWithConfig(t *testing.T) error {
	t.Helper()
	serviceConfig, err := LoadServiceConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serviceConfigContextKey, serviceConfig))
	return runServer(command, nil)
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

func TestRunServerWithDatabaseStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidConfig()
	viper.Set("database_url", "sqlite:file:runserver?mode=memory&cache=shared")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:3000"})

	if err := runWithConfig(t); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidConfig()
	viper.Set("store_backend", storeBackendMemory)

	if err := runWithConfig(t); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory store, got %v", err)
	}
}

func mintSession(t *testing.T, accounts []string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		Accounts: accounts,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tokenrelay",
			Subject:   "operator-1",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("signing-secret"))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return signed
}

func TestBuildRouterGuardsAccountRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	setValidConfig()
	serviceConfig, err := LoadServiceConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	store := tokenkit.NewMemoryTokenStore()
	if _, err := store.Put(context.Background(), tokenkit.TokenRecord{
		AccountID:   "acct-1",
		Platform:    tokenkit.PlatformThreads,
		AccessToken: "threads-token",
		ExpiresAt:   time.Now().Add(30 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}
	builtProviders, err := providers.BuildAll(serviceConfig.Platforms, serviceConfig.Providers)
	if err != nil {
		t.Fatalf("failed to build providers: %v", err)
	}
	metrics := tokenkit.NewCounterMetrics()
	registry, err := tokenkit.NewRegistry(store, builtProviders, tokenkit.ManagerConfig{Metrics: metrics})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	router, err := buildRouter(serviceConfig, registry, store, metrics, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}

	testCases := []struct {
		name           string
		authorization  string
		path           string
		expectedStatus int
	}{
		{name: "no session", path: "/api/accounts/threads/acct-1/token", expectedStatus: http.StatusUnauthorized},
		{name: "foreign account", authorization: mintSession(t, []string{"threads:acct-2"}), path: "/api/accounts/threads/acct-1/token", expectedStatus: http.StatusForbidden},
		{name: "granted account", authorization: mintSession(t, []string{"threads:acct-1"}), path: "/api/accounts/threads/acct-1/token", expectedStatus: http.StatusOK},
		{name: "wildcard grant", authorization: mintSession(t, []string{sessionvalidator.AllAccounts}), path: "/api/accounts/threads/acct-1/token", expectedStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodPost, testCase.path, nil)
		if testCase.authorization != "" {
			request.Header.Set("Authorization", "Bearer "+testCase.authorization)
		}
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		if recorder.Code != testCase.expectedStatus {
			t.Fatalf("%s: expected %d, got %d: %s", testCase.name, testCase.expectedStatus, recorder.Code, recorder.Body.String())
		}
		if testCase.expectedStatus == http.StatusOK && !strings.Contains(recorder.Body.String(), `"accessTokenWasExpiredSoWeCreatedAnotherOne":false`) {
			t.Fatalf("%s: expected envelope body, got %s", testCase.name, recorder.Body.String())
		}
	}

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("expected public health endpoint, got %d", health.Code)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}
