package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/tokenrelay/internal/providers"
	"github.com/tyemirov/tokenrelay/internal/tokenkit"
	"github.com/tyemirov/tokenrelay/internal/tokenpg"
	"github.com/tyemirov/tokenrelay/internal/tokenredis"
	"github.com/tyemirov/tokenrelay/internal/web"
	"github.com/tyemirov/tokenrelay/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tokenrelay",
		Short:   "Social account token service with single-flight refresh and inline token renewal",
		PreRunE: prepareServiceConfig,
		RunE:    runServer,
	}

	defaults := tokenkit.DefaultManagerConfig()
	rootCmd.Flags().String("env_file", ".env", "Optional dotenv file loaded before reading APP_* variables")
	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Token store URL (postgres://, sqlite://, redis://); empty selects the in-memory store")
	rootCmd.Flags().String("store_backend", storeBackendAuto, "Token store backend: auto, memory, gorm, pgx, redis")
	rootCmd.Flags().StringSlice("platforms", []string{}, "Enabled platforms (twitter, reddit, threads, bluesky)")
	rootCmd.Flags().Duration("refresh_margin", defaults.SafetyMargin, "Refresh tokens this long before they expire")
	rootCmd.Flags().Int("refresh_attempts", defaults.RefreshAttempts, "Provider calls per refresh before giving up")
	rootCmd.Flags().Duration("refresh_base_delay", defaults.BaseDelay, "Initial backoff between refresh attempts")
	rootCmd.Flags().Duration("provider_timeout", defaults.CallTimeout, "Timeout for a single provider call")
	rootCmd.Flags().Duration("refresh_deadline", defaults.RefreshDeadline, "Upper bound for a whole refresh including retries")
	rootCmd.Flags().String("session_signing_key", "", "HS256 secret for API session tokens")
	rootCmd.Flags().String("session_issuer", "tokenrelay", "Expected issuer of API session tokens")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser dashboards")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().String("twitter_client_id", "", "Twitter OAuth2 client id")
	rootCmd.Flags().String("twitter_client_secret", "", "Twitter OAuth2 client secret (empty for public clients)")
	rootCmd.Flags().String("twitter_token_url", providers.DefaultTwitterTokenURL, "Twitter token endpoint")
	rootCmd.Flags().String("reddit_client_id", "", "Reddit OAuth2 client id")
	rootCmd.Flags().String("reddit_client_secret", "", "Reddit OAuth2 client secret")
	rootCmd.Flags().String("reddit_token_url", providers.DefaultRedditTokenURL, "Reddit token endpoint")
	rootCmd.Flags().String("reddit_user_agent", providers.DefaultRedditUserAgent, "User-Agent sent to Reddit")
	rootCmd.Flags().String("threads_refresh_url", providers.DefaultThreadsRefreshURL, "Threads long-lived token refresh endpoint")
	rootCmd.Flags().String("bluesky_pds_url", providers.DefaultBlueskyPDSURL, "Bluesky PDS base URL")

	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	storeBackendAuto   = "auto"
	storeBackendMemory = "memory"
	storeBackendGORM   = "gorm"
	storeBackendPGX    = "pgx"
	storeBackendRedis  = "redis"

	configCodeEnvFile                 = "config.env_file"
	configCodeInvalidStoreBackend     = "config.invalid_store_backend"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeMissingPlatforms        = "config.missing_platforms"
	configCodeInvalidPlatform         = "config.invalid_platform"
	configCodeMissingProviderCreds    = "config.missing_provider_credentials"
	configCodeMissingSigningKey       = "config.missing_session_signing_key"
	configCodeInvalidRefreshMargin    = "config.invalid_refresh_margin"
	configCodeInvalidRefreshAttempts  = "config.invalid_refresh_attempts"
	configCodeInvalidTimeout          = "config.invalid_timeout"
	configCodeMissingCORSOrigins      = "config.missing_cors_origins"
	configCodeUninitializedServiceCfg = "config.uninitialized_service_config"
)

type contextKey string

const serviceConfigContextKey contextKey = "serviceConfig"

// ServiceConfig is the validated runtime configuration.
type ServiceConfig struct {
	ListenAddr         string
	DatabaseURL        string
	StoreBackend       string
	Platforms          []tokenkit.Platform
	Manager            tokenkit.ManagerConfig
	SessionSigningKey  []byte
	SessionIssuer      string
	EnableCORS         bool
	CORSAllowedOrigins []string
	Providers          providers.Settings
}

func prepareServiceConfig(command *cobra.Command, arguments []string) error {
	if err := loadEnvFile(viper.GetString("env_file")); err != nil {
		return err
	}
	serviceConfig, loadErr := LoadServiceConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serviceConfigContextKey, serviceConfig))
	return nil
}

// loadEnvFile applies a dotenv file without overriding variables already set. A missing file is fine.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return configError(configCodeEnvFile, err.Error())
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServiceConfig reads and validates configuration from viper.
func LoadServiceConfig() (ServiceConfig, error) {
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	storeBackend := strings.ToLower(strings.TrimSpace(viper.GetString("store_backend")))
	if storeBackend == "" {
		storeBackend = storeBackendAuto
	}
	switch storeBackend {
	case storeBackendAuto, storeBackendMemory:
	case storeBackendGORM, storeBackendPGX, storeBackendRedis:
		if databaseURL == "" {
			return ServiceConfig{}, configError(configCodeMissingDatabaseURL, "database_url must be provided for store_backend "+storeBackend)
		}
	default:
		return ServiceConfig{}, configError(configCodeInvalidStoreBackend, "store_backend must be one of auto, memory, gorm, pgx, redis")
	}

	platforms, platformsErr := parsePlatforms(viper.GetStringSlice("platforms"))
	if platformsErr != nil {
		return ServiceConfig{}, platformsErr
	}

	settings := providers.Settings{
		TwitterClientID:     viper.GetString("twitter_client_id"),
		TwitterClientSecret: viper.GetString("twitter_client_secret"),
		TwitterTokenURL:     viper.GetString("twitter_token_url"),
		RedditClientID:      viper.GetString("reddit_client_id"),
		RedditClientSecret:  viper.GetString("reddit_client_secret"),
		RedditTokenURL:      viper.GetString("reddit_token_url"),
		RedditUserAgent:     viper.GetString("reddit_user_agent"),
		ThreadsRefreshURL:   viper.GetString("threads_refresh_url"),
		BlueskyPDSURL:       viper.GetString("bluesky_pds_url"),
	}
	for _, platform := range platforms {
		if _, err := providers.Build(platform, settings); err != nil {
			return ServiceConfig{}, configError(configCodeMissingProviderCreds, fmt.Sprintf("%s_client_id must be provided when %s is enabled", platform, platform))
		}
	}

	signingKey := viper.GetString("session_signing_key")
	if signingKey == "" {
		return ServiceConfig{}, configError(configCodeMissingSigningKey, "session_signing_key must be provided")
	}

	managerConfig := tokenkit.DefaultManagerConfig()
	managerConfig.SafetyMargin = viper.GetDuration("refresh_margin")
	if managerConfig.SafetyMargin <= 0 {
		return ServiceConfig{}, configError(configCodeInvalidRefreshMargin, "refresh_margin must be greater than zero")
	}
	managerConfig.RefreshAttempts = viper.GetInt("refresh_attempts")
	if managerConfig.RefreshAttempts < 1 {
		return ServiceConfig{}, configError(configCodeInvalidRefreshAttempts, "refresh_attempts must be at least 1")
	}
	managerConfig.BaseDelay = viper.GetDuration("refresh_base_delay")
	managerConfig.CallTimeout = viper.GetDuration("provider_timeout")
	managerConfig.RefreshDeadline = viper.GetDuration("refresh_deadline")
	if managerConfig.BaseDelay <= 0 || managerConfig.CallTimeout <= 0 || managerConfig.RefreshDeadline <= 0 {
		return ServiceConfig{}, configError(configCodeInvalidTimeout, "refresh_base_delay, provider_timeout and refresh_deadline must be greater than zero")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServiceConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	return ServiceConfig{
		ListenAddr:         viper.GetString("listen_addr"),
		DatabaseURL:        databaseURL,
		StoreBackend:       storeBackend,
		Platforms:          platforms,
		Manager:            managerConfig,
		SessionSigningKey:  []byte(signingKey),
		SessionIssuer:      viper.GetString("session_issuer"),
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		Providers:          settings,
	}, nil
}

func parsePlatforms(values []string) ([]tokenkit.Platform, error) {
	seen := make(map[tokenkit.Platform]struct{})
	platforms := make([]tokenkit.Platform, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			platform, err := tokenkit.ParsePlatform(part)
			if err != nil {
				return nil, configError(configCodeInvalidPlatform, fmt.Sprintf("unsupported platform %q", strings.TrimSpace(part)))
			}
			if _, exists := seen[platform]; exists {
				continue
			}
			seen[platform] = struct{}{}
			platforms = append(platforms, platform)
		}
	}
	if len(platforms) == 0 {
		return nil, configError(configCodeMissingPlatforms, "platforms must list at least one platform")
	}
	return platforms, nil
}

// openTokenStore selects the backend and returns a closer for its connections.
func openTokenStore(ctx context.Context, serviceConfig ServiceConfig, logger *zap.Logger) (tokenkit.TokenStore, func(), error) {
	backend := serviceConfig.StoreBackend
	if backend == storeBackendAuto {
		backend = detectStoreBackend(serviceConfig.DatabaseURL)
	}
	switch backend {
	case storeBackendPGX:
		pool, err := tokenpg.BuildPool(ctx, serviceConfig.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := tokenpg.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("using postgres token store", zap.String("driver", "pgx"))
		return tokenpg.NewPostgresTokenStore(pool), pool.Close, nil
	case storeBackendRedis:
		store, err := tokenredis.Open(ctx, serviceConfig.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using redis token store")
		return store, func() { _ = store.Close() }, nil
	case storeBackendGORM:
		store, err := tokenkit.NewDatabaseTokenStore(ctx, serviceConfig.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using persistent token store", zap.String("driver", store.Driver()))
		return store, func() {}, nil
	default:
		logger.Warn("using in-memory token store; credentials are lost on restart",
			zap.String("code", "server.store.memory"))
		return tokenkit.NewMemoryTokenStore(), func() {}, nil
	}
}

func detectStoreBackend(databaseURL string) string {
	lowered := strings.ToLower(databaseURL)
	switch {
	case databaseURL == "":
		return storeBackendMemory
	case strings.HasPrefix(lowered, "redis://"), strings.HasPrefix(lowered, "rediss://"):
		return storeBackendRedis
	default:
		return storeBackendGORM
	}
}

// buildRouter assembles middleware and routes around an existing registry.
func buildRouter(serviceConfig ServiceConfig, registry *tokenkit.Registry, store tokenkit.TokenStore, metrics *tokenkit.CounterMetrics, logger *zap.Logger) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestID())
	router.Use(web.RequestLogger(logger))

	if serviceConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serviceConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serviceConfig.SessionSigningKey,
		Issuer:     serviceConfig.SessionIssuer,
	})
	if validatorErr != nil {
		return nil, validatorErr
	}

	web.MountHealthRoutes(router, metrics, registry.Platforms())

	protected := router.Group("/api")
	protected.Use(validator.GinMiddleware(sessionvalidator.DefaultContextKey))
	protected.Use(web.RequireAccountAccess(logger, sessionvalidator.DefaultContextKey))
	web.MountAccountRoutes(protected, web.NewAccountHandlers(web.AccountHandlersConfig{
		Registry:   registry,
		Store:      store,
		Logger:     logger,
		RetryAfter: serviceConfig.Manager.BaseDelay * time.Duration(serviceConfig.Manager.RefreshAttempts),
	}))
	return router, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serviceConfigContextKey)
	}
	serviceConfig, ok := contextValue.(ServiceConfig)
	if !ok {
		return configError(configCodeUninitializedServiceCfg, "service configuration not prepared; PreRunE must execute before RunE")
	}

	store, closeStore, storeErr := openTokenStore(commandContext, serviceConfig, logger)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()

	builtProviders, providersErr := providers.BuildAll(serviceConfig.Platforms, serviceConfig.Providers)
	if providersErr != nil {
		return providersErr
	}
	metrics := tokenkit.NewCounterMetrics()
	managerConfig := serviceConfig.Manager
	managerConfig.Logger = logger
	managerConfig.Metrics = metrics
	registry, registryErr := tokenkit.NewRegistry(store, builtProviders, managerConfig)
	if registryErr != nil {
		return registryErr
	}
	if err := registry.RequirePlatforms(serviceConfig.Platforms...); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router, routerErr := buildRouter(serviceConfig, registry, store, metrics, logger)
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              serviceConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", serviceConfig.ListenAddr),
		zap.Strings("platforms", platformNames(registry.Platforms())))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func platformNames(platforms []tokenkit.Platform) []string {
	names := make([]string, len(platforms))
	for index, platform := range platforms {
		names[index] = platform.String()
	}
	return names
}
