package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tokenrelay/internal/tokenkit"
	"github.com/tyemirov/tokenrelay/pkg/tokenenvelope"
	"go.uber.org/zap"
)

// AccountHandlers serves the connected-account token API.
type AccountHandlers struct {
	registry   *tokenkit.Registry
	store      tokenkit.TokenStore
	logger     *zap.Logger
	retryAfter time.Duration
}

// AccountHandlersConfig wires AccountHandlers.
type AccountHandlersConfig struct {
	Registry *tokenkit.Registry
	Store    tokenkit.TokenStore
	Logger   *zap.Logger
	// RetryAfter is advertised to clients after a transient refresh failure.
	RetryAfter time.Duration
}

// NewAccountHandlers validates dependencies and constructs the handlers.
func NewAccountHandlers(configuration AccountHandlersConfig) *AccountHandlers {
	if configuration.Registry == nil {
		panic("token manager registry is required")
	}
	if configuration.Store == nil {
		panic("token store is required")
	}
	if configuration.Logger == nil {
		configuration.Logger = zap.NewNop()
	}
	if configuration.RetryAfter <= 0 {
		configuration.RetryAfter = 5 * time.Second
	}
	return &AccountHandlers{
		registry:   configuration.Registry,
		store:      configuration.Store,
		logger:     configuration.Logger,
		retryAfter: configuration.RetryAfter,
	}
}

// TokenPayload is the serverData of a token response.
type TokenPayload struct {
	Platform    string     `json:"platform"`
	AccountID   string     `json:"account_id"`
	AccessToken string     `json:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// StatusPayload describes where an account credential sits in its lifecycle.
type StatusPayload struct {
	Platform  string         `json:"platform"`
	AccountID string         `json:"account_id"`
	State     tokenkit.State `json:"state"`
}

type credentialsRequest struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    *time.Time `json:"expires_at"`
	ExpiresIn    int64      `json:"expires_in"`
}

// MountAccountRoutes registers the per-account routes on router.
// Callers attach session and access-control middleware to router beforehand.
func MountAccountRoutes(router gin.IRouter, handlers *AccountHandlers) {
	accounts := router.Group("/accounts/:platform/:account_id")
	accounts.GET("/status", handlers.HandleStatus)
	accounts.PUT("/credentials", handlers.HandlePutCredentials)
	accounts.DELETE("", handlers.HandleDisconnect)
	accounts.POST("/token", AttachRequestTokenContext(), handlers.HandleIssueToken)
}

func (handlers *AccountHandlers) manager(contextGin *gin.Context) (*tokenkit.Manager, error) {
	platform, err := tokenkit.ParsePlatform(contextGin.Param("platform"))
	if err != nil {
		return nil, err
	}
	return handlers.registry.ForPlatform(platform)
}

// HandleIssueToken returns a valid access token inside the renewal envelope, refreshing when needed.
func (handlers *AccountHandlers) HandleIssueToken(contextGin *gin.Context) {
	manager, err := handlers.manager(contextGin)
	if err != nil {
		respondError(contextGin, handlers.logger, handlers.retryAfter, err)
		return
	}
	accountID := contextGin.Param("account_id")
	token, tokenErr := manager.GetValidToken(contextGin.Request.Context(), accountID)
	if tokenErr != nil {
		handlers.logger.Info("token request failed",
			zap.String("code", "api.accounts.token_failed"),
			zap.String("platform", string(manager.Platform())),
			zap.String("account_id", accountID),
			zap.Error(tokenErr))
		respondError(contextGin, handlers.logger, handlers.retryAfter, tokenErr)
		return
	}
	payload := TokenPayload{
		Platform:    string(manager.Platform()),
		AccountID:   accountID,
		AccessToken: token.Token,
	}
	if !token.ExpiresAt.IsZero() {
		expiresAt := token.ExpiresAt.UTC()
		payload.ExpiresAt = &expiresAt
	}
	RespondEnvelope(contextGin, http.StatusOK, payload)
}

// HandleStatus reports the credential state without refreshing it.
func (handlers *AccountHandlers) HandleStatus(contextGin *gin.Context) {
	manager, err := handlers.manager(contextGin)
	if err != nil {
		respondError(contextGin, handlers.logger, handlers.retryAfter, err)
		return
	}
	accountID := contextGin.Param("account_id")
	state, stateErr := manager.State(contextGin.Request.Context(), accountID)
	if stateErr != nil {
		respondError(contextGin, handlers.logger, handlers.retryAfter, stateErr)
		return
	}
	contextGin.JSON(http.StatusOK, StatusPayload{
		Platform:  string(manager.Platform()),
		AccountID: accountID,
		State:     state,
	})
}

// HandlePutCredentials stores credentials produced by the authorization flow, clearing any reauthentication flag.
func (handlers *AccountHandlers) HandlePutCredentials(contextGin *gin.Context) {
	manager, err := handlers.manager(contextGin)
	if err != nil {
		respondError(contextGin, handlers.logger, handlers.retryAfter, err)
		return
	}
	var inbound credentialsRequest
	if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidJSON})
		return
	}
	if strings.TrimSpace(inbound.AccessToken) == "" || inbound.ExpiresIn < 0 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidCredential})
		return
	}

	record := tokenkit.TokenRecord{
		AccountID:    contextGin.Param("account_id"),
		Platform:     manager.Platform(),
		AccessToken:  inbound.AccessToken,
		RefreshToken: inbound.RefreshToken,
	}
	switch {
	case inbound.ExpiresAt != nil:
		record.ExpiresAt = inbound.ExpiresAt.UTC()
	case inbound.ExpiresIn > 0:
		record.ExpiresAt = time.Now().UTC().Add(time.Duration(inbound.ExpiresIn) * time.Second)
	}

	stored, putErr := handlers.store.Put(contextGin.Request.Context(), record)
	if putErr != nil {
		if !errors.Is(putErr, tokenkit.ErrInvalidRecord) {
			putErr = fmt.Errorf("api.accounts.put_credentials: %w: %w", tokenkit.ErrStore, putErr)
		}
		respondError(contextGin, handlers.logger, handlers.retryAfter, putErr)
		return
	}
	handlers.logger.Info("account credentials stored",
		zap.String("code", "api.accounts.credentials_stored"),
		zap.String("platform", string(stored.Platform)),
		zap.String("account_id", stored.AccountID))

	state, stateErr := manager.State(contextGin.Request.Context(), stored.AccountID)
	if stateErr != nil {
		respondError(contextGin, handlers.logger, handlers.retryAfter, stateErr)
		return
	}
	contextGin.JSON(http.StatusOK, StatusPayload{
		Platform:  string(stored.Platform),
		AccountID: stored.AccountID,
		State:     state,
	})
}

// HandleDisconnect deletes the stored credential. Disconnecting an unknown account succeeds.
func (handlers *AccountHandlers) HandleDisconnect(contextGin *gin.Context) {
	manager, err := handlers.manager(contextGin)
	if err != nil {
		respondError(contextGin, handlers.logger, handlers.retryAfter, err)
		return
	}
	accountID := contextGin.Param("account_id")
	if deleteErr := handlers.store.Delete(contextGin.Request.Context(), accountID, manager.Platform()); deleteErr != nil {
		respondError(contextGin, handlers.logger, handlers.retryAfter,
			fmt.Errorf("api.accounts.disconnect: %w: %w", tokenkit.ErrStore, deleteErr))
		return
	}
	handlers.logger.Info("account disconnected",
		zap.String("code", "api.accounts.disconnected"),
		zap.String("platform", string(manager.Platform())),
		zap.String("account_id", accountID))
	contextGin.Status(http.StatusNoContent)
}

// RespondEnvelope wraps data with the renewal recorded on the request context.
func RespondEnvelope[T any](contextGin *gin.Context, status int, data T) {
	var source tokenenvelope.RenewalSource
	if requestContext, ok := tokenkit.RequestTokenContextFrom(contextGin.Request.Context()); ok {
		source = requestContext
	}
	contextGin.JSON(status, tokenenvelope.Wrap(data, source))
}
