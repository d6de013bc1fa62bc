package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tokenrelay/internal/tokenkit"
	"go.uber.org/zap"
)

const (
	errorCodeNotConnected      = "not_connected"
	errorCodeReauthRequired    = "reauth_required"
	errorCodeRefreshTransient  = "refresh_failed_transient"
	errorCodeUnsupported       = "unsupported_platform"
	errorCodeStoreUnavailable  = "store_unavailable"
	errorCodeRequestCancelled  = "request_cancelled"
	errorCodeInvalidJSON       = "invalid_json"
	errorCodeInvalidCredential = "invalid_credentials"
	errorCodeInternal          = "internal_error"

	actionReconnectAccount = "reconnect_account"
)

// respondError writes the JSON error for err. Failed token operations never produce an envelope.
func respondError(contextGin *gin.Context, logger *zap.Logger, retryAfter time.Duration, err error) {
	switch {
	case errors.Is(err, tokenkit.ErrReauthRequired):
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":  errorCodeReauthRequired,
			"action": actionReconnectAccount,
		})
	case errors.Is(err, tokenkit.ErrRefreshFailedTransient):
		contextGin.Header("Retry-After", strconv.Itoa(int(max(retryAfter, time.Second)/time.Second)))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errorCodeRefreshTransient})
	case errors.Is(err, tokenkit.ErrNotConnected):
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errorCodeNotConnected})
	case errors.Is(err, tokenkit.ErrUnsupportedPlatform):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeUnsupported})
	case errors.Is(err, tokenkit.ErrInvalidRecord):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidCredential})
	case errors.Is(err, tokenkit.ErrStore):
		logger.Error("token store failure",
			zap.String("code", "api.accounts.store_failure"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errorCodeStoreUnavailable})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		contextGin.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": errorCodeRequestCancelled})
	default:
		logger.Error("unexpected token error",
			zap.String("code", "api.accounts.internal_error"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
	}
}
