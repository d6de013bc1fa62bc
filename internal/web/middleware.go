package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tokenrelay/internal/tokenkit"
	"github.com/tyemirov/tokenrelay/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "request_id"
	maxRequestIDLength  = 128
)

// RequestID propagates a caller-supplied X-Request-ID or mints a new one.
func RequestID() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestID := strings.TrimSpace(contextGin.GetHeader(requestIDHeader))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		contextGin.Set(requestIDContextKey, requestID)
		contextGin.Header(requestIDHeader, requestID)
		contextGin.Next()
	}
}

// RequestLogger emits one zap line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
			zap.String("request_id", contextGin.GetString(requestIDContextKey)),
		)
	}
}

// AttachRequestTokenContext gives every request its own renewal tracker.
func AttachRequestTokenContext() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestContext := tokenkit.WithRequestTokenContext(contextGin.Request.Context(), tokenkit.NewRequestTokenContext())
		contextGin.Request = contextGin.Request.WithContext(requestContext)
		contextGin.Next()
	}
}

// RequireAccountAccess rejects sessions that are not granted the :platform/:account_id in the path.
func RequireAccountAccess(logger *zap.Logger, claimsKey string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		claims, ok := sessionvalidator.ClaimsFromContext(contextGin, claimsKey)
		if !ok {
			logger.Warn("missing session claims on context",
				zap.String("code", "api.accounts.missing_claims"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		platform := contextGin.Param("platform")
		accountID := contextGin.Param("account_id")
		if !claims.CanAccess(platform, accountID) {
			logger.Warn("account access denied",
				zap.String("code", "api.accounts.forbidden"),
				zap.String("operator_id", claims.OperatorID()),
				zap.String("platform", platform),
				zap.String("account_id", accountID))
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		contextGin.Next()
	}
}
