// Package sessionvalidator authenticates callers of the token API with HS256 session JWTs.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	Clock      Clock
}

const (
	// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
	DefaultContextKey = "session_claims"
	// DefaultCookieName is used when Config.CookieName is empty.
	DefaultCookieName = "tokenrelay_session"
	// AllAccounts grants access to every connected account.
	AllAccounts = "*"

	bearerPrefix = "bearer "
)

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("session.validator.expired")
	ErrMissingSubject    = errors.New("session.validator.missing_subject")
)

// Claims identify the operator calling the API and the accounts they may act for.
type Claims struct {
	// Accounts holds "platform:account_id" grants or AllAccounts.
	Accounts []string `json:"accounts"`
	jwt.RegisteredClaims
}

// OperatorID returns the session subject.
func (claims *Claims) OperatorID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// CanAccess reports whether the session grants the platform account.
func (claims *Claims) CanAccess(platform string, accountID string) bool {
	if claims == nil {
		return false
	}
	if slices.Contains(claims.Accounts, AllAccounts) {
		return true
	}
	return slices.Contains(claims.Accounts, strings.ToLower(platform)+":"+accountID)
}

// Validator checks session tokens presented as a bearer header or a cookie.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
	clock      Clock
	parser     *jwt.Parser
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	validator := &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		cookieName: configuration.CookieName,
		clock:      configuration.Clock,
	}
	if strings.TrimSpace(validator.cookieName) == "" {
		validator.cookieName = DefaultCookieName
	}
	if validator.clock == nil {
		validator.clock = systemClock{}
	}
	validator.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(validator.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return validator.clock.Now() }),
	)
	return validator, nil
}

// ValidateToken validates the JWT string and returns its claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	claims := &Claims{}
	parsedToken, parseErr := validator.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	})
	switch {
	case errors.Is(parseErr, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
	case errors.Is(parseErr, jwt.ErrTokenInvalidIssuer):
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	case parseErr != nil, parsedToken == nil, !parsedToken.Valid:
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingSubject)
	}
	return claims, nil
}

// ValidateRequest prefers an Authorization bearer token and falls back to the session cookie.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	if header := strings.TrimSpace(request.Header.Get("Authorization")); header != "" {
		if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			return nil, fmt.Errorf("session.validator.validate_request: %w", ErrInvalidToken)
		}
		return validator.ValidateToken(strings.TrimSpace(header[len(bearerPrefix):]))
	}
	cookie, cookieErr := request.Cookie(validator.cookieName)
	if cookieErr != nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(cookie.Value)
}

// GinMiddleware validates the request session and stores the claims under contextKey.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims stored by GinMiddleware.
func ClaimsFromContext(contextGin *gin.Context, contextKey string) (*Claims, bool) {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	value, exists := contextGin.Get(contextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok && claims != nil
}
