package tokenkit

import (
	"context"
	"sync"
)

type requestTokenContextKey struct{}

// RequestTokenContext collects the token renewal that happened while serving one inbound request.
// Only the first account that renews becomes the primary account; renewals of other accounts are ignored.
type RequestTokenContext struct {
	mutex          sync.Mutex
	primary        RecordKey
	renewed        bool
	newAccessToken string
}

// NewRequestTokenContext returns an empty context with no renewal recorded.
func NewRequestTokenContext() *RequestTokenContext {
	return &RequestTokenContext{}
}

// RecordRenewal stores a freshly minted access token. It reports false when key is not the primary account.
func (requestContext *RequestTokenContext) RecordRenewal(key RecordKey, accessToken string) bool {
	if requestContext == nil {
		return false
	}
	requestContext.mutex.Lock()
	defer requestContext.mutex.Unlock()
	if requestContext.renewed && requestContext.primary != key {
		return false
	}
	requestContext.primary = key
	requestContext.renewed = true
	requestContext.newAccessToken = accessToken
	return true
}

// Renewal returns whether a renewal happened and the new access token.
func (requestContext *RequestTokenContext) Renewal() (bool, string) {
	if requestContext == nil {
		return false, ""
	}
	requestContext.mutex.Lock()
	defer requestContext.mutex.Unlock()
	return requestContext.renewed, requestContext.newAccessToken
}

// WithRequestTokenContext attaches requestContext to ctx.
func WithRequestTokenContext(ctx context.Context, requestContext *RequestTokenContext) context.Context {
	return context.WithValue(ctx, requestTokenContextKey{}, requestContext)
}

// RequestTokenContextFrom returns the RequestTokenContext carried by ctx, if any.
func RequestTokenContextFrom(ctx context.Context) (*RequestTokenContext, bool) {
	if ctx == nil {
		return nil, false
	}
	requestContext, ok := ctx.Value(requestTokenContextKey{}).(*RequestTokenContext)
	return requestContext, ok && requestContext != nil
}
