package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tyemirov/tokenrelay/internal/tokenkit"
)

const maxErrorBodyBytes = 2048

// classifyStatus maps provider HTTP statuses onto the refresh error taxonomy.
// 400/401/403 mean the grant itself was rejected; everything else is worth retrying.
func classifyStatus(platform tokenkit.Platform, statusCode int, err error) error {
	switch statusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return tokenkit.NewPermanentProviderError(platform, statusCode, err)
	default:
		return tokenkit.NewTransientProviderError(platform, statusCode, err)
	}
}

// doJSON sends request and decodes a 2xx JSON body into out; failures come back classified.
func doJSON(client *http.Client, request *http.Request, platform tokenkit.Platform, out any) error {
	response, err := client.Do(request)
	if err != nil {
		return tokenkit.NewTransientProviderError(platform, 0, err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return classifyStatus(platform, response.StatusCode, fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body))))
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(out); decodeErr != nil {
		return tokenkit.NewTransientProviderError(platform, response.StatusCode, fmt.Errorf("decode response: %w", decodeErr))
	}
	return nil
}

func newRequest(ctx context.Context, method string, target string, body io.Reader) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	return request, nil
}

func missingRefreshMaterial(platform tokenkit.Platform) error {
	return tokenkit.NewPermanentProviderError(platform, 0, ErrMissingRefreshMaterial)
}

// userAgentTransport stamps every outgoing request with a fixed User-Agent.
type userAgentTransport struct {
	userAgent string
	next      http.RoundTripper
}

func (transport *userAgentTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	cloned := request.Clone(request.Context())
	cloned.Header.Set("User-Agent", transport.userAgent)
	next := transport.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(cloned)
}

func withUserAgent(client *http.Client, userAgent string) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	cloned := *client
	cloned.Transport = &userAgentTransport{userAgent: userAgent, next: client.Transport}
	return &cloned
}
