// Package oauth validates Twitch OAuth tokens against the provider's
// validate endpoint.
package oauth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// DefaultValidateURL is Twitch's token validation endpoint.
const DefaultValidateURL = "https://id.twitch.tv/oauth2/validate"

// ErrInvalidToken is returned when the provider rejects the token.
var ErrInvalidToken = errors.New("token rejected by provider")

// Validator performs the outbound validation call.
type Validator struct {
	logger *slog.Logger
	client *http.Client
	url    string
}

// Option configures a Validator.
type Option func(*Validator)

// WithHTTPClient substitutes the outbound client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) { v.client = c }
}

// WithValidateURL points the validator at a different endpoint. Tests use
// this against httptest servers.
func WithValidateURL(url string) Option {
	return func(v *Validator) { v.url = url }
}

// New creates a Validator with the given request timeout.
func New(logger *slog.Logger, timeout time.Duration, opts ...Option) *Validator {
	v := &Validator{
		logger: logger.With("component", "OAuth"),
		client: &http.Client{Timeout: timeout},
		url:    DefaultValidateURL,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewHTTPClient builds an outbound client whose root pool is the system pool
// extended with the PEM bundle at caFile (when non-empty).
func NewHTTPClient(caFile string, timeout time.Duration) (*http.Client, error) {
	if caFile == "" {
		return &http.Client{Timeout: timeout}, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle %q: %w", caFile, err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %q", caFile)
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}, nil
}

// validateResponse is the subset of the provider's body we read.
type validateResponse struct {
	UserID string `json:"user_id"`
}

// Validate checks token and returns the provider's decimal user id. Any
// non-200 outcome, and a 200 body without a user id, fail with
// ErrInvalidToken.
func (v *Validator) Validate(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return "", fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("validate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.Debug("token validation rejected", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrInvalidToken, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read validate response: %w", err)
	}
	var decoded validateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("%w: undecodable body", ErrInvalidToken)
	}
	if !isDecimal(decoded.UserID) {
		return "", fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return decoded.UserID, nil
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
