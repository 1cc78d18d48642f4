// Package secrets provides read-only access to the secret store holding the
// GoAudits bearer token. Providers do not cache beyond a single run; each
// batch process fetches the token once at startup.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	requestTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20 // 1 MiB, secrets are small
)

var (
	// ErrSecretNameEmpty is returned when an empty secret name is requested.
	ErrSecretNameEmpty = errors.New("secret name cannot be empty")

	// ErrSecretNotFound is returned when the store has no secret with the given name.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretAccessDenied is returned when the store rejects the ambient identity.
	ErrSecretAccessDenied = errors.New("secret store access denied")

	// ErrSecretStoreUnavailable is returned for any other store failure.
	ErrSecretStoreUnavailable = errors.New("secret store unavailable")
)

// Provider returns the current value of a named secret.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// VaultProvider fetches secrets over HTTPS from a vault-style REST endpoint
// (GET {baseURI}/secrets/{name}). Authentication uses the ambient managed
// identity of the runtime: the platform injects a token into the environment
// which is forwarded as a bearer header.
type VaultProvider struct {
	baseURI string
	client  *http.Client
	token   func() string
}

// NewVaultProvider creates a provider against the given base URI.
func NewVaultProvider(baseURI string) *VaultProvider {
	return &VaultProvider{
		baseURI: strings.TrimRight(baseURI, "/"),
		client:  &http.Client{Timeout: requestTimeout},
		token: func() string {
			return os.Getenv("IDENTITY_TOKEN")
		},
	}
}

// GetSecret fetches the named secret. The response body is expected to be a
// JSON object with a "value" field.
func (p *VaultProvider) GetSecret(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrSecretNameEmpty
	}

	endpoint := p.baseURI + "/secrets/" + url.PathEscape(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSecretStoreUnavailable, err)
	}

	if token := p.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSecretStoreUnavailable, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", ErrSecretAccessDenied, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: status %d", ErrSecretStoreUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSecretStoreUnavailable, err)
	}

	var payload struct {
		Value string `json:"value"`
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: malformed response: %w", ErrSecretStoreUnavailable, err)
	}

	if payload.Value == "" {
		return "", fmt.Errorf("%w: %s has empty value", ErrSecretNotFound, name)
	}

	return payload.Value, nil
}

// EnvProvider reads secrets from environment variables. Used in development
// and tests where no vault is available. Secret names are upper-cased with
// dashes replaced by underscores (e.g. "goaudits-bearer-token" →
// "GOAUDITS_BEARER_TOKEN").
type EnvProvider struct{}

// GetSecret reads the mapped environment variable.
func (EnvProvider) GetSecret(_ context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrSecretNameEmpty
	}

	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))

	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	return value, nil
}
