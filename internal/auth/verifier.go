package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/slidewire/slidewire/internal/errors"
)

// Verifier checks a channel credential and resolves it to a user identity.
// Verification happens once, before the protocol upgrade; a channel is
// never established for an unverified credential.
type Verifier interface {
	// Verify resolves credential to a user id, or returns
	// errors.ErrUnauthorized when the credential is unknown or expired
	Verify(ctx context.Context, credential string) (string, error)
}

// StaticVerifier resolves credentials from a fixed token -> user table.
// Suited to development and tests.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStaticVerifier creates a verifier over the given token table
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	if tokens == nil {
		tokens = map[string]string{}
	}
	return &StaticVerifier{tokens: tokens}
}

// Verify implements Verifier
func (v *StaticVerifier) Verify(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", errors.Wrap(errors.ErrUnauthorized, "missing credential")
	}
	userID, ok := v.tokens[credential]
	if !ok {
		return "", errors.Wrap(errors.ErrUnauthorized, "unknown credential")
	}
	return userID, nil
}

// HTTPVerifier delegates verification to an external identity service.
// The service receives the credential as a bearer token and answers with
// a JSON body carrying the user id.
type HTTPVerifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPVerifier creates a verifier calling endpoint with the given
// per-call timeout
func NewHTTPVerifier(endpoint string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type verifyResponse struct {
	UserID string `json:"user_id"`
}

// Verify implements Verifier
func (v *HTTPVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", errors.Wrap(errors.ErrUnauthorized, "missing credential")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling identity service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", errors.Wrap(errors.ErrUnauthorized, "credential rejected by identity service")
	default:
		return "", fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding identity response: %w", err)
	}
	if body.UserID == "" {
		return "", errors.Wrap(errors.ErrUnauthorized, "identity service returned no user")
	}
	return body.UserID, nil
}
