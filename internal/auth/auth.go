// Package auth verifies that a connection controls the address it plays as.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidToken means the token was definitively refused.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrUnavailable means the verifier could not be reached. Callers
	// decide whether to fail open or closed.
	ErrUnavailable = errors.New("auth: unavailable")
)

// Identity is the address a token proves control of.
type Identity struct {
	Address string `json:"address"`
}

// Matches reports whether the identity owns address. Hex addresses compare
// case-insensitively.
func (id *Identity) Matches(address string) bool {
	return id != nil && strings.EqualFold(id.Address, address)
}

// Validator checks a client-supplied token.
type Validator interface {
	// Validate returns the identity behind token, ErrInvalidToken, or an
	// error wrapping ErrUnavailable.
	Validate(ctx context.Context, token string) (*Identity, error)
}

// HTTPValidator asks an external service to verify tokens, typically a
// signed wallet challenge.
type HTTPValidator struct {
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPValidator creates a validator posting to url. secret, when set, is
// sent as X-Coinflip-Secret.
func NewHTTPValidator(url, secret string, timeout time.Duration) *HTTPValidator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPValidator{
		url:     url,
		secret:  secret,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid   bool   `json:"valid"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (v *HTTPValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	body, err := json.Marshal(validateRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.secret != "" {
		req.Header.Set("X-Coinflip-Secret", v.secret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode error: %v", ErrUnavailable, err)
	}
	if !out.Valid || out.Address == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{Address: out.Address}, nil
}
