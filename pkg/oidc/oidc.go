// Package oidc implements the OpenID Connect relying party side of the
// authorization code flow with PKCE and nonce binding.
package oidc

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

type CodeChallengeMethod string

const (
	CodeChallengeMethodS256 CodeChallengeMethod = "S256"
)

// Authentication protocol failures. Both are terminal for the exchange
// they occur in: no session may be created afterwards.
var (
	// ErrInvalidState is returned when a callback presents a state value
	// that is unknown, expired or already consumed.
	ErrInvalidState = errors.New("invalid or already consumed state")
	// ErrNonceMismatch is returned when the nonce claim of an ID token
	// does not equal the nonce generated for the exchange.
	ErrNonceMismatch = errors.New("id token nonce mismatch")
)

// UpstreamError wraps a failure talking to the identity provider.
type UpstreamError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream timeout during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("upstream error during %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
}

// Error is the OAuth2/OIDC protocol error shape returned by the provider.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// S256ChallengeFromVerifier derives the PKCE code challenge:
// BASE64URL(SHA256(verifier)), unpadded.
func S256ChallengeFromVerifier(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
