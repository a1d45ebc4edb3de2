package oidc

import (
	"context"
	"fmt"
	"time"

	"github.com/openvpn-manager/vpnmanager/pkg/token"
)

// Identity is the authenticated end user as asserted by the provider.
type Identity struct {
	Subject     string
	DisplayName string
	Groups      []string
	IDToken     string
	Claims      map[string]interface{}
}

// RelyingParty drives the authorization code flow:
// an unauthenticated request yields a redirect to the provider
// (BeginLogin), the provider calls back with code and state
// (CompleteLogin). State is consumable exactly once and the ID token
// nonce must equal the nonce generated for the exchange.
type RelyingParty struct {
	client Client
	store  ExchangeStore
}

func NewRelyingParty(client Client, store ExchangeStore) *RelyingParty {
	return &RelyingParty{client: client, store: store}
}

func (rp *RelyingParty) Client() Client {
	return rp.client
}

// BeginLogin creates a fresh exchange and returns the provider
// authorization URL to redirect the user agent to. redirectTarget is the
// deep link to return to after a successful callback.
func (rp *RelyingParty) BeginLogin(redirectTarget string) (string, error) {
	ex := &Exchange{
		State:          token.GenerateRandomString(32),
		Nonce:          token.GenerateRandomString(32),
		Verifier:       token.GenerateCodeVerifier(),
		RedirectTarget: redirectTarget,
		CreatedAt:      time.Now(),
	}
	if err := rp.store.Save(ex); err != nil {
		return "", fmt.Errorf("unable to save exchange: %w", err)
	}
	return rp.client.AuthCodeURL(ex.State, ex.Nonce, ex.Verifier), nil
}

// CompleteLogin consumes the exchange identified by state, redeems the
// authorization code and verifies the ID token. The returned redirect
// target is the deep link captured at BeginLogin.
func (rp *RelyingParty) CompleteLogin(ctx context.Context, state, code string) (*Identity, string, error) {
	ex, err := rp.store.Pop(state)
	if err != nil {
		return nil, "", err
	}

	tokenResponse, err := rp.client.Exchange(ctx, code, ex.Verifier)
	if err != nil {
		return nil, "", fmt.Errorf("unable to exchange code: %w", err)
	}

	idToken, err := rp.client.ParseIDToken(ctx, tokenResponse.IDToken)
	if err != nil {
		return nil, "", fmt.Errorf("unable to parse id token: %w", err)
	}

	claims, err := idToken.AsMap(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("unable to read id token claims: %w", err)
	}

	nonce, _ := claims["nonce"].(string)
	if nonce == "" || nonce != ex.Nonce {
		return nil, "", ErrNonceMismatch
	}

	identity := &Identity{
		Subject: idToken.Subject(),
		IDToken: tokenResponse.IDToken,
		Claims:  claims,
	}
	if name, ok := claims["name"].(string); ok {
		identity.DisplayName = name
	}
	if identity.DisplayName == "" {
		if name, ok := claims["preferred_username"].(string); ok {
			identity.DisplayName = name
		}
	}
	identity.Groups = stringSliceClaim(claims, "groups")

	return identity, ex.RedirectTarget, nil
}

func stringSliceClaim(claims map[string]interface{}, name string) []string {
	raw, ok := claims[name].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
