// Package oidctest runs an in-process OpenID provider for tests: real
// discovery, authorization, token and JWKS endpoints with ES256-signed ID
// tokens.
package oidctest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/segmentio/ksuid"

	"github.com/openvpn-manager/vpnmanager/pkg/oidc"
)

type authRequest struct {
	nonce         string
	codeChallenge string
	redirectURI   string
}

// Provider is a scriptable OpenID provider. Subject, DisplayName and
// Groups control the identity asserted in issued ID tokens;
// NonceOverride, when set, forces a wrong nonce claim.
type Provider struct {
	Server   *httptest.Server
	ClientID string

	Subject       string
	DisplayName   string
	Groups        []string
	NonceOverride string

	signKey jwk.Key
	pubSet  jwk.Set

	mu    sync.Mutex
	codes map[string]authRequest
}

func New(clientID string) (*Provider, error) {
	prk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	signKey, err := jwk.FromRaw(prk)
	if err != nil {
		return nil, err
	}
	signKey.Set(jwk.KeyIDKey, "test-signing-key")
	signKey.Set(jwk.AlgorithmKey, jwa.ES256)

	puk, err := signKey.PublicKey()
	if err != nil {
		return nil, err
	}
	pubSet := jwk.NewSet()
	pubSet.AddKey(puk)

	p := &Provider{
		ClientID:    clientID,
		Subject:     "user-1",
		DisplayName: "Test User",
		signKey:     signKey,
		pubSet:      pubSet,
		codes:       make(map[string]authRequest),
	}

	e := echo.New()
	e.HideBanner = true
	e.GET("/.well-known/openid-configuration", p.discovery)
	e.GET("/authorize", p.authorize)
	e.POST("/token", p.token)
	e.GET("/jwks", p.jwks)
	e.GET("/logout", p.logout)

	p.Server = httptest.NewServer(e)
	return p, nil
}

func (p *Provider) Close() {
	p.Server.Close()
}

func (p *Provider) Issuer() string {
	return p.Server.URL
}

func (p *Provider) discovery(c echo.Context) error {
	issuer := p.Server.URL
	return c.JSON(http.StatusOK, map[string]interface{}{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/authorize",
		"token_endpoint":         issuer + "/token",
		"jwks_uri":               issuer + "/jwks",
		"end_session_endpoint":   issuer + "/logout",
	})
}

// authorize skips the login UI and immediately redirects back with a
// fresh code, as an already-authenticated provider session would.
func (p *Provider) authorize(c echo.Context) error {
	code := ksuid.New().String()

	p.mu.Lock()
	p.codes[code] = authRequest{
		nonce:         c.QueryParam("nonce"),
		codeChallenge: c.QueryParam("code_challenge"),
		redirectURI:   c.QueryParam("redirect_uri"),
	}
	p.mu.Unlock()

	params := url.Values{}
	params.Set("code", code)
	params.Set("state", c.QueryParam("state"))
	return c.Redirect(http.StatusFound, c.QueryParam("redirect_uri")+"?"+params.Encode())
}

func (p *Provider) token(c echo.Context) error {
	code := c.FormValue("code")
	verifier := c.FormValue("code_verifier")

	p.mu.Lock()
	req, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
	}
	if oidc.S256ChallengeFromVerifier(verifier) != req.codeChallenge {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce verification failed"})
	}

	nonce := req.nonce
	if p.NonceOverride != "" {
		nonce = p.NonceOverride
	}

	idToken, err := p.signIDToken(nonce)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "server_error"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"access_token": ksuid.New().String(),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

func (p *Provider) signIDToken(nonce string) (string, error) {
	groups := make([]interface{}, 0, len(p.Groups))
	for _, g := range p.Groups {
		groups = append(groups, g)
	}

	now := time.Now()
	builder := jwt.NewBuilder().
		Issuer(p.Server.URL).
		Subject(p.Subject).
		Audience([]string{p.ClientID}).
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Claim("nonce", nonce).
		Claim("name", p.DisplayName).
		Claim("groups", groups)

	idToken, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("unable to build id token: %w", err)
	}

	signed, err := jwt.Sign(idToken, jwt.WithKey(jwa.ES256, p.signKey))
	if err != nil {
		return "", fmt.Errorf("unable to sign id token: %w", err)
	}
	return string(signed), nil
}

func (p *Provider) jwks(c echo.Context) error {
	return c.JSON(http.StatusOK, p.pubSet)
}

func (p *Provider) logout(c echo.Context) error {
	if target := c.QueryParam("post_logout_redirect_uri"); target != "" {
		return c.Redirect(http.StatusFound, target)
	}
	return c.NoContent(http.StatusOK)
}
