package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultUpstreamTimeout bounds every call to the identity provider.
const DefaultUpstreamTimeout = 10 * time.Second

type Config struct {
	Issuer       string        `yaml:"issuer" validate:"required,url"`
	ClientID     string        `yaml:"client_id" validate:"required"`
	ClientSecret string        `yaml:"client_secret"`
	RedirectURI  string        `yaml:"redirect_uri" validate:"required,url"`
	Scopes       []string      `yaml:"scopes"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Client talks the authorization code flow to a single OpenID provider.
type Client interface {
	Issuer() string
	ClientID() string
	AuthCodeURL(state, nonce, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*TokenResponse, error)
	ParseIDToken(ctx context.Context, serialized string) (jwt.Token, error)
	EndSessionURL(idTokenHint, postLogoutRedirectURI string) string
}

type client struct {
	config            Config
	discoveryDocument *DiscoveryDocument
	keyCache          *jwk.Cache
	httpClient        *http.Client
}

func NewClient(cfg Config) (Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultUpstreamTimeout
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile"}
	}

	c := &client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}

	discoveryDocumentURL := strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/openid-configuration"
	var err error
	c.discoveryDocument, err = FetchDiscoveryDocument(context.Background(), discoveryDocumentURL, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document from %s: %w", discoveryDocumentURL, err)
	}

	// auto-refreshing signing key cache
	c.keyCache = jwk.NewCache(context.Background())
	if err := c.keyCache.Register(c.discoveryDocument.JwksURI, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register jwks uri: %w", err)
	}
	if _, err = c.keyCache.Refresh(context.Background(), c.discoveryDocument.JwksURI); err != nil {
		return nil, fmt.Errorf("failed to fetch signing keys: %w", err)
	}

	return c, nil
}

func (c *client) Issuer() string {
	return c.discoveryDocument.Issuer
}

func (c *client) ClientID() string {
	return c.config.ClientID
}

func (c *client) AuthCodeURL(state, nonce, verifier string) string {
	query := url.Values{}
	query.Add("client_id", c.config.ClientID)
	query.Add("redirect_uri", c.config.RedirectURI)
	query.Add("response_type", "code")
	query.Add("scope", strings.Join(c.config.Scopes, " "))
	query.Add("state", state)
	query.Add("nonce", nonce)
	query.Add("code_challenge", S256ChallengeFromVerifier(verifier))
	query.Add("code_challenge_method", string(CodeChallengeMethodS256))

	return fmt.Sprintf("%s?%s", c.discoveryDocument.AuthorizationEndpoint, query.Encode())
}

func (c *client) Exchange(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	params := url.Values{}
	params.Set("client_id", c.config.ClientID)
	if c.config.ClientSecret != "" {
		params.Set("client_secret", c.config.ClientSecret)
	}
	params.Set("code", code)
	params.Set("redirect_uri", c.config.RedirectURI)
	params.Set("grant_type", "authorization_code")
	params.Set("code_verifier", verifier)

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.discoveryDocument.TokenEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("unable to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Op: "token exchange", Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read token response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oidcErr Error
		if err := json.Unmarshal(body, &oidcErr); err != nil {
			return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
		}
		return nil, &oidcErr
	}

	var tokenResponse TokenResponse
	if err := json.Unmarshal(body, &tokenResponse); err != nil {
		return nil, fmt.Errorf("unable to decode token response: %w", err)
	}

	return &tokenResponse, nil
}

// ParseIDToken parses and verifies an ID token against the keys from the
// discovery document, pinning issuer and audience. The nonce claim is
// required; its value is checked by the relying party.
func (c *client) ParseIDToken(ctx context.Context, serialized string) (jwt.Token, error) {
	keySet, err := c.keyCache.Get(ctx, c.discoveryDocument.JwksURI)
	if err != nil {
		return nil, fmt.Errorf("unable to get key set: %w", err)
	}

	idToken, err := jwt.ParseString(
		serialized,
		jwt.WithKeySet(keySet),
		jwt.WithIssuer(c.discoveryDocument.Issuer),
		jwt.WithAudience(c.config.ClientID),
		jwt.WithRequiredClaim("nonce"),
		jwt.WithRequiredClaim("exp"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to parse id token: %w", err)
	}
	return idToken, nil
}

// EndSessionURL builds the provider logout URL. Provider logout runs before
// local session destruction, otherwise the provider silently re-authenticates.
func (c *client) EndSessionURL(idTokenHint, postLogoutRedirectURI string) string {
	if c.discoveryDocument.EndSessionEndpoint == "" {
		return ""
	}
	query := url.Values{}
	if idTokenHint != "" {
		query.Add("id_token_hint", idTokenHint)
	}
	if postLogoutRedirectURI != "" {
		query.Add("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	if len(query) == 0 {
		return c.discoveryDocument.EndSessionEndpoint
	}
	return fmt.Sprintf("%s?%s", c.discoveryDocument.EndSessionEndpoint, query.Encode())
}
