package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/openvpn-manager/vpnmanager/pkg/ca"
	"github.com/openvpn-manager/vpnmanager/pkg/certstore"
	"github.com/openvpn-manager/vpnmanager/pkg/config"
	"github.com/openvpn-manager/vpnmanager/pkg/issue"
	"github.com/openvpn-manager/vpnmanager/pkg/oidc"
	"github.com/openvpn-manager/vpnmanager/pkg/oidc/oidctest"
	"github.com/openvpn-manager/vpnmanager/pkg/psk"
	"github.com/openvpn-manager/vpnmanager/pkg/server"
	"github.com/openvpn-manager/vpnmanager/pkg/session"
)

type testEnv struct {
	ts       *httptest.Server
	provider *oidctest.Provider
	certs    *certstore.Store
	psks     *psk.Store
	sessions session.Store
}

func newTestEnv(t *testing.T, mode config.Mode, userServiceURL string) *testEnv {
	t.Helper()

	provider, err := oidctest.New("vpnmanager")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(provider.Close)

	e := echo.New()
	e.HideBanner = true
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	client, err := oidc.NewClient(oidc.Config{
		Issuer:      provider.Issuer(),
		ClientID:    provider.ClientID,
		RedirectURI: ts.URL + "/auth/callback",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rp := oidc.NewRelyingParty(client, oidc.NewMemoryExchangeStore(time.Minute))

	certs, err := certstore.Open(filepath.Join(t.TempDir(), "certs.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { certs.Close() })

	psks, err := psk.NewStore(certs.DB())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	authority, err := ca.NewRandomMockCA()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sessions := session.NewMemoryStore(time.Hour)

	srv, err := server.NewServer(
		server.WithMode(mode, ts.URL, userServiceURL),
		server.WithAdminGroup("admins"),
		server.WithRelyingParty(rp),
		server.WithSessionStore(sessions),
		server.WithCertStore(certs),
		server.WithPSKStore(psks),
		server.WithIssuer(issue.NewService(authority, certs, "vpn.example.org", 1194)),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv.MountRoutes(e.Group(""))

	return &testEnv{ts: ts, provider: provider, certs: certs, psks: psks, sessions: sessions}
}

func newCombinedEnv(t *testing.T) *testEnv {
	return newTestEnv(t, config.ModeCombined, "")
}

// browser is an HTTP client with a cookie jar, following redirects like a
// real user agent.
func (env *testEnv) browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &http.Client{Jar: jar}
}

// login drives the whole OIDC flow by requesting the protected index and
// returns its payload.
func (env *testEnv) login(t *testing.T, c *http.Client) map[string]interface{} {
	t.Helper()

	resp, err := c.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login flow ended with %d", resp.StatusCode)
	}
	return decodeJSON(t, resp.Body)
}

func decodeJSON(t *testing.T, r io.Reader) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return body
}

func noRedirects(c *http.Client) *http.Client {
	clone := *c
	clone.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &clone
}

// get/postForm run a request and return status and decoded JSON body.
func (env *testEnv) get(t *testing.T, c *http.Client, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := c.Get(env.ts.URL + path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decodeJSON(t, resp.Body)
}

func (env *testEnv) postForm(t *testing.T, c *http.Client, path, csrfToken string, form url.Values) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	if csrfToken != "" {
		req.Header.Set("X-CSRFToken", csrfToken)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	env := newCombinedEnv(t)

	status, body := env.get(t, http.DefaultClient, "/health")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["status"] != "ok" || body["service"] != "combined" {
		t.Fatalf("wrong health payload: %v", body)
	}
}

func TestLoginFlowEstablishesSession(t *testing.T) {
	env := newCombinedEnv(t)
	env.provider.Subject = "alice"
	env.provider.DisplayName = "Alice"

	c := env.browser(t)
	body := env.login(t, c)

	if body["subject"] != "alice" || body["display_name"] != "Alice" {
		t.Fatalf("wrong identity: %v", body)
	}
	roles, _ := body["roles"].([]interface{})
	if len(roles) != 1 || roles[0] != "user" {
		t.Fatalf("expected plain user role, got %v", roles)
	}
	if token, _ := body["csrf_token"].(string); token == "" {
		t.Fatal("missing csrf token")
	}

	// the session persists across requests
	status, again := env.get(t, c, "/")
	if status != http.StatusOK || again["subject"] != "alice" {
		t.Fatalf("session not persisted: %d %v", status, again)
	}
}

func TestAdminGroupMapsToAdminRole(t *testing.T) {
	env := newCombinedEnv(t)
	env.provider.Subject = "root"
	env.provider.Groups = []string{"staff", "admins"}

	body := env.login(t, env.browser(t))
	roles, _ := body["roles"].([]interface{})
	if len(roles) != 2 || roles[0] != "admin" || roles[1] != "user" {
		t.Fatalf("expected admin and user roles, got %v", roles)
	}
}

func TestLoginPreservesDeepLink(t *testing.T) {
	env := newCombinedEnv(t)
	env.provider.Subject = "alice"

	c := env.browser(t)
	resp, err := c.Get(env.ts.URL + "/profile/certificates?page=2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after login, got %d", resp.StatusCode)
	}
	if resp.Request.URL.Path != "/profile/certificates" || resp.Request.URL.RawQuery != "page=2" {
		t.Fatalf("deep link lost, ended at %s", resp.Request.URL)
	}
}

// An off-site next parameter must not survive the flow: the post-login
// redirect stays on the service.
func TestLoginRejectsOffsiteDeepLink(t *testing.T) {
	env := newCombinedEnv(t)
	env.provider.Subject = "alice"

	for _, next := range []string{
		"//evil.example.org/phish",
		`/\evil.example.org/phish`,
		"https://evil.example.org/phish",
		"evil.example.org/phish",
	} {
		stepper := noRedirects(env.browser(t))

		resp, err := stepper.Get(env.ts.URL + "/auth/login?next=" + url.QueryEscape(next))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()

		resp, err = stepper.Get(resp.Header.Get("Location"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()

		resp, err = stepper.Get(resp.Header.Get("Location"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("next %q: expected successful callback, got %d", next, resp.StatusCode)
		}
		if got := resp.Header.Get("Location"); got != "/" {
			t.Fatalf("next %q: post-login redirect leaves the service: %q", next, got)
		}
	}
}

func TestCallbackRejectsMissingParams(t *testing.T) {
	env := newCombinedEnv(t)

	resp, err := http.Get(env.ts.URL + "/auth/callback?state=only-state")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCallbackRejectsProviderError(t *testing.T) {
	env := newCombinedEnv(t)

	resp, err := http.Get(env.ts.URL + "/auth/callback?error=access_denied&error_description=user+cancelled")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCallbackRejectsForgedState(t *testing.T) {
	env := newCombinedEnv(t)

	resp, err := http.Get(env.ts.URL + "/auth/callback?state=forged&code=whatever")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// A callback URL must be usable exactly once.
func TestCallbackStateReplay(t *testing.T) {
	env := newCombinedEnv(t)
	env.provider.Subject = "alice"

	c := env.browser(t)
	stepper := noRedirects(c)

	// walk the flow hop by hop to capture the callback URL
	resp, err := stepper.Get(env.ts.URL + "/auth/login")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	authURL := resp.Header.Get("Location")

	resp, err = stepper.Get(authURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	callbackURL := resp.Header.Get("Location")

	resp, err = stepper.Get(callbackURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected successful callback, got %d", resp.StatusCode)
	}

	resp, err = stepper.Get(callbackURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on replayed callback, got %d", resp.StatusCode)
	}
}

func TestCallbackRejectsNonceMismatch(t *testing.T) {
	env := newCombinedEnv(t)
	env.provider.NonceOverride = "nonce-from-elsewhere"

	c := noRedirects(env.browser(t))

	resp, err := c.Get(env.ts.URL + "/auth/login")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	resp, err = c.Get(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	resp, err = c.Get(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on nonce mismatch, got %d", resp.StatusCode)
	}
}

func TestLogoutTerminatesProviderSessionFirst(t *testing.T) {
	env := newCombinedEnv(t)
	env.provider.Subject = "alice"

	c := env.browser(t)
	env.login(t, c)

	// session cookie exists before logout
	u, _ := url.Parse(env.ts.URL)
	sessionID := ""
	for _, cookie := range c.Jar.Cookies(u) {
		if cookie.Name == server.SessionCookieName {
			sessionID = cookie.Value
		}
	}
	if sessionID == "" {
		t.Fatal("no session cookie after login")
	}

	stepper := noRedirects(c)
	resp, err := stepper.Get(env.ts.URL + "/auth/logout")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	// first hop goes to the provider, not to local teardown
	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, env.provider.Issuer()+"/logout") {
		t.Fatalf("expected provider end-session redirect, got %q", location)
	}
	if !strings.Contains(location, url.QueryEscape(env.ts.URL+"/auth/logout/complete")) {
		t.Fatalf("missing post-logout return leg in %q", location)
	}

	// the local session survives until the return leg
	if _, err := env.sessions.Get(sessionID); err != nil {
		t.Fatalf("local session destroyed too early: %v", err)
	}

	resp, err = stepper.Get(env.ts.URL + "/auth/logout/complete")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if _, err := env.sessions.Get(sessionID); err == nil {
		t.Fatal("session still valid after logout completed")
	}
}
