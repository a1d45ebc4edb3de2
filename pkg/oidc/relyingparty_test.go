package oidc_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/openvpn-manager/vpnmanager/pkg/oidc"
	"github.com/openvpn-manager/vpnmanager/pkg/oidc/oidctest"
)

func newTestRelyingParty(t *testing.T, provider *oidctest.Provider) *oidc.RelyingParty {
	t.Helper()

	client, err := oidc.NewClient(oidc.Config{
		Issuer:      provider.Issuer(),
		ClientID:    provider.ClientID,
		RedirectURI: "http://127.0.0.1/auth/callback",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return oidc.NewRelyingParty(client, oidc.NewMemoryExchangeStore(time.Minute))
}

// authorize performs the provider hop without a browser: request the
// authorization URL and read code and state from the redirect back.
func authorize(t *testing.T, authURL string) (code, state string) {
	t.Helper()

	httpClient := http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := httpClient.Get(authURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect from provider, got %d", resp.StatusCode)
	}
	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return location.Query().Get("code"), location.Query().Get("state")
}

func TestAuthCodeURLParameters(t *testing.T) {
	provider, err := oidctest.New("vpnmanager")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer provider.Close()

	rp := newTestRelyingParty(t, provider)

	authURL, err := rp.BeginLogin("/profile/certificates")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	query := parsed.Query()

	if got := query.Get("code_challenge_method"); got != "S256" {
		t.Fatalf("expected S256 challenge method, got %q", got)
	}
	if query.Get("code_challenge") == "" {
		t.Fatal("missing code_challenge")
	}
	if query.Get("state") == "" {
		t.Fatal("missing state")
	}
	if len(query.Get("nonce")) < 22 { // 128 bits over a 64-symbol alphabet
		t.Fatalf("nonce too short: %q", query.Get("nonce"))
	}
	if got := query.Get("response_type"); got != "code" {
		t.Fatalf("expected response_type=code, got %q", got)
	}
}

func TestCompleteLoginSuccess(t *testing.T) {
	provider, err := oidctest.New("vpnmanager")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer provider.Close()
	provider.Subject = "alice"
	provider.DisplayName = "Alice"
	provider.Groups = []string{"admins"}

	rp := newTestRelyingParty(t, provider)

	authURL, err := rp.BeginLogin("/deep/link?a=b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code, state := authorize(t, authURL)

	identity, target, err := rp.CompleteLogin(context.Background(), state, code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.Subject != "alice" {
		t.Fatalf("wrong subject: %q", identity.Subject)
	}
	if identity.DisplayName != "Alice" {
		t.Fatalf("wrong display name: %q", identity.DisplayName)
	}
	if len(identity.Groups) != 1 || identity.Groups[0] != "admins" {
		t.Fatalf("wrong groups: %v", identity.Groups)
	}
	if target != "/deep/link?a=b" {
		t.Fatalf("redirect target lost: %q", target)
	}
}

func TestCompleteLoginStateReplay(t *testing.T) {
	provider, err := oidctest.New("vpnmanager")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer provider.Close()

	rp := newTestRelyingParty(t, provider)

	authURL, err := rp.BeginLogin("/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code, state := authorize(t, authURL)

	if _, _, err := rp.CompleteLogin(context.Background(), state, code); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// same state again: consume-once must reject
	if _, _, err := rp.CompleteLogin(context.Background(), state, code); !errors.Is(err, oidc.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on replay, got %v", err)
	}
}

func TestCompleteLoginUnknownState(t *testing.T) {
	provider, err := oidctest.New("vpnmanager")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer provider.Close()

	rp := newTestRelyingParty(t, provider)

	if _, _, err := rp.CompleteLogin(context.Background(), "forged-state", "some-code"); !errors.Is(err, oidc.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// A reused or cross-session nonce in the ID token must be rejected and no
// session material returned.
func TestCompleteLoginNonceMismatch(t *testing.T) {
	provider, err := oidctest.New("vpnmanager")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer provider.Close()
	provider.NonceOverride = "nonce-from-another-exchange"

	rp := newTestRelyingParty(t, provider)

	authURL, err := rp.BeginLogin("/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code, state := authorize(t, authURL)

	identity, _, err := rp.CompleteLogin(context.Background(), state, code)
	if !errors.Is(err, oidc.ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
	if identity != nil {
		t.Fatal("no identity may be returned on nonce mismatch")
	}
}
