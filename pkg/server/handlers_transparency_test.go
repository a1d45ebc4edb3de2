package server_test

import (
	"net/http"
	"net/url"
	"testing"
)

func TestTransparencyLogIsPublic(t *testing.T) {
	env := newCombinedEnv(t)
	env.provider.Subject = "alice"

	alice := env.browser(t)
	body := env.login(t, alice)
	csrfToken, _ := body["csrf_token"].(string)
	issueOwnCertificate(t, env, alice, csrfToken)

	// no session required, and owner identities are not exposed
	status, listing := env.get(t, http.DefaultClient, "/certificates/")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	items, _ := listing["certificates"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("expected one certificate, got %v", listing)
	}
	entry, _ := items[0].(map[string]interface{})
	if _, exposed := entry["owner_subject"]; exposed {
		t.Fatalf("owner identity leaked in public view: %v", entry)
	}
	if entry["fingerprint"] == "" || entry["subject"] == "" {
		t.Fatalf("incomplete public entry: %v", entry)
	}
}

func TestTransparencyLogHidesRevokedByDefault(t *testing.T) {
	env := newCombinedEnv(t)
	env.provider.Subject = "alice"

	alice := env.browser(t)
	body := env.login(t, alice)
	csrfToken, _ := body["csrf_token"].(string)
	fingerprint := issueOwnCertificate(t, env, alice, csrfToken)

	resp := env.postForm(t, alice, "/profile/certificates/"+fingerprint+"/revoke", csrfToken, url.Values{})
	resp.Body.Close()

	status, listing := env.get(t, http.DefaultClient, "/certificates/")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if items, _ := listing["certificates"].([]interface{}); len(items) != 0 {
		t.Fatalf("revoked certificate in default view: %v", items)
	}

	status, listing = env.get(t, http.DefaultClient, "/certificates/?include_revoked=1")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if items, _ := listing["certificates"].([]interface{}); len(items) != 1 {
		t.Fatalf("revoked certificate missing from opted-in view: %v", listing)
	}
}

// Pagination input is clamped, never an error.
func TestTransparencyLogToleratesPaginationGarbage(t *testing.T) {
	env := newCombinedEnv(t)

	for _, query := range []string{
		"page=-1",
		"page=abc",
		"page_size=-5",
		"page_size=abc",
		"page=0&page_size=0",
		"page_size=999999",
	} {
		status, listing := env.get(t, http.DefaultClient, "/certificates/?"+query)
		if status != http.StatusOK {
			t.Fatalf("query %q: expected 200, got %d", query, status)
		}
		page, _ := listing["page"].(float64)
		pageSize, _ := listing["page_size"].(float64)
		if page < 1 || pageSize < 1 || pageSize > 200 {
			t.Fatalf("query %q: pagination not clamped: page=%v page_size=%v", query, page, pageSize)
		}
	}
}

func TestTransparencyLogRejectsUnknownType(t *testing.T) {
	env := newCombinedEnv(t)

	resp, err := http.Get(env.ts.URL + "/certificates/?type=router")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// The echoed subject filter must come back HTML-escaped.
func TestTransparencyLogEscapesEchoedFilter(t *testing.T) {
	env := newCombinedEnv(t)

	status, listing := env.get(t, http.DefaultClient, "/certificates/?subject="+url.QueryEscape(`<script>alert(1)</script>`))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	filters, _ := listing["filters"].(map[string]interface{})
	echoed, _ := filters["subject"].(string)
	if echoed != "&lt;script&gt;alert(1)&lt;/script&gt;" {
		t.Fatalf("filter echoed unescaped: %q", echoed)
	}
}
