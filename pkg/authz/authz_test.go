package authz

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openvpn-manager/vpnmanager/pkg/session"
)

func testSession(t *testing.T, subject string, roles ...string) *session.Session {
	t.Helper()
	store := session.NewMemoryStore(time.Minute)
	sess, err := store.Create(subject, subject, roles, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return sess
}

func TestAuthorize(t *testing.T) {
	alice := testSession(t, "alice", "user")
	admin := testSession(t, "root", "user", "admin")

	tests := []struct {
		name     string
		sess     *session.Session
		action   Action
		resource Resource
		allowed  bool
		reason   DenyReason
	}{
		{"owner reads own certificate", alice, ActionReadCertificate, Resource{OwnerSubject: "alice"}, true, ""},
		{"owner revokes own certificate", alice, ActionRevokeCertificate, Resource{OwnerSubject: "alice"}, true, ""},
		{"non-owner read denied", alice, ActionReadCertificate, Resource{OwnerSubject: "bob"}, false, DenyNotOwner},
		{"non-owner revoke denied", alice, ActionRevokeCertificate, Resource{OwnerSubject: "bob"}, false, DenyNotOwner},
		{"ownerless resource denied to non-admin", alice, ActionReadCertificate, Resource{}, false, DenyNotOwner},
		{"admin reads any certificate", admin, ActionReadCertificate, Resource{OwnerSubject: "bob"}, true, ""},
		{"admin revokes server certificate", admin, ActionRevokeCertificate, Resource{}, true, ""},
		{"psk management needs admin", alice, ActionManagePSK, Resource{}, false, DenyInsufficientRole},
		{"admin manages psk", admin, ActionManagePSK, Resource{}, true, ""},
		{"unrestricted search needs admin", alice, ActionSearchCertificates, Resource{}, false, DenyInsufficientRole},
		{"any user may issue for themselves", alice, ActionIssueCertificate, Resource{}, true, ""},
		{"nil session denied", nil, ActionReadCertificate, Resource{OwnerSubject: "alice"}, false, DenyUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Authorize(tt.sess, tt.action, tt.resource)
			assert.Equal(t, tt.allowed, decision.Allowed)
			if !tt.allowed {
				assert.Equal(t, tt.reason, decision.Reason)
			}
		})
	}
}

// Ownership denials must be indistinguishable from missing resources.
func TestDecisionHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, Deny(DenyNotOwner).HTTPStatus())
	assert.Equal(t, http.StatusForbidden, Deny(DenyInsufficientRole).HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, Deny(DenyUnauthenticated).HTTPStatus())
	assert.Equal(t, http.StatusOK, Allow().HTTPStatus())
}
