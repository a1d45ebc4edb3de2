// Package authz evaluates capability for every certificate and PSK
// operation. Handlers call Authorize before their body; the decision's
// rendering to an HTTP status lives in exactly one place so the
// anti-enumeration rules stay auditable.
package authz

import (
	"net/http"

	"github.com/openvpn-manager/vpnmanager/pkg/session"
)

type Action string

const (
	ActionReadCertificate    Action = "certificate:read"
	ActionRevokeCertificate  Action = "certificate:revoke"
	ActionIssueCertificate   Action = "certificate:issue"
	ActionSearchCertificates Action = "certificate:search"
	ActionManagePSK          Action = "psk:manage"
	ActionAdmin              Action = "admin"
)

type DenyReason string

const (
	DenyNotOwner         DenyReason = "not_owner"
	DenyInsufficientRole DenyReason = "insufficient_role"
	DenyUnauthenticated  DenyReason = "unauthenticated"
)

// Decision is the tagged result of an authorization check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(reason DenyReason) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Resource describes the object an action targets. OwnerSubject is empty
// for resources that are not user-owned (server certificates) and for
// actions without a concrete target.
type Resource struct {
	OwnerSubject string
}

// Authorize applies the ownership and role rules. Grants are computed per
// request and never cached: roles can change between sessions.
func Authorize(sess *session.Session, action Action, resource Resource) Decision {
	if sess == nil {
		return Deny(DenyUnauthenticated)
	}

	switch action {
	case ActionAdmin, ActionManagePSK, ActionSearchCertificates:
		if !sess.IsAdmin() {
			return Deny(DenyInsufficientRole)
		}
		return Allow()

	case ActionReadCertificate, ActionRevokeCertificate:
		if sess.IsAdmin() {
			return Allow()
		}
		if resource.OwnerSubject != "" && resource.OwnerSubject == sess.Subject {
			return Allow()
		}
		return Deny(DenyNotOwner)

	case ActionIssueCertificate:
		// any authenticated user may issue a certificate for themselves
		return Allow()
	}

	return Deny(DenyInsufficientRole)
}

// HTTPStatus maps a denial to its response status. Ownership denials
// render as 404: a certificate owned by someone else must be
// indistinguishable from one that does not exist.
func (d Decision) HTTPStatus() int {
	if d.Allowed {
		return http.StatusOK
	}
	switch d.Reason {
	case DenyNotOwner:
		return http.StatusNotFound
	case DenyUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}
