package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/openvpn-manager/vpnmanager/pkg/authz"
	"github.com/openvpn-manager/vpnmanager/pkg/certstore"
	"github.com/openvpn-manager/vpnmanager/pkg/issue"
)

func (s *Server) handleOwnCertificates(c echo.Context) error {
	sess := currentSession(c)

	page, pageSize := pageParams(c)
	result, err := s.certs.List(c.Request().Context(), certstore.Filter{
		OwnerSubject:   sess.Subject,
		IncludeRevoked: true,
	}, page, pageSize)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to list certificates")
	}

	return c.JSON(http.StatusOK, certificatePage(result, true))
}

// handleGetCertificate returns one certificate. A malformed fingerprint,
// a nonexistent one and one owned by a different user all produce the
// same 404 shape.
func (s *Server) handleGetCertificate(c echo.Context) error {
	sess := currentSession(c)

	fingerprint := c.Param("fingerprint")
	if !certstore.ValidFingerprint(fingerprint) {
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}

	rec, err := s.certs.Get(c.Request().Context(), fingerprint)
	if errors.Is(err, certstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to load certificate")
	}

	decision := authz.Authorize(sess, authz.ActionReadCertificate, resourceOf(rec))
	if !decision.Allowed {
		return echo.NewHTTPError(decision.HTTPStatus(), "certificate not found")
	}

	return c.JSON(http.StatusOK, certificateView(rec, true))
}

func (s *Server) handleIssueClientCertificate(c echo.Context) error {
	sess := currentSession(c)

	decision := authz.Authorize(sess, authz.ActionIssueCertificate, authz.Resource{})
	if !decision.Allowed {
		return echo.NewHTTPError(decision.HTTPStatus(), "forbidden")
	}

	issued, err := s.issuer.IssueClient(c.Request().Context(), sess.Subject, sess.Subject)
	if errors.Is(err, issue.ErrDuplicateRequest) {
		return echo.NewHTTPError(http.StatusConflict, "an identical request is already being processed")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to issue certificate")
	}

	profile := s.issuer.RenderClientProfile(issued)
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="client.ovpn"`)
	return c.Blob(http.StatusOK, "application/x-openvpn-profile", []byte(profile))
}

func (s *Server) handleRevokeCertificate(c echo.Context) error {
	sess := currentSession(c)

	fingerprint := c.Param("fingerprint")
	if !certstore.ValidFingerprint(fingerprint) {
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}

	rec, err := s.certs.Get(c.Request().Context(), fingerprint)
	if errors.Is(err, certstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to load certificate")
	}

	decision := authz.Authorize(sess, authz.ActionRevokeCertificate, resourceOf(rec))
	if !decision.Allowed {
		return echo.NewHTTPError(decision.HTTPStatus(), "certificate not found")
	}

	reason := c.FormValue("reason")
	if reason == "" {
		reason = "unspecified"
	}

	// revoking twice is a no-op success
	if _, err := s.certs.Revoke(c.Request().Context(), fingerprint, reason); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to revoke certificate")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"fingerprint": fingerprint,
		"revoked":     true,
	})
}

func resourceOf(rec *certstore.Record) authz.Resource {
	res := authz.Resource{}
	if rec.OwnerSubject != nil {
		res.OwnerSubject = *rec.OwnerSubject
	}
	return res
}
