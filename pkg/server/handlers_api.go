package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/openvpn-manager/vpnmanager/pkg/issue"
	"github.com/openvpn-manager/vpnmanager/pkg/psk"
)

// bearerPSK authenticates a machine-to-machine request. Errors stay
// generic; the candidate secret is never part of a response or log line.
func (s *Server) bearerPSK(c echo.Context) (*psk.Record, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	candidate, found := strings.CutPrefix(header, "Bearer ")
	if !found || candidate == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authorization required")
	}

	rec, err := s.psks.Validate(c.Request().Context(), candidate)
	switch {
	case errors.Is(err, psk.ErrExpired):
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "pre-shared key expired")
	case err != nil:
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid pre-shared key")
	}
	return rec, nil
}

// handleServerBundle issues a server certificate and returns the
// installation bundle. Requires a server-type PSK.
func (s *Server) handleServerBundle(c echo.Context) error {
	rec, err := s.bearerPSK(c)
	if err != nil {
		return err
	}
	if err := psk.RequireType(rec, psk.TypeServer); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "pre-shared key not valid for server bundles")
	}

	hostname := c.QueryParam("hostname")
	if hostname == "" {
		hostname = rec.Description
	}

	issued, err := s.issuer.IssueServer(c.Request().Context(), hostname)
	if errors.Is(err, issue.ErrDuplicateRequest) {
		return echo.NewHTTPError(http.StatusConflict, "an identical request is already being processed")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to issue server certificate")
	}

	bundle, err := s.issuer.ServerBundle(issued, hostname)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to build bundle")
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="server-bundle.zip"`)
	return c.Blob(http.StatusOK, "application/zip", bundle)
}

// handleComputerProfile issues an unattended computer profile. Requires a
// computer-type PSK; a server-type PSK must not mint computer profiles.
func (s *Server) handleComputerProfile(c echo.Context) error {
	rec, err := s.bearerPSK(c)
	if err != nil {
		return err
	}
	if err := psk.RequireType(rec, psk.TypeComputer); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "pre-shared key not valid for computer profiles")
	}

	hostname := c.QueryParam("hostname")
	if hostname == "" {
		hostname = rec.Description
	}

	issued, err := s.issuer.IssueComputer(c.Request().Context(), hostname)
	if errors.Is(err, issue.ErrDuplicateRequest) {
		return echo.NewHTTPError(http.StatusConflict, "an identical request is already being processed")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to issue computer certificate")
	}

	profile := s.issuer.RenderClientProfile(issued)
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="computer.ovpn"`)
	return c.Blob(http.StatusOK, "application/x-openvpn-profile", []byte(profile))
}
