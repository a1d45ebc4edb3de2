package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/openvpn-manager/vpnmanager/pkg/oidc"
	"github.com/openvpn-manager/vpnmanager/pkg/session"
)

func (s *Server) handleIndex(c echo.Context) error {
	sess := currentSession(c)

	roles := make([]string, 0, len(sess.Roles))
	for r := range sess.Roles {
		roles = append(roles, r)
	}
	sort.Strings(roles)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"subject":      sess.Subject,
		"display_name": sess.DisplayName,
		"roles":        roles,
		"csrf_token":   session.CSRFToken(sess),
	})
}

// localTarget accepts only service-local redirect targets. Absolute URLs,
// protocol-relative ("//host") and backslash ("/\host") forms would send
// the browser off-site and collapse to the root instead.
func localTarget(target string) string {
	if !strings.HasPrefix(target, "/") ||
		strings.HasPrefix(target, "//") ||
		strings.HasPrefix(target, `/\`) {
		return "/"
	}
	return target
}

func (s *Server) handleLogin(c echo.Context) error {
	target := localTarget(c.QueryParam("next"))
	authURL, err := s.rp.BeginLogin(target)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to start login")
	}
	return c.Redirect(http.StatusFound, authURL)
}

func (s *Server) handleCallback(c echo.Context) error {
	if errCode := c.QueryParam("error"); errCode != "" {
		slog.Warn("provider returned error on callback", "error", errCode, "description", c.QueryParam("error_description"))
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication failed")
	}

	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" || code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing state or code")
	}

	identity, redirectTarget, err := s.rp.CompleteLogin(c.Request().Context(), state, code)
	switch {
	case errors.Is(err, oidc.ErrInvalidState):
		return echo.NewHTTPError(http.StatusBadRequest, "login expired or invalid")
	case errors.Is(err, oidc.ErrNonceMismatch):
		slog.Warn("nonce mismatch on callback", "remote_addr", c.RealIP())
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication failed")
	case err != nil:
		var upstream *oidc.UpstreamError
		if errors.As(err, &upstream) {
			return echo.NewHTTPError(http.StatusBadGateway, "identity provider unavailable")
		}
		slog.Error("callback failed", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication failed")
	}

	sess, err := s.sessions.Create(identity.Subject, identity.DisplayName, s.rolesFor(identity), identity.IDToken)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to create session")
	}
	s.setSessionCookie(c, sess.ID)

	return c.Redirect(http.StatusFound, localTarget(redirectTarget))
}

// rolesFor maps provider group claims to service roles.
func (s *Server) rolesFor(identity *oidc.Identity) []string {
	roles := []string{"user"}
	for _, g := range identity.Groups {
		if g == s.adminGroup() {
			roles = append(roles, "admin")
		}
	}
	return roles
}

func (s *Server) adminGroup() string {
	if s.adminGroupName != "" {
		return s.adminGroupName
	}
	return "admins"
}

// handleLogout starts the two-stage logout: the upstream provider session
// is terminated first, then the local session is destroyed on the return
// leg. Destroying the local session first would let the provider silently
// re-authenticate the browser.
func (s *Server) handleLogout(c echo.Context) error {
	sess := currentSession(c)

	endSessionURL := s.rp.Client().EndSessionURL(sess.IDToken, s.baseURL+"/auth/logout/complete")
	if endSessionURL == "" {
		return s.handleLogoutComplete(c)
	}
	return c.Redirect(http.StatusFound, endSessionURL)
}

func (s *Server) handleLogoutComplete(c echo.Context) error {
	if sess := currentSession(c); sess != nil {
		if err := s.sessions.Delete(sess.ID); err != nil {
			slog.Error("unable to delete session", "error", err)
		}
	}
	s.clearSessionCookie(c)
	return c.Redirect(http.StatusFound, "/")
}
