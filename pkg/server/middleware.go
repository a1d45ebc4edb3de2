package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/openvpn-manager/vpnmanager/pkg/session"
)

const sessionContextKey = "vpnmanager.session"

// sessionMiddleware resolves the session cookie into the request context.
// An expired or unknown session leaves the request unauthenticated; the
// protected-route middleware restarts the login flow.
func (s *Server) sessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cookie, err := c.Cookie(SessionCookieName)
		if err == nil && cookie.Value != "" {
			sess, err := s.sessions.Get(cookie.Value)
			if err == nil {
				c.Set(sessionContextKey, sess)
			} else if errors.Is(err, session.ErrSessionExpired) {
				s.clearSessionCookie(c)
			}
		}
		return next(c)
	}
}

func currentSession(c echo.Context) *session.Session {
	sess, _ := c.Get(sessionContextKey).(*session.Session)
	return sess
}

// requireSession redirects unauthenticated browser requests into the OIDC
// flow, preserving the original deep link.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if currentSession(c) != nil {
			return next(c)
		}

		target := c.Request().URL.RequestURI()
		authURL, err := s.rp.BeginLogin(target)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "unable to start login")
		}
		return c.Redirect(http.StatusFound, authURL)
	}
}

func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess := currentSession(c)
		if sess == nil || !sess.IsAdmin() {
			return echo.NewHTTPError(http.StatusForbidden, "forbidden")
		}
		return next(c)
	}
}

// requireCSRF enforces the double-submit check on state-changing
// requests. A missing or mismatched token is rejected before any handler
// logic runs.
func (s *Server) requireCSRF(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess := currentSession(c)
		if sess == nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}

		candidate := c.FormValue("csrf_token")
		if candidate == "" {
			candidate = c.Request().Header.Get("X-CSRFToken")
		}
		if !session.VerifyCSRFToken(sess, candidate) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request token")
		}
		return next(c)
	}
}

// secureCookies follows the externally visible scheme: behind TLS the
// session cookie never travels over plaintext.
func (s *Server) secureCookies() bool {
	return strings.HasPrefix(s.baseURL, "https://")
}

func (s *Server) setSessionCookie(c echo.Context, sessionID string) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
