package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/openvpn-manager/vpnmanager/pkg/config"
)

type routeScope int

const (
	scopeNeutral routeScope = iota
	scopeUser
	scopeAdmin
)

// scopeOf classifies a request path into the capability class it belongs
// to. Neutral routes (health, auth, public transparency view) are served
// by every instance.
func scopeOf(path string) routeScope {
	switch {
	case strings.HasPrefix(path, "/profile"):
		return scopeUser
	case strings.HasPrefix(path, "/admin"):
		return scopeAdmin
	case strings.HasPrefix(path, "/api/v1/"):
		return scopeAdmin
	default:
		return scopeNeutral
	}
}

// separationMiddleware implements the split-deployment routing contract:
// a user-only instance answers admin-scoped routes with 403 ("not served
// here", distinct from a credential failure), an admin-only instance
// permanently redirects user-scoped routes to its counterpart preserving
// the query string. A combined instance serves everything.
func (s *Server) separationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.mode == config.ModeCombined {
			return next(c)
		}

		scope := scopeOf(c.Request().URL.Path)

		switch {
		case s.mode == config.ModeUser && scope == scopeAdmin:
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "forbidden",
			})

		case s.mode == config.ModeAdmin && scope == scopeUser:
			target := strings.TrimSuffix(s.userServiceURL, "/") + c.Request().URL.Path
			if q := c.Request().URL.RawQuery; q != "" {
				target += "?" + q
			}
			return c.Redirect(http.StatusMovedPermanently, target)
		}

		return next(c)
	}
}
