// Package server wires the HTTP surface: OIDC login, session and CSRF
// middleware, certificate and PSK handlers, and the service separation
// router for split deployments.
package server

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/openvpn-manager/vpnmanager/pkg/certstore"
	"github.com/openvpn-manager/vpnmanager/pkg/config"
	"github.com/openvpn-manager/vpnmanager/pkg/issue"
	"github.com/openvpn-manager/vpnmanager/pkg/oidc"
	"github.com/openvpn-manager/vpnmanager/pkg/psk"
	"github.com/openvpn-manager/vpnmanager/pkg/session"
)

const SessionCookieName = "vpnmanager_session"

type Option func(*Server) error

type Server struct {
	mode           config.Mode
	baseURL        string
	userServiceURL string

	rp       *oidc.RelyingParty
	sessions session.Store
	certs    *certstore.Store
	psks     *psk.Store
	issuer   *issue.Service

	adminGroupName string
}

func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		mode: config.ModeCombined,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func WithMode(mode config.Mode, baseURL, userServiceURL string) Option {
	return func(s *Server) error {
		s.mode = mode
		s.baseURL = baseURL
		s.userServiceURL = userServiceURL
		return nil
	}
}

func WithAdminGroup(group string) Option {
	return func(s *Server) error {
		s.adminGroupName = group
		return nil
	}
}

func WithRelyingParty(rp *oidc.RelyingParty) Option {
	return func(s *Server) error {
		s.rp = rp
		return nil
	}
}

func WithSessionStore(store session.Store) Option {
	return func(s *Server) error {
		s.sessions = store
		return nil
	}
}

func WithCertStore(store *certstore.Store) Option {
	return func(s *Server) error {
		s.certs = store
		return nil
	}
}

func WithPSKStore(store *psk.Store) Option {
	return func(s *Server) error {
		s.psks = store
		return nil
	}
}

func WithIssuer(issuer *issue.Service) Option {
	return func(s *Server) error {
		s.issuer = issuer
		return nil
	}
}

func ErrorLogMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			slog.Error("handler error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
		}
		return err
	}
}

// MountRoutes registers all routes on the group. The separation
// middleware runs first so that route availability is decided before any
// authentication: a capability class not served by this instance answers
// uniformly, independent of credentials.
func (s *Server) MountRoutes(g *echo.Group) {
	g.Use(
		middleware.Recover(),
		ErrorLogMiddleware,
		s.separationMiddleware,
		s.sessionMiddleware,
	)

	g.GET("/health", s.handleHealth)

	g.GET("/auth/login", s.handleLogin)
	g.GET("/auth/callback", s.handleCallback)
	g.GET("/auth/logout", s.handleLogout, s.requireSession)
	g.GET("/auth/logout/complete", s.handleLogoutComplete)

	g.GET("/", s.handleIndex, s.requireSession)

	g.GET("/certificates/", s.handleTransparencyLog)

	profile := g.Group("/profile", s.requireSession)
	profile.GET("/certificates", s.handleOwnCertificates)
	profile.POST("/certificates", s.handleIssueClientCertificate, s.requireCSRF)
	profile.GET("/certificates/:fingerprint", s.handleGetCertificate)
	profile.POST("/certificates/:fingerprint/revoke", s.handleRevokeCertificate, s.requireCSRF)

	admin := g.Group("/admin", s.requireSession, s.requireAdmin)
	admin.GET("/certificates", s.handleAdminCertificates)
	admin.GET("/psk", s.handleListPSKs)
	admin.POST("/psk", s.handleCreatePSK, s.requireCSRF)
	admin.POST("/psk/:id/revoke", s.handleRevokePSK, s.requireCSRF)

	api := g.Group("/api/v1")
	api.GET("/server/bundle", s.handleServerBundle)
	api.GET("/computer/profile", s.handleComputerProfile)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": string(s.mode),
	})
}
