package server

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/openvpn-manager/vpnmanager/pkg/psk"
)

var requestValidator = validator.New()

type createPSKRequest struct {
	Description string `form:"description" json:"description" validate:"required,max=256"`
	Type        string `form:"psk_type" json:"psk_type" validate:"required,oneof=server computer"`
	TemplateSet string `form:"template_set" json:"template_set" validate:"max=64"`
	ExpiresDays int    `form:"expires_days" json:"expires_days" validate:"gte=0,lte=3650"`
}

func (s *Server) handleListPSKs(c echo.Context) error {
	records, err := s.psks.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to list pre-shared keys")
	}

	items := make([]map[string]interface{}, 0, len(records))
	for i := range records {
		items = append(items, pskView(&records[i]))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"psks": items})
}

// handleCreatePSK mints a new pre-shared key. The response carries the
// plaintext secret exactly once; it is never retrievable afterwards.
func (s *Server) handleCreatePSK(c echo.Context) error {
	sess := currentSession(c)

	var req createPSKRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if err := requestValidator.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	var expiresAt *time.Time
	if req.ExpiresDays > 0 {
		ts := time.Now().UTC().Add(time.Duration(req.ExpiresDays) * 24 * time.Hour)
		expiresAt = &ts
	}

	rec, secret, err := s.psks.Create(c.Request().Context(), req.Description, psk.Type(req.Type), req.TemplateSet, sess.Subject, expiresAt)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to create pre-shared key")
	}

	view := pskView(rec)
	view["psk"] = secret
	return c.JSON(http.StatusCreated, view)
}

func (s *Server) handleRevokePSK(c echo.Context) error {
	id := c.Param("id")

	if _, err := s.psks.Get(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "pre-shared key not found")
	}
	if err := s.psks.Revoke(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to revoke pre-shared key")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":      id,
		"revoked": true,
	})
}

// pskView never includes the secret or its hash.
func pskView(rec *psk.Record) map[string]interface{} {
	view := map[string]interface{}{
		"id":           rec.ID,
		"description":  rec.Description,
		"psk_type":     rec.Type,
		"template_set": rec.TemplateSet,
		"created_by":   rec.CreatedBy,
		"created_at":   rec.CreatedAt,
	}
	if rec.ExpiresAt != nil {
		view["expires_at"] = rec.ExpiresAt
	}
	if rec.RevokedAt != nil {
		view["revoked_at"] = rec.RevokedAt
	}
	return view
}
