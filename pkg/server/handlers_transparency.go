package server

import (
	"html"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/openvpn-manager/vpnmanager/pkg/certstore"
)

// handleTransparencyLog serves the public-readable transparency view.
// Owner identities are not exposed here.
func (s *Server) handleTransparencyLog(c echo.Context) error {
	return s.listCertificates(c, false)
}

// handleAdminCertificates serves the unrestricted admin search.
func (s *Server) handleAdminCertificates(c echo.Context) error {
	return s.listCertificates(c, true)
}

func (s *Server) listCertificates(c echo.Context, includeOwner bool) error {
	filter, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid filter")
	}

	page, pageSize := pageParams(c)
	result, listErr := s.certs.List(c.Request().Context(), filter, page, pageSize)
	if listErr != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to list certificates")
	}

	body := certificatePage(result, includeOwner)
	// the echoed search term is escaped wherever it leaves the service
	body["filters"] = map[string]string{
		"type":    string(filter.Type),
		"subject": html.EscapeString(filter.SubjectSubstring),
	}
	return c.JSON(http.StatusOK, body)
}

func parseFilter(c echo.Context) (certstore.Filter, error) {
	filter := certstore.Filter{
		SubjectSubstring: c.QueryParam("subject"),
		IncludeRevoked:   parseBool(c.QueryParam("include_revoked")),
	}

	if t := c.QueryParam("type"); t != "" {
		ct := certstore.CertType(t)
		if !ct.Valid() {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "unknown certificate type")
		}
		filter.Type = ct
	}

	if from := c.QueryParam("from_date"); from != "" {
		if ts, err := time.Parse("2006-01-02", from); err == nil {
			filter.From = &ts
		}
	}
	if to := c.QueryParam("to_date"); to != "" {
		if ts, err := time.Parse("2006-01-02", to); err == nil {
			end := ts.Add(24 * time.Hour)
			filter.To = &end
		}
	}

	if len(filter.SubjectSubstring) > 256 {
		return filter, echo.NewHTTPError(http.StatusBadRequest, "subject filter too long")
	}

	return filter, nil
}

// pageParams tolerates any page/page_size input: non-numeric or
// out-of-range values are clamped, never an error.
func pageParams(c echo.Context) (int, int) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	return certstore.ClampPage(page, pageSize)
}

func parseBool(s string) bool {
	switch s {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func certificatePage(p *certstore.Page, includeOwner bool) map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(p.Items))
	for i := range p.Items {
		items = append(items, certificateView(&p.Items[i], includeOwner))
	}
	return map[string]interface{}{
		"certificates": items,
		"page":         p.Page,
		"page_size":    p.PageSize,
		"total":        p.Total,
	}
}

func certificateView(rec *certstore.Record, includeOwner bool) map[string]interface{} {
	view := map[string]interface{}{
		"fingerprint": rec.Fingerprint,
		"type":        rec.Type,
		"subject":     rec.SubjectDN,
		"issuer":      rec.IssuerDN,
		"not_before":  rec.NotBefore,
		"not_after":   rec.NotAfter,
	}
	if rec.RevokedAt != nil {
		view["revoked_at"] = rec.RevokedAt
		if rec.RevocationReason != nil {
			view["revocation_reason"] = *rec.RevocationReason
		}
	}
	if includeOwner && rec.OwnerSubject != nil {
		view["owner_subject"] = *rec.OwnerSubject
	}
	return view
}
