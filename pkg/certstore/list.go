package certstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPageSize = 25
	MaxPageSize     = 200
)

// Filter restricts a listing. Zero values impose no constraint; provided
// filters combine conjunctively.
type Filter struct {
	Type             CertType
	SubjectSubstring string
	OwnerSubject     string
	From             *time.Time
	To               *time.Time
	IncludeRevoked   bool
}

type Page struct {
	Items    []Record
	Page     int
	PageSize int
	Total    int
}

// ClampPage normalizes arbitrary page/size input. Negative, zero or
// absurd values never produce an error, only a valid window.
func ClampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// List returns certificates matching the filter, newest first. All filter
// values travel as bound parameters.
func (s *Store) List(ctx context.Context, f Filter, page, pageSize int) (*Page, error) {
	page, pageSize = ClampPage(page, pageSize)

	var where []string
	var args []interface{}

	if f.Type != "" {
		where = append(where, "cert_type = ?")
		args = append(args, f.Type)
	}
	if f.SubjectSubstring != "" {
		where = append(where, "subject_dn LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.SubjectSubstring)+"%")
	}
	if f.OwnerSubject != "" {
		where = append(where, "owner_subject = ?")
		args = append(args, f.OwnerSubject)
	}
	if f.From != nil {
		where = append(where, "not_before >= ?")
		args = append(args, *f.From)
	}
	if f.To != nil {
		where = append(where, "not_before <= ?")
		args = append(args, *f.To)
	}
	if !f.IncludeRevoked {
		where = append(where, "revoked_at IS NULL")
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM certificates"+whereClause, args...); err != nil {
		return nil, fmt.Errorf("unable to count certificates: %w", err)
	}

	query := "SELECT * FROM certificates" + whereClause + " ORDER BY not_before DESC, fingerprint LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)

	items := []Record{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("unable to list certificates: %w", err)
	}

	return &Page{
		Items:    items,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	}, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
