// Package certstore persists issued certificates and the append-only
// transparency log in SQLite.
package certstore

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/segmentio/ksuid"
)

type CertType string

const (
	CertTypeClient   CertType = "client"
	CertTypeServer   CertType = "server"
	CertTypeComputer CertType = "computer"
)

func (t CertType) Valid() bool {
	switch t {
	case CertTypeClient, CertTypeServer, CertTypeComputer:
		return true
	}
	return false
}

var ErrNotFound = errors.New("certificate not found")

// Record is one issued certificate. Immutable except for the revocation
// fields. OwnerSubject is nil for server certificates, which are
// PSK-authenticated rather than user-owned.
type Record struct {
	Fingerprint      string     `db:"fingerprint"`
	Type             CertType   `db:"cert_type"`
	SubjectDN        string     `db:"subject_dn"`
	IssuerDN         string     `db:"issuer_dn"`
	OwnerSubject     *string    `db:"owner_subject"`
	NotBefore        time.Time  `db:"not_before"`
	NotAfter         time.Time  `db:"not_after"`
	RevokedAt        *time.Time `db:"revoked_at"`
	RevocationReason *string    `db:"revocation_reason"`
	PEM              string     `db:"pem"`
}

func (r *Record) Revoked() bool {
	return r.RevokedAt != nil
}

// LogEntry is one row of the transparency log. Every physical signing
// operation and every revocation appends exactly one row.
type LogEntry struct {
	ID          string    `db:"id"`
	LoggedAt    time.Time `db:"logged_at"`
	Event       string    `db:"event"`
	Fingerprint string    `db:"fingerprint"`
	CertType    CertType  `db:"cert_type"`
	SubjectDN   string    `db:"subject_dn"`
}

const (
	LogEventIssued  = "issued"
	LogEventRevoked = "revoked"
)

var schema = `
CREATE TABLE IF NOT EXISTS certificates (
	fingerprint TEXT PRIMARY KEY,
	cert_type TEXT NOT NULL,
	subject_dn TEXT NOT NULL,
	issuer_dn TEXT NOT NULL,
	owner_subject TEXT,
	not_before TIMESTAMP NOT NULL,
	not_after TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP,
	revocation_reason TEXT,
	pem TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transparency_log (
	id TEXT PRIMARY KEY,
	logged_at TIMESTAMP NOT NULL,
	event TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	cert_type TEXT NOT NULL,
	subject_dn TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_certificates_owner ON certificates(owner_subject);
CREATE INDEX IF NOT EXISTS idx_transparency_log_fp ON transparency_log(fingerprint);
`

type Store struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at path and creates the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open certificate database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("unable to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the handle so that sibling stores (PSK) share one database.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Fingerprint is the content-addressed identity of a certificate:
// lowercase hex SHA-256 of the DER encoding.
func Fingerprint(crt *x509.Certificate) string {
	sum := sha256.Sum256(crt.Raw)
	return hex.EncodeToString(sum[:])
}

// ValidFingerprint reports whether s looks like a fingerprint at all.
// Malformed identifiers are rejected before any lookup or authorization.
func ValidFingerprint(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Insert writes the certificate row and its transparency log entry in one
// transaction: no log entry without a certificate and vice versa.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO certificates (fingerprint, cert_type, subject_dn, issuer_dn, owner_subject, not_before, not_after, pem)
		VALUES (:fingerprint, :cert_type, :subject_dn, :issuer_dn, :owner_subject, :not_before, :not_after, :pem)`,
		rec)
	if err != nil {
		return fmt.Errorf("unable to insert certificate: %w", err)
	}

	entry := LogEntry{
		ID:          ksuid.New().String(),
		LoggedAt:    time.Now().UTC(),
		Event:       LogEventIssued,
		Fingerprint: rec.Fingerprint,
		CertType:    rec.Type,
		SubjectDN:   rec.SubjectDN,
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO transparency_log (id, logged_at, event, fingerprint, cert_type, subject_dn)
		VALUES (:id, :logged_at, :event, :fingerprint, :cert_type, :subject_dn)`,
		&entry)
	if err != nil {
		return fmt.Errorf("unable to append transparency log: %w", err)
	}

	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, fingerprint string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM certificates WHERE fingerprint = ?`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load certificate: %w", err)
	}
	return &rec, nil
}

// Revoke sets the revocation fields with a conditional update so that the
// first writer wins under concurrent attempts. Returns true if this call
// performed the revocation, false if the certificate was already revoked
// (a no-op success for the caller).
func (s *Store) Revoke(ctx context.Context, fingerprint, reason string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE certificates SET revoked_at = ?, revocation_reason = ?
		WHERE fingerprint = ? AND revoked_at IS NULL`,
		time.Now().UTC(), reason, fingerprint)
	if err != nil {
		return false, fmt.Errorf("unable to revoke certificate: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if affected == 0 {
		// either already revoked or nonexistent
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM certificates WHERE fingerprint = ?`, fingerprint); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, ErrNotFound
		}
		return false, tx.Commit()
	}

	var rec Record
	if err := tx.GetContext(ctx, &rec, `SELECT * FROM certificates WHERE fingerprint = ?`, fingerprint); err != nil {
		return false, fmt.Errorf("unable to load revoked certificate: %w", err)
	}

	entry := LogEntry{
		ID:          ksuid.New().String(),
		LoggedAt:    time.Now().UTC(),
		Event:       LogEventRevoked,
		Fingerprint: rec.Fingerprint,
		CertType:    rec.Type,
		SubjectDN:   rec.SubjectDN,
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO transparency_log (id, logged_at, event, fingerprint, cert_type, subject_dn)
		VALUES (:id, :logged_at, :event, :fingerprint, :cert_type, :subject_dn)`,
		&entry)
	if err != nil {
		return false, fmt.Errorf("unable to append transparency log: %w", err)
	}

	return true, tx.Commit()
}

func (s *Store) LogEntries(ctx context.Context, fingerprint string) ([]LogEntry, error) {
	var entries []LogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM transparency_log WHERE fingerprint = ? ORDER BY logged_at`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("unable to load transparency log: %w", err)
	}
	return entries, nil
}
