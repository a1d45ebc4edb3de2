// Package psk implements pre-shared key authentication for unattended
// server and computer profile issuance. PSK secrets are handed out exactly
// once at creation and stored only as PBKDF2 hashes; no code path logs or
// echoes a candidate secret.
package psk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/segmentio/ksuid"

	"github.com/openvpn-manager/vpnmanager/pkg/token"
)

type Type string

const (
	TypeServer   Type = "server"
	TypeComputer Type = "computer"
)

func (t Type) Valid() bool {
	return t == TypeServer || t == TypeComputer
}

var (
	ErrInvalid   = errors.New("invalid pre-shared key")
	ErrExpired   = errors.New("pre-shared key expired")
	ErrWrongType = errors.New("pre-shared key not valid for this profile type")
)

// Record is a stored PSK. The plaintext secret exists only in the return
// value of Create.
type Record struct {
	ID          string     `db:"id"`
	SecretHash  string     `db:"secret_hash"`
	Description string     `db:"description"`
	Type        Type       `db:"psk_type"`
	TemplateSet string     `db:"template_set"`
	CreatedBy   string     `db:"created_by"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
	RevokedAt   *time.Time `db:"revoked_at"`
}

var schema = `
CREATE TABLE IF NOT EXISTS psks (
	id TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	description TEXT NOT NULL,
	psk_type TEXT NOT NULL,
	template_set TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP,
	revoked_at TIMESTAMP
);
`

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("unable to create psk schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Create stores a new PSK and returns the record together with the
// plaintext secret. The secret embeds the record id so that validation is
// a single hash verification, not a table scan.
func (s *Store) Create(ctx context.Context, description string, typ Type, templateSet, createdBy string, expiresAt *time.Time) (*Record, string, error) {
	if !typ.Valid() {
		return nil, "", fmt.Errorf("unknown psk type %q", typ)
	}

	id := ksuid.New().String()
	secret := id + "." + token.GenerateRandomString(48)

	hash, err := HashSecret(secret)
	if err != nil {
		return nil, "", fmt.Errorf("unable to hash secret: %w", err)
	}

	rec := &Record{
		ID:          id,
		SecretHash:  hash,
		Description: description,
		Type:        typ,
		TemplateSet: templateSet,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO psks (id, secret_hash, description, psk_type, template_set, created_by, created_at, expires_at)
		VALUES (:id, :secret_hash, :description, :psk_type, :template_set, :created_by, :created_at, :expires_at)`,
		rec)
	if err != nil {
		return nil, "", fmt.Errorf("unable to store psk: %w", err)
	}

	return rec, secret, nil
}

func (s *Store) List(ctx context.Context) ([]Record, error) {
	records := []Record{}
	err := s.db.SelectContext(ctx, &records, `SELECT * FROM psks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("unable to list psks: %w", err)
	}
	return records, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM psks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load psk: %w", err)
	}
	return &rec, nil
}

// Revoke marks the PSK unusable. Conditional update, first writer wins;
// revoking an already revoked key is a no-op success.
func (s *Store) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE psks SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("unable to revoke psk: %w", err)
	}
	return nil
}

// Validate checks a candidate secret and returns the matching record.
// Failures collapse to ErrInvalid or ErrExpired; the candidate value
// never appears in errors or logs.
func (s *Store) Validate(ctx context.Context, candidate string) (*Record, error) {
	id, _, found := strings.Cut(candidate, ".")
	if !found || id == "" {
		return nil, ErrInvalid
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, ErrInvalid
	}

	ok, err := VerifySecretHash(candidate, rec.SecretHash)
	if err != nil || !ok {
		return nil, ErrInvalid
	}

	if rec.RevokedAt != nil {
		return nil, ErrInvalid
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, ErrExpired
	}

	return rec, nil
}

// RequireType enforces that a PSK only authorizes the issuance type it
// was created for.
func RequireType(rec *Record, typ Type) error {
	if rec.Type != typ {
		return ErrWrongType
	}
	return nil
}
