/*
Copyright 2026 The Datagate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package auth

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // token store driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Audit is one authorisation outcome appended to the audit log.
type Audit struct {
	ID        string    `db:"id"`
	TokenID   string    `db:"token_id"`
	Username  string    `db:"username"`
	Operation string    `db:"operation"`
	Timestamp time.Time `db:"timestamp"`
	Source    string    `db:"source"`
	IP        string    `db:"ip"`
	UserAgent string    `db:"user_agent"`
}

// Store persists tokens and audit records in a SQLite database. The
// schema is managed by embedded goose migrations.
type Store struct {
	db *sqlx.DB
}

// OpenStore opens (creating if needed) the token database at path and
// applies pending migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate token store: %w", err)
	}
	return &Store{db: db}, nil
}

// FindByToken locates the token whose salted hash matches bearer. The
// per-token salt forces a scan over live tokens; token counts are
// small and the comparison is constant time per row.
func (s *Store) FindByToken(ctx context.Context, bearer string) (*Token, error) {
	var tokens []Token
	err := s.db.SelectContext(ctx, &tokens,
		`SELECT id, username, token_hash, token_salt, created_at, revoked_at, expires_at,
		        allowed_scopes, allowed_environments, description
		 FROM tokens WHERE revoked_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	for i := range tokens {
		if tokens[i].Matches(bearer) {
			return &tokens[i], nil
		}
	}
	return nil, nil
}

// CreateToken persists a new token and returns the generated clear
// token, which is never stored.
func (s *Store) CreateToken(ctx context.Context, username, scopes, environments, description string, expiresAt *time.Time) (clear string, tok *Token, err error) {
	salt, err := NewSalt()
	if err != nil {
		return "", nil, err
	}
	clear = uuid.NewString() + uuid.NewString()
	tok = &Token{
		ID:                  uuid.NewString(),
		Username:            username,
		TokenHash:           HashToken(salt, clear),
		TokenSalt:           salt,
		CreatedAt:           time.Now().UTC(),
		ExpiresAt:           expiresAt,
		AllowedScopes:       scopes,
		AllowedEnvironments: environments,
		Description:         description,
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO tokens (id, username, token_hash, token_salt, created_at, expires_at,
		                     allowed_scopes, allowed_environments, description)
		 VALUES (:id, :username, :token_hash, :token_salt, :created_at, :expires_at,
		         :allowed_scopes, :allowed_environments, :description)`, tok)
	if err != nil {
		return "", nil, fmt.Errorf("insert token: %w", err)
	}
	return clear, tok, nil
}

// RevokeToken marks a token revoked. Revocation is permanent.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("token %s not found or already revoked", id)
	}
	return nil
}

// ListTokens returns every token, newest first, hashes included (the
// clear value is unrecoverable).
func (s *Store) ListTokens(ctx context.Context) ([]Token, error) {
	var tokens []Token
	err := s.db.SelectContext(ctx, &tokens,
		`SELECT id, username, token_hash, token_salt, created_at, revoked_at, expires_at,
		        allowed_scopes, allowed_environments, description
		 FROM tokens ORDER BY created_at DESC`)
	return tokens, err
}

// InsertAudit appends one audit record.
func (s *Store) InsertAudit(ctx context.Context, a Audit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO audits (id, token_id, username, operation, timestamp, source, ip, user_agent)
		 VALUES (:id, :token_id, :username, :operation, :timestamp, :source, :ip, :user_agent)`, &a)
	return err
}

// Ping verifies store connectivity, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
