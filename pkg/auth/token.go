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

// Package auth validates bearer tokens against the persisted token
// store and enforces per-token scope and environment authorisation.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"
)

// Token is one persisted API token. Secrets are stored as a salted
// SHA-256 hash; the clear token exists only in the caller's hands.
type Token struct {
	ID                  string     `db:"id"`
	Username            string     `db:"username"`
	TokenHash           string     `db:"token_hash"`
	TokenSalt           string     `db:"token_salt"`
	CreatedAt           time.Time  `db:"created_at"`
	RevokedAt           *time.Time `db:"revoked_at"`
	ExpiresAt           *time.Time `db:"expires_at"`
	AllowedScopes       string     `db:"allowed_scopes"`
	AllowedEnvironments string     `db:"allowed_environments"`
	Description         string     `db:"description"`
}

// IsValid reports whether the token is neither revoked nor expired.
func (t *Token) IsValid(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// AllowsEnvironment matches env against the token's environment list.
func (t *Token) AllowsEnvironment(env string) bool {
	return matchList(t.AllowedEnvironments, env)
}

// AllowsScope matches an endpoint name against the token's scope list.
func (t *Token) AllowsScope(endpoint string) bool {
	return matchList(t.AllowedScopes, endpoint)
}

// Matches verifies a presented bearer token against the stored salted
// hash in constant time.
func (t *Token) Matches(bearer string) bool {
	computed := HashToken(t.TokenSalt, bearer)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(t.TokenHash)) == 1
}

// HashToken derives the stored hash for a bearer token and salt.
func HashToken(salt, bearer string) string {
	sum := sha256.Sum256([]byte(salt + bearer))
	return hex.EncodeToString(sum[:])
}

// NewSalt produces a random per-token salt.
func NewSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// matchList checks value against a comma-separated pattern list where
// "*" is universal and a trailing "*" makes a prefix wildcard
// ("Product*" matches ProductGroups). Matching is case-insensitive.
func matchList(patterns, value string) bool {
	for _, pat := range strings.Split(patterns, ",") {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if pat == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(pat, "*"); ok {
			if len(value) >= len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
				return true
			}
			continue
		}
		if strings.EqualFold(pat, value) {
			return true
		}
	}
	return false
}
