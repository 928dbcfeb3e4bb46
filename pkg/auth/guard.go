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
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Reason classifies an authorisation rejection. The wire response
// collapses the token-identity reasons to 401 and the permission
// reasons to 403.
type Reason string

const (
	MissingToken         Reason = "MissingToken"
	UnknownToken         Reason = "UnknownToken"
	RevokedOrExpired     Reason = "RevokedOrExpired"
	EnvironmentForbidden Reason = "EnvironmentForbidden"
	ScopeForbidden       Reason = "ScopeForbidden"
)

// Status maps the reason to its HTTP status code.
func (r Reason) Status() int {
	switch r {
	case MissingToken, UnknownToken:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// Principal identifies the authenticated caller.
type Principal struct {
	TokenID  string
	Username string
}

// RequestMeta carries the request attributes recorded in the audit log.
type RequestMeta struct {
	Operation string
	Source    string
	IP        string
	UserAgent string
}

// TokenStore is the persistence surface the guard needs; satisfied by
// *Store and by fakes in tests.
type TokenStore interface {
	FindByToken(ctx context.Context, bearer string) (*Token, error)
	InsertAudit(ctx context.Context, a Audit) error
}

// Guard authorises requests. A token is accepted iff it is valid, the
// environment matches its allowedEnvironments and the endpoint matches
// its allowedScopes.
type Guard struct {
	store  TokenStore
	logger *zap.Logger
	now    func() time.Time
}

// NewGuard creates a Guard over the token store.
func NewGuard(store TokenStore, logger *zap.Logger) *Guard {
	return &Guard{store: store, logger: logger, now: time.Now}
}

// Authorize resolves the bearer token and checks it against
// (env, endpoint). Every outcome, accepted or rejected, is appended to
// the audit log best-effort.
func (g *Guard) Authorize(ctx context.Context, bearer, env, endpoint string, meta RequestMeta) (*Principal, Reason) {
	if bearer == "" {
		g.audit(ctx, nil, "denied:"+string(MissingToken), meta)
		return nil, MissingToken
	}
	tok, err := g.store.FindByToken(ctx, bearer)
	if err != nil {
		g.logger.Error("token lookup failed", zap.Error(err))
		g.audit(ctx, nil, "denied:"+string(UnknownToken), meta)
		return nil, UnknownToken
	}
	if tok == nil {
		g.audit(ctx, nil, "denied:"+string(UnknownToken), meta)
		return nil, UnknownToken
	}
	if !tok.IsValid(g.now()) {
		g.audit(ctx, tok, "denied:"+string(RevokedOrExpired), meta)
		return nil, RevokedOrExpired
	}
	if !tok.AllowsEnvironment(env) {
		g.audit(ctx, tok, "denied:"+string(EnvironmentForbidden), meta)
		return nil, EnvironmentForbidden
	}
	if !tok.AllowsScope(endpoint) {
		g.audit(ctx, tok, "denied:"+string(ScopeForbidden), meta)
		return nil, ScopeForbidden
	}
	g.audit(ctx, tok, meta.Operation, meta)
	return &Principal{TokenID: tok.ID, Username: tok.Username}, ""
}

// Authenticate checks token validity only, without scope or
// environment matching. Used by surfaces such as health details that
// require a caller identity but no endpoint grant.
func (g *Guard) Authenticate(ctx context.Context, bearer string, meta RequestMeta) (*Principal, Reason) {
	if bearer == "" {
		return nil, MissingToken
	}
	tok, err := g.store.FindByToken(ctx, bearer)
	if err != nil {
		g.logger.Error("token lookup failed", zap.Error(err))
		return nil, UnknownToken
	}
	if tok == nil {
		return nil, UnknownToken
	}
	if !tok.IsValid(g.now()) {
		return nil, RevokedOrExpired
	}
	g.audit(ctx, tok, meta.Operation, meta)
	return &Principal{TokenID: tok.ID, Username: tok.Username}, ""
}

// audit persists one outcome. Failures log and never reach the caller:
// audit persistence must not fail the request path.
func (g *Guard) audit(ctx context.Context, tok *Token, operation string, meta RequestMeta) {
	rec := Audit{
		Operation: operation,
		Timestamp: g.now().UTC(),
		Source:    meta.Source,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}
	if tok != nil {
		rec.TokenID = tok.ID
		rec.Username = tok.Username
	}
	if err := g.store.InsertAudit(ctx, rec); err != nil {
		g.logger.Warn("audit write failed", zap.Error(err))
	}
}
