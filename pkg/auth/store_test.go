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
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreTokenLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	clear, tok, err := store.CreateToken(ctx, "svc-reports", "Products,Report*", "600", "reporting token", nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if clear == "" || tok.TokenHash == HashToken(tok.TokenSalt, "") {
		t.Fatal("clear token missing or hash degenerate")
	}

	found, err := store.FindByToken(ctx, clear)
	if err != nil {
		t.Fatalf("FindByToken: %v", err)
	}
	if found == nil || found.ID != tok.ID || found.Username != "svc-reports" {
		t.Fatalf("FindByToken = %+v, want %s", found, tok.ID)
	}

	if missing, err := store.FindByToken(ctx, "not-a-token"); err != nil || missing != nil {
		t.Fatalf("FindByToken(bogus) = %+v, %v; want nil, nil", missing, err)
	}

	if err := store.RevokeToken(ctx, tok.ID); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if revoked, _ := store.FindByToken(ctx, clear); revoked != nil {
		t.Fatal("revoked token should not resolve")
	}
	if err := store.RevokeToken(ctx, tok.ID); err == nil {
		t.Fatal("double revoke should fail")
	}

	tokens, err := store.ListTokens(ctx)
	if err != nil || len(tokens) != 1 {
		t.Fatalf("ListTokens = %d tokens, %v", len(tokens), err)
	}
	if tokens[0].RevokedAt == nil {
		t.Fatal("listed token should carry its revocation timestamp")
	}
}

func TestStoreAuditAppend(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.InsertAudit(ctx, Audit{
		TokenID:   "tok-1",
		Username:  "svc-reports",
		Operation: "GET /api/600/Products",
		Source:    "api",
		IP:        "203.0.113.7",
		UserAgent: "curl/8",
	})
	if err != nil {
		t.Fatalf("InsertAudit: %v", err)
	}

	// The id and timestamp are filled in when omitted.
	var count int
	if err := store.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM audits WHERE id != '' AND timestamp IS NOT NULL`); err != nil {
		t.Fatalf("count audits: %v", err)
	}
	if count != 1 {
		t.Fatalf("audits = %d, want 1", count)
	}
}

func TestStorePing(t *testing.T) {
	store := openTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestStoreExpiredTokenStillStoredButInvalid(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UTC()
	clear, _, err := store.CreateToken(ctx, "svc-old", "*", "*", "", &past)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	// The store returns the row; validity is the guard's decision.
	found, err := store.FindByToken(ctx, clear)
	if err != nil || found == nil {
		t.Fatalf("FindByToken = %+v, %v", found, err)
	}
	if found.IsValid(time.Now()) {
		t.Fatal("expired token should not be valid")
	}
}
