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

// Package cache defines the pluggable cache provider the gateway uses
// for response caching and distributed locking, with an in-process and
// a Redis-backed implementation behind one contract.
//
// Callers must treat every failure as a cache miss: providers degrade,
// they never take the request path down with them.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// ProviderType tags the concrete variant behind the Provider interface.
type ProviderType string

const (
	InMemory ProviderType = "InMemory"
	Remote   ProviderType = "Remote"
)

// Provider is the narrow capability surface handlers are allowed to
// see. Implementations are safe for concurrent use.
type Provider interface {
	// Get returns the stored bytes, or nil on miss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value with absolute expiry now+ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// RefreshExpiration re-stamps the expiry of an existing key.
	RefreshExpiration(ctx context.Context, key string, ttl time.Duration) error

	// AcquireLock blocks up to waitFor, polling every retry, and returns
	// nil when the lock could not be obtained in time. Ownership is tied
	// to a per-caller nonce; see Lock.
	AcquireLock(ctx context.Context, key string, expiry, waitFor, retry time.Duration) (*Lock, error)

	ProviderType() ProviderType
	IsConnected(ctx context.Context) bool
	Close() error
}

// Lock is a held distributed lock. Release is a no-op when the holder's
// nonce no longer matches (the lock expired and was re-acquired by
// someone else); Extend re-stamps the expiry only while still owned.
type Lock struct {
	Key       string
	Nonce     string
	ExpiresAt time.Time

	extend  func(ctx context.Context, ttl time.Duration) (bool, error)
	release func(ctx context.Context) error
}

// IsValid reports whether the lock is still within its expiry window.
func (l *Lock) IsValid() bool {
	return l != nil && time.Now().Before(l.ExpiresAt)
}

// Extend pushes the expiry out by ttl iff this holder still owns the
// key. Returns false when ownership was lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.extend(ctx, ttl)
	if ok {
		l.ExpiresAt = time.Now().Add(ttl)
	}
	return ok, err
}

// Release frees the lock if still owned.
func (l *Lock) Release(ctx context.Context) error {
	return l.release(ctx)
}

// GetJSON fetches and decodes a typed value; nil on miss or decode
// failure (a poisoned entry behaves like a miss).
func GetJSON[T any](ctx context.Context, p Provider, key string) (*T, error) {
	raw, err := p.Get(ctx, key)
	if err != nil || raw == nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil
	}
	return &v, nil
}

// SetJSON encodes and stores a typed value.
func SetJSON[T any](ctx context.Context, p Provider, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Set(ctx, key, raw, ttl)
}
