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

package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
)

const defaultMemoryEntries = 10_000

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

type memoryLock struct {
	nonce     string
	expiresAt time.Time
}

// MemoryProvider is the in-process LRU/TTL variant. Expiry is checked
// lazily on read; the LRU bound caps memory.
type MemoryProvider struct {
	entries *lru.Cache[string, memoryEntry]

	mu    sync.Mutex
	locks map[string]memoryLock
}

// NewMemoryProvider creates an in-process provider holding at most
// maxEntries values (0 uses the default bound).
func NewMemoryProvider(maxEntries int) (*MemoryProvider, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	entries, err := lru.New[string, memoryEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{
		entries: entries,
		locks:   make(map[string]memoryLock),
	}, nil
}

func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := m.entries.Get(key)
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		m.entries.Remove(key)
		return nil, nil
	}
	return e.data, nil
}

func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.entries.Add(key, memoryEntry{data: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (m *MemoryProvider) Remove(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

func (m *MemoryProvider) Exists(ctx context.Context, key string) (bool, error) {
	data, err := m.Get(ctx, key)
	return data != nil, err
}

func (m *MemoryProvider) RefreshExpiration(_ context.Context, key string, ttl time.Duration) error {
	e, ok := m.entries.Get(key)
	if !ok || time.Now().After(e.expiresAt) {
		return nil
	}
	m.entries.Add(key, memoryEntry{data: e.data, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (m *MemoryProvider) AcquireLock(ctx context.Context, key string, expiry, waitFor, retry time.Duration) (*Lock, error) {
	nonce := uuid.NewString()
	deadline := time.Now().Add(waitFor)
	for {
		if m.tryLock(key, nonce, expiry) {
			return &Lock{
				Key:       key,
				Nonce:     nonce,
				ExpiresAt: time.Now().Add(expiry),
				extend: func(_ context.Context, ttl time.Duration) (bool, error) {
					return m.extendLock(key, nonce, ttl), nil
				},
				release: func(_ context.Context) error {
					m.releaseLock(key, nonce)
					return nil
				},
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (m *MemoryProvider) tryLock(key, nonce string, expiry time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[key]; ok && time.Now().Before(held.expiresAt) {
		return false
	}
	m.locks[key] = memoryLock{nonce: nonce, expiresAt: time.Now().Add(expiry)}
	return true
}

func (m *MemoryProvider) extendLock(key, nonce string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[key]
	if !ok || held.nonce != nonce || time.Now().After(held.expiresAt) {
		return false
	}
	held.expiresAt = time.Now().Add(ttl)
	m.locks[key] = held
	return true
}

func (m *MemoryProvider) releaseLock(key, nonce string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[key]; ok && held.nonce == nonce {
		delete(m.locks, key)
	}
}

func (m *MemoryProvider) ProviderType() ProviderType { return InMemory }

func (m *MemoryProvider) IsConnected(context.Context) bool { return true }

func (m *MemoryProvider) Close() error {
	m.entries.Purge()
	return nil
}
