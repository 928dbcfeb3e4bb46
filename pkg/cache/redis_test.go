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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newRedis(t *testing.T, instance string) (*RedisProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	p, err := NewRedisProvider(context.Background(), RedisOptions{
		Addr:         mr.Addr(),
		InstanceName: instance,
	})
	if err != nil {
		t.Fatalf("NewRedisProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, mr
}

func TestRedisGetSet(t *testing.T) {
	p, mr := newRedis(t, "dg")
	ctx := context.Background()

	if got, err := p.Get(ctx, "missing"); err != nil || got != nil {
		t.Fatalf("Get(missing) = %v, %v; want nil, nil", got, err)
	}

	if err := p.Set(ctx, "k", []byte("value"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil || !bytes.Equal(got, []byte("value")) {
		t.Fatalf("Get(k) = %q, %v", got, err)
	}

	// The instance name isolates keys in a shared store.
	if !mr.Exists("dg:k") {
		t.Fatal("stored key should carry the instance prefix")
	}

	exists, err := p.Exists(ctx, "k")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true", exists, err)
	}
	if err := p.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got, _ := p.Get(ctx, "k"); got != nil {
		t.Fatalf("Get after Remove = %q", got)
	}
}

func TestRedisExpiry(t *testing.T) {
	p, mr := newRedis(t, "")
	ctx := context.Background()

	if err := p.Set(ctx, "short", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if got, _ := p.Get(ctx, "short"); got != nil {
		t.Fatalf("expired entry still served: %q", got)
	}
}

func TestRedisRefreshExpiration(t *testing.T) {
	p, mr := newRedis(t, "")
	ctx := context.Background()

	if err := p.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := p.RefreshExpiration(ctx, "k", time.Hour); err != nil {
		t.Fatalf("RefreshExpiration: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if got, _ := p.Get(ctx, "k"); got == nil {
		t.Fatal("refreshed entry should outlive its original TTL")
	}
}

func TestRedisLockOwnership(t *testing.T) {
	p, mr := newRedis(t, "")
	ctx := context.Background()

	lock, err := p.AcquireLock(ctx, "job", time.Minute, 100*time.Millisecond, 10*time.Millisecond)
	if err != nil || lock == nil {
		t.Fatalf("AcquireLock = %v, %v", lock, err)
	}

	second, err := p.AcquireLock(ctx, "job", time.Minute, 30*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("contended AcquireLock: %v", err)
	}
	if second != nil {
		t.Fatal("second holder acquired a held lock")
	}

	ok, err := lock.Extend(ctx, time.Hour)
	if err != nil || !ok {
		t.Fatalf("Extend = %v, %v; want true", ok, err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	third, err := p.AcquireLock(ctx, "job", time.Minute, 100*time.Millisecond, 10*time.Millisecond)
	if err != nil || third == nil {
		t.Fatal("lock should be reacquirable after release")
	}

	// Expired locks are reclaimable and stale holders lose ownership.
	mr.FastForward(2 * time.Minute)
	fourth, err := p.AcquireLock(ctx, "job", time.Minute, 100*time.Millisecond, 10*time.Millisecond)
	if err != nil || fourth == nil {
		t.Fatal("expired lock should be reclaimable")
	}
	if ok, _ := third.Extend(ctx, time.Minute); ok {
		t.Fatal("stale holder extended a reacquired lock")
	}
	_ = third.Release(ctx)
	if ok, _ := fourth.Extend(ctx, time.Minute); !ok {
		t.Fatal("current holder should survive a stale release")
	}
}

func TestRedisIsConnected(t *testing.T) {
	p, mr := newRedis(t, "")
	if !p.IsConnected(context.Background()) {
		t.Fatal("provider should report connected while the server is up")
	}
	mr.Close()
	if p.IsConnected(context.Background()) {
		t.Fatal("provider should report disconnected after the server stops")
	}
}
