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
	"crypto/tls"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua scripts for nonce-guarded lock release and extension. Both are
// atomic compare-then-mutate so an expired-and-reacquired lock can
// never be touched by a stale holder.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisProvider is the remote key-value variant. Consistency is
// whatever the backing store guarantees.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures a RedisProvider.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	InstanceName string // key prefix, isolates tenants sharing a store
	UseSSL       bool
}

// NewRedisProvider connects to Redis and verifies connectivity.
func NewRedisProvider(ctx context.Context, opts RedisOptions) (*RedisProvider, error) {
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.UseSSL {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	prefix := opts.InstanceName
	if prefix != "" {
		prefix += ":"
	}
	return &RedisProvider{client: client, prefix: prefix}, nil
}

func (r *RedisProvider) key(k string) string { return r.prefix + k }

func (r *RedisProvider) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (r *RedisProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisProvider) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisProvider) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	return n > 0, err
}

func (r *RedisProvider) RefreshExpiration(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.key(key), ttl).Err()
}

func (r *RedisProvider) AcquireLock(ctx context.Context, key string, expiry, waitFor, retry time.Duration) (*Lock, error) {
	nonce := uuid.NewString()
	lockKey := r.key("lock:" + key)
	deadline := time.Now().Add(waitFor)
	for {
		ok, err := r.client.SetNX(ctx, lockKey, nonce, expiry).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{
				Key:       key,
				Nonce:     nonce,
				ExpiresAt: time.Now().Add(expiry),
				extend: func(ctx context.Context, ttl time.Duration) (bool, error) {
					n, err := extendScript.Run(ctx, r.client, []string{lockKey}, nonce, ttl.Milliseconds()).Int()
					return n == 1, err
				},
				release: func(ctx context.Context) error {
					return releaseScript.Run(ctx, r.client, []string{lockKey}, nonce).Err()
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

func (r *RedisProvider) ProviderType() ProviderType { return Remote }

func (r *RedisProvider) IsConnected(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

func (r *RedisProvider) Close() error {
	return r.client.Close()
}
