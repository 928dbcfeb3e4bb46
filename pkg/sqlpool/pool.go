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

// Package sqlpool manages the per-environment SQL connection pools.
//
// Connection strings are normalised once in the driver's key dialect
// (timeouts, application name, and pool sizing where the DSN carries
// it) and the normalised form is memoised. Prewarm opens
// MinPoolSize connections and retains one as a dedicated keep-alive
// connection that a maintenance loop probes with SELECT 1 every five
// minutes. Keep-alive connections are owned by the maintenance loop and
// are never handed to request handlers.
package sqlpool

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datagate-io/datagate/pkg/config"
)

const (
	maintenanceInterval = 5 * time.Minute
	maintenanceDelay    = 30 * time.Second
	probeTimeout        = 5 * time.Second
)

// keepAlive pairs a pinned connection with the database it came from so
// the maintenance loop can recreate it after a failed probe.
type keepAlive struct {
	db   *sqlx.DB
	conn *sql.Conn
}

// Pool opens and retains sqlx databases keyed by normalised connection
// string. Safe for concurrent use.
type Pool struct {
	cfg    config.PoolConfig
	driver string
	logger *zap.Logger

	mu        sync.Mutex
	dbs       map[string]*sqlx.DB
	optimized map[string]string
	keepAlive map[string]*keepAlive

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a Pool using the given database/sql driver name and
// starts the keep-alive maintenance loop.
func New(cfg config.PoolConfig, driver string, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:       cfg,
		driver:    driver,
		logger:    logger,
		dbs:       make(map[string]*sqlx.DB),
		optimized: make(map[string]string),
		keepAlive: make(map[string]*keepAlive),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.maintainLoop()
	return p
}

// CommandTimeout is the per-statement deadline handlers should apply.
func (p *Pool) CommandTimeout() time.Duration {
	return p.cfg.CommandTimeout
}

// Optimize normalises a key=value connection string: connect timeout
// and application name are pinned unless the input already sets them,
// in the key dialect of the pool's driver. The mapping is memoised.
func (p *Pool) Optimize(connString string) string {
	p.mu.Lock()
	if out, ok := p.optimized[connString]; ok {
		p.mu.Unlock()
		return out
	}
	p.mu.Unlock()

	out := p.optimize(connString)

	p.mu.Lock()
	p.optimized[connString] = out
	p.mu.Unlock()
	return out
}

func (p *Pool) optimize(connString string) string {
	// Opaque DSNs (no key=value fields) pass through untouched.
	if !strings.Contains(connString, "=") {
		return connString
	}
	if p.driver == "pgx" {
		return p.optimizePostgres(connString)
	}
	return p.optimizeSQLServer(connString)
}

// optimizeSQLServer normalises an ADO-style semicolon-separated string
// (go-mssqldb). Pool sizing is not a DSN concern for this driver; it is
// applied to the database/sql pool in open.
func (p *Pool) optimizeSQLServer(connString string) string {
	keys, vals := parseFields(strings.Split(connString, ";"))
	setDefault := func(k, v string) {
		if _, ok := vals[k]; !ok {
			keys = append(keys, k)
			vals[k] = v
		}
	}
	setDefault("dial timeout", fmt.Sprintf("%d", int(p.cfg.ConnectionTimeout.Seconds())))
	setDefault("app name", p.cfg.ApplicationName)
	return joinFields(keys, vals, ";")
}

// optimizePostgres normalises a libpq/pgx space-separated string,
// including the pgxpool sizing keys.
func (p *Pool) optimizePostgres(connString string) string {
	keys, vals := parseFields(strings.Fields(connString))
	setDefault := func(k, v string) {
		if _, ok := vals[k]; !ok {
			keys = append(keys, k)
			vals[k] = v
		}
	}
	if p.cfg.Enabled {
		setDefault("pool_min_conns", fmt.Sprintf("%d", p.cfg.MinPoolSize))
		setDefault("pool_max_conns", fmt.Sprintf("%d", p.cfg.MaxPoolSize))
	}
	setDefault("connect_timeout", fmt.Sprintf("%d", int(p.cfg.ConnectionTimeout.Seconds())))
	setDefault("application_name", p.cfg.ApplicationName)
	return joinFields(keys, vals, " ")
}

func parseFields(fields []string) ([]string, map[string]string) {
	keys := make([]string, 0, 8)
	vals := make(map[string]string)
	for _, field := range fields {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, seen := vals[k]; !seen {
			keys = append(keys, k)
		}
		vals[k] = strings.TrimSpace(v)
	}
	return keys, vals
}

func joinFields(keys []string, vals map[string]string, sep string) string {
	// Deterministic output so the memoised form is also a stable map key.
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+vals[k])
	}
	return strings.Join(parts, sep)
}

// Open returns the shared database for connString, creating and sizing
// it on first use.
func (p *Pool) Open(ctx context.Context, connString string) (*sqlx.DB, error) {
	key := p.Optimize(connString)

	p.mu.Lock()
	if db, ok := p.dbs[key]; ok {
		p.mu.Unlock()
		return db, nil
	}
	p.mu.Unlock()

	db, err := p.open(ctx, key)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.dbs[key]; ok {
		// Lost the race; keep the first build.
		_ = db.Close()
		return existing, nil
	}
	p.dbs[key] = db
	return db, nil
}

func (p *Pool) open(ctx context.Context, connString string) (*sqlx.DB, error) {
	db, err := sqlx.Open(p.driver, connString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(p.cfg.MaxPoolSize)
	db.SetMaxIdleConns(p.cfg.MinPoolSize)

	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Prewarm opens MinPoolSize connections concurrently, releases all but
// one, and retains that one as the keep-alive connection for the
// connection string.
func (p *Pool) Prewarm(ctx context.Context, connString string) error {
	if !p.cfg.Enabled {
		return nil
	}
	key := p.Optimize(connString)
	db, err := p.Open(ctx, connString)
	if err != nil {
		return err
	}

	n := p.cfg.MinPoolSize
	if n < 1 {
		n = 1
	}
	conns := make([]*sql.Conn, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			conn, err := db.Conn(gctx)
			if err != nil {
				return err
			}
			conns[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
		return fmt.Errorf("prewarm %d connections: %w", n, err)
	}

	for _, c := range conns[1:] {
		_ = c.Close()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.keepAlive[key]; ok && prev.conn != nil {
		_ = prev.conn.Close()
	}
	p.keepAlive[key] = &keepAlive{db: db, conn: conns[0]}
	p.logger.Info("pool prewarmed",
		zap.Int("connections", n),
		zap.String("application", p.cfg.ApplicationName))
	return nil
}

// maintainLoop probes every keep-alive connection on a fixed cadence.
// The first probe runs after a short startup delay. Probe failures are
// logged and the connection recreated; nothing propagates.
func (p *Pool) maintainLoop() {
	defer close(p.done)

	timer := time.NewTimer(maintenanceDelay)
	defer timer.Stop()
	select {
	case <-p.stopCh:
		return
	case <-timer.C:
	}
	p.probeAll()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Pool) probeAll() {
	p.mu.Lock()
	entries := make(map[string]*keepAlive, len(p.keepAlive))
	for k, v := range p.keepAlive {
		entries[k] = v
	}
	p.mu.Unlock()

	for key, ka := range entries {
		p.probe(key, ka)
	}
}

func (p *Pool) probe(key string, ka *keepAlive) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	// A nil conn is an entry whose last reconnect failed; go straight to
	// the reopen.
	if ka.conn != nil {
		var one int
		err := ka.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
		if err == nil {
			return
		}
		p.logger.Warn("keep-alive probe failed, recreating connection", zap.Error(err))
		_ = ka.conn.Close()
	}

	conn, err := ka.db.Conn(ctx)
	if err != nil {
		// Keep the entry so the next tick retries the reopen.
		p.logger.Warn("keep-alive reconnect failed, will retry", zap.Error(err))
		p.mu.Lock()
		p.keepAlive[key] = &keepAlive{db: ka.db}
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	p.keepAlive[key] = &keepAlive{db: ka.db, conn: conn}
	p.mu.Unlock()
}

// Close stops the maintenance loop, releases every keep-alive
// connection and closes the underlying databases.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ka := range p.keepAlive {
		if ka.conn != nil {
			_ = ka.conn.Close()
		}
	}
	p.keepAlive = make(map[string]*keepAlive)

	var firstErr error
	for _, db := range p.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.dbs = make(map[string]*sqlx.DB)
	return firstErr
}
