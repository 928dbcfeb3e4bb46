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

// The datagate binary runs the multi-tenant API gateway: OData-shaped
// SQL endpoints, guarded reverse proxying and composite fan-out behind
// a persisted token store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/datagate-io/datagate/pkg/auth"
	"github.com/datagate-io/datagate/pkg/cache"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/edm"
	"github.com/datagate-io/datagate/pkg/gateway"
	"github.com/datagate-io/datagate/pkg/metrics"
	"github.com/datagate-io/datagate/pkg/sqlpool"
	"github.com/datagate-io/datagate/pkg/urlguard"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("gateway exited with error", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := config.NewStore(configPath, logger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	go func() {
		if err := store.Watch(ctx); err != nil {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()
	cfg := store.Current()

	provider, err := buildCacheProvider(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialise cache provider: %w", err)
	}

	tokenStore, err := auth.OpenStore(cfg.Auth.TokenStorePath)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer func() { _ = tokenStore.Close() }()

	pool := sqlpool.New(cfg.Pool, cfg.Pool.Driver, logger)
	prewarm(ctx, pool, cfg, logger)

	srv := gateway.NewServer(gateway.Deps{
		Config:   store,
		Logger:   logger,
		Metrics:  metrics.NewMetrics("datagate"),
		Cache:    provider,
		Pool:     pool,
		Guard:    auth.NewGuard(tokenStore, logger),
		URLGuard: urlguard.New(cfg.Hosts.AllowedHosts, cfg.Hosts.BlockedIPRanges, logger),
		Registry: edm.NewRegistry(logger),
		Pinger:   tokenStore,
		Version:  version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildCacheProvider(ctx context.Context, cc config.CacheConfig) (cache.Provider, error) {
	if cc.ProviderType == config.CacheRemote {
		if cc.Remote == nil {
			return nil, fmt.Errorf("remote cache selected but not configured")
		}
		return cache.NewRedisProvider(ctx, cache.RedisOptions{
			Addr:         cc.Remote.ConnectionString,
			InstanceName: cc.Remote.InstanceName,
			UseSSL:       cc.Remote.UseSSL,
		})
	}
	return cache.NewMemoryProvider(0)
}

// prewarm opens the configured minimum connections for every
// environment with a connection string. Failures are logged, not
// fatal: a tenant database being down must not stop the gateway.
func prewarm(ctx context.Context, pool *sqlpool.Pool, cfg *config.Config, logger *zap.Logger) {
	if !cfg.Pool.Enabled {
		return
	}
	for _, env := range cfg.Environments {
		if env.ConnectionString == "" {
			continue
		}
		if err := pool.Prewarm(ctx, env.ConnectionString); err != nil {
			logger.Warn("pool prewarm failed",
				zap.String("environment", env.Name),
				zap.Error(err))
		}
	}
}
