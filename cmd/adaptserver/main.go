// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arclight-learning/adaptcore/internal/anonymize"
	"github.com/arclight-learning/adaptcore/internal/audit"
	"github.com/arclight-learning/adaptcore/internal/cache"
	"github.com/arclight-learning/adaptcore/internal/clock"
	"github.com/arclight-learning/adaptcore/internal/config"
	adaptlog "github.com/arclight-learning/adaptcore/internal/log"
	"github.com/arclight-learning/adaptcore/internal/pipeline"
	"github.com/arclight-learning/adaptcore/internal/pipeline/bus"
	"github.com/arclight-learning/adaptcore/internal/registry"
	"github.com/arclight-learning/adaptcore/internal/security"
	"github.com/arclight-learning/adaptcore/internal/store"
	"github.com/arclight-learning/adaptcore/internal/toolapi"
	"github.com/arclight-learning/adaptcore/internal/transport/ws"
	"github.com/arclight-learning/adaptcore/internal/version"
)

const shutdownGrace = 2 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		return
	}

	adaptlog.Configure(adaptlog.Config{Level: "info", Service: "adaptcore", Version: version.Version})
	logger := adaptlog.WithComponent("adaptserver")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "config.invalid").Msg("invalid configuration")
	}

	if err := runServer(ctx, logger, cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "run.failed").Msg("adaptserver exited with error")
	}
}

// runServer wires every collaborator named across §4 and §6 and serves
// until ctx is cancelled. Grounded on the teacher's cmd/daemon/main.go:
// config first, pre-flight/fail-fast checks next, then construct the
// dependency graph bottom-up before binding any listener.
func runServer(ctx context.Context, logger zerolog.Logger, cfg config.Snapshot) error {
	serverID := fmt.Sprintf("%s-%d", cfg.ServerName, os.Getpid())

	if err := os.MkdirAll(cfg.PersistenceLocation, 0o750); err != nil {
		return fmt.Errorf("create persistence directory: %w", err)
	}

	masterSecret, err := loadOrCreateMasterSecret(filepath.Join(cfg.PersistenceLocation, "master.key"))
	if err != nil {
		return fmt.Errorf("load master secret: %w", err)
	}
	staticBox, err := security.NewBox(masterSecret, "learner_static_profile")
	if err != nil {
		return fmt.Errorf("derive static profile box: %w", err)
	}
	dynamicBox, err := security.NewBox(masterSecret, "learner_dynamic_profile")
	if err != nil {
		return fmt.Errorf("derive dynamic profile box: %w", err)
	}

	db, err := store.Open(
		filepath.Join(cfg.PersistenceLocation, "hot"),
		filepath.Join(cfg.PersistenceLocation, "cold.sqlite"),
		staticBox, dynamicBox, serverID,
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing store")
		}
	}()

	anonSecret, err := anonymize.NewSecret()
	if err != nil {
		return fmt.Errorf("generate anonymisation secret: %w", err)
	}
	hasher := anonymize.NewKeyedHasher(anonSecret)

	reg := registry.New(db, hasher)
	rec := audit.New(db)
	clk := clock.New(nil, func(op clock.Op, budget, observed time.Duration) {
		logger.Warn().
			Str("op", string(op)).
			Dur("budget", budget).
			Dur("observed", observed).
			Msg("operation exceeded its latency budget")
	})
	msgBus := bus.NewMemoryBus()

	dispatcher := pipeline.NewDispatcher(pipeline.Deps{
		Clock:       clk,
		Registry:    reg,
		Audit:       rec,
		Persister:   db,
		Leases:      db.Hot,
		Idempotency: db.Hot,
		Bus:         msgBus,
		Config:      cfg,
		ServerID:    serverID,
	})

	guard := pipeline.NewGuard(db.Hot, serverID)
	if err := guard.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire single-writer lease: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := guard.Release(releaseCtx); err != nil {
			logger.Error().Err(err).Msg("error releasing single-writer lease")
		}
	}()
	go guard.Run(ctx)

	recovered, err := dispatcher.RecoverOnBoot(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions on boot: %w", err)
	}
	if recovered > 0 {
		logger.Warn().Int("count", recovered).Msg("recovered orphaned sessions from unclean shutdown")
	}

	sweeper := pipeline.NewSweeper(dispatcher, cfg.SessionIdleTimeout, time.Minute)
	go sweeper.Run(ctx)

	heartbeat := pipeline.NewHeartbeat(dispatcher, 0)
	go heartbeat.Run(ctx)

	authToken := config.ParseString("ADAPTCORE_AUTH_TOKEN", "")

	wsHandler := ws.NewHandler(dispatcher)
	wsHandler.AuthToken = authToken

	knowledgeCache := newKnowledgeCache(logger)

	toolRouter := toolapi.NewRouter(toolapi.Deps{
		Clock:      clk,
		Registry:   reg,
		Dispatcher: dispatcher,
		Rel:        db.Rel,
		Cache:      knowledgeCache,
		Config:     cfg,
		AuthToken:  authToken,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/tools/", toolRouter)
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rc, ok := knowledgeCache.(*cache.RedisCache); ok {
			if err := rc.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("knowledge cache unreachable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	apiAddr := config.ParseString("ADAPTCORE_LISTEN_ADDR", ":8080")
	apiServer := &http.Server{
		Addr:              apiAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsAddr := config.ParseString("ADAPTCORE_METRICS_ADDR", ":9090")
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", apiAddr).Msg("serving adaptation API")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", metricsAddr).Msg("serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, draining")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace+5*time.Second)
	defer cancel()

	if err := dispatcher.Shutdown(shutdownCtx, shutdownGrace); err != nil {
		logger.Error().Err(err).Msg("error draining pipeline")
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down api server")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down metrics server")
	}
	if err := reg.CloseAndWait(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error draining registry background work")
	}
	return nil
}

// newKnowledgeCache backs process_knowledge_model's short-lived cache.
// A Redis address opts into a shared cache across adaptserver replicas;
// otherwise each process keeps its own in-memory one.
func newKnowledgeCache(logger zerolog.Logger) cache.Cache {
	if addr := config.ParseString("ADAPTCORE_REDIS_ADDR", ""); addr != "" {
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:     addr,
			Password: config.ParseString("ADAPTCORE_REDIS_PASSWORD", ""),
			DB:       config.ParseInt("ADAPTCORE_REDIS_DB", 0),
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis cache unavailable, falling back to in-memory cache")
			return cache.NewMemoryCache(time.Minute)
		}
		return rc
	}
	return cache.NewMemoryCache(time.Minute)
}

// loadOrCreateMasterSecret persists a 32-byte AEAD root key alongside the
// rest of the hot state so restarts keep decrypting the same rows; a fresh
// deployment generates one on first boot.
func loadOrCreateMasterSecret(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == 32 {
		return data, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate master secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("persist master secret: %w", err)
	}
	return secret, nil
}
