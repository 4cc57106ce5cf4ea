package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/coin-bridge/internal/auditclient"
	"github.com/park285/coin-bridge/internal/bridge"
	appcfg "github.com/park285/coin-bridge/internal/config"
	"github.com/park285/coin-bridge/internal/ledgerstore"
	"github.com/park285/coin-bridge/internal/obslog"
	"github.com/park285/coin-bridge/internal/session"
	"github.com/park285/coin-bridge/internal/transport"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("log init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping error: %v", err)
	}

	store := ledgerstore.NewStore(rdb)
	registry := session.NewRegistry(store, cfg.NodeID, cfg.LeaseTTL)
	bus := transport.NewBus(rdb, transport.WithMaxRetries(cfg.MaxRetries))
	audit := auditclient.NewClient(cfg.AuditBaseURL, cfg.AuditHMACSecret, cfg.NodeID,
		auditclient.WithTimeout(cfg.HTTPTimeout),
		auditclient.WithRetry(cfg.MaxRetries),
	)

	dispatcher := bridge.NewDispatcher(bus, registry, store, audit, cfg.NodeID,
		bridge.WithRingCapacity(cfg.RingCapacity),
		bridge.WithMaxRetries(cfg.MaxRetries),
		bridge.WithMaxCommandAge(cfg.MaxCommandAge),
	)

	ctx, cancel := context.WithCancel(context.Background())

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				obslog.L().Error("metrics_server_failed", zap.Error(err))
			}
		}()
	}

	go dispatcher.RunWatchdog(ctx, cfg.WatchdogInterval)
	go dispatcher.Run(ctx)

	obslog.L().Info("bridge_node_started",
		zap.String("node_id", cfg.NodeID),
		zap.Duration("lease_ttl", cfg.LeaseTTL),
		zap.Int("ring_capacity", cfg.RingCapacity),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("bridge_node_stopping", zap.String("node_id", cfg.NodeID))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	registry.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	_ = rdb.Close()
}
