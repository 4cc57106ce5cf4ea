package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/coin-bridge/internal/auditsink"
	appcfg "github.com/park285/coin-bridge/internal/config"
	"github.com/park285/coin-bridge/internal/obslog"
)

func main() {
	cfg, err := appcfg.LoadSink()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("log init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	var store auditsink.Store
	if cfg.MemoryStore {
		store = auditsink.NewMemoryStore()
		obslog.L().Warn("auditd_memory_store")
	} else {
		store, err = auditsink.NewPgStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database error: %v", err)
		}
	}

	feed := auditsink.NewFeed(store)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      auditsink.New(store, []byte(cfg.AuditHMACSecret), feed),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the ws feed holds long-lived connections
	}

	go func() {
		obslog.L().Info("auditd_started", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("auditd_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = store.Close()
}
