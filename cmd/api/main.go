package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ainexllc/ainexsuite-sub009/internal/app"
	"github.com/ainexllc/ainexsuite-sub009/internal/config"
	"github.com/ainexllc/ainexsuite-sub009/internal/media"
	"github.com/ainexllc/ainexsuite-sub009/internal/remote"
	"github.com/ainexllc/ainexsuite-sub009/internal/search"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var store remote.Store
	switch cfg.Backend {
	case "postgres":
		pgStore, err := remote.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres connection failed: %v", err)
		}
		store = pgStore
	case "redis":
		redisStore, err := remote.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		store = redisStore
	default:
		log.Fatalf("unknown backend %q (want redis or postgres)", cfg.Backend)
	}
	defer store.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	// The service falls back to a store scan when Meilisearch is absent
	// or unhealthy.
	searchService := search.NewService(meiliClient, store, cfg.Collections)

	var mediaStore *media.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		var err error
		mediaStore, err = media.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		log.Printf("media storage enabled (bucket %s)", cfg.MinioBucket)
	}

	service := app.New(cfg, store, searchService, mediaStore)
	defer service.Close()
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("AinexSuite view API listening on %s (backend %s)", cfg.Addr, cfg.Backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
