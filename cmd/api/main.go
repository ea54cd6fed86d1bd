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

	"statehouse/api/internal/app"
	"statehouse/api/internal/auth"
	"statehouse/api/internal/config"
	"statehouse/api/internal/engine"
	"statehouse/api/internal/provision"
	"statehouse/api/internal/revoke"
	"statehouse/api/internal/router"
	"statehouse/api/internal/snapshot"
	"statehouse/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	registry := store.NewRegistry(db, cfg.MetaSchema)
	provisioner := provision.New(db)
	tokens := auth.NewTokenHandler(cfg.TokenSecret, cfg.TokenAudience)
	verifier := auth.NewVerifier(registry)

	sessions := router.New(db, registry, tokens)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("token revocation enabled via Redis")
		revokeStore, err := revoke.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer revokeStore.Close()
		sessions = sessions.WithRevocation(revokeStore)
	}

	core := engine.New(engine.Config{
		DefaultTTL:     cfg.EnvTTL,
		DefaultMaxIdle: cfg.EnvMaxIdle,
		TokenTTL:       cfg.TokenTTL,
	}, provisioner, registry, tokens, sessions, verifier)

	service := app.NewService(cfg, db, core, registry, verifier)
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		snaps, err := snapshot.NewService(db, snapshot.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		service = service.WithSnapshots(snaps)
	}

	if err := service.Bootstrap(ctx); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	if cfg.SweepInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.SweepInterval)
			defer ticker.Stop()
			for range ticker.C {
				removed, err := core.SweepExpired(ctx)
				if err != nil {
					log.Printf("sweep failed: %v", err)
					continue
				}
				if removed > 0 {
					log.Printf("sweep removed %d expired environments", removed)
				}
			}
		}()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Statehouse API listening on %s", cfg.Addr)
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
