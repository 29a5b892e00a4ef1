// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/Shivanand-hulikatti/registration-engine/internal/config"
	"github.com/Shivanand-hulikatti/registration-engine/internal/database"
	"github.com/Shivanand-hulikatti/registration-engine/internal/gamification"
	"github.com/Shivanand-hulikatti/registration-engine/internal/handler"
	"github.com/Shivanand-hulikatti/registration-engine/internal/identity"
	"github.com/Shivanand-hulikatti/registration-engine/internal/outbox"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository/memstore"
	"github.com/Shivanand-hulikatti/registration-engine/internal/service"
	"github.com/Shivanand-hulikatti/registration-engine/internal/webhook"
)

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// ── 1. Load configuration ─────────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: .env not loaded: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ── 2. Open the store ─────────────────────────────────────────────────
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()
	if err := gamification.SeedDefaultBadges(ctx, store); err != nil {
		log.Fatalf("store: %v", err)
	}

	// ── 3. Start the side-effect queue ────────────────────────────────────
	queue := outbox.New(cfg.Outbox)
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("outbox: %v", err)
		}
	}()

	// ── 4. Wire up layers ─────────────────────────────────────────────────
	svc := service.NewRegistrationService(service.Deps{
		Store:         store,
		Outbox:        queue,
		Webhooks:      webhook.NewDispatcher(store, cfg.Webhook),
		Gamification:  gamification.NewEngine(store),
		Points:        cfg.Points,
		TxMaxAttempts: cfg.TxMaxAttempts,
	})
	regHandler := handler.NewRegistrationHandler(svc)

	// ── 5. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(identity.Middleware)     // principal from gateway headers
	r.Use(handler.Logger)          // access log
	r.Use(handler.CORS)

	r.Get("/health", handler.HealthCheck)
	regHandler.Routes(r)

	// ── 6. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("✓ Server listening on http://localhost:%s (store=%s)", cfg.Port, cfg.Store)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	// No more requests can enqueue work; stop the workers.
	stop()
	<-queueDone
	log.Println("server stopped")
}

// openStore returns the configured store and a function releasing it.
func openStore(ctx context.Context, cfg config.Config) (repository.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Println("✓ Using in-memory store")
		return memstore.New(), func() {}, nil
	}

	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	log.Println("✓ Connected to PostgreSQL")
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	return repository.NewPostgresStore(pool), pool.Close, nil
}
