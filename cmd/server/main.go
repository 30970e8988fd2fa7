package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"luna-backend/internal/config"
	"luna-backend/internal/database"
	"luna-backend/internal/handlers"
	"luna-backend/internal/metrics"
	"luna-backend/internal/middleware"
	"luna-backend/internal/models"
	"luna-backend/internal/repository"
	"luna-backend/internal/router"
	"luna-backend/internal/services"
	"luna-backend/internal/websocket"
	"luna-backend/internal/worker"
)

func main() {
	log.Println("🚀 Starting Luna Classroom Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("✗ Invalid configuration: %v", err)
	}
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = database.NewPostgresPool(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("✗ PostgreSQL connection failed: %v", err)
		}
		defer pool.Close()
		log.Println("✓ PostgreSQL connected")

		if err := database.RunMigrations(pool, "migrations"); err != nil {
			log.Fatalf("✗ Database migration failed: %v", err)
		}
		log.Println("✓ Database migrations applied")
	}

	// ──── Step 3: Initialize Redis Clients ────
	var redisClients *database.RedisClients
	var storeClient, pubsubClient *redis.Client
	if cfg.RedisURL != "" {
		var err error
		redisClients, err = database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			log.Fatalf("✗ Redis connection failed: %v", err)
		}
		defer redisClients.Close()
		storeClient, pubsubClient = redisClients.Store, redisClients.PubSub
		log.Println("✓ Redis connected")
	}

	// ──── Step 4: Session Store ────
	store, err := repository.NewSessionStore(cfg.SessionStore, storeClient, pool, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("✗ Session store initialization failed: %v", err)
	}
	log.Printf("✓ Session store ready (%s)", cfg.SessionStore)

	// ──── Step 5: Tutor ────
	var tutor services.Tutor = services.NewEchoTutor()
	if cfg.GeminiAPIKey != "" {
		geminiTutor, err := services.NewGeminiTutor(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiConcurrentReqs)
		if err != nil {
			log.Fatalf("✗ Gemini client initialization failed: %v", err)
		}
		defer geminiTutor.Close()
		tutor = geminiTutor
		log.Printf("✓ Gemini tutor initialized (%s)", cfg.GeminiModel)
	} else {
		log.Println("✓ Echo tutor in use (GEMINI_API_KEY not set)")
	}

	// ──── Step 6: Turn Engine and Worker Pool ────
	clock := models.SystemClock{}
	collector := metrics.New()
	publisher := services.NewEventPublisher(storeClient)

	var fillers []string
	if cfg.TurnFillers {
		fillers = websocket.DefaultFillers
	}
	engine := websocket.NewTurnEngine(tutor, clock, cfg.DecisionTimeout, fillers, collector)
	turnPool := worker.NewPool(cfg.TurnMaxInFlight)
	log.Printf("✓ Turn pool started (max in flight: %d)", cfg.TurnMaxInFlight)

	// ──── Step 7: Start WebSocket Hub ────
	var jwtAuth *middleware.JWTAuth
	if cfg.WSAuthRequired {
		jwtAuth = middleware.NewJWTAuth(cfg.JWTSecret, cfg.SessionTokenTTL)
	}
	wsHandler := websocket.NewHandler(store, engine, turnPool, clock, publisher, collector)
	wsHub := websocket.NewHub(wsHandler, jwtAuth, cfg.FrontendURL, cfg.WSReadLimitBytes)
	log.Println("✓ WebSocket hub started")

	var monitor *websocket.Monitor
	if pubsubClient != nil {
		monitor = websocket.NewMonitor(pubsubClient, jwtAuth, cfg.FrontendURL)
		log.Println("✓ Session monitor enabled")
	}

	// ──── Step 8: Start HTTP Server ────
	sessionHandler := handlers.NewSessionHandler(store, wsHub, jwtAuth, publisher, clock, cfg.PublicWSURL)
	healthHandler := handlers.NewHealthHandler(sessionHandler, collector, wsHub.ActiveSessions)
	createLimiter := middleware.NewRateLimiter(30, time.Minute)
	defer createLimiter.Stop()

	r := router.New(
		jwtAuth,
		sessionHandler,
		healthHandler,
		wsHub,
		monitor,
		createLimiter,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		server.Shutdown(ctx)
		if monitor != nil {
			monitor.Shutdown()
		}
		if err := wsHub.Shutdown(ctx); err != nil {
			log.Printf("WebSocket hub shutdown: %v", err)
		}
		if err := turnPool.Stop(10 * time.Second); err != nil {
			log.Printf("Turn pool shutdown: %v", err)
		}
	}()

	log.Printf("✓ Luna Classroom Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1/classroom", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/classroom/sessions/{id}/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	<-shutdownDone
}
