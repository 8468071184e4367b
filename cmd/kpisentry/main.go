package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/kpisentry/kpisentry/internal/config"
	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/embedding"
	"github.com/kpisentry/kpisentry/internal/handlers"
	"github.com/kpisentry/kpisentry/internal/jobs"
	"github.com/kpisentry/kpisentry/internal/middleware"
	"github.com/kpisentry/kpisentry/internal/notify"
	"github.com/kpisentry/kpisentry/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting KPI Sentry...")

	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}

	// Hash the admin password
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}

	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/webhook/*",
			"/auth/login",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Run database migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Initialize default database records
	if err := database.InitializeDefaults(); err != nil {
		log.Fatalf("Failed to initialize database defaults: %v", err)
	}

	db := database.GetDB()

	// Seed the metric catalog if one is configured
	if _, err := os.Stat(cfg.CatalogPath); err == nil {
		entries, err := services.LoadMetricCatalog(cfg.CatalogPath)
		if err != nil {
			log.Fatalf("Failed to load metric catalog %s: %v", cfg.CatalogPath, err)
		}
		if err := services.SeedMetricDefinitions(db, entries); err != nil {
			log.Fatalf("Failed to seed metric definitions: %v", err)
		}
		log.Printf("Metric catalog seeded: %d definitions from %s", len(entries), cfg.CatalogPath)
	} else {
		log.Printf("No metric catalog at %s, skipping seed", cfg.CatalogPath)
	}

	// Embedding provider used for recommendation dedup
	embedder := embedding.NewHTTPProvider(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, 10*time.Second)
	log.Printf("Embedding provider initialized: %s (%s)", cfg.EmbeddingBaseURL, cfg.EmbeddingModel)

	recService := services.NewRecommendationService(db, embedder)

	// Slack notifier for critical anomalies, settings-driven
	notifier := notify.NewSlackNotifier(db)

	// Background jobs
	sweepJob := jobs.NewSweepJob(db, recService, notifier)
	expiryJob := jobs.NewExpiryJob(db, recService)

	// Initialize handlers
	ingestHandler := handlers.NewIngestHandler(services.NewMetricService(db), sweepJob)
	httpHandler := handlers.NewHTTPHandler(ingestHandler)
	apiHandler := handlers.NewAPIHandler(db, recService)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware, cfg.JWTExpiryHours)

	// Set up HTTP server routes
	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	apiHandler.SetupRoutes(mux)
	authHandler.SetupRoutes(mux)

	// Wrap routes with request IDs and CORS first, then JWT authentication
	corsMiddleware := middleware.NewCORSMiddleware() // Allow all origins
	handler := middleware.RequestIDMiddleware(corsMiddleware.Wrap(jwtAuthMiddleware.Wrap(mux)))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Start background jobs
	stopSweep := make(chan struct{})
	stopExpiry := make(chan struct{})
	go sweepJob.Start(stopSweep)
	go expiryJob.Start(stopExpiry)

	log.Println("Engine is running! Press Ctrl+C to exit.")
	log.Printf("Metric webhook endpoint: http://localhost:%d/webhook/metrics/{source_uuid}", cfg.HTTPPort)
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("API base URL: http://localhost:%d/api", cfg.HTTPPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	close(stopSweep)
	close(stopExpiry)

	log.Println("Shutting down HTTP server...")
	if err := httpServer.Close(); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}
