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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/sigortix/paycore/gateway"
	"github.com/sigortix/paycore/infra/audit"
	"github.com/sigortix/paycore/infra/config"
	"github.com/sigortix/paycore/infra/logger"
	"github.com/sigortix/paycore/infra/middle"
	"github.com/sigortix/paycore/infra/opensearch"
	"github.com/sigortix/paycore/infra/response"
	"github.com/sigortix/paycore/payment"
	"github.com/sigortix/paycore/purchase"
	"github.com/sigortix/paycore/router"
	v1 "github.com/sigortix/paycore/router/v1"
)

var (
	cfg              *config.AppConfig
	openSearchLogger *opensearch.Logger
)

func init() {
	// A missing .env is fine in containerized deployments
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg = config.App()

	if cfg.EnableLogging {
		osClient, err := opensearch.NewClient(cfg)
		if err != nil {
			log.Printf("Failed to initialize OpenSearch client: %v", err)
			log.Println("Continuing without OpenSearch logging...")
		} else {
			openSearchLogger = opensearch.NewLogger(osClient)
			log.Println("OpenSearch logging initialized successfully")
		}
	} else {
		log.Println("OpenSearch logging is disabled")
	}

	logger.InitGlobalLogger(openSearchLogger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gatewayClient, err := gateway.Create(cfg.GatewayName, gateway.Config{
		Merchant:         cfg.GatewayMerchant,
		MerchantUser:     cfg.GatewayUser,
		MerchantPassword: cfg.GatewayPassword,
		SecretKey:        cfg.GatewaySecretKey,
		BaseURL:          cfg.GatewayBaseURL,
		CallbackURL:      cfg.BaseURL + "/v1/callbacks/gateway",
		Production:       cfg.GatewayProduction,
	})
	if err != nil {
		logger.Fatal("Failed to create gateway client", err)
	}

	purchaser, err := purchase.NewClient(cfg.PurchaseBaseURL, cfg.PurchaseAPIKey, 60*time.Second)
	if err != nil {
		logger.Fatal("Failed to create purchase client", err)
	}

	auditTrail, err := audit.NewSQLiteTrail(cfg.AuditDBPath)
	if err != nil {
		logger.Fatal("Failed to open audit trail", err)
	}
	defer auditTrail.Close()

	store := payment.NewInMemoryStore(cfg.TransactionTTL)
	vault := payment.NewVault(cfg.VaultTTL)
	box := payment.NewResultBox(cfg.TransactionTTL)
	notifier := payment.NewNotifier(vault, box, cfg.AllowedRedirectHosts)

	reconciler := payment.NewReconciler(store, vault, box, notifier, gatewayClient, purchaser, auditTrail, openSearchLogger, payment.ReconcilerConfig{
		StatusSoftDeadline: cfg.StatusSoftDeadline,
		PollInterval:       cfg.PollInterval,
		PollDeadline:       cfg.PollDeadline,
		PollMaxAttempts:    config.GetIntEnv("POLL_MAX_ATTEMPTS", 100),
	})

	reconciler.StartSweeper(ctx, 30*time.Second)
	vault.StartSweeper(ctx, time.Minute)

	r := chi.NewRouter()

	// Basic Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(middle.PanicRecoveryMiddleware())

	// Security Middleware
	rateLimiter := middle.NewRateLimiter()
	r.Use(middle.SecurityHeadersMiddleware())
	r.Use(middle.IPWhitelistMiddleware())
	r.Use(middle.RateLimitMiddleware(rateLimiter))
	r.Use(middle.RequestValidationMiddleware())

	if openSearchLogger != nil {
		r.Use(middle.RequestLoggingMiddleware(openSearchLogger))
	}

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]any{
			"status":             "ok",
			"timestamp":          time.Now().UTC(),
			"version":            "1.0.0",
			"opensearch_enabled": openSearchLogger != nil,
		}
		_ = response.WriteJSON(w, http.StatusOK, response.Response{
			Success: true,
			Message: "Service is healthy",
			Data:    health,
		})
	})

	router.Routes(r, v1.Dependencies{
		Store:           store,
		Vault:           vault,
		Box:             box,
		Notifier:        notifier,
		Reconciler:      reconciler,
		Gateway:         gatewayClient,
		Audit:           auditTrail,
		TransactionTTL:  cfg.TransactionTTL,
		ConfirmationURL: cfg.ConfirmationURL,
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = response.WriteJSON(w, http.StatusNotFound, response.Response{Success: false, Message: "Not Found"})
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal(err.Error())
		}
	}()

	logger.Info("API is running", logger.LogContext{Fields: map[string]any{"port": cfg.Port}})

	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", err)
	}
}
