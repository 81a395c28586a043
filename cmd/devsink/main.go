// Package main is the entry point for the local development ingestion sink.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hyperlook/telemetry-go/internal/middleware"
	"github.com/hyperlook/telemetry-go/internal/sink"
	"github.com/hyperlook/telemetry-go/pkg/logger"
	"github.com/hyperlook/telemetry-go/pkg/tracing"
)

func main() {
	port := getEnv("PORT", "8787")
	apiKey := getEnv("SINK_API_KEY", "")
	jwtSecret := getEnv("SINK_JWT_SECRET", "development-secret-change-in-production")
	storeCap := getIntEnv("SINK_STORE_CAP", 10000)
	rateLimit := getIntEnv("SINK_RATE_LIMIT", 600)
	logLevel := getEnv("LOG_LEVEL", "info")
	tracingEndpoint := getEnv("TRACING_ENDPOINT", "localhost:4318")
	tracingEnabled := getEnv("TRACING_ENABLED", "") == "true"

	log, err := logger.New(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting devsink")

	ctx := context.Background()
	if tracingEnabled {
		tp, err := tracing.InitTracer(ctx, "telemetry-devsink", tracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	store := sink.NewStore(storeCap)
	handler := sink.NewHandler(store, apiKey, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-SDK-Version"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(rateLimit, time.Minute))
		r.Post("/ingest", handler.Ingest)
		r.Post("/ingest/beacon", handler.IngestBeacon)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(jwtSecret))
		r.Get("/events", handler.AdminListEvents)
		r.Post("/reset", handler.AdminReset)
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("devsink listening", zap.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down devsink")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("devsink stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
