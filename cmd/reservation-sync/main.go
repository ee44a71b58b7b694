package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/reservation-sync/pkg/app"
	"github.com/synaptica-ai/reservation-sync/pkg/auth"
	"github.com/synaptica-ai/reservation-sync/pkg/common/config"
	"github.com/synaptica-ai/reservation-sync/pkg/common/kafka"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/middleware"
	"github.com/synaptica-ai/reservation-sync/pkg/intake"
	"github.com/synaptica-ai/reservation-sync/pkg/observability/metrics"
	"github.com/synaptica-ai/reservation-sync/pkg/reservation"
)

func main() {
	logger.Init("reservation-sync")
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := app.New(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialise reservation sync")
	}
	defer service.Close()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		state := service.Orchestrator.State()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ready", "cycle_state": string(state)})
	}).Methods(http.MethodGet)

	router.Handle("/metrics", metrics.Handler(service.Registry)).Methods(http.MethodGet)

	var verifier middleware.TokenVerifier
	if cfg.APITokenSecret != "" {
		v, err := auth.NewOperatorVerifier(cfg.APITokenSecret, cfg.APITokenIssuer, cfg.APITokenAudience)
		if err != nil {
			logger.Log.WithError(err).Fatal("invalid operator token settings")
		}
		verifier = v
	} else {
		logger.Log.Warn("API_TOKEN_SECRET not set; operator API is unauthenticated")
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Authenticate(verifier), middleware.BodyLimit(cfg.MaxBodyBytes))
	reservation.NewHTTPHandler(service.Store.Repository, service.Orchestrator).Register(api)
	intake.NewHTTPHandler(service.Intake).Register(api)

	router.Use(middleware.Recovery, middleware.Logging)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Reservation Sync started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		service.Orchestrator.Run(ctx)
	}()

	if cfg.KafkaEnabled {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaIntakeTopic, cfg.KafkaGroupID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer consumer.Close()
			if err := consumer.Consume(ctx, service.Intake.HandleEvent); err != nil && ctx.Err() == nil {
				logger.Log.WithError(err).Error("patient intake consumer stopped")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Reservation Sync...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Log.Warn("background workers did not stop before the shutdown deadline")
	}

	logger.Log.Info("Reservation Sync stopped")
}
