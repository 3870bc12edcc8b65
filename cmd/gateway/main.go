package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/anzanlive/duel/internal/config"
	"github.com/anzanlive/duel/internal/duel/channel"
	"github.com/anzanlive/duel/internal/gateway"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Str("nats_url", cfg.NATS.URL).
		Str("port", cfg.Gateway.Port).
		Msg("starting duel gateway")

	natsCfg := channel.DefaultNATSConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.StreamName = cfg.NATS.StreamName
	natsCfg.SubjectPrefix = cfg.NATS.SubjectRoot

	roomChannel, err := channel.NewNATS(natsCfg, clockwork.NewRealClock())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect room channel")
	}
	defer roomChannel.Close()

	manager := gateway.NewManager(roomChannel, gateway.DefaultConnectionConfig())
	handler := gateway.NewWebSocketHandler(manager)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Gateway.Port),
		Handler:      corsHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("duel gateway shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
