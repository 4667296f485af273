package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/treble-chat/voice/internal/config"
	"github.com/treble-chat/voice/internal/router"
	"github.com/treble-chat/voice/internal/router/engine"
	"github.com/treble-chat/voice/internal/router/httpapi"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadRouter()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Secret == "" {
		log.Fatal().Msg("secret is required")
	}

	eng, err := engine.NewPion(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize media engine")
	}

	reg := router.NewRegistry(eng, cfg.TransportTTL)
	go reg.RunJanitor(ctx, cfg.JanitorPeriod)

	r := httpapi.SetupRouter(cfg, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("media router started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
