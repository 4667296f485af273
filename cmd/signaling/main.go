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

	"github.com/treble-chat/voice/internal/broadcast"
	"github.com/treble-chat/voice/internal/config"
	"github.com/treble-chat/voice/internal/gateway"
	"github.com/treble-chat/voice/internal/identity"
	"github.com/treble-chat/voice/internal/routerclient"
	"github.com/treble-chat/voice/internal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config loading can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadSignaling()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.TokenSecret == "" {
		log.Fatal().Msg("token_secret is required")
	}

	store, err := session.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open session store")
	}
	defer store.Close()

	media := routerclient.New(cfg.RouterURL, cfg.RouterSecret)
	ctl := gateway.NewController(store, media, broadcast.NewRouter(), store)
	resolver := identity.NewJWTResolver(cfg.TokenSecret)
	h := gateway.NewWSHandler(ctl, resolver, cfg)

	r := gateway.SetupRouter(ctx, cfg, h)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("router", cfg.RouterURL).Msg("signaling gateway started")
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
