package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/webclient/internal/config"
	"github.com/zhouzirui/z-tavern/webclient/internal/handler"
	"github.com/zhouzirui/z-tavern/webclient/internal/observability"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/history"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/session"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability.InitLogger("webclient", "info")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load .env file, continuing with system environment variables only")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	observability.InitLogger("webclient", cfg.Log.Level)

	store, closeStore, err := cfg.Store.OpenStore()
	if err != nil {
		log.Fatal().Err(err).Str("kind", cfg.Store.Kind).Msg("failed to open transcript store")
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("close transcript store")
		}
	}()
	log.Info().Str("kind", cfg.Store.Kind).Str("path", cfg.Store.DBPath).Msg("transcript store ready")

	fetcher := history.NewClient(cfg.Backend.HistoryOptions())
	registry := session.NewRegistry(func() session.Connection {
		return cfg.NewConnectionManager()
	}, store, fetcher)
	defer func() {
		if err := registry.CloseAll(); err != nil {
			log.Warn().Err(err).Msg("close sessions")
		}
	}()

	log.Info().
		Str("backend", cfg.Backend.BaseURL).
		Str("socket", cfg.Backend.SocketURL).
		Str("reconnect", cfg.Reconnect.Strategy).
		Dur("reconnect_delay", cfg.Reconnect.Delay).
		Msg("chat backend configured")

	router := handler.NewRouter(registry)

	if err := startServer(ctx, cfg.Server, router); err != nil {
		log.Error().Err(err).Msg("server error")
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("webclient bridge listening")
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
