package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/logger"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	v, err := config.InitConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read config")
	}
	cfg, err := config.GetServerConfig(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	logs, err := logger.Setup(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logs.Close()

	hub := ws.NewHub(clock.New())
	h := handler.NewHandler(hub)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.ServerAddr).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down relay...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			log.Error().Err(err).Msg("Relay forced to shutdown")
		}
		hub.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Relay stopped with error")
	}
	log.Info().Msg("Relay exited")
}
