package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/alert"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/sqlite"
	"github.com/Wyydra/yacall/internal/adapter/driven/session"
	"github.com/Wyydra/yacall/internal/adapter/driven/signaling/ws"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/internal/logger"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	v, err := config.InitConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read config")
	}
	cfg, err := config.GetClientConfig(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	logs, err := logger.Setup(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Client stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Client exited")
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	local := domain.UserID(cfg.UserID)
	clk := clock.New()

	backend, err := newStoreBackend(cfg, clk)
	if err != nil {
		return err
	}
	store := session.New(local, backend, alert.NewBell(os.Stdout), clk, session.Config{
		IncomingTTL: cfg.Call.IncomingTTL,
		OutgoingTTL: cfg.Call.RingTimeout,
		CurrentTTL:  cfg.Call.ActiveTTL,
	})
	defer store.Close()

	history, err := newHistory(cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	channel := ws.NewChannel(ws.Config{URL: cfg.RelayURL})
	defer channel.Close()

	devices, err := pion.NewDevices()
	if err != nil {
		return fmt.Errorf("media devices: %w", err)
	}
	transport, err := pion.NewTransport(channel, devices)
	if err != nil {
		return err
	}

	negCfg := service.DefaultNegotiatorConfig()
	negCfg.EscalationTimeout = cfg.Call.EscalationTimeout
	negCfg.MaxAttempts = cfg.Call.MaxAttempts
	negCfg.NudgeOnExhaustion = cfg.Call.NudgeOnExhaustion
	negCfg.Hints = cfg.Media.Hints()
	tiers, err := cfg.TransportTiers()
	if err != nil {
		return err
	}
	if tiers != nil {
		negCfg.Tiers = tiers
	}

	calls := service.NewCallService(service.CallConfig{
		Local:       local,
		RingTimeout: cfg.Call.RingTimeout,
		IncomingTTL: cfg.Call.IncomingTTL,
		Negotiator:  negCfg,
	}, service.CallDeps{
		Store:     store,
		Signaling: channel,
		Media:     devices,
		Transport: transport,
		History:   history,
		Clock:     clk,
	})
	defer calls.Close()

	if err := channel.Connect(ctx, local); err != nil {
		return err
	}
	if err := calls.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not resume previous call")
	}

	api := handler.NewAPI(local, calls, history, devices)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("user_id", local.String()).Msg("Serving call API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newStoreBackend(cfg *config.ClientConfig, clk clock.Clock) (session.Backend, error) {
	switch cfg.Store.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		return session.NewRedisBackend(client, cfg.UserID), nil
	case "file":
		return session.NewFileBackend(cfg.Store.Dir, clk)
	default:
		return session.NewMemoryBus(clk).Backend(cfg.UserID), nil
	}
}

type historyRepo interface {
	port.CallRecordRepository
	io.Closer
}

type memoryHistory struct {
	*memory.CallRecordRepository
}

func (memoryHistory) Close() error { return nil }

func newHistory(cfg *config.ClientConfig) (historyRepo, error) {
	if cfg.History.Backend == "sqlite" {
		repo, err := sqlite.Open(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		return repo, nil
	}
	return memoryHistory{memory.NewCallRecordRepository()}, nil
}
