package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/marketchat/internal/adapters/auth"
	router "github.com/dkeye/marketchat/internal/adapters/http"
	"github.com/dkeye/marketchat/internal/adapters/rtc"
	wssignal "github.com/dkeye/marketchat/internal/adapters/signal"
	"github.com/dkeye/marketchat/internal/adapters/store"
	"github.com/dkeye/marketchat/internal/app"
	"github.com/dkeye/marketchat/internal/app/orch"
	"github.com/dkeye/marketchat/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context) error {
	cfg, err := config.LoadAndWatch()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	iceServers, err := rtc.ICEServers(cfg.IceServers)
	if err != nil {
		return err
	}

	backend, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer backend.Close()

	clk := clock.New()
	rooms := app.NewDirectory(clk)
	if backend.Rooms != nil {
		loadCtx, cancelLoad := context.WithTimeout(ctx, 10*time.Second)
		stored, err := backend.Rooms.LoadRooms(loadCtx)
		cancelLoad()
		if err != nil {
			return fmt.Errorf("load rooms: %w", err)
		}
		rooms.Load(stored)
	}

	var policy app.Policy = app.SimplePolicy{}
	if cfg.Backpress.MaxDrops > 0 {
		policy = app.ThresholdPolicy{MaxDrops: cfg.Backpress.MaxDrops}
	}

	reg := app.NewRegistry(rooms)
	out := app.NewPublisher(reg, policy)
	persist := app.NewPersister(backend.Messages, backend.Rooms, app.PersistOptions{
		Workers:   cfg.Store.Workers,
		QueueSize: cfg.Store.QueueSize,
	})
	defer persist.Close()

	relay := app.NewRelay(reg, rooms, out, persist, clk, app.RelayOptions{
		MaxMessageLen:    cfg.Chat.MaxMessageLen,
		ReadReceiptCache: cfg.Chat.ReadReceiptCache,
	})
	calls := app.NewCoordinator(reg, rooms, out, clk, cfg.Call.RingTimeout)
	defer calls.Close()

	o := orch.New(orch.Deps{
		Registry:    reg,
		Rooms:       rooms,
		Relay:       relay,
		Calls:       calls,
		Out:         out,
		Persist:     persist,
		Auth:        auth.NewJWTAuthenticator(cfg.Secret, cfg.Auth.Issuer, nil),
		IceServers:  iceServers,
		AuthTimeout: cfg.Auth.Timeout,
		Clock:       clk,
	})

	ctrl := wssignal.NewSignalWSController(o, wssignal.Options{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
		SendBuffer:     cfg.SendBuffer,
		AuthTimeout:    cfg.Auth.Timeout,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit.Limit,
		RateInterval:   cfg.RateLimit.Interval,
	}, clk)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router.SetupRouter(ctx, cfg, o, ctrl),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("hub server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		// hijacked websockets are not tracked by Shutdown
		for _, c := range reg.All() {
			c.Signal.Close()
		}
		return nil
	})
	return g.Wait()
}
