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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"funnelbot/internal/api"
	"funnelbot/internal/config"
	"funnelbot/internal/content"
	"funnelbot/internal/delivery/telegram"
	"funnelbot/internal/dispatch"
	"funnelbot/internal/scheduler"
	"funnelbot/internal/store"
	"funnelbot/internal/telemetry"
	"funnelbot/internal/worker"
)

var version = "dev"

func main() {
	var (
		envFile = flag.String("env", "", "optional .env file (default ./.env)")
		addr    = flag.String("admin", "", "admin HTTP bind address, overrides ADMIN_ADDR")
		debug   = flag.Bool("debug", false, "expose pprof on the admin server")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if *addr != "" {
		cfg.AdminAddr = *addr
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}

	repo, err := store.Open(ctx, cfg.DBDriver, cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Str("driver", string(cfg.DBDriver)).Msg("open store")
	}
	defer repo.Close()

	maint, err := scheduler.NewService(repo, cfg.MaintenanceCron, cfg.StaleAfter, cfg.JobRetention)
	if err != nil {
		log.Fatal().Err(err).Msg("maintenance service")
	}

	// Only claims older than StaleAfter go back to the queue, so a process
	// that is still running against the same database keeps its jobs.
	maint.RunOnce(ctx)

	var (
		bot    *telegram.Bot
		poller *worker.Poller
		facade *dispatch.Facade
	)
	if !cfg.BotDisabled {
		bot, err = telegram.New(cfg.BotToken, telegram.Options{Client: telemetry.HTTPClient(), SendRate: cfg.SendRate})
		if err != nil {
			log.Fatal().Err(err).Msg("telegram")
		}
		if cfg.BotUsername != "" && cfg.BotUsername != bot.Username() {
			log.Warn().Str("configured", cfg.BotUsername).Str("actual", bot.Username()).Msg("bot username mismatch")
		}
		facade = dispatch.New(repo, bot, bot, content.NewCatalog(cfg.Content()), cfg.ChannelID)
		poller = worker.NewPoller(repo, facade,
			worker.WithInterval(cfg.PollInterval),
			worker.WithBatch(cfg.Batch),
			worker.WithTracer(otel.Tracer("funnelbot/worker")),
		)
	} else {
		log.Warn().Msg("bot disabled: no listener and no job poller")
	}

	opts := api.Options{Maintenance: maint, Debug: *debug}
	if poller != nil {
		opts.PollerRunning = poller.Running
	}
	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           telemetry.WrapHandler("admin", api.NewServerWithOptions(repo, opts)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return maint.Start(gctx) })
	if poller != nil {
		g.Go(func() error { return poller.Run(gctx) })
		g.Go(func() error { return bot.Listen(gctx, facade) })
	}

	log.Info().Str("version", version).Str("driver", string(cfg.DBDriver)).Msg("funnelbot started")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("shutdown with error")
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Warn().Err(err).Msg("flush traces")
	}
	log.Info().Msg("stopped")
}
