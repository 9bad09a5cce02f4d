package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/meriley/clash-spy/clashDiscordBot"
	"github.com/meriley/clash-spy/internal/clashapi"
	"github.com/meriley/clash-spy/internal/config"
	ctx "github.com/meriley/clash-spy/internal/context"
	"github.com/meriley/clash-spy/internal/database"
	"github.com/meriley/clash-spy/internal/dbstore"
	"github.com/meriley/clash-spy/internal/discord"
	"github.com/meriley/clash-spy/internal/eligibility"
	"github.com/meriley/clash-spy/internal/ledger"
	"github.com/meriley/clash-spy/internal/memstore"
	"github.com/meriley/clash-spy/internal/metrics"
	"github.com/meriley/clash-spy/internal/scheduler"
	"github.com/meriley/clash-spy/internal/snapshot"
	"github.com/meriley/clash-spy/internal/telemetry"
)

// store is everything the engine persists, implemented by each driver.
type store interface {
	clashDiscordBot.Store
	ledger.Store
	snapshot.Store
	eligibility.LinkStore
	clashapi.BaselineStore
}

func main() {
	cfg, err := config.Load(config.DefaultEnvFile)
	if err != nil {
		panic(errors.Wrap(err, "failed to load config"))
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c := ctx.New(signalCtx, cfg.LogLevel)

	if err := run(c, cfg); err != nil {
		_ = level.Error(c.Log()).Log("error", err.Error(), "msg", "application failed")
		os.Exit(1)
	}
	_ = level.Info(c.Log()).Log("msg", "application terminated")
}

func run(c ctx.Ctx, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(c, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer flush(c.Log(), "tracing", shutdownTracing)

	st, closeStore, err := openStore(c, cfg)
	if err != nil {
		return err
	}
	defer flush(c.Log(), "store", closeStore)

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		return err
	}
	channel := discord.NewChannel(session, c.Log())
	source := clashapi.NewClient(c.Log(), cfg.Clash.URL, cfg.Clash.Token, cfg.Clash.RPS, cfg.Clash.Timeout, st)
	deliveries := ledger.New(st, channel, ledger.Options{
		ClaimTTL:       cfg.Ledger.ClaimTTL,
		FailureCeiling: cfg.Ledger.FailureCeiling,
		Logger:         c.Log(),
	})

	sched := scheduler.New(scheduler.Config{
		Workers:          cfg.Scheduler.Workers,
		Tick:             cfg.Scheduler.Tick,
		JobTimeout:       cfg.Scheduler.JobTimeout,
		Lease:            cfg.Scheduler.Lease,
		EndPollInterval:  cfg.Scheduler.EndPollInterval,
		MaxEndPolls:      cfg.Scheduler.MaxEndPolls,
		WarSync:          cfg.Scheduler.WarSync,
		BaselineSync:     cfg.Scheduler.BaselineSync,
		FailureThreshold: cfg.Scheduler.FailureThreshold,
	}, scheduler.Deps{
		Reminders: st,
		Snapshots: st,
		Links:     st,
		Source:    source,
		Baselines: source,
		Renderer:  discord.NewRenderer(),
		Ledger:    deliveries,
		Channel:   channel,
		Logger:    c.Log(),
		Metrics:   metrics.NewExpvar(),
	})
	if err := sched.Resume(c); err != nil {
		return errors.Wrap(err, "failed to resume reminders")
	}

	bot, err := clashDiscordBot.New(c, st, sched)
	if err != nil {
		return errors.Wrap(err, "failed to create bot")
	}
	discordClient, err := discord.New(c, session, bot)
	if err != nil {
		return errors.Wrap(err, "failed to create discord client")
	}
	defer flush(c.Log(), "discord", func(context.Context) error { return discordClient.Close() })

	g, gctx := errgroup.WithContext(c)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return sched.RunWarSync(gctx) })
	g.Go(func() error { return sched.RunBaselineSync(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddress, c.Log()) })
	_ = level.Info(c.Log()).Log("msg", "application started", "store", cfg.StoreDriver)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(c ctx.Ctx, cfg *config.Config) (store, func(context.Context) error, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		db, err := database.New(c, cfg.Mongo.Address, cfg.Mongo.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := db.EnsureIndexes(c); err != nil {
			_ = db.Close(c)
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.DriverPostgres:
		db, err := dbstore.New(c, cfg.Postgres.Store())
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(c); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, func(context.Context) error { db.Close(); return nil }, nil
	case config.DriverMemory:
		_ = level.Warn(c.Log()).Log("msg", "memory store selected, reminders are lost on restart")
		return memstore.New(), func(context.Context) error { return nil }, nil
	}
	return nil, nil, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func flush(logger log.Logger, name string, fn func(context.Context) error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(shutdownCtx); err != nil {
		_ = level.Error(logger).Log("error", err.Error(), "msg", "failed to close "+name)
	}
}
