// Package app wires the warmth engine together from configuration. Both the
// HTTP daemon and the CLI build on it.
package app

import (
	"context"
	"fmt"

	"github.com/nidhogg/warmth-engine/internal/alert"
	"github.com/nidhogg/warmth-engine/internal/config"
	"github.com/nidhogg/warmth-engine/internal/events"
	"github.com/nidhogg/warmth-engine/internal/jobs"
	"github.com/nidhogg/warmth-engine/internal/notify"
	"github.com/nidhogg/warmth-engine/internal/service"
	"github.com/nidhogg/warmth-engine/internal/store"
	"github.com/nidhogg/warmth-engine/internal/warmth"
	"go.uber.org/zap"
)

// Repository is everything the engine persists.
type Repository interface {
	service.Store
	alert.DecisionSink
	ListDecisions(ctx context.Context, limit int) ([]alert.Decision, error)
}

// App holds the constructed components.
type App struct {
	Config     *config.Config
	Repo       Repository
	Decay      *warmth.Decay
	Bander     *warmth.Bander
	Service    *service.Service
	Recomputer *jobs.Recomputer
	Snapshots  *jobs.SnapshotRecorder
	Evaluator  *alert.Evaluator
	// Bus is nil when no Redis URL is configured.
	Bus *events.Bus

	pinger  func(context.Context) error
	closers []func()
	logger  *zap.Logger
}

// Options override pieces of the wiring, mostly for tests.
type Options struct {
	Clock warmth.Clock
	Repo  Repository
}

// New builds every component described by cfg.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*App, error) {
	clock := opts.Clock
	if clock == nil {
		clock = warmth.SystemClock{}
	}
	a := &App{Config: cfg, logger: logger}

	decay, err := warmth.NewDecay(cfg.DecayConfig())
	if err != nil {
		return nil, fmt.Errorf("decay model: %w", err)
	}
	bander, err := warmth.NewBander(*cfg.Warmth.Bands, *cfg.Warmth.HysteresisMargin)
	if err != nil {
		return nil, fmt.Errorf("bander: %w", err)
	}
	a.Decay, a.Bander = decay, bander

	if opts.Repo != nil {
		a.Repo = opts.Repo
	} else if err := a.openRepo(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var dedup alert.DedupStore = alert.NewMemoryDedup(clock)
	if url := cfg.Database.Redis.URL; url != "" {
		bus, err := events.NewBus(url, cfg.Database.Redis.Stream, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("transition bus: %w", err)
		}
		a.Bus = bus
		a.closers = append(a.closers, func() { bus.Close() })
		dedup = alert.NewRedisDedup(bus.Client(), clock)
		logger.Info("transition bus connected", zap.String("stream", bus.Stream()))

		// The group must exist before the first publish so nothing produced
		// ahead of the consumer's first start is skipped.
		if cfg.Alerts.ConsumeStream {
			if err := bus.EnsureGroup(ctx, cfg.Alerts.ConsumerGroup); err != nil {
				a.Close()
				return nil, fmt.Errorf("transition bus: %w", err)
			}
		}
	}

	notifier, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Evaluator = alert.NewEvaluator(dedup, a.Repo, notifier, cfg.Alerts.Cooldown.Std(), clock, logger)
	if cfg.Alerts.WatchedOnly {
		a.Evaluator.SetWatchlist(a.Repo)
	}

	// With a consumer on the stream, alerts are evaluated there and not in
	// the producing process.
	var sink warmth.TransitionSink = a.Evaluator
	switch {
	case a.Bus != nil && cfg.Alerts.ConsumeStream:
		sink = a.Bus
	case a.Bus != nil:
		sink = warmth.MultiSink{a.Evaluator, a.Bus}
	}

	anchors := warmth.NewAnchorManager(decay, cfg.ContributionConfig())
	a.Service = service.New(a.Repo, anchors, bander, service.Options{
		Clock:          clock,
		Sink:           sink,
		CacheFreshness: cfg.Warmth.CacheFreshness.Std(),
	}, logger)

	jobOpts := jobs.Options{
		PageSize:    cfg.Jobs.PageSize,
		Concurrency: cfg.Jobs.Concurrency,
		RowTimeout:  cfg.Jobs.RowTimeout.Std(),
	}
	a.Recomputer = jobs.NewRecomputer(a.Repo, decay, bander, sink, clock, jobOpts, logger)
	a.Snapshots = jobs.NewSnapshotRecorder(a.Repo, decay, bander, clock, jobOpts, logger)
	return a, nil
}

func (a *App) openRepo(ctx context.Context) error {
	db := a.Config.Database
	switch db.Driver {
	case config.DriverPostgres:
		pg, err := store.New(ctx, db.Postgres.DSN, a.logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
		a.Repo, a.pinger = pg, pg.Ping
		a.logger.Info("using postgres store")
	case config.DriverSQLite:
		lite, err := store.OpenSQLite(db.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { lite.Close() })
		a.Repo = lite
		a.logger.Info("using sqlite store", zap.String("path", lite.Path))
	default:
		a.Repo = store.NewMemory()
		a.logger.Warn("using in-memory store, running without persistence")
	}
	return nil
}

func buildNotifier(cfg config.NotifyConfig, logger *zap.Logger) (alert.Notifier, error) {
	channels := notify.Multi{notify.NewLog(logger)}
	if cfg.Slack.Enabled {
		channels = append(channels, notify.NewSlack(cfg.Slack.BotToken, cfg.Slack.ChannelID, logger))
		logger.Info("slack alerts enabled", zap.String("channel", cfg.Slack.ChannelID))
	}
	if cfg.Discord.Enabled {
		d, err := notify.NewDiscord(cfg.Discord.BotToken, cfg.Discord.ChannelID, logger)
		if err != nil {
			return nil, err
		}
		channels = append(channels, d)
		logger.Info("discord alerts enabled", zap.String("channel", cfg.Discord.ChannelID))
	}
	return channels, nil
}

// Ping checks the store when it supports it.
func (a *App) Ping(ctx context.Context) error {
	if a.pinger == nil {
		return nil
	}
	return a.pinger(ctx)
}

// ConsumeTransitions feeds transitions read from the stream's consumer
// group to the evaluator until ctx ends. It returns immediately when there
// is no bus.
func (a *App) ConsumeTransitions(ctx context.Context) error {
	if a.Bus == nil {
		return nil
	}
	alerts := a.Config.Alerts
	a.logger.Info("consuming transitions",
		zap.String("stream", a.Bus.Stream()),
		zap.String("group", alerts.ConsumerGroup),
		zap.String("consumer", alerts.ConsumerName))
	return a.Bus.ConsumeGroup(ctx, alerts.ConsumerGroup, alerts.ConsumerName, a.Evaluator)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
