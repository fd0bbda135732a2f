// Package app wires the engine's components from configuration. It is
// shared by the HTTP server and the admin CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/rank-engine/internal/account"
	"github.com/atmx/rank-engine/internal/commission"
	"github.com/atmx/rank-engine/internal/config"
	"github.com/atmx/rank-engine/internal/graph"
	"github.com/atmx/rank-engine/internal/jobs"
	"github.com/atmx/rank-engine/internal/locker"
	"github.com/atmx/rank-engine/internal/maintenance"
	"github.com/atmx/rank-engine/internal/network"
	"github.com/atmx/rank-engine/internal/notify"
	"github.com/atmx/rank-engine/internal/policy"
	"github.com/atmx/rank-engine/internal/profile"
	"github.com/atmx/rank-engine/internal/rank"
	"github.com/atmx/rank-engine/internal/store"
)

// App holds the wired components.
type App struct {
	Store       store.Store
	Table       policy.Table
	Engine      *rank.Engine
	Locker      *locker.Locker
	Account     *account.Service
	Profile     *profile.Service
	Distributor *commission.Distributor
	Maintenance *maintenance.Scheduler
	Grace       *maintenance.GraceRecovery
	Runner      *jobs.Runner
	Hub         *notify.WSHub

	cleanup []func()
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// New connects the configured backends and builds every component.
// Optional backends (Redis, NATS, Neo4j) are skipped when unconfigured.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Hub: notify.NewWSHub()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	table := policy.Default()
	if cfg.Rank.PolicyFile != "" {
		t, err := policy.LoadFile(cfg.Rank.PolicyFile)
		if err != nil {
			return nil, err
		}
		table = t
		logger.Info("rank policy loaded", "file", cfg.Rank.PolicyFile)
	}
	a.Table = table

	// --- Store ---
	var rdb *redis.Client
	if cfg.Store.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		a.Store = pg
		logger.Info("connected to PostgreSQL")

		if cfg.Store.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Store.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb = redis.NewClient(opt)
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
			a.Store = store.NewCachedStore(a.Store, rdb, cfg.Store.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	// --- Referral graph ---
	var (
		edges    account.EdgeWriter
		referral network.ReferralSource
	)
	if cfg.Graph.URI != "" {
		client, err := graph.NewNeo4jClient(ctx, graph.Options{
			URI:      cfg.Graph.URI,
			Database: cfg.Graph.Database,
			Username: cfg.Graph.Username,
			Password: cfg.Graph.Password,
		})
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { client.Close(context.Background()) })
		refs := graph.NewReferrals(client)
		edges, referral = refs, refs
		logger.Info("Neo4j referral graph enabled", "uri", cfg.Graph.URI)
	}

	// --- Notifications ---
	notifiers := notify.Multi{notify.LogNotifier{Logger: logger}, a.Hub}
	if cfg.NATS.URL != "" {
		nn, err := notify.NewNATSNotifier(notify.NATSConfig{
			URL:     cfg.NATS.URL,
			Name:    "rank-engine",
			Subject: cfg.NATS.Subject,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { nn.Close() })
		notifiers = append(notifiers, nn)
		logger.Info("NATS notifications enabled", "subject", cfg.NATS.Subject)
	}

	// --- Engine ---
	symbols := cfg.Rank.QualifyingSymbols
	machine := rank.NewMachine(table, cfg.Rank.MaintenanceCycle, cfg.Rank.GracePeriod)
	resolver := network.NewResolver(a.Store, referral, symbols)
	a.Engine = rank.NewEngine(a.Store, table, machine, rank.WithLogger(logger))
	a.Locker = locker.New(a.Store, table, machine, symbols, locker.WithLogger(logger))
	a.Account = account.NewService(account.Config{
		Store:             a.Store,
		Locker:            a.Locker,
		Engine:            a.Engine,
		Resolver:          resolver,
		Edges:             edges,
		Notifier:          notifiers,
		QualifyingSymbols: symbols,
		Logger:            logger,
	})
	a.Profile = profile.NewService(a.Store, resolver, table, symbols, cfg.Rank.MaintenanceCycle, nil)
	a.Distributor = commission.NewDistributor(a.Store, resolver, table, commission.Config{
		QualifyingSymbols: symbols,
		PayoutSymbol:      cfg.Rank.PayoutSymbol,
		Workers:           cfg.Jobs.Workers,
	}, commission.WithLogger(logger), commission.WithNotifier(notifiers))

	deps := maintenance.Deps{
		Store:    a.Store,
		Resolver: resolver,
		Engine:   a.Engine,
		Table:    table,
		Notifier: notifiers,
		Logger:   logger,
		Workers:  cfg.Jobs.Workers,
	}
	a.Maintenance = maintenance.NewScheduler(deps)
	a.Grace = maintenance.NewGraceRecovery(deps)

	// --- Jobs ---
	var lock jobs.Locker
	if rdb != nil {
		lock = jobs.NewRedisLocker(rdb, "rank-engine:job:")
	}
	a.Runner = jobs.NewRunner(lock, jobs.Config{MaxAttempts: cfg.Jobs.MaxAttempts}, logger)
	a.Runner.Register(jobs.KindCommission, func(ctx context.Context) (any, error) { return a.Distributor.Run(ctx) })
	a.Runner.Register(jobs.KindGraceRecovery, func(ctx context.Context) (any, error) { return a.Grace.Run(ctx) })
	a.Runner.Register(jobs.KindMaintenance, func(ctx context.Context) (any, error) { return a.Maintenance.Run(ctx) })

	ok = true
	return a, nil
}
