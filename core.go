// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vmcore wires every component (C1-C11, plus the supplemented
// network and snapshot engines) into a single Core object, generalizing
// the teacher's libvirt.New(ctx, logger, options...) functional-options
// constructor to the whole service layer instead of one driver.
package vmcore

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hashicorp/vmanager-core/internal/action"
	"github.com/hashicorp/vmanager-core/internal/bulk"
	"github.com/hashicorp/vmanager-core/internal/cache"
	"github.com/hashicorp/vmanager-core/internal/config"
	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/events"
	"github.com/hashicorp/vmanager-core/internal/migration"
	"github.com/hashicorp/vmanager-core/internal/netmgr"
	"github.com/hashicorp/vmanager-core/internal/query"
	"github.com/hashicorp/vmanager-core/internal/snapshot"
	"github.com/hashicorp/vmanager-core/internal/stats"
	"github.com/hashicorp/vmanager-core/internal/storage"
	"github.com/hashicorp/vmanager-core/internal/webconsole"
	"github.com/hashicorp/vmanager-core/internal/worker"
)

// Core owns every component of the VM service layer as a field, never as
// a package global, so a process can host more than one independently
// configured instance (e.g. under test).
type Core struct {
	Config *config.Config
	Logger hclog.Logger
	Events *events.Bus

	Pool    *connpool.Pool
	Query   *query.Service
	Actions *action.Service
	Stats   *stats.Engine
	Storage *storage.Engine
	Migrate *migration.Engine
	Bulk    *bulk.Orchestrator
	Console *webconsole.Supervisor
	Workers *worker.Registry

	// Networks and Snapshots are the facades for the supplemented
	// internal/netmgr and internal/snapshot engines.
	Networks  *netmgr.Engine
	Snapshots *snapshot.Service
}

// Option configures a Core at construction time.
type Option func(*options)

type options struct {
	dialer         connpool.Dialer
	eventCapacity  int
	registerer     prometheus.Registerer
	cacheOpts      []cache.Option
}

// WithDialer overrides the dialer the connection pool uses to open
// hypervisor connections; tests supply a fake so they never touch a
// real libvirtd.
func WithDialer(d connpool.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithEventBusCapacity overrides the events.Bus's default buffered
// capacity.
func WithEventBusCapacity(n int) Option {
	return func(o *options) { o.eventCapacity = n }
}

// WithPrometheusRegisterer turns on the stats engine's optional
// per-VM gauges, registered against reg.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithCacheOptions overrides the metadata cache's TTL tiers.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) { o.cacheOpts = opts }
}

// New constructs a Core from cfg, wiring every component together in
// dependency order: the connection pool first, then the metadata cache
// (via the query service), then every component that reads through it,
// and finally the worker registry the bulk orchestrator and web console
// supervisor run their long-lived jobs through.
func New(cfg *config.Config, logger hclog.Logger, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{eventCapacity: 64}
	for _, opt := range opts {
		opt(o)
	}

	logger = logger.Named("vmcore")

	var poolOpts []connpool.Option
	if o.dialer != nil {
		poolOpts = append(poolOpts, connpool.WithDialer(o.dialer))
	}
	pool := connpool.New(logger, poolOpts...)

	bus := events.NewBus(o.eventCapacity)

	q := query.New(pool, logger, o.cacheOpts...)
	c := q.Cache()

	var statsOpts []stats.Option
	if o.registerer != nil {
		statsOpts = append(statsOpts, stats.WithPrometheus(o.registerer))
	}

	actions := action.New(pool, c, bus, logger)
	statsEngine := stats.New(pool, c, logger, statsOpts...)
	storageEngine := storage.New(pool, bus, logger)
	migrateEngine := migration.New(pool, logger)
	workers := worker.New(logger)
	bulkOrch := bulk.New(q, actions, workers, logger)
	console := webconsole.New(cfg, q, workers, logger)
	nets := netmgr.New(pool, logger)
	snaps := snapshot.New(pool, c, bus, logger)

	core := &Core{
		Config:    cfg,
		Logger:    logger,
		Events:    bus,
		Pool:      pool,
		Query:     q,
		Actions:   actions,
		Stats:     statsEngine,
		Storage:   storageEngine,
		Migrate:   migrateEngine,
		Bulk:      bulkOrch,
		Console:   console,
		Workers:   workers,
		Networks:  nets,
		Snapshots: snaps,
	}

	if cfg.AutoconnectOnStartup {
		core.autoconnect(context.Background())
	}

	return core, nil
}

// autoconnect opens every configured server's connection up front,
// logging (rather than failing the whole construction) on a server that
// can't be reached yet, since a server coming back online later should
// not require restarting the process.
func (c *Core) autoconnect(ctx context.Context) {
	for _, srv := range c.Config.Servers {
		if _, err := c.Pool.Connect(ctx, srv.URI); err != nil {
			c.Logger.Warn("unable to autoconnect to configured server", "server", srv.Name, "uri", srv.URI, "error", err)
		}
	}
}

// Close tears down every long-running session and connection owned by
// the core: web consoles, in-flight worker jobs, and live hypervisor
// connections, in that order so nothing is left trying to use a
// connection the pool already closed.
func (c *Core) Close() {
	c.Console.TerminateAll()
	c.Workers.CancelAll()
	c.Pool.DisconnectAll()
	c.Events.Close()
}
