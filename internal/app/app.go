// Package app wires an Engine to the store, role provider, notification sinks
// and evidence verifier selected by innoflow.yml.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"innoflow/internal/config"
	"innoflow/internal/db"
	"innoflow/internal/engine"
	"innoflow/internal/engine/auth"
	"innoflow/internal/evidence"
	"innoflow/internal/metrics"
	"innoflow/internal/migrate"
	"innoflow/internal/notify"
	"innoflow/internal/repo"
	"innoflow/internal/repo/pgstore"
	"innoflow/internal/store"
)

// ErrNoRoleStore is returned by role commands when the store has no role table.
var ErrNoRoleStore = errors.New("role assignments require the sqlite store")

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	// Sink receives notifications in addition to the configured sinks.
	Sink notify.Sink
}

type App struct {
	Engine     engine.Engine
	Audit      store.Auditor
	Roles      *auth.Service
	Metrics    *metrics.Recorder
	Dispatcher *notify.Dispatcher
	Config     *config.Config
	Logger     *slog.Logger

	closers []func()
}

// Open builds the application for a workspace. Callers must Close it so queued
// notifications are flushed.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOrDefault(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	st, err := a.openStore(ctx, opts.Workspace)
	if err != nil {
		a.Close()
		return nil, err
	}
	eng, err := engine.New(st, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	eng.Logger = logger
	eng.Metrics = a.Metrics
	if a.Roles != nil {
		eng.Roles = *a.Roles
	}
	if cfg.Evidence.S3.Enabled {
		s3cfg := cfg.Evidence.S3
		v, err := evidence.NewS3Verifier(ctx, evidence.S3Config{
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			PathStyle:       s3cfg.PathStyle,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		eng.Evidence = v
	}

	sinks, err := a.sinks(opts.Sink)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Dispatcher = notify.NewDispatcher(sinks, cfg.Notifications.QueueSize, logger, a.Metrics)
	// The dispatcher drains before the connections its sinks use are closed.
	a.closers = append([]func(){a.Dispatcher.Close}, a.closers...)
	eng.Notifier = a.Dispatcher
	a.Engine = eng
	return a, nil
}

func (a *App) openStore(ctx context.Context, workspace string) (store.Store, error) {
	switch a.Config.Store.Driver {
	case config.DriverPostgres:
		pg, err := pgstore.Open(ctx, a.Config.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		a.Audit = pg
		a.Logger.Debug("store opened", "driver", config.DriverPostgres)
		return pg, nil
	default:
		var conn *sql.DB
		var err error
		if a.Config.Store.DSN != "" {
			conn, err = db.OpenDSN(a.Config.Store.DSN)
		} else {
			conn, err = db.Open(db.Config{Workspace: workspace})
		}
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { conn.Close() })
		applied, err := migrate.Migrate(conn)
		if err != nil {
			return nil, err
		}
		for _, name := range applied {
			a.Logger.Info("migration applied", "name", name)
		}
		r := repo.New(conn)
		a.Audit = r
		a.Roles = &auth.Service{DB: conn}
		a.Logger.Debug("store opened", "driver", config.DriverSQLite, "path", db.Path(workspace))
		return r, nil
	}
}

func (a *App) sinks(extra notify.Sink) (notify.Sink, error) {
	n := a.Config.Notifications
	var sinks notify.Multi
	if n.Log {
		sinks = append(sinks, notify.LogSink{Logger: a.Logger.With("component", "notify")})
	}
	if n.NATS.URL != "" {
		ns, err := notify.DialNATS(n.NATS.URL, n.NATS.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ns.Close)
		sinks = append(sinks, ns)
	}
	for _, wh := range n.Webhooks {
		if !wh.Enabled {
			continue
		}
		sinks = append(sinks, notify.NewWebhookSink(wh.URL, wh.Secret, wh.Events))
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}
	return sinks, nil
}

// RoleService returns the role assignment store or ErrNoRoleStore.
func (a *App) RoleService() (auth.Service, error) {
	if a.Roles == nil {
		return auth.Service{}, ErrNoRoleStore
	}
	return *a.Roles, nil
}

// Close flushes notifications and releases connections.
func (a *App) Close() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
}
