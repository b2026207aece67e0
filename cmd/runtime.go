package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"import-desk/config"
	"import-desk/delivery"
	"import-desk/logging"
	"import-desk/manager"
	"import-desk/pipeline"
	"import-desk/session"
	"import-desk/sink"
	"import-desk/source"
	"import-desk/source/github"
	"import-desk/source/webdir"
	"import-desk/store"
	"import-desk/transcode"
)

// loadConfig reads and validates the configuration and applies the logging
// and debug settings before any component logger is created.
func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.GetConfig(cli.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	logging.Configure(logging.Settings{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if cli.Debug {
		config.Debug = true
		logging.EnableDebug()
	}
	return cfg, nil
}

// newProvider builds the source selected by source.kind.
func newProvider(cfg *config.Config) (source.Provider, error) {
	switch cfg.Source.Kind {
	case config.SourceGitHub:
		return github.NewProvider(cfg.Source), nil
	case config.SourceWebDir:
		return webdir.NewProvider(cfg.Source), nil
	default:
		return nil, fmt.Errorf("unsupported source kind %q", cfg.Source.Kind)
	}
}

// newSessionStore returns the durable session store. db is only used for the
// sqlite store.
func newSessionStore(cfg *config.Config, db *sql.DB) session.Store {
	if cfg.SessionStore == config.SessionStoreSQLite {
		return store.NewSessionStore(db)
	}
	return session.NewFileStore(cfg.SessionsDir)
}

// newMirror returns the object-storage mirror, or nil when none is configured.
func newMirror(ctx context.Context, cfg *config.Config) (sink.Sink, error) {
	if !cfg.Mirror.Enabled() {
		return nil, nil
	}
	obj, err := sink.NewObjectStore(cfg.Mirror)
	if err != nil {
		return nil, err
	}
	if err := obj.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return obj, nil
}

// runtime is the set of long-lived components shared by the daemon, the MCP
// server and the foreground import.
type runtime struct {
	cfg      *config.Config
	log      *logrus.Entry
	db       *sql.DB
	history  *store.History
	sessions session.Store
	delivery *delivery.Store
	manager  *manager.Manager
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	log := logging.NewLogger("cmd")

	store.SetDBPath(cfg.DatabasePath)
	db, err := store.InitDatabase()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	provider, err := newProvider(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	mirror, err := newMirror(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set up mirror: %w", err)
	}

	rt := &runtime{
		cfg:      cfg,
		log:      log,
		db:       db,
		history:  store.NewHistory(db),
		sessions: newSessionStore(cfg, db),
		delivery: delivery.NewStore(
			delivery.WithTTL(cfg.TokenTTL),
			delivery.WithMaxArchiveItems(cfg.ArchiveMaxItems),
		),
	}
	rt.manager = manager.New(manager.Options{
		Store:    rt.sessions,
		Provider: provider,
		Delivery: rt.delivery,
		Pipeline: pipeline.Options{
			BatchSize:  cfg.BatchSize,
			Policy:     transcode.NewPolicy(cfg.ConvertExtensions...),
			Transcoder: transcode.Standard{},
			Mirror:     mirror,
			History:    rt.history,
		},
		PollInterval: cfg.PausePollInterval,
		Logger:       logging.NewLogger("manager"),
	})

	if _, err := rt.manager.LoadAll(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return rt, nil
}

// Close stops every worker and closes the database.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	return errors.Join(errs...)
}
