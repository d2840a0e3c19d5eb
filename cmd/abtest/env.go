package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/yourorg/abtest/internal/catalog"
	"github.com/yourorg/abtest/internal/config"
	"github.com/yourorg/abtest/internal/identity"
	"github.com/yourorg/abtest/internal/logger"
	"github.com/yourorg/abtest/internal/sanitize"
	"github.com/yourorg/abtest/internal/sink"
	"github.com/yourorg/abtest/internal/store"
	"github.com/yourorg/abtest/internal/tracker"
)

// env holds what a command needs. The store is opened lazily.
type env struct {
	cfg     *config.Config
	lggr    logger.Logger
	catalog *catalog.Catalog
	st      *store.SQLiteStore
}

func (o *rootOptions) load() (*env, error) {
	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lggr, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}

	cat := catalog.Default()
	if cfg.Catalog.Path != "" {
		if cat, err = catalog.Load(cfg.Catalog.Path); err != nil {
			return nil, err
		}
	}
	lggr.Debugw("catalog loaded", "path", cfg.Catalog.Path, "experiments", cat.Len())
	return &env{cfg: cfg, lggr: lggr, catalog: cat}, nil
}

func (e *env) openStore() (*store.SQLiteStore, error) {
	if e.st != nil {
		return e.st, nil
	}
	if err := os.MkdirAll(filepath.Dir(e.cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	st, err := store.NewSQLiteStore(e.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	e.st = st
	return st, nil
}

func (e *env) identityStore() (identity.Store, error) {
	if e.cfg.Identity.Store == "sqlite" {
		st, err := e.openStore()
		if err != nil {
			return nil, err
		}
		return st.IdentityStore(e.cfg.Identity.Profile), nil
	}
	return identity.NewFileStore(nil, e.cfg.Identity.Path), nil
}

// sink records locally and, when an endpoint is configured, forwards to it.
func (e *env) sink() (sink.EventSink, error) {
	st, err := e.openStore()
	if err != nil {
		return nil, err
	}
	local := sink.NewStoreSink(st, sanitize.New(e.cfg.Sanitize))
	if e.cfg.Sink.Endpoint == "" {
		return local, nil
	}
	return sink.Multi{local, sink.NewHTTPSink(e.cfg.Sink.Endpoint, e.cfg.Sink.Timeout)}, nil
}

func (e *env) tracker() (*tracker.Tracker, error) {
	ids, err := e.identityStore()
	if err != nil {
		return nil, err
	}
	gen, err := identity.ForFormat(e.cfg.Identity.Format)
	if err != nil {
		return nil, err
	}
	s, err := e.sink()
	if err != nil {
		return nil, err
	}
	return tracker.New(tracker.Options{
		Catalog:   e.catalog,
		Identity:  ids,
		Generator: gen,
		Sink:      s,
		Store:     e.st,
		Logger:    e.lggr,
	})
}

func (e *env) close() {
	if e.st != nil {
		_ = e.st.Close()
	}
	_ = e.lggr.Sync()
}
