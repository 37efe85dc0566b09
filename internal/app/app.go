// Package app wires the server's long-lived dependencies together. An App is
// built once at startup and handed to the transport.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/justinabrahms/chesslive/internal/auth"
	"github.com/justinabrahms/chesslive/internal/cache"
	"github.com/justinabrahms/chesslive/internal/config"
	"github.com/justinabrahms/chesslive/internal/manager"
	"github.com/justinabrahms/chesslive/internal/queue"
	"github.com/justinabrahms/chesslive/internal/store"
	"github.com/rs/zerolog"
)

type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Cache *cache.Cache
	Store store.Store
	Queue *queue.Queue
	Games *manager.GameManager

	// Nil when identity tokens are not required.
	Verifier *auth.Verifier
}

// New connects to redis and the configured store and builds the queue and
// game manager on top of them.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	c, err := cache.Open(ctx, cfg.Redis.URL, cache.WithLogger(logger.With().Str("component", "cache").Logger()))
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		c.Close()
		return nil, err
	}

	return Assemble(cfg, logger, c, st), nil
}

// Assemble builds an App from an already open cache and store.
func Assemble(cfg *config.Config, logger zerolog.Logger, c *cache.Cache, st store.Store) *App {
	q := queue.New(st,
		queue.WithLogger(logger.With().Str("component", "queue").Logger()),
		queue.WithInterval(cfg.Queue.Interval),
		queue.WithBatchSize(cfg.Queue.BatchSize),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
	)
	games := manager.New(c, q, manager.WithLogger(logger.With().Str("component", "manager").Logger()))

	a := &App{
		Config: cfg,
		Logger: logger,
		Cache:  c,
		Store:  st,
		Queue:  q,
		Games:  games,
	}
	if cfg.Auth.JWTSecret != "" {
		a.Verifier = auth.NewVerifier(cfg.Auth.JWTSecret)
	}
	return a
}

// OpenStore opens the relational store named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mongo":
		m, err := store.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Run drains the write-behind queue until ctx is done.
func (a *App) Run(ctx context.Context) {
	a.Queue.Run(ctx)
}

// Close flushes every live game to the store and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Games.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush queue: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.Cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	return errors.Join(errs...)
}
