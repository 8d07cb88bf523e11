package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/searchktools/super-server/config"
	"github.com/searchktools/super-server/core"
	"github.com/searchktools/super-server/core/auth"
	"github.com/searchktools/super-server/core/kv"
	"github.com/searchktools/super-server/core/logging"
	"github.com/searchktools/super-server/core/observability"
)

// App wires configuration, logging, storage, credentials and metrics into
// one server and owns their lifetime
type App struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *observability.Metrics
	server  *core.Server

	store    kv.Store
	snapshot *kv.SkipListStore
	authPool *auth.ConnPool

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds every component. Whatever was opened is closed again on error.
func New(cfg *config.Config) (a *App, err error) {
	a = &App{cfg: cfg, metrics: observability.NewMetrics()}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if a.log, err = newLogger(cfg); err != nil {
		return nil, err
	}
	if err = a.openStore(); err != nil {
		return nil, err
	}

	verifier, err := a.openVerifier()
	if err != nil {
		return nil, err
	}

	a.server, err = core.NewServer(core.Options{
		Port:           cfg.Port,
		TrigMode:       cfg.TrigMode,
		Timeout:        cfg.Timeout(),
		OptLinger:      cfg.OptLinger,
		Workers:        cfg.Workers,
		MaxConnections: cfg.MaxConnections,
		AcceptRate:     cfg.AcceptRate,
		RootDir:        cfg.RootDir,
		CommandMode:    cfg.CommandMode(),
		Verifier:       verifier,
		Store:          a.store,
		Logger:         a.log,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.LogEnabled {
		return logging.Discard(), nil
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{Level: level, Dir: cfg.LogDir, QueueSize: cfg.LogQueueSize})
}

func (a *App) openStore() error {
	switch a.cfg.KVBackend {
	case config.BackendRedis:
		store, err := kv.NewRedisStore(a.ctx, a.cfg.RedisAddr, "super:")
		if err != nil {
			return err
		}
		a.store = store
		a.log.Infof("KV backend: redis %s", a.cfg.RedisAddr)

	case config.BackendSkipList:
		store := kv.NewSkipListStore(a.cfg.KVMaxLevel)
		if a.cfg.KVSnapshot != "" {
			n, err := store.LoadSnapshot(a.cfg.KVSnapshot)
			if err != nil {
				return err
			}
			a.log.Infof("KV snapshot %s: %d keys loaded", a.cfg.KVSnapshot, n)
		}
		a.store = store
		a.snapshot = store

	default:
		return fmt.Errorf("%w: %q", kv.ErrUnknownBackend, a.cfg.KVBackend)
	}
	return nil
}

func (a *App) openVerifier() (auth.Verifier, error) {
	if a.cfg.AuthDSN == "" {
		a.log.Infof("Auth: in-memory users")
		return auth.NewMemoryVerifier(), nil
	}
	pool, err := auth.OpenMySQL(a.ctx, a.cfg.AuthDSN, a.cfg.AuthPoolSize)
	if err != nil {
		return nil, err
	}
	a.authPool = pool
	a.log.Infof("Auth: MySQL, %d connections", pool.Size())
	return auth.NewSQLVerifier(pool, a.cfg.AuthTimeout()), nil
}

// Server returns the underlying server
func (a *App) Server() *core.Server { return a.server }

// Run serves until SIGINT/SIGTERM or Shutdown, then releases everything.
func (a *App) Run() error {
	go a.awaitSignal()

	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := a.metrics.Serve(a.ctx, a.cfg.MetricsAddr); err != nil {
				a.log.Errorf("metrics listener: %v", err)
			}
		}()
	}

	a.log.Infof("Server starting on port %d [%s]", a.cfg.Port, a.cfg.Env)
	err := a.server.Run()
	if errors.Is(err, core.ErrServerClosed) {
		err = nil
	}
	return errors.Join(err, a.close())
}

// Shutdown stops the server; Run returns once everything is released
func (a *App) Shutdown() {
	a.server.Shutdown()
}

func (a *App) awaitSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		a.log.Infof("Signal received: %v. Shutting down...", sig)
		a.server.Shutdown()
	case <-a.ctx.Done():
	}
}

// close saves the snapshot and closes the stores and the logger
func (a *App) close() error {
	var errs []error
	if a.server != nil {
		a.server.Shutdown()
	}
	a.cancel()

	if a.snapshot != nil && a.cfg.KVSnapshot != "" {
		if err := a.snapshot.SaveSnapshot(a.cfg.KVSnapshot); err != nil {
			errs = append(errs, err)
		} else if a.log != nil {
			a.log.Infof("KV snapshot %s saved", a.cfg.KVSnapshot)
		}
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.authPool != nil {
		errs = append(errs, a.authPool.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
