// Package app wires the Parley server runtime: config, logging, HTTP routes,
// the message pipeline, and the fan-out gateways.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"parley/cmd/internal/chat"
	chatapi "parley/cmd/internal/chat/api"
	"parley/cmd/internal/notify"
	"parley/cmd/security/apikey"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Parley server runtime: it owns HTTP server wiring and fan-out dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	natsConn *nats.Conn

	svc *chat.Service
	ws  *notify.WSGateway
	api *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	st, dbPool, dbEnabled, msgStore, convStore, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	keyring := apikey.NewKeyring(apikey.DefaultParams())
	if cfg.APIKeys != "" {
		if err := keyring.ParseEnvKeys(cfg.APIKeys); err != nil {
			return nil, err
		}
	}
	if keyring.Len() == 0 {
		log.Warn("apikeys.empty", "hint", "set PARLEY_API_KEYS to grant access")
	}

	hub := notify.NewHub(log)
	notifier := notify.Notifier(hub)

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = notify.DialNATS(cfg.NATSURL, log)
		if err != nil {
			return nil, err
		}
		natsNotifier, err := notify.NewNATSNotifier(natsConn, log)
		if err != nil {
			natsConn.Close()
			return nil, err
		}
		notifier = notify.Multi{hub, natsNotifier}
		log.Info("fanout.nats.enabled", "url", cfg.NATSURL)
	}

	svc, err := chat.NewService(msgStore, convStore,
		chat.WithNotifier(notifier),
		chat.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	apiHandler, err := chatapi.NewHandler(log, svc, keyring, chatapi.Config{MaxBodyBytes: cfg.MaxBodyBytes})
	if err != nil {
		return nil, err
	}

	ws := notify.NewWSGateway(log, hub, keyring, convStore)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		natsConn:  natsConn,
		svc:       svc,
		ws:        ws,
		api:       apiHandler,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api)

	var handler http.Handler = mux
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.natsConn != nil {
		a.natsConn.Close()
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.Store, chat.ConversationStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := chat.NewInMemoryStore()
		return nopStore{}, nil, false, mem, mem, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	msgStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}
	convStore, err := chat.NewPostgresConversationStore(pool, chat.WithConversationSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, msgStore: msgStore}, pool, true, msgStore, convStore, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	msgStore chat.Store
}

func (s dbStore) Close(_ context.Context) error {
	// Current PostgresStore.Close() is a no-op by design (pool is owned here).
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
