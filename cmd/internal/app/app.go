// Package app wires the Haven server runtime: config, logging, HTTP routes,
// and the realtime support-chat gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"haven/cmd/internal/auth"
	"haven/cmd/internal/chat"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Haven server runtime: it owns HTTP server wiring and the broker
// plus gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	broker   *chat.Broker
	ws       *chat.WSGateway
	verifier auth.Verifier
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	st, dbPool, dbEnabled, msgStore, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	var brokerOpts []chat.BrokerOption
	if cfg.RedisURL != "" {
		reads, err := chat.NewRedisReadMarkerStore(context.Background(), cfg.RedisURL)
		if err != nil {
			_ = st.Close(context.Background())
			return nil, err
		}
		log.Info("reads.redis_store")
		brokerOpts = append(brokerOpts, chat.WithReadMarkerStore(reads))
		st = closeGroup{st, redisCloser{reads}}
	}

	broker := chat.NewBroker(log, msgStore, brokerOpts...)
	ws := chat.NewWSGateway(log, broker, verifier)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		broker:    broker,
		ws:        ws,
		verifier:  verifier,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.broker, a.verifier)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
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

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.MessageStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, chat.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	msgStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, msgStore: msgStore}, pool, true, msgStore, nil
}

// newVerifier picks the credential verifier. A configured ticket key enables
// the HMAC verifier; without one the server runs in unverified dev mode.
func newVerifier(cfg Config, log Logger) (auth.Verifier, error) {
	if cfg.TicketKey == "" {
		log.Warn("auth.dev_mode.unverified_credentials")
		return auth.DevVerifier{}, nil
	}
	v, err := auth.NewTicketVerifier([]byte(cfg.TicketKey))
	if err != nil {
		return nil, err
	}
	log.Info("auth.ticket_verifier")
	return v, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	msgStore chat.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type redisCloser struct {
	rs *chat.RedisReadMarkerStore
}

func (c redisCloser) Close(_ context.Context) error { return c.rs.Close() }

// closeGroup closes multiple stores in order, keeping the first error.
type closeGroup []Store

func (g closeGroup) Close(ctx context.Context) error {
	var first error
	for _, s := range g {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
