// Package app wires the chat server runtime: config, logging, storage, the
// realtime core and its HTTP surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/saad7170/chatsystem/cmd/internal/api"
	"github.com/saad7170/chatsystem/cmd/internal/auth"
	"github.com/saad7170/chatsystem/cmd/internal/chat"
	"github.com/saad7170/chatsystem/cmd/internal/presence"
	"github.com/saad7170/chatsystem/cmd/internal/realtime"
)

// App is the chat server runtime. It owns the storage handles, the realtime
// hub and the HTTP handler tree.
type App struct {
	cfg Config
	log Logger

	store  chat.Store
	dbPool *pgxpool.Pool
	redis  *redis.Client

	registry *prometheus.Registry
	hub      *realtime.Hub
	ws       *realtime.WSGateway
	api      *api.Handler

	// refreshEvery re-announces online users to the TTL mirror; zero disables it.
	refreshEvery time.Duration
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.seedUsers(ctx); err != nil {
		a.close()
		return nil, err
	}

	mirrors := presence.Multi{presence.NewStoreMirror(a.store)}
	var reader presence.Reader = presence.NewStoreMirror(a.store)
	if cfg.RedisURL != "" {
		rdb, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.redis = rdb
		rm := presence.NewRedisMirror(rdb, cfg.PresenceTTL)
		mirrors = append(mirrors, rm)
		reader = rm
		a.refreshEvery = rm.TTL() / 2
		log.Info("presence.mirror.redis", "ttl", rm.TTL().String())
	}

	resolver := &auth.Resolver{Required: cfg.AuthRequired}
	if cfg.JWTSecret != "" {
		v, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			a.close()
			return nil, err
		}
		resolver.Verifier = v
	}
	if !cfg.AuthRequired {
		log.Warn("auth.dev_mode", "note", "acting user may be supplied without a token")
	}

	metrics := realtime.NewMetrics(a.registry)
	a.hub = realtime.NewHub(log, metrics, realtime.PresenceConfig{
		Scope:    realtime.PresenceScope(cfg.PresenceScope),
		Contacts: a.store,
		Mirror:   mirrors,
	})
	engine := realtime.NewEngine(log, a.hub, a.store, chat.NewProfileResolver(a.store, cfg.ProfileCacheTTL))
	receipts := realtime.NewReceipts(log, a.hub, a.store, nil)
	dispatcher := realtime.NewDispatcher(log, a.hub, a.store, engine, receipts)
	a.ws = realtime.NewWSGateway(log, a.hub, dispatcher, resolver, cfg.Gateway())

	h, err := api.NewHandler(log, resolver, chat.NewService(a.store), a.hub, engine, receipts,
		api.WithConfig(cfg.API()),
		api.WithPresenceReader(reader),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.api = h

	return a, nil
}

// openStore selects PostgreSQL when a database URL is configured, the
// in-memory store otherwise.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = chat.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	st, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}
	if a.cfg.DBMigrate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
	}
	a.dbPool = pool
	a.store = st
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema, "migrated", a.cfg.DBMigrate)
	return nil
}

// seedUsers upserts the configured development users. Existing profiles are
// overwritten with the seeded name and email.
func (a *App) seedUsers(ctx context.Context) error {
	users, err := parseSeedUsers(a.cfg.SeedUsers)
	if err != nil {
		return err
	}
	for _, u := range users {
		if _, err := a.store.PutUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	if len(users) > 0 {
		a.log.Info("store.seed.users", "count", len(users))
	}
	return nil
}

// Handler returns the full HTTP handler tree including middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run serves HTTP until ctx is cancelled or the listener fails, then tears
// down every live connection and releases storage.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbPool != nil, "redis_enabled", a.redis != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.refreshEvery > 0 {
		g.Go(func() error {
			a.hub.Presence().RunRefresh(gctx, a.refreshEvery)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		a.hub.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.close()
	a.log.Info("server.stopped")
	return err
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
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
