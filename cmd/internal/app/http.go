package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.ready(r.Context()); err != nil {
			a.log.Info("readyz.not_ready", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.Handle("/ws", a.ws)
	a.api.Register(mux)
}

func (a *App) ready(ctx context.Context) error {
	switch {
	case a.dbPool != nil:
		if err := PingDB(ctx, a.dbPool, 2*time.Second); err != nil {
			return err
		}
	case a.cfg.ReadinessRequireDB:
		return errors.New("db not configured")
	}
	if a.redis != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.redis.Ping(pctx).Err(); err != nil {
			return err
		}
	}
	return nil
}
