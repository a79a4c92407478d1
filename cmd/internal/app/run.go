package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the entrypoint used by cmd/chatsystem. It blocks until SIGINT or
// SIGTERM and returns an error instead of exiting so deferred cleanup runs.
func Run(cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
