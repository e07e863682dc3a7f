package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetwatt/fleetwatt/pkg/engine"
	"github.com/fleetwatt/fleetwatt/pkg/frank"
	"github.com/fleetwatt/fleetwatt/pkg/log"
	"github.com/fleetwatt/fleetwatt/pkg/server"
	"github.com/fleetwatt/fleetwatt/pkg/sink"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	api := frank.Configured()
	srv := server.Configured()
	mqttSink := sink.Configured()

	email := lflag.RequiredString("email", "Frank Energie account email")
	password := lflag.RequiredString("password", "Frank Energie account password")
	interval := lflag.Duration("refresh-interval", engine.DefaultInterval, "time between fetch cycles")

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.Start(ctx, api, engine.Config{
		Email:    *email,
		Password: *password,
		Interval: *interval,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start engine", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := eng.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "engine failed", "error", err)
			cancel()
		}
	}()

	if mqttSink.Enabled() {
		go func() {
			if err := mqttSink.Run(ctx, eng); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "mqtt sink failed", "error", err)
				cancel()
			}
		}()
	}

	// Run blocks until the context is canceled or an error happens
	if err := srv.Run(ctx, eng); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
