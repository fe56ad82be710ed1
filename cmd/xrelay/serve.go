package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrelay"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a relay node answering the built-in xrelay/* addresses",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := buildBus(cfg, logger)
	if err != nil {
		return err
	}
	if err := registerBuiltins(bus); err != nil {
		return err
	}
	if err := bus.Start(ctx); err != nil {
		return err
	}
	logger.Info().
		Str("transport", cfg.Transport.Kind).
		Str("node", cfg.Transport.Redis.Node).
		Msg("xrelay: serving")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bus.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("xrelay: shutdown failed")
		return err
	}
	logger.Info().Msg("xrelay: stopped")
	return nil
}

// registerBuiltins installs the receivers every node answers.
func registerBuiltins(bus *xrelay.Bus) error {
	builtins := map[string]xrelay.ReceiverFunc{
		"xrelay/echo": xrelay.SyncReceiver(func(_ context.Context, _ string, payload any) (any, error) {
			return payload, nil
		}),
		"xrelay/time": xrelay.SyncReceiver(func(ctx context.Context, _ string, _ any) (any, error) {
			clk, _ := xrelay.ClockFromContext(ctx)
			return clk.Now().UTC().Format(time.RFC3339Nano), nil
		}),
		"xrelay/health": xrelay.SyncReceiver(func(ctx context.Context, _ string, _ any) (any, error) {
			return bus.Health(ctx), nil
		}),
	}
	for pattern, fn := range builtins {
		if _, err := bus.Register(pattern, fn); err != nil {
			return err
		}
	}
	return nil
}
