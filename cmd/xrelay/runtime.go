package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/otelmetrics"
	"github.com/trickstertwo/xrelay/adapter/redisstream"
	"github.com/trickstertwo/xrelay/config"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if nodeName != "" {
		cfg.Transport.Redis.Node = nodeName
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *xlog.Logger {
	return zerolog.Use(zerolog.Config{
		MinLevel:          parseLevel(cfg.Level),
		Console:           cfg.Console,
		ConsoleTimeFormat: time.RFC3339,
	}).With(xlog.Str("app", "xrelay"))
}

func parseLevel(s string) xlog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return xlog.LevelDebug
	case "warn":
		return xlog.LevelWarn
	case "error":
		return xlog.LevelError
	default:
		return xlog.LevelInfo
	}
}

// buildBus wires a bus from cfg. The caller starts and closes it.
func buildBus(cfg *config.Config, logger *xlog.Logger) (*xrelay.Bus, error) {
	metrics, err := otelmetrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	bb := xrelay.NewBusBuilder().
		WithLogger(logger).
		WithDefaults(cfg.Defaults()).
		WithTickInterval(cfg.Bus.TickInterval).
		WithObserver(metrics).
		WithMiddleware(xrelay.TimeoutMiddleware(cfg.Bus.ResponseTimeout))

	if cfg.Bus.ObserverWorkers > 0 {
		bb.WithObserverPool(cfg.Bus.ObserverWorkers, cfg.Bus.ObserverBuffer)
	}
	if cfg.Dispatcher.Workers > 0 {
		bb.WithDispatcherPool(cfg.Dispatcher.Workers, cfg.Dispatcher.Buffer)
	}

	switch cfg.Transport.Kind {
	case config.TransportRedis:
		rc := cfg.RedisStream()
		rc.Logger = logger
		bb.WithConnector(redisstream.ConnectorName, rc.ToMap())
	default:
		bb.WithConnector(config.TransportNone, nil)
	}

	return bb.Build()
}
