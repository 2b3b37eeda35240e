package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openclaw/voicebridge/pkg/config"
	"github.com/openclaw/voicebridge/pkg/health"
	"github.com/openclaw/voicebridge/pkg/logging"
	"github.com/openclaw/voicebridge/pkg/metrics"
	"github.com/openclaw/voicebridge/pkg/runner"
	"github.com/openclaw/voicebridge/pkg/session"
	"github.com/openclaw/voicebridge/pkg/transports/discord"
	"github.com/openclaw/voicebridge/pkg/ttscache"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "voicebridge:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	registry := metrics.NewRegistry()
	cache := ttscache.New(registry, logger)

	var healthSrv *health.Server
	if cfg.Observability.HealthPort > 0 {
		healthSrv = health.NewServer(registry, logger)
		if _, err := healthSrv.Start(cfg.Observability.HealthPort); err != nil {
			return err
		}
		defer healthSrv.Stop()
	}

	token := os.Getenv("DISCORD_BOT_TOKEN")
	if token == "" {
		return fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}
	transport, err := discord.New(token, logger)
	if err != nil {
		return err
	}
	decoder, err := discord.NewDecoder()
	if err != nil {
		return err
	}

	orch, err := session.New(cfg, transport, decoder, cache, registry, nil, healthSrv, logger)
	if err != nil {
		return err
	}
	orch.SetObserver(metrics.NewJSONLObserver(os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lifecycle := runner.NewLifecycleRunner(drainFunc(transport.Close), runner.Hooks{
		OnStart: func() {
			if err := transport.Open(); err != nil {
				logger.Error("gateway open failed", slog.String("error", err.Error()))
				stop()
				return
			}
			go func() {
				if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("orchestrator stopped", slog.String("error", err.Error()))
				}
			}()
		},
		OnStop: func() {
			logger.Info("shutting down")
		},
	}, 10*time.Second)

	return lifecycle.Run(ctx)
}

type drainFunc func() error

func (f drainFunc) Drain() error { return f() }
