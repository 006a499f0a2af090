package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"

	"github.com/mohammed-shakir/pyramid-catalog/internal/app"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/config"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/health"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/router"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/server"
	"github.com/mohammed-shakir/pyramid-catalog/internal/layersync"
	"github.com/mohammed-shakir/pyramid-catalog/internal/logger"
	"github.com/mohammed-shakir/pyramid-catalog/internal/metrics"
	"github.com/mohammed-shakir/pyramid-catalog/pkg/invalidation/kafka"
)

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	envFile := flag.String("env-file", ".env", "optional KEY=VALUE file loaded before reading the environment")
	pluginFlag := flag.String("config", "", "plugin configuration (overrides PLUGIN_CONFIG)")
	flag.Parse()

	bootErr := config.LoadDotEnv(*envFile)
	cfg := config.FromEnv()
	if *pluginFlag != "" {
		cfg.PluginConfig = strings.TrimSpace(*pluginFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Service:   "pyramid-server",
		Component: "main",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	if bootErr != nil {
		appLog.Warn("env file not loaded", "file", *envFile, "err", bootErr)
	}

	version := versioninfo.Short()
	appLog.Info("starting pyramid server",
		"addr", cfg.Addr,
		"version", version,
		"plugin_config", cfg.PluginConfig,
		"catalog", cfg.CatalogDriver)

	plugin, err := app.LoadPlugin(cfg.PluginConfig, appLog)
	if err != nil {
		appLog.Error("plugin config invalid", "path", cfg.PluginConfig, "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, plugin, appLog)
	if err != nil {
		appLog.Error("failed to open pyramid store", "err", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			appLog.Warn("close failed", "err", err)
		}
	}()

	mcfg := metrics.Config{
		Enabled: true,
		Addr:    strings.TrimSpace(os.Getenv("METRICS_ADDR")),
		Path:    os.Getenv("METRICS_PATH"),
		Build: metrics.BuildInfo{
			Version:   version,
			Revision:  versioninfo.Revision,
			BuildDate: versioninfo.LastCommit.Format(time.RFC3339),
		},
	}
	p := metrics.Init(mcfg)
	if mcfg.Addr != "" {
		go func() {
			if err := p.Serve(ctx, mcfg, appLog); err != nil {
				appLog.Error("metrics server failed", "err", err)
			}
		}()
	}

	syncer, err := a.Synchronizer()
	if err != nil {
		appLog.Error("layer synchronizer setup failed", "err", err)
		return 1
	}
	registry := layersync.NewRegistry()
	defer registry.StopAll()
	handle, err := registry.Start(ctx, syncer)
	if err != nil {
		appLog.Error("layer synchronizer start failed", "err", err)
		return 1
	}

	checks := a.Checks(handle)
	if cfg.Invalidation.Enabled {
		opts := kafka.Options{
			Logger:   appLog.With("component", "store-events"),
			Register: p.Registerer(),
			Metadata: a,
			Sync:     handle,
		}
		if a.Reads != nil {
			opts.Reads = a.Reads
		}
		kc := kafka.FromEnv()
		runner := kafka.New(kc, opts)
		if err := runner.Start(ctx); err != nil {
			appLog.Error("store event runner start failed", "err", err)
			return 1
		}
		defer runner.Stop()
		if kc.Driver == kafka.DriverKafka {
			checks = append(checks, health.FromReporter("store_events", runner))
		}
	}

	err = server.Run(ctx, cfg, appLog, server.Options{
		Routes: router.Deps{
			Coverages: a.Reader,
			Sync:      handle,
			Format:    a.Factory.Format().Info(),
		},
		Checks:  checks,
		Metrics: p.Handler(),
	})
	if err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
