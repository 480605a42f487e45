package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/openbeam/relayd/internal/config"
	"github.com/openbeam/relayd/internal/events"
	"github.com/openbeam/relayd/internal/monitoring"
	"github.com/openbeam/relayd/internal/ops"
	"github.com/openbeam/relayd/internal/server"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	bootLog := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "pretty"})
	bootLog.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	cfg, err := config.Load(&bootLog)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	core := server.NewCore(cfg, logger)

	if cfg.NATSURL != "" {
		bridge, err := events.NewBridge(cfg.NATSURL, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Event bridge unavailable, continuing without it")
		} else {
			defer bridge.Close()
			bridge.Attach(core.Bus(),
				"onPlayerJoin", "onPlayerReady", "onPlayerDisconnect",
				"onChatReceive", "onCarSpawned", "onCarDeleted",
				"onServerStarted", "onServerStopped")
		}
	}

	commands := ops.NewCommandSet()
	core.RegisterCommands(commands)
	opsSrv := ops.NewServer(cfg.OpsAddr, commands, func() map[string]any {
		cpu, mem := core.Sysmon().Snapshot()
		return map[string]any{
			"status":      "ok",
			"players":     core.Registry().Count(),
			"max_players": cfg.MaxPlayers,
			"cpu_percent": cpu,
			"memory_mb":   mem,
		}
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := opsSrv.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Ops server failed")
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	if err := core.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}
