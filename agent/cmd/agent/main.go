// Command agent runs the dialer probe agent.
//
// # Usage
//
//	agent --control-url https://dialer.example.net --id fra-01 --token agt_xxx
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (AGENT_ID, CONTROL_URL, AGENT_TOKEN, ...)
// - Dotenv file (--env-file)
// - Config file (--config)
//
// # Exit Codes
//
//	0  clean shutdown
//	1  configuration error, including an unreachable control plane at startup
//	2  fatal transport failure (persistent 401)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/dialer/agent"
	"github.com/pilot-net/dialer/agent/internal/client"
	"github.com/pilot-net/dialer/agent/internal/config"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitTransport = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = flag.String("config", "", "Path to config file")
		envFile    = flag.String("env-file", "", "Path to dotenv file")
		controlURL = flag.String("control-url", "", "Control plane URL")
		token      = flag.String("token", "", "Agent token")
		id         = flag.String("id", "", "Agent ID")
		area       = flag.String("area", "", "Agent area")
		maxWorkers = flag.Int("max-workers", 0, "Maximum concurrent probes")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("dialer-agent %s\n", agent.Version)
		return exitOK
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			return exitConfig
		}
		cfg = fileCfg
	}
	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			logger.Error("failed to load env file", "error", err)
			return exitConfig
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		logger.Error("invalid environment", "error", err)
		return exitConfig
	}

	if *controlURL != "" {
		cfg.ControlPlane.URL = *controlURL
	}
	if *token != "" {
		cfg.ControlPlane.Token = *token
	}
	if *id != "" {
		cfg.Agent.ID = *id
	}
	if *area != "" {
		cfg.Agent.Area = *area
	}
	if *maxWorkers > 0 {
		cfg.Probing.MaxWorkers = *maxWorkers
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return exitConfig
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting dialer agent",
		"version", agent.Version,
		"agent_id", cfg.Agent.ID,
		"control_url", cfg.ControlPlane.URL)

	err = a.Run(ctx)
	switch {
	case err == nil:
		logger.Info("agent shutdown complete")
		return exitOK
	case errors.Is(err, agent.ErrStartup):
		logger.Error("control plane unreachable", "error", err)
		return exitConfig
	case errors.Is(err, client.ErrUnauthorized):
		logger.Error("agent token rejected", "error", err)
		return exitTransport
	default:
		logger.Error("agent exited with error", "error", err)
		return exitTransport
	}
}
