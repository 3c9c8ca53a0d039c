package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/docker/docker/client"

	"github.com/melih/lighthouse-runner/internal/adapters/builder"
	"github.com/melih/lighthouse-runner/internal/adapters/docker"
	"github.com/melih/lighthouse-runner/internal/adapters/http"
	"github.com/melih/lighthouse-runner/internal/adapters/sandbox"
	"github.com/melih/lighthouse-runner/internal/config"
	"github.com/melih/lighthouse-runner/internal/core/lifecycle"
	"github.com/melih/lighthouse-runner/internal/core/ports"
	"github.com/melih/lighthouse-runner/internal/core/terminal"
)

const shutdownTimeout = 15 * time.Second

type CLI struct {
	Config     string `help:"Config file path (defaults to $XDG_CONFIG_HOME/lighthouse/config.yaml)" env:"LIGHTHOUSE_CONFIG"`
	Listen     string `help:"Listen address for the HTTP API" env:"LIGHTHOUSE_LISTEN"`
	LogLevel   string `help:"Log level (debug|info|warn|error)" env:"LIGHTHOUSE_LOG_LEVEL"`
	DockerHost string `help:"Docker daemon address, overrides DOCKER_HOST" env:"LIGHTHOUSE_DOCKER_HOST"`
	NoBuild    bool   `help:"Disable building images from repoUrl" env:"LIGHTHOUSE_NO_BUILD"`
	NoProxy    bool   `help:"Disable the subdomain proxy" env:"LIGHTHOUSE_NO_PROXY"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("lighthouse"),
		kong.Description("Container lifecycle, terminal and tool sandbox API"),
	)
	if err := run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "lighthouse: %v\n", err)
		kctx.Exit(1)
	}
}

func run(cli CLI) error {
	cfg, cfgPath, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	cli.apply(&cfg)

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", "path", cfgPath, "listen", cfg.Listen)

	var dockerOpts []client.Opt
	if cfg.Docker.Host != "" {
		dockerOpts = append(dockerOpts, client.WithHost(cfg.Docker.Host))
	}
	engine, err := docker.NewAdapter(logger, dockerOpts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	var imageBuilder ports.BuilderService
	if cfg.Docker.Build {
		imageBuilder = builder.NewBuilderAdapter(engine.Client(), logger)
	}
	manager := lifecycle.NewManager(engine, imageBuilder, logger)

	gateway := terminal.NewGateway(manager, engine, logger,
		terminal.WithExitTimeout(cfg.Terminal.ExitTimeout))

	memoryLimit, err := cfg.SandboxMemoryBytes()
	if err != nil {
		return err
	}
	registry := sandbox.New(sandbox.Config{
		MemoryLimit:      memoryLimit,
		Timeout:          cfg.Sandbox.Timeout,
		MaxCallStackSize: cfg.Sandbox.MaxCallStackSize,
		IdleTTL:          cfg.Sandbox.IdleTTL,
		Logger:           logger,
	})
	defer registry.Close()

	handlers := http.Handlers{
		Containers: http.NewContainerHandler(manager),
		Sandbox:    http.NewSandboxHandler(registry),
		Terminal:   http.NewTerminalHandler(gateway, logger),
	}
	if cfg.Proxy.Enabled {
		handlers.Proxy = http.NewProxyHandler(manager, cfg.Proxy.Domain, logger)
	}
	app := http.NewApp(handlers)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := manager.Ping(pingCtx); err != nil {
		logger.Warn("container engine not reachable", "err", err)
	}
	pingCancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Listen)
		errCh <- app.Listen(cfg.Listen)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Warn("terminal sessions did not close in time", "err", err)
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// apply lets flags and environment override the config file.
func (c CLI) apply(cfg *config.Config) {
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.DockerHost != "" {
		cfg.Docker.Host = c.DockerHost
	}
	if c.NoBuild {
		cfg.Docker.Build = false
	}
	if c.NoProxy {
		cfg.Proxy.Enabled = false
	}
}

func newLogger(rawLevel string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Formatter:       log.TextFormatter,
	})
	return logger, nil
}
