// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command loom runs the multi-agent execution runtime.
//
// Usage:
//
//	loom serve --config config.yaml
//	loom validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/loom/pkg/config"
	"github.com/kadirpekel/loom/pkg/execution"
	"github.com/kadirpekel/loom/pkg/framework"
	"github.com/kadirpekel/loom/pkg/logger"
	"github.com/kadirpekel/loom/pkg/observability"
	"github.com/kadirpekel/loom/pkg/server"
	"github.com/kadirpekel/loom/pkg/session"
	"github.com/kadirpekel/loom/pkg/tool"
	"github.com/kadirpekel/loom/pkg/tool/builtin"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the runtime server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("loom version %s\n", version)
	return nil
}

// ValidateCmd validates the configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK:\n%s", out)
	return nil
}

// ServeCmd starts the runtime server.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	shutdownTracing, err := observability.InitGlobalTracer(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	metrics := observability.NewMetrics()

	tools := tool.NewService()
	if err := builtin.RegisterAll(tools, cfg.ChatLogDir); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	adapter := framework.NewEngineAdapter(framework.AdapterConfig{
		AppName:             cfg.AppName,
		AgentIDPrefix:       cfg.AgentIDPrefix,
		RunnerIDPrefix:      cfg.RunnerIDPrefix,
		SessionIDPrefix:     cfg.SessionIDPrefix,
		DefaultUserID:       cfg.DefaultUserID,
		MaxSessionsPerAgent: cfg.MaxSessionsPerAgent,
		ApprovalTimeout:     cfg.ApprovalTimeout(),
		ApprovalPolicy:      cfg.ToolApproval.TimeoutPolicy,
		StreamBuffer:        cfg.StreamBufferSize,
		Tools:               tools,
		Metrics:             metrics,
	})

	registry := framework.NewRegistry()
	// A broken framework registry is fatal: the system must not start.
	if err := registry.Register(adapter); err != nil {
		return fmt.Errorf("register framework adapter: %w", err)
	}

	engine := execution.NewEngine(registry)
	assistant := execution.NewAssistant(engine)

	sweeper := session.NewSweeper(session.SweeperConfig{
		Interval:       cfg.SweepInterval(),
		SessionTimeout: cfg.SessionIdleTimeout(),
		RunnerTimeout:  cfg.RunnerIdleTimeout(),
		AgentTimeout:   cfg.AgentIdleTimeout(),
		TombstoneTTL:   cfg.TombstoneGrace(),
	}, adapter.Coordinator(), adapter.Runners(), adapter.Agents())

	srv := server.New(server.Options{
		Addr:      cfg.Server.Addr,
		Assistant: assistant,
		Adapter:   adapter,
		Metrics:   metrics,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		err := sweeper.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	err = g.Wait()
	adapter.Shutdown(context.Background())
	if err == context.Canceled {
		return nil
	}
	return err
}

func main() {
	// Best-effort .env loading before anything reads the environment.
	_ = godotenv.Load()

	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("loom"),
		kong.Description("Loom multi-agent execution runtime."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := kctx.Run(cli); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
