// Agora is a chat relay between a hosted language model and a civic
// content backend.
//
// It exposes a small HTTP API: POST /v1/chat runs one orchestration
// turn (the model may call content tools along the way), and a
// websocket endpoint streams tool activity for live chat front ends.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	agora serve              Start the API server
//	agora init               Write an example config and data directory
//	agora version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/colelab/agora/internal/agent"
	"github.com/colelab/agora/internal/api"
	"github.com/colelab/agora/internal/backend"
	"github.com/colelab/agora/internal/buildinfo"
	"github.com/colelab/agora/internal/config"
	"github.com/colelab/agora/internal/llm"
	"github.com/colelab/agora/internal/memory"
	"github.com/colelab/agora/internal/toolcache"
	"github.com/colelab/agora/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit and os.Args out of the application logic so the lifecycle can
// be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the agora command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes concurrent test runs awkward, and the surface here is two
// commands and two flags.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		return runInit(stdout, ".")
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `%s

Usage:
  agora [flags] <command>

Commands:
  serve     Start the API server
  init      Write an example config and data directory here
  version   Print version and build information

Flags:
  -config <path>   Config file (default: auto-discover)
  -o <format>      Output format for version: text or json
`, buildinfo.String())
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runServe wires the service together and blocks until shutdown.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	// Secrets commonly live in a .env next to the config; absence is fine.
	_ = godotenv.Load()

	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting", "version", buildinfo.Version, "config", path)

	if cfg.Model.APIKey == "" {
		// The server still starts so health checks pass; chat requests
		// answer with a configuration error until the key appears.
		logger.Warn("model api_key is not configured; chat requests will fail")
	}

	done := make(chan struct{})
	defer close(done)

	store := memory.NewStore()
	store.StartJanitor(done, cfg.Conversation.IdleTTL, 10*time.Minute)

	cache := toolcache.New(toolcache.DefaultTTL)
	cache.StartJanitor(done, time.Minute)

	var archive *memory.Archive
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			logger.Warn("cannot create data dir; transcript archive disabled", "dir", cfg.DataDir, "error", err)
		} else {
			archive, err = memory.NewArchive(filepath.Join(cfg.DataDir, "conversations.db"))
			if err != nil {
				logger.Warn("cannot open transcript archive; continuing without it", "error", err)
				archive = nil
			} else {
				defer archive.Close()
			}
		}
	}

	backendClient := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.ServiceToken, logger)
	registry := tools.NewRegistry(backendClient, cache, logger)
	llmClient := llm.NewClient(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Timeout(), logger)

	loop := agent.NewLoop(logger, llmClient, registry, store, cfg.Model.Name, agent.Options{
		MaxRounds:  cfg.Model.MaxRounds,
		MaxHistory: cfg.Conversation.MaxMessages,
	})

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, archive, cfg.Model.APIKey != "", logger)

	// Serve until the context is cancelled or a signal arrives.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
