// Butlerd is a bounded, budget-aware conversation daemon.
//
// It fronts the Anthropic Messages API with per-session conversation
// logs that never grow without bound, a small capability registry the
// model can call mid-turn, and an HTTP API for plain, SSE, and
// websocket turn submission. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	butlerd serve                Start the API server
//	butlerd init [dir]           Write the example config to a directory
//	butlerd ask <question>       Ask a single question (for testing)
//	butlerd hash-token <token>   Print the bcrypt hash of an API token
//	butlerd version              Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lbianco/butlerd/examples"
	"github.com/lbianco/butlerd/internal/agent"
	"github.com/lbianco/butlerd/internal/api"
	"github.com/lbianco/butlerd/internal/buildinfo"
	"github.com/lbianco/butlerd/internal/capability"
	"github.com/lbianco/butlerd/internal/config"
	"github.com/lbianco/butlerd/internal/events"
	"github.com/lbianco/butlerd/internal/history"
	"github.com/lbianco/butlerd/internal/llm"
	"github.com/lbianco/butlerd/internal/usage"
	"github.com/lbianco/butlerd/internal/webpage"
	"github.com/lbianco/butlerd/internal/websearch"
)

// main constructs the OS-level environment and delegates to run, so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on package-level
// globals (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests; the argument surface is small enough that
// manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

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
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: butlerd ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "hash-token":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: butlerd hash-token <token>")
		}
		return runHashToken(stdout, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "butlerd - bounded conversation daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: butlerd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         Start the API server")
	fmt.Fprintln(w, "  init [dir]    Write the example config (default: .)")
	fmt.Fprintln(w, "  ask           Ask a single question (for testing)")
	fmt.Fprintln(w, "  hash-token    Print the bcrypt hash of an API token")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

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

// runInit seeds a working directory with the example config. Existing
// files are never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", cfgPath)
	}
	if err := os.WriteFile(cfgPath, examples.ConfigYAML, 0600); err != nil {
		return fmt.Errorf("write %s: %w", cfgPath, err)
	}

	fmt.Fprintf(w, "Wrote %s\n", cfgPath)
	fmt.Fprintln(w, "Set ANTHROPIC_API_KEY (or edit anthropic.api_key) before running `butlerd serve`.")
	return nil
}

// runHashToken prints the bcrypt hash of a bearer token, for pasting
// into the listen.auth_token_hash config field.
func runHashToken(w io.Writer, token string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Fprintln(w, string(hash))
	return nil
}

// runAsk boots a minimal loop (in-memory log, no capabilities, no
// persistence) and processes a single question, printing the response.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	question := strings.Join(args, " ")

	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger)
	exec := llm.NewExecutor(client, cfg.Retry.Attempts, cfg.Retry.Delay(), logger)
	store := history.NewStore(cfg.Conversation.SeedPrompt)
	loop := agent.NewLoop(logger, store, capability.NewRegistry(), exec, loopConfig(cfg))

	result, err := loop.HandleTurn(ctx, agent.TurnRequest{SessionKey: "cli", Text: question})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, result.Text)
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// usage database, builds the capability registry and agent loop,
// starts the optional MQTT publisher and the API server, and blocks
// until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting butlerd",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Anthropic.Model,
	)

	if cfg.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Provider client and executor ---
	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger)
	exec := llm.NewExecutor(client, cfg.Retry.Attempts, cfg.Retry.Delay(), logger)

	pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := client.Ping(pingCtx); err != nil {
		logger.Warn("provider not reachable at startup, continuing anyway", "error", err)
	}
	pingCancel()

	// --- Capability registry ---
	registry := capability.NewRegistry()
	if cfg.Search.SearXNGURL != "" {
		sx := websearch.NewClient(cfg.Search.SearXNGURL, cfg.Search.MaxResults)
		if err := registry.Register(websearch.Descriptor(sx)); err != nil {
			return fmt.Errorf("register web_search: %w", err)
		}
		logger.Info("web_search capability registered", "url", cfg.Search.SearXNGURL)
	}
	if cfg.Webpage.Enabled {
		fetcher := webpage.NewFetcher(int64(cfg.Webpage.MaxBytes))
		if err := registry.Register(webpage.Descriptor(fetcher)); err != nil {
			return fmt.Errorf("register web_fetch: %w", err)
		}
		logger.Info("web_fetch capability registered")
	}

	// --- Agent loop ---
	store := history.NewStore(cfg.Conversation.SeedPrompt)
	loop := agent.NewLoop(logger, store, registry, exec, loopConfig(cfg))

	// --- Usage store ---
	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	usageStore, err := usage.NewStore(usagePath)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	defer usageStore.Close()
	loop.SetUsageRecorder(usageStore)
	logger.Info("usage database opened", "path", usagePath)

	// --- MQTT turn events (optional) ---
	var publisher *events.Publisher
	if cfg.MQTT.Enabled {
		publisher = events.New(cfg.MQTT, logger)
		if err := publisher.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt publisher: %w", err)
		}
		loop.SetTurnNotifier(publisher)
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, cfg.Listen.AuthTokenHash, logger)
	server.SetUsageStore(usageStore)

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if publisher != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := publisher.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Blocks until the server is shut down via context cancellation or
	// fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("butlerd stopped")
	return nil
}

// loopConfig maps the YAML configuration onto the agent loop's bounds.
func loopConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		Model:                cfg.Anthropic.Model,
		VisionModel:          cfg.Anthropic.VisionModel,
		MaxTokens:            cfg.Anthropic.MaxTokens,
		Temperature:          cfg.Anthropic.Temperature,
		MaxTurns:             cfg.Conversation.MaxTurns,
		MaxHistoryTokens:     cfg.Conversation.MaxTokens,
		MaxToolDepth:         cfg.Conversation.MaxToolDepth,
		IdleExpiry:           time.Duration(cfg.Conversation.MaxAgeMinutes) * time.Minute,
		Language:             cfg.Language,
		AnnotateCapabilities: cfg.Conversation.AnnotateCapabilities,
	}
}

// newLogger creates a structured text logger writing to w. All log
// output goes through slog; this helper standardizes handler options
// across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
