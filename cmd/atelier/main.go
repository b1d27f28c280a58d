// Atelier is a studio assistant service: an LLM-backed conversation
// engine whose turns can invoke tools (file creation, source
// extraction, chart generation, document drafting) and whose answers
// carry verifiable citations back to stored source documents.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	atelier serve              Start the API server
//	atelier ask <question>     Run a single turn against a throwaway conversation
//	atelier version            Print version information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"atelier/internal/api"
	"atelier/internal/artifact"
	"atelier/internal/citation"
	"atelier/internal/config"
	"atelier/internal/conversation"
	"atelier/internal/enrichment"
	"atelier/internal/llm"
	"atelier/internal/orchestrator"
	"atelier/internal/source"
	"atelier/internal/tools"
	"atelier/internal/usage"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle stays testable without touching os.Exit or
// os.Args.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	// Arguments are parsed by hand; the flag package's package-level
	// state gets in the way of calling run concurrently from tests.
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case command == "" && !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	switch command {
	case "version":
		fmt.Fprintf(stdout, "atelier %s\n", version)
		return nil
	case "serve", "":
		return serve(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: atelier ask <question>")
		}
		return ask(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `Usage: atelier [-config path] <command>

Commands:
  serve              Start the API server (default)
  ask <question>     Run a single turn against a throwaway conversation
  version            Print version information
`)
	return nil
}

// environment holds everything a running atelier needs, wired once at
// startup.
type environment struct {
	cfg           *config.Config
	logger        *slog.Logger
	conversations *conversation.Store
	usages        *usage.Store
	artifacts     *artifact.Store
	orchestrator  *orchestrator.Orchestrator
	enrichment    *enrichment.Scheduler
	hub           *api.Hub
}

func buildEnvironment(stdout io.Writer, configPath string) (*environment, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	if cfg.Anthropic.APIKey == "" {
		return nil, fmt.Errorf("anthropic.api_key is not configured")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = filepath.Join(cfg.DataDir, "workspace")
	}
	sourcesDir := cfg.SourcesDir
	if sourcesDir == "" {
		sourcesDir = filepath.Join(cfg.DataDir, "sources")
	}

	conversations, err := conversation.NewStore(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return nil, err
	}
	usages, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		conversations.Close()
		return nil, err
	}
	artifacts, err := artifact.NewStore(workspace, "/v1/artifacts")
	if err != nil {
		conversations.Close()
		usages.Close()
		return nil, err
	}
	sources := source.NewStore(sourcesDir)

	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger,
		llm.WithMaxTokens(cfg.Turn.MaxTokens))

	registry, err := tools.NewRegistry(
		tools.NewFileExecutor(artifacts),
		tools.NewExtractExecutor(sources),
		tools.NewChartExecutor(artifacts),
		tools.NewDocumentExecutor(artifacts),
	)
	if err != nil {
		conversations.Close()
		usages.Close()
		return nil, err
	}

	hub := api.NewHub(logger)

	enrichModel := cfg.Enrichment.Model
	if enrichModel == "" {
		enrichModel = cfg.Turn.Model
	}
	scheduler := enrichment.NewScheduler(enrichment.Config{
		SignalsDelay:     time.Duration(cfg.Enrichment.SignalsDelaySec) * time.Second,
		TitleDelay:       time.Duration(cfg.Enrichment.TitleDelaySec) * time.Second,
		MinTurnsForTitle: cfg.Enrichment.MinTurnsForTitle,
		MaxConcurrent:    int64(cfg.Enrichment.MaxConcurrent),
		Model:            enrichModel,
		Timeout:          time.Duration(cfg.Enrichment.TimeoutSec) * time.Second,
	}, client, conversations, logger,
		enrichment.WithUpdateListener(hub))

	orch := orchestrator.New(orchestrator.Config{
		Model:         cfg.Turn.Model,
		MaxIterations: cfg.Turn.MaxIterations,
		CallTimeout:   cfg.Turn.CallTimeout(),
		ToolTimeout:   cfg.Turn.ToolTimeout(),
		LeaseTTL:      cfg.Turn.LeaseTTL(),
		SystemPrompt:  cfg.Turn.SystemPrompt,
		Pricing:       cfg.Pricing,
	}, client, registry, conversations, citation.NewResolver(artifacts), logger,
		orchestrator.WithUsageRecorder(usages),
		orchestrator.WithTurnObserver(scheduler))

	return &environment{
		cfg:           cfg,
		logger:        logger,
		conversations: conversations,
		usages:        usages,
		artifacts:     artifacts,
		orchestrator:  orch,
		enrichment:    scheduler,
		hub:           hub,
	}, nil
}

func (e *environment) close() {
	e.enrichment.Stop()
	e.hub.Close()
	e.usages.Close()
	e.conversations.Close()
}

func serve(ctx context.Context, stdout io.Writer, configPath string) error {
	env, err := buildEnvironment(stdout, configPath)
	if err != nil {
		return err
	}
	defer env.close()

	addr := fmt.Sprintf("%s:%d", env.cfg.Listen.Address, env.cfg.Listen.Port)
	server := api.NewServer(addr, env.orchestrator, env.conversations, env.artifacts, env.usages, env.hub, env.logger)
	server.SetTaskCanceler(env.enrichment)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	env.logger.Info("atelier started", "version", version, "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	env.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// ask runs one turn against a fresh conversation and prints the
// answer. Useful for smoke-testing a configuration without the server.
func ask(ctx context.Context, stdout io.Writer, configPath, question string) error {
	env, err := buildEnvironment(io.Discard, configPath)
	if err != nil {
		return err
	}
	defer env.close()

	conv, err := env.conversations.Create(ctx, "")
	if err != nil {
		return err
	}
	defer env.conversations.Delete(ctx, conv.ID)

	outcome, err := env.orchestrator.RunTurn(ctx, conv.ID, question)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, outcome.AssistantMessage.Content)
	if len(outcome.Citations) > 0 {
		fmt.Fprintln(stdout)
		for _, c := range outcome.Citations {
			fmt.Fprintf(stdout, "[%d] %s page %d chunk %d\n", c.Number, c.SourceID, c.Page, c.Chunk)
		}
	}
	return nil
}
