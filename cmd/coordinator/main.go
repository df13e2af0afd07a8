// Package main provides the coordinator binary entry point.
// The coordinator translates a natural-language request into an ordered
// fan-out of calls to a dynamic catalog of downstream HTTP services.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/c360studio/coordinator/api"
	"github.com/c360studio/coordinator/audit"
	"github.com/c360studio/coordinator/chroma"
	"github.com/c360studio/coordinator/config"
	"github.com/c360studio/coordinator/dispatch"
	"github.com/c360studio/coordinator/extract"
	"github.com/c360studio/coordinator/llm"
	"github.com/c360studio/coordinator/prompts"
	"github.com/c360studio/coordinator/rerank"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "coordinator"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Service coordinator agent",
		Long: `The coordinator serves a natural-language front door for a catalog of
HTTP micro-services. For each request it retrieves candidate services
from the vector store, asks the chat LLM which ones the query needs,
extracts structured parameters from the query, orders the services by
their contract-implied data dependencies, and executes them, folding
each response into the context the next service draws its inputs from.

Every executed or skipped service leaves one correlated line in the
trace log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(bootstrapCmd())

	return cmd
}

func runServe(configPath, logLevel string) error {
	setupLogging(logLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmClient := llm.New(cfg.LLMConfig())
	chromaClient := chroma.New(cfg.Chroma.URL)

	templates, err := prompts.NewStore(prompts.Config{
		SystemPath: cfg.Prompts.SystemPath,
		UserPath:   cfg.Prompts.UserPath,
	})
	if err != nil {
		return fmt.Errorf("load prompt templates: %w", err)
	}
	if err := templates.Watch(ctx); err != nil {
		return fmt.Errorf("watch prompt templates: %w", err)
	}
	defer templates.Close()

	auditOpts := []audit.Option{}
	var nc *nats.Conn
	if cfg.Trace.NATSURL != "" {
		nc, err = nats.Connect(cfg.Trace.NATSURL, nats.Name(appName))
		if err != nil {
			// The mirror is best-effort; the file log alone is authoritative.
			slog.Warn("Audit mirror connection failed, continuing without",
				"url", cfg.Trace.NATSURL,
				"error", err)
		} else {
			defer nc.Close()
			auditOpts = append(auditOpts, audit.WithMirror(nc, cfg.Trace.Subject))
		}
	}
	trail := audit.New(cfg.Trace.LogPath, auditOpts...)
	defer trail.Close()

	selector := rerank.NewSelector(llmClient, templates)
	extractor := extract.NewExtractor(llmClient)
	dispatcher := dispatch.New(selector, extractor, trail,
		dispatch.WithTimeouts(cfg.LMStudio.ConnectTimeout, cfg.LMStudio.ReadTimeout))

	mux := http.NewServeMux()
	api.NewServer(api.Config{
		Embedder:   llmClient,
		Store:      chromaClient,
		Selector:   selector,
		Dispatcher: dispatcher,
		Collection: cfg.Chroma.Collection,
		LogPath:    cfg.Trace.LogPath,
		Version:    Version,
	}).RegisterHandlers(mux)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Coordinator listening",
			"addr", cfg.Server.Addr,
			"chroma", cfg.Chroma.URL,
			"lmstudio", cfg.LMStudio.URL,
			"trace_log", cfg.Trace.LogPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func setupLogging(logLevel string) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
