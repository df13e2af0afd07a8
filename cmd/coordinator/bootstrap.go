package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360studio/coordinator/chroma"
	"github.com/c360studio/coordinator/config"
	"github.com/c360studio/coordinator/llm"
	"github.com/c360studio/coordinator/model"
)

// serviceDoc is one service-definition document on disk.
type serviceDoc struct {
	ID       string         `json:"id"`
	Document string         `json:"document"`
	Metadata model.Metadata `json:"metadata"`
}

func bootstrapCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		sourceDir  string
		pattern    string
		collection string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Load service definitions into the vector store",
		Long: `Bootstrap reads service-definition JSON documents, embeds each document
text via the LLM backend, and adds the documents to the catalog
collection, creating the collection when absent.

Each document has the shape {"id", "document", "metadata"}; a missing id
gets a fresh UUID.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(cmd.Context(), configPath, logLevel, sourceDir, pattern, collection)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&sourceDir, "source", "deploy/services", "Directory holding service-definition documents")
	cmd.Flags().StringVar(&pattern, "pattern", "**/*.json", "Glob pattern relative to the source directory")
	cmd.Flags().StringVar(&collection, "collection", "", "Collection name (default: the configured catalog collection)")

	return cmd
}

func runBootstrap(ctx context.Context, configPath, logLevel, sourceDir, pattern, collection string) error {
	setupLogging(logLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if collection == "" {
		collection = cfg.Chroma.Collection
	}

	docs, err := loadServiceDocs(sourceDir, pattern)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no service documents matched %s under %s", pattern, sourceDir)
	}

	llmClient := llm.New(cfg.LLMConfig())
	chromaClient := chroma.New(cfg.Chroma.URL)

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Document
	}
	vectors, err := llmClient.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed service documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embedding count mismatch: %d documents, %d vectors", len(docs), len(vectors))
	}

	collID, err := chromaClient.GetOrCreateCollection(ctx, collection)
	if err != nil {
		return err
	}

	records := make([]chroma.Document, len(docs))
	for i, d := range docs {
		records[i] = chroma.Document{
			ID:        d.ID,
			Document:  d.Document,
			Metadata:  d.Metadata,
			Embedding: vectors[i],
		}
	}
	if err := chromaClient.Add(ctx, collID, records); err != nil {
		return err
	}

	for _, d := range docs {
		slog.Info("Inserted service document", "id", d.ID, "collection", collection)
	}
	return nil
}

// loadServiceDocs globs and decodes the service-definition documents,
// sorted by path so bootstrap runs are reproducible.
func loadServiceDocs(sourceDir, pattern string) ([]serviceDoc, error) {
	matches, err := doublestar.Glob(os.DirFS(sourceDir), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)

	docs := make([]serviceDoc, 0, len(matches))
	for _, m := range matches {
		path := filepath.Join(sourceDir, m)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var doc serviceDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
