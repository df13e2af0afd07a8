// Package config provides configuration loading for the coordinator:
// defaults, an optional YAML file, then environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/c360studio/coordinator/audit"
	"github.com/c360studio/coordinator/chroma"
	"github.com/c360studio/coordinator/llm"
)

// Config represents the complete coordinator configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Chroma   ChromaConfig   `yaml:"chroma"`
	LMStudio LMStudioConfig `yaml:"lmstudio"`
	Prompts  PromptsConfig  `yaml:"prompts"`
	Trace    TraceConfig    `yaml:"trace"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`
}

// ChromaConfig configures the vector store.
type ChromaConfig struct {
	// URL is the Chroma base URL.
	URL string `yaml:"url"`
	// Collection is the service-catalog collection name.
	Collection string `yaml:"collection"`
}

// LMStudioConfig configures the OpenAI-compatible LLM backend.
type LMStudioConfig struct {
	// URL is the backend base URL. Required; there is no default.
	URL string `yaml:"url"`
	// EmbedPath is the embeddings endpoint path.
	EmbedPath string `yaml:"embed_path"`
	// ChatPath is the chat completions endpoint path.
	ChatPath string `yaml:"chat_path"`
	// EmbedModel names the embedding model.
	EmbedModel string `yaml:"embed_model"`
	// ChatModel names the chat model.
	ChatModel string `yaml:"chat_model"`
	// ConnectTimeout applies to every outbound dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ReadTimeout bounds each outbound call end to end.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// PromptsConfig points at selection prompt template overrides. Empty paths
// keep the embedded defaults.
type PromptsConfig struct {
	SystemPath string `yaml:"system_path"`
	UserPath   string `yaml:"user_path"`
}

// TraceConfig configures the audit trail.
type TraceConfig struct {
	// LogPath is the trace log file.
	LogPath string `yaml:"log_path"`
	// NATSURL enables the audit mirror when non-empty.
	NATSURL string `yaml:"nats_url"`
	// Subject is the mirror subject.
	Subject string `yaml:"subject"`
}

// Default returns the configuration matching the deployed stack. The
// LM Studio URL has no default; it must come from the file or environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8003",
		},
		Chroma: ChromaConfig{
			URL:        "http://chroma-services:8000",
			Collection: chroma.DefaultCollection,
		},
		LMStudio: LMStudioConfig{
			EmbedPath:      llm.DefaultEmbedPath,
			ChatPath:       llm.DefaultChatPath,
			EmbedModel:     "text-embedding-all-minilm-l12-v2",
			ChatModel:      "swe-dev-32b-i1",
			ConnectTimeout: llm.DefaultConnectTimeout,
			ReadTimeout:    llm.DefaultReadTimeout,
		},
		Trace: TraceConfig{
			LogPath: audit.DefaultPath,
			Subject: audit.DefaultSubject,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Chroma.URL == "" {
		return fmt.Errorf("chroma.url is required")
	}
	if c.Chroma.Collection == "" {
		return fmt.Errorf("chroma.collection is required")
	}
	if c.LMStudio.URL == "" {
		return fmt.Errorf("lmstudio.url is required (set LMSTUDIO_URL)")
	}
	if c.LMStudio.ChatModel == "" {
		return fmt.Errorf("lmstudio.chat_model is required")
	}
	if c.LMStudio.EmbedModel == "" {
		return fmt.Errorf("lmstudio.embed_model is required")
	}
	if c.LMStudio.ConnectTimeout <= 0 {
		return fmt.Errorf("lmstudio.connect_timeout must be positive")
	}
	if c.LMStudio.ReadTimeout <= 0 {
		return fmt.Errorf("lmstudio.read_timeout must be positive")
	}
	if c.Trace.LogPath == "" {
		return fmt.Errorf("trace.log_path is required")
	}
	return nil
}

// LLMConfig builds the LLM client configuration.
func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		BaseURL:        c.LMStudio.URL,
		ChatPath:       c.LMStudio.ChatPath,
		EmbedPath:      c.LMStudio.EmbedPath,
		ChatModel:      c.LMStudio.ChatModel,
		EmbedModel:     c.LMStudio.EmbedModel,
		ConnectTimeout: c.LMStudio.ConnectTimeout,
		ReadTimeout:    c.LMStudio.ReadTimeout,
	}
}
