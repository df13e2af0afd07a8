package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by ApplyEnv. They override the file,
// matching how the deployed stack is configured. The collection name and
// trace log path are deliberately file-only.
const (
	EnvChromaURL    = "CHROMA_AGENTS_URL"
	EnvLMStudioURL  = "LMSTUDIO_URL"
	EnvEmbedPath    = "LMSTUDIO_EMBED_PATH"
	EnvChatPath     = "LMSTUDIO_CHAT_PATH"
	EnvEmbedModel   = "EMBED_MODEL"
	EnvChatModel    = "CHAT_MODEL"
	EnvSystemPrompt = "SERVICE_SELECTION_SYSTEM_PROMPT"
	EnvUserPrompt   = "SERVICE_SELECTION_USER_PROMPT"
)

// Load builds the effective configuration: defaults, then the YAML file
// when path is non-empty, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFile overlays a YAML file onto the current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the recognized environment variables.
func (c *Config) ApplyEnv() {
	setIfPresent(EnvChromaURL, &c.Chroma.URL)
	setIfPresent(EnvLMStudioURL, &c.LMStudio.URL)
	setIfPresent(EnvEmbedPath, &c.LMStudio.EmbedPath)
	setIfPresent(EnvChatPath, &c.LMStudio.ChatPath)
	setIfPresent(EnvEmbedModel, &c.LMStudio.EmbedModel)
	setIfPresent(EnvChatModel, &c.LMStudio.ChatModel)
	setIfPresent(EnvSystemPrompt, &c.Prompts.SystemPath)
	setIfPresent(EnvUserPrompt, &c.Prompts.UserPath)
}

func setIfPresent(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}
