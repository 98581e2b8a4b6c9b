package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/jaychat/internal/bridge"
	"github.com/MegaGrindStone/jaychat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, getenv func(string) string, logger *slog.Logger) (bridge.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port           string          `yaml:"port"`
	SystemPrompt   string          `yaml:"systemPrompt"`
	LogLevel       string          `yaml:"logLevel"`
	AllowedOrigins []string        `yaml:"allowedOrigins"`
	RateLimit      rateLimitConfig `yaml:"rateLimit"`
	LLM            llmConfig       `yaml:"llm"`
}

type rateLimitConfig struct {
	PerMinute int `yaml:"perMinute"`
	Burst     int `yaml:"burst"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

const (
	defaultPort         = "8000"
	defaultModel        = "gpt-oss:20b"
	defaultSystemPrompt = "You are an AI assistant named Jay."
)

func defaultConfig() config {
	return config{
		Port:           defaultPort,
		SystemPrompt:   defaultSystemPrompt,
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
		RateLimit: rateLimitConfig{
			PerMinute: 60,
			Burst:     10,
		},
		LLM: &ollamaConfig{
			BaseLLMConfig: BaseLLMConfig{Provider: "ollama", Model: defaultModel},
		},
	}
}

// loadConfig reads the YAML file at path over the defaults, then applies the environment overrides
// read through getenv. A missing file leaves the defaults in place.
func loadConfig(path string, getenv func(string) string) (config, error) {
	cfg := defaultConfig()

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if v := getenv("JAYCHAT_PORT"); v != "" {
		cfg.Port = v
	}

	if cfg.RateLimit.PerMinute <= 0 || cfg.RateLimit.Burst <= 0 {
		return config{}, fmt.Errorf("rate limit must be positive, got %+v", cfg.RateLimit)
	}

	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	// Keys missing from the file keep the values already in c.
	rawConfig := struct {
		Port           string          `yaml:"port"`
		SystemPrompt   string          `yaml:"systemPrompt"`
		LogLevel       string          `yaml:"logLevel"`
		AllowedOrigins []string        `yaml:"allowedOrigins"`
		RateLimit      rateLimitConfig `yaml:"rateLimit"`
		LLM            map[string]any  `yaml:"llm"`
	}{
		Port:           c.Port,
		SystemPrompt:   c.SystemPrompt,
		LogLevel:       c.LogLevel,
		AllowedOrigins: c.AllowedOrigins,
		RateLimit:      c.RateLimit,
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.LogLevel = rawConfig.LogLevel
	c.AllowedOrigins = rawConfig.AllowedOrigins
	c.RateLimit = rawConfig.RateLimit

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (c config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

func (o ollamaConfig) llm(systemPrompt string, getenv func(string) string, logger *slog.Logger) (bridge.LLM, error) {
	model := o.Model
	if model == "" {
		model = defaultModel
	}

	host := o.Host
	if host == "" {
		host = getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, model, systemPrompt, logger)
}

func (o openAIConfig) llm(systemPrompt string, getenv func(string) string, logger *slog.Logger) (bridge.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && o.BaseURL == "" {
		return nil, fmt.Errorf("apiKey is required without a baseURL")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}
