package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/logging"
	"github.com/MegaGrindStone/streamchat/internal/middleware"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"gopkg.in/yaml.v3"
)

const defaultSystemPrompt = "You are a helpful assistant."

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port         string          `yaml:"port"`
	SystemPrompt string          `yaml:"systemPrompt"`
	MaxDuration  time.Duration   `yaml:"maxDuration"`
	MaxBodyBytes int64           `yaml:"maxBodyBytes"`
	LLM          llmConfig       `yaml:"llm"`
	Store        storeConfig     `yaml:"store"`
	Identity     identityConfig  `yaml:"identity"`
	RateLimit    rateLimitConfig `yaml:"rateLimit"`
	Breaker      breakerConfig   `yaml:"breaker"`
	Log          logging.Config  `yaml:"log"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type storeConfig struct {
	// Type is one of bolt, postgres or none.
	Type        string `yaml:"type"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"databaseURL"`
}

type identityConfig struct {
	// Mode is header or static.
	Mode   string `yaml:"mode"`
	Header string `yaml:"header"`
	UserID string `yaml:"userID"`
}

type rateLimitConfig struct {
	RequestsPerMin int      `yaml:"requestsPerMin"`
	BurstSize      int      `yaml:"burstSize"`
	TrustedProxies []string `yaml:"trustedProxies"`
}

type breakerConfig struct {
	MaxFailures uint32        `yaml:"maxFailures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

const defaultAnthropicMaxTokens = 1024

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string          `yaml:"port"`
		SystemPrompt string          `yaml:"systemPrompt"`
		MaxDuration  time.Duration   `yaml:"maxDuration"`
		MaxBodyBytes int64           `yaml:"maxBodyBytes"`
		LLM          map[string]any  `yaml:"llm"`
		Store        storeConfig     `yaml:"store"`
		Identity     identityConfig  `yaml:"identity"`
		RateLimit    rateLimitConfig `yaml:"rateLimit"`
		Breaker      breakerConfig   `yaml:"breaker"`
		Log          logging.Config  `yaml:"log"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return errors.New("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openai":
		llm = &openAIConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	*c = config{
		Port:         rawConfig.Port,
		SystemPrompt: rawConfig.SystemPrompt,
		MaxDuration:  rawConfig.MaxDuration,
		MaxBodyBytes: rawConfig.MaxBodyBytes,
		LLM:          llm,
		Store:        rawConfig.Store,
		Identity:     rawConfig.Identity,
		RateLimit:    rawConfig.RateLimit,
		Breaker:      rawConfig.Breaker,
		Log:          rawConfig.Log,
	}
	c.applyDefaults()

	return nil
}

func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 30 * time.Second
	}
	if c.Store.Type == "" {
		c.Store.Type = "bolt"
	}
	if c.Identity.Mode == "" {
		c.Identity.Mode = "header"
	}
	if c.Identity.Header == "" {
		c.Identity.Header = "X-User-ID"
	}
	if c.Identity.UserID == "" {
		c.Identity.UserID = "local"
	}
}

func loadConfig(r io.Reader) (config, error) {
	var cfg config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c config) handlersConfig() handlers.Config {
	return handlers.Config{
		MaxDuration:  c.MaxDuration,
		MaxBodyBytes: c.MaxBodyBytes,
		Breaker: handlers.BreakerConfig{
			MaxFailures: c.Breaker.MaxFailures,
			Timeout:     c.Breaker.Timeout,
			Interval:    c.Breaker.Interval,
		},
	}
}

func (c config) rateLimitConfig() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		RequestsPerMin: c.RateLimit.RequestsPerMin,
		BurstSize:      c.RateLimit.BurstSize,
		TrustedProxies: c.RateLimit.TrustedProxies,
	}
}

func (o ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, errors.New("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, o.Parameters, logger)
}

func (a anthropicConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}

	maxTokens := a.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return services.NewAnthropic(apiKey, a.BaseURL, a.Model, systemPrompt, maxTokens, a.Parameters, logger), nil
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, errors.New("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

// store opens the configured message repository. A nil Store with a no-op closer means persistence
// is disabled.
func (s storeConfig) store(ctx context.Context, cfgDir string) (handlers.Store, func() error, error) {
	noop := func() error { return nil }

	switch s.Type {
	case "none":
		return nil, noop, nil
	case "bolt":
		path := s.Path
		if path == "" {
			path = filepath.Join(cfgDir, "store.db")
		}
		db, err := services.NewBoltDB(path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case "postgres":
		url := s.DatabaseURL
		if url == "" {
			url = os.Getenv("DATABASE_URL")
		}
		if url == "" {
			return nil, nil, errors.New("postgres database url is required")
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := services.NewPostgres(connectCtx, url)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type: %s", s.Type)
	}
}

func (i identityConfig) identity() (middleware.Identity, error) {
	switch i.Mode {
	case "header":
		return middleware.HeaderIdentity{Header: i.Header}, nil
	case "static":
		return middleware.StaticIdentity{UserID: i.UserID}, nil
	default:
		return nil, fmt.Errorf("unknown identity mode: %s", i.Mode)
	}
}
