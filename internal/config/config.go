// Package config handles loading and validating the sentinel.toml configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration.
type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Server    ServerConfig    `toml:"server"`
	Detection DetectionConfig `toml:"detection"`
}

// LLMConfig configures the LLM provider used by the structured extractor.
type LLMConfig struct {
	Provider    string  `toml:"provider"`
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Endpoint    string  `toml:"endpoint"`
	Timeout     int     `toml:"timeout"` // per-call timeout in seconds (0 = provider default)
	Temperature float64 `toml:"temperature"`
}

// PipelineConfig controls segmentation and fan-out.
type PipelineConfig struct {
	ChunkSize    int    `toml:"chunk_size"`
	ChunkOverlap int    `toml:"chunk_overlap"`
	Concurrency  int    `toml:"concurrency"`
	Retries      int    `toml:"retries"`     // extra attempts per failed segment; synthesis is never retried
	RunTimeout   int    `toml:"run_timeout"` // whole-run budget in seconds
	Language     string `toml:"language"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr           string   `toml:"addr"`
	MaxConns       int      `toml:"max_conns"` // 0 = unlimited
	AllowedOrigins []string `toml:"allowed_origins"`
	// PreviewOrigins is a regular expression matched against Origin for
	// preview deployments (e.g. per-branch subdomains).
	PreviewOrigins string `toml:"preview_origins"`
}

// DetectionConfig toggles the Sigma pre-screen that feeds hints to the LLM.
type DetectionConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-1.5-flash-latest",
		},
		Pipeline: PipelineConfig{
			ChunkSize:    4000,
			ChunkOverlap: 500,
			Concurrency:  4,
			RunTimeout:   300,
			Language:     "pt-BR",
		},
		Server: ServerConfig{
			Addr:           ":8000",
			AllowedOrigins: []string{"https://log-sentinel-ai.vercel.app"},
			PreviewOrigins: `^https://log-sentinel-ai-[a-z0-9-]+\.vercel\.app$`,
		},
		Detection: DetectionConfig{Enabled: true},
	}
}

// Load reads a sentinel.toml file and returns a validated Config.
// An empty path skips the file and uses defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv lets secrets and deployment-specific values come from the environment.
func (c *Config) applyEnv() {
	if provider := os.Getenv("SENTINEL_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
	if c.LLM.APIKey == "" && strings.EqualFold(c.LLM.Provider, "gemini") {
		c.LLM.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if key := os.Getenv("SENTINEL_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if addr := os.Getenv("SENTINEL_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

func (c *Config) validate() error {
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))

	switch c.LLM.Provider {
	case "gemini", "anthropic", "openai", "ollama":
	case "":
		return fmt.Errorf("llm.provider is required (gemini, anthropic, openai, ollama)")
	default:
		return fmt.Errorf("unsupported llm.provider: %q", c.LLM.Provider)
	}

	// Cloud providers cannot start without a credential.
	if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required for provider %q (or set SENTINEL_API_KEY)", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("llm.timeout must be >= 0")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2]")
	}

	p := &c.Pipeline
	if p.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunk_size must be > 0")
	}
	if p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize {
		return fmt.Errorf("pipeline.chunk_overlap must be in [0, chunk_size)")
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if p.Retries < 0 {
		return fmt.Errorf("pipeline.retries must be >= 0")
	}
	if p.RunTimeout <= 0 {
		return fmt.Errorf("pipeline.run_timeout must be > 0")
	}
	if strings.TrimSpace(p.Language) == "" {
		p.Language = "pt-BR"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.MaxConns < 0 {
		return fmt.Errorf("server.max_conns must be >= 0")
	}
	if c.Server.PreviewOrigins != "" {
		if _, err := regexp.Compile(c.Server.PreviewOrigins); err != nil {
			return fmt.Errorf("server.preview_origins: %w", err)
		}
	}

	return nil
}

// CallTimeout is the per-extraction timeout; zero means the provider's HTTP default applies.
func (c *LLMConfig) CallTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// RunBudget is the overall per-run timeout.
func (p *PipelineConfig) RunBudget() time.Duration {
	return time.Duration(p.RunTimeout) * time.Second
}
