package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ShortTermConfig configures the per-session sliding window.
type ShortTermConfig struct {
	Capacity  int           `yaml:"capacity,omitempty"`
	DecayTime time.Duration `yaml:"decay_time,omitempty"`
}

// LongTermConfig configures consolidation and relationship discovery.
type LongTermConfig struct {
	ConsolidationThreshold int     `yaml:"consolidation_threshold,omitempty"` // access count that promotes an item
	RelationThreshold      float64 `yaml:"relation_threshold,omitempty"`      // similarity above which memories are linked
	ConsolidateEvery       int     `yaml:"consolidate_every,omitempty"`       // turns between consolidation passes
}

// EpisodesConfig configures episodic memory.
type EpisodesConfig struct {
	Dir       string        `yaml:"dir,omitempty"`
	MaxActive int           `yaml:"max_active,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// ContextConfig configures context assembly.
type ContextConfig struct {
	MaxTokens     int           `yaml:"max_tokens,omitempty"`
	CharsPerToken int           `yaml:"chars_per_token,omitempty"`
	Lookback      time.Duration `yaml:"lookback,omitempty"`
	SourceTimeout time.Duration `yaml:"source_timeout,omitempty"`
}

// VectorConfig configures the embedded vector database.
type VectorConfig struct {
	Path       string `yaml:"path,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	Provider     string `yaml:"provider,omitempty"` // "ollama", "openai" or "hash"
	Model        string `yaml:"model,omitempty"`
	Dimensions   int    `yaml:"dimensions,omitempty"` // only used by the hash embedder
	CacheEntries int64  `yaml:"cache_entries,omitempty"`
}

// LLMConfig selects the completion provider used for chat and summaries.
type LLMConfig struct {
	Provider   string        `yaml:"provider,omitempty"` // "anthropic", "openai", "ollama" or "none"
	Model      string        `yaml:"model,omitempty"`
	MaxTokens  int64         `yaml:"max_tokens,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries uint64        `yaml:"max_retries,omitempty"`
}

// AnthropicConfig holds Anthropic credentials.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key,omitempty"`
}

// OllamaConfig holds the Ollama endpoint.
type OllamaConfig struct {
	Host string `yaml:"host,omitempty"`
}

// OpenAIConfig holds OpenAI credentials and endpoint.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key,omitempty"`
	BaseURL      string `yaml:"base_url,omitempty"`
	Organization string `yaml:"organization,omitempty"`
}

// ThreadsConfig bounds conversation threads inside a chat.
type ThreadsConfig struct {
	MaxActive    int           `yaml:"max_active,omitempty"`
	Capacity     int           `yaml:"capacity,omitempty"` // short-term window per thread
	ArchiveAfter time.Duration `yaml:"archive_after,omitempty"`
}

// MaintenanceConfig configures the background maintenance loop.
type MaintenanceConfig struct {
	Schedule    string        `yaml:"schedule,omitempty"` // cron expression or Go duration
	SessionIdle time.Duration `yaml:"session_idle,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	File   string `yaml:"file,omitempty"`
	Pretty bool   `yaml:"pretty,omitempty"`
}

// Config is the full application configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir,omitempty"`
	Database    string            `yaml:"database,omitempty"`
	ShortTerm   ShortTermConfig   `yaml:"short_term,omitempty"`
	LongTerm    LongTermConfig    `yaml:"long_term,omitempty"`
	Episodes    EpisodesConfig    `yaml:"episodes,omitempty"`
	Context     ContextConfig     `yaml:"context,omitempty"`
	Vector      VectorConfig      `yaml:"vector,omitempty"`
	Embedder    EmbedderConfig    `yaml:"embedder,omitempty"`
	LLM         LLMConfig         `yaml:"llm,omitempty"`
	Anthropic   AnthropicConfig   `yaml:"anthropic,omitempty"`
	Ollama      OllamaConfig      `yaml:"ollama,omitempty"`
	OpenAI      OpenAIConfig      `yaml:"openai,omitempty"`
	Threads     ThreadsConfig     `yaml:"threads,omitempty"`
	Maintenance MaintenanceConfig `yaml:"maintenance,omitempty"`
	Log         LogConfig         `yaml:"log,omitempty"`
}

// Defaults returns the configuration used when no file overrides a value.
func Defaults() Config {
	return Config{
		DataDir: "./data/memory",
		ShortTerm: ShortTermConfig{
			Capacity:  200,
			DecayTime: 30 * time.Minute,
		},
		LongTerm: LongTermConfig{
			ConsolidationThreshold: 3,
			RelationThreshold:      0.7,
			ConsolidateEvery:       5,
		},
		Episodes: EpisodesConfig{
			MaxActive: 5,
			Timeout:   2 * time.Hour,
		},
		Context: ContextConfig{
			MaxTokens:     100000,
			CharsPerToken: 4,
			Lookback:      7 * 24 * time.Hour,
			SourceTimeout: 5 * time.Second,
		},
		Vector: VectorConfig{
			Collection: "long_term",
		},
		Embedder: EmbedderConfig{
			Provider:     "ollama",
			Model:        "mxbai-embed-large",
			Dimensions:   256,
			CacheEntries: 10000,
		},
		LLM: LLMConfig{
			Provider:   "anthropic",
			Model:      "claude-sonnet-4-5",
			MaxTokens:  2048,
			Timeout:    60 * time.Second,
			MaxRetries: 5,
		},
		Ollama: OllamaConfig{
			Host: "http://localhost:11434",
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Threads: ThreadsConfig{
			MaxActive:    10,
			Capacity:     100,
			ArchiveAfter: 24 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			Schedule:    "10m",
			SessionIdle: time.Hour,
		},
	}
}

// GetConfigPath returns the default config file path.
// Can be overridden via TELLY_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("TELLY_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.telly/config.yaml"
	}
	return filepath.Join(homeDir, ".telly", "config.yaml")
}

// Load reads the config file at path (if present) and merges it over Defaults.
// Derived paths are filled in from DataDir and provider secrets from the environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}

		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.derivePaths()
	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	if err := os.MkdirAll(filepath.Dir(expandedPath), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks that durable storage is usable. These are the only fatal
// memory errors: everything else degrades at runtime.
func (c *Config) Validate() error {
	if c.ShortTerm.Capacity <= 0 {
		return fmt.Errorf("short_term.capacity must be positive, got %d", c.ShortTerm.Capacity)
	}
	if c.Episodes.MaxActive <= 0 {
		return fmt.Errorf("episodes.max_active must be positive, got %d", c.Episodes.MaxActive)
	}
	if c.Threads.MaxActive <= 0 {
		return fmt.Errorf("threads.max_active must be positive, got %d", c.Threads.MaxActive)
	}
	if c.Context.CharsPerToken <= 0 {
		return fmt.Errorf("context.chars_per_token must be positive, got %d", c.Context.CharsPerToken)
	}
	for _, dir := range []string{c.DataDir, c.Episodes.Dir, c.Vector.Path} {
		if err := ensureWritable(dir); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) derivePaths() {
	c.DataDir = expandPath(c.DataDir)
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "memory.db")
	}
	if c.Episodes.Dir == "" {
		c.Episodes.Dir = filepath.Join(c.DataDir, "episodes")
	}
	if c.Vector.Path == "" {
		c.Vector.Path = filepath.Join(c.DataDir, "vectors")
	}
	c.Database = expandPath(c.Database)
	c.Episodes.Dir = expandPath(c.Episodes.Dir)
	c.Vector.Path = expandPath(c.Vector.Path)
	c.Log.File = expandPath(c.Log.File)
}

func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("storage directory %s is not usable: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".writecheck-*")
	if err != nil {
		return fmt.Errorf("storage directory %s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()       //nolint:errcheck // scratch file
	os.Remove(name) //nolint:errcheck // scratch file
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
