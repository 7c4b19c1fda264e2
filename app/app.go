// Package app assembles the memory tiers, the completion client and the
// assistant from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tayler-id/telly-chat/agent"
	"github.com/tayler-id/telly-chat/config"
	"github.com/tayler-id/telly-chat/llm"
	"github.com/tayler-id/telly-chat/llm/anthropic"
	llmollama "github.com/tayler-id/telly-chat/llm/ollama"
	llmopenai "github.com/tayler-id/telly-chat/llm/openai"
	"github.com/tayler-id/telly-chat/memory"
	"github.com/tayler-id/telly-chat/memory/chromem"
	memollama "github.com/tayler-id/telly-chat/memory/ollama"
	memopenai "github.com/tayler-id/telly-chat/memory/openai"
	"github.com/tayler-id/telly-chat/migrations"
	"github.com/tayler-id/telly-chat/runtime"
)

// App owns every long-lived component. Close releases them.
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Embedder    *memory.CachedEmbedder
	Vectors     *chromem.Store
	LongTerm    *memory.LongTermMemory
	Episodes    *memory.EpisodicStore
	Transcripts *memory.TranscriptStore
	Contexts    *memory.ContextManager
	Client      llm.Client // nil when the provider is "none"
	Assistant   *agent.Assistant
	Maintenance *runtime.Maintenance

	logger zerolog.Logger
}

// New opens storage and wires the components described by cfg. Only storage
// failures are fatal; a missing completion provider leaves Client nil.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, logger: logger}

	// ---------------------------
	// 1. SQLite index
	// ---------------------------

	logger.Info().Str("path", cfg.Database).Msg("Opening memory database")
	db, err := migrations.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if err := a.initMemory(ctx); err != nil {
		a.Close() //nolint:errcheck // already failing
		return nil, err
	}

	// ---------------------------
	// 2. Completion client
	// ---------------------------

	client, err := NewClient(cfg, logger)
	switch {
	case errors.Is(err, agent.ErrNoClient):
		logger.Warn().Str("provider", cfg.LLM.Provider).Msg("No LLM provider configured, chat is disabled")
	case err != nil:
		a.Close() //nolint:errcheck // already failing
		return nil, err
	default:
		a.Client = client
	}

	// ---------------------------
	// 3. Sessions, threads, assistant and maintenance
	// ---------------------------

	sessions := agent.NewSessions(agent.SessionConfig{
		Capacity:  cfg.ShortTerm.Capacity,
		DecayTime: cfg.ShortTerm.DecayTime,
	}, memory.NewShortTermSnapshots(db), logger)
	threads := agent.NewThreads(agent.ThreadConfig{
		MaxActive:    cfg.Threads.MaxActive,
		ArchiveAfter: cfg.Threads.ArchiveAfter,
		Capacity:     cfg.Threads.Capacity,
		DecayTime:    cfg.ShortTerm.DecayTime,
	}, a.Episodes, logger)

	a.Assistant, err = agent.NewAssistant(agent.AssistantConfig{
		Model:            cfg.LLM.Model,
		MaxTokens:        cfg.LLM.MaxTokens,
		ConsolidateEvery: cfg.LongTerm.ConsolidateEvery,
	}, agent.AssistantDeps{
		Client:     a.Client,
		Sessions:   sessions,
		Threads:    threads,
		LongTerm:   a.LongTerm,
		Episodes:   a.Episodes,
		Contexts:   a.Contexts,
		Summarizer: a.newSummarizer(),
	}, logger)
	if err != nil {
		a.Close() //nolint:errcheck // already failing
		return nil, err
	}

	a.Maintenance, err = runtime.NewMaintenance(cfg.Maintenance.Schedule, cfg.Maintenance.SessionIdle, runtime.MaintenanceDeps{
		Assistant: a.Assistant,
		Episodes:  a.Episodes,
		LongTerm:  a.LongTerm,
	}, logger)
	if err != nil {
		a.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("maintenance: %w", err)
	}

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("embedder", cfg.Embedder.Provider).
		Str("llm", cfg.LLM.Provider).
		Msg("Memory system ready")
	return a, nil
}

func (a *App) initMemory(ctx context.Context) error {
	cfg := a.Config

	inner, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	a.Embedder, err = memory.NewCachedEmbedder(inner, cfg.Embedder.CacheEntries, a.logger)
	if err != nil {
		return err
	}

	a.Vectors, err = chromem.New(chromem.Options{
		Path:       cfg.Vector.Path,
		Collection: cfg.Vector.Collection,
		Compress:   cfg.Vector.Compress,
	}, a.Embedder, a.logger)
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}

	a.LongTerm, err = memory.NewLongTermMemory(ctx, a.DB, a.Vectors, memory.LongTermConfig{
		ConsolidationThreshold: cfg.LongTerm.ConsolidationThreshold,
		RelationThreshold:      cfg.LongTerm.RelationThreshold,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("open long-term memory: %w", err)
	}

	a.Episodes, err = memory.NewEpisodicStore(ctx, a.DB, cfg.Episodes.Dir, memory.EpisodicConfig{
		MaxActive: cfg.Episodes.MaxActive,
		Timeout:   cfg.Episodes.Timeout,
	}, a.logger, memory.WithLongTerm(a.LongTerm))
	if err != nil {
		return fmt.Errorf("open episodic store: %w", err)
	}

	a.Transcripts = memory.NewTranscriptStore(a.DB, a.LongTerm, a.logger)
	a.Contexts = memory.NewContextManager(memory.ContextConfig{
		MaxTokens:     cfg.Context.MaxTokens,
		CharsPerToken: cfg.Context.CharsPerToken,
		Lookback:      cfg.Context.Lookback,
		SourceTimeout: cfg.Context.SourceTimeout,
	}, a.Transcripts, a.Episodes, a.LongTerm, a.logger)
	return nil
}

func newEmbedder(cfg *config.Config) (memory.Embedder, error) {
	switch cfg.Embedder.Provider {
	case "ollama":
		return memollama.NewEmbedder(cfg.Ollama.Host, memollama.Model(cfg.Embedder.Model))
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("embedder.provider is openai but no OpenAI API key is set")
		}
		return memopenai.NewEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.Embedder.Model)
	case "hash", "":
		return memory.NewHashEmbedder(cfg.Embedder.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Embedder.Provider)
	}
}

// NewClient resolves the configured provider and returns it wrapped with
// logging and retries. It returns agent.ErrNoClient when the provider is
// "none" or lacks credentials.
func NewClient(cfg *config.Config, logger zerolog.Logger) (llm.Client, error) {
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == llm.ProviderNone {
		return nil, agent.ErrNoClient
	}
	registry := llm.NewProviderRegistry(llm.ProviderConfig{
		AnthropicAPIKey: cfg.Anthropic.APIKey,
		OllamaHost:      cfg.Ollama.Host,
		OpenAIAPIKey:    cfg.OpenAI.APIKey,
		OpenAIBaseURL:   cfg.OpenAI.BaseURL,
		OpenAIOrg:       cfg.OpenAI.Organization,
	})
	key, err := registry.Resolve(cfg.LLM.Model, cfg.LLM.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrNoClient, err)
	}

	var base llm.Client
	switch key.Provider {
	case llm.ProviderAnthropic:
		base, err = anthropic.NewAnthropicClient(key.APIKey, key.Model, logger)
	case llm.ProviderOpenAI:
		base, err = llmopenai.NewOpenAIClient(key.APIKey, key.BaseURL, key.Model, key.Organization)
	case llm.ProviderOllama:
		base, err = llmollama.NewOllamaClient(key.Host, key.Model)
	default:
		return nil, fmt.Errorf("unsupported provider %q", key.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", key.Provider, err)
	}

	logger.Info().Str("provider", key.Provider).Str("model", key.Model).Msg("LLM client initialized")
	wrapped := llm.Chain(base, llm.WithLogging(logger))
	return llm.NewRetryClient(wrapped, llm.RetryConfig{MaxRetries: cfg.LLM.MaxRetries}, logger), nil
}

// newSummarizer prefers the chat client and falls back to a local Ollama model.
// A nil result makes consolidation keep truncated content.
func (a *App) newSummarizer() memory.Summarizer {
	if a.Client != nil {
		return llm.NewSummarizer(a.Client, a.Config.LLM.Model, 0)
	}
	if a.Config.Embedder.Provider != "ollama" {
		return nil
	}
	s, err := memollama.NewSummarizer(a.Config.Ollama.Host, "")
	if err != nil {
		a.logger.Warn().Err(err).Msg("Ollama summarizer unavailable")
		return nil
	}
	return s
}

// Close flushes the vector store and releases storage.
func (a *App) Close() error {
	if a.Maintenance != nil {
		a.Maintenance.Stop()
	}
	var errs []error
	if a.LongTerm != nil {
		if err := a.LongTerm.Persist(); err != nil {
			errs = append(errs, fmt.Errorf("persist vectors: %w", err))
		}
	}
	if a.Embedder != nil {
		a.Embedder.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
