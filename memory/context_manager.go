package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxContextTokens = 100000
	DefaultCharsPerToken    = 4
	DefaultContextLookback  = 7 * 24 * time.Hour
	DefaultSourceTimeout    = 5 * time.Second

	transcriptMargin    = 10000
	globalEpisodeMargin = 5000
	semanticMargin      = 2000

	sessionEpisodeLimit  = 3
	semanticMatchLimit   = 10
	promptEpisodeLimit   = 3
	promptTurnLimit      = 5
	promptExcerptLength  = 200
	promptTranscriptHead = 500
)

// ContextConfig tunes context assembly.
type ContextConfig struct {
	MaxTokens     int
	CharsPerToken int
	Lookback      time.Duration
	SourceTimeout time.Duration
}

func (c *ContextConfig) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxContextTokens
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = DefaultCharsPerToken
	}
	if c.Lookback <= 0 {
		c.Lookback = DefaultContextLookback
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = DefaultSourceTimeout
	}
}

// ContextManager assembles prompt context from the transcript, episodic and
// long-term stores under a token budget. Any of the stores may be nil.
type ContextManager struct {
	cfg         ContextConfig
	transcripts *TranscriptStore
	episodes    *EpisodicStore
	longTerm    *LongTermMemory
	now         Clock
	logger      zerolog.Logger
}

// ContextOption configures a ContextManager.
type ContextOption func(*ContextManager)

// WithContextClock overrides the time source.
func WithContextClock(c Clock) ContextOption {
	return func(m *ContextManager) { m.now = c }
}

// NewContextManager creates a context manager over the given stores.
func NewContextManager(cfg ContextConfig, transcripts *TranscriptStore, episodes *EpisodicStore, longTerm *LongTermMemory, logger zerolog.Logger, opts ...ContextOption) *ContextManager {
	cfg.applyDefaults()
	m := &ContextManager{
		cfg:         cfg,
		transcripts: transcripts,
		episodes:    episodes,
		longTerm:    longTerm,
		now:         systemClock,
		logger:      logger.With().Str("component", "contextManager").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ContextRequest describes one context assembly.
type ContextRequest struct {
	Query     string
	SessionID string
	// ShortTerm is the session's sliding window, searched for semantic matches.
	ShortTerm       *ShortTermMemory
	SkipTranscripts bool
	SkipEpisodes    bool
	MaxTranscripts  int // default 5
	MaxEpisodes     int // default 10
}

// TranscriptContext is a transcript selected for the prompt.
type TranscriptContext struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Relevance  float64   `json:"relevance_score"`
	Transcript string    `json:"full_transcript"`
	ActionPlan string    `json:"action_plan,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// SemanticMatch is a scored reference into one of the memory tiers.
type SemanticMatch struct {
	Ref   MemoryRef
	Score float64
}

// AssembledContext is the result of BuildContext.
type AssembledContext struct {
	Transcripts []TranscriptContext
	Episodes    []Episode
	Matches     []SemanticMatch
	Summary     string
	TotalTokens int
}

// Empty reports whether no source contributed anything.
func (c *AssembledContext) Empty() bool {
	return c == nil || (len(c.Transcripts) == 0 && len(c.Episodes) == 0 && len(c.Matches) == 0)
}

// BuildContext gathers context for req.Query. Sources are consulted in
// priority order: the session's own episodes, relevant transcripts, recent
// episodes from any session, then semantic matches. Each source is bounded by
// the configured timeout and a failing source contributes nothing. Items that
// do not fit the remaining budget are skipped, never truncated.
func (m *ContextManager) BuildContext(ctx context.Context, req ContextRequest) *AssembledContext {
	if req.MaxTranscripts <= 0 {
		req.MaxTranscripts = 5
	}
	if req.MaxEpisodes <= 0 {
		req.MaxEpisodes = 10
	}

	out := &AssembledContext{}
	budget := m.cfg.MaxTokens
	included := make(map[string]struct{})

	// 1. current session
	if req.SessionID != "" && m.episodes != nil {
		eps, err := withTimeout(ctx, m.cfg.SourceTimeout, func(ctx context.Context) ([]Episode, error) {
			all, err := m.episodes.SessionEpisodes(ctx, req.SessionID)
			if err != nil {
				return nil, err
			}
			recent := make([]Episode, 0, sessionEpisodeLimit)
			for i := len(all) - 1; i >= 0 && len(recent) < sessionEpisodeLimit; i-- {
				recent = append(recent, all[i])
			}
			return recent, nil
		})
		m.logSourceError(err, "session_episodes")
		for _, ep := range eps {
			tokens := m.estimateJSON(ep)
			if budget-tokens > 0 {
				out.Episodes = append(out.Episodes, ep)
				included[ep.ID] = struct{}{}
				budget -= tokens
			}
		}
	}

	// 2. transcripts
	includedTranscripts := make(map[string]struct{})
	if !req.SkipTranscripts && m.transcripts != nil {
		matches, err := withTimeout(ctx, m.cfg.SourceTimeout, func(ctx context.Context) ([]TranscriptMatch, error) {
			return m.transcripts.Search(ctx, req.Query, req.MaxTranscripts*2), nil
		})
		m.logSourceError(err, "transcripts")
		for _, match := range matches {
			if len(out.Transcripts) >= req.MaxTranscripts {
				break
			}
			tokens := m.estimate(match.Record.Transcript)
			if budget-tokens > transcriptMargin {
				out.Transcripts = append(out.Transcripts, TranscriptContext{
					ID:         match.Record.ID,
					Title:      match.Record.Title,
					URL:        match.Record.URL,
					Relevance:  match.Score,
					Transcript: match.Record.Transcript,
					ActionPlan: match.Record.ActionPlan,
					SavedAt:    match.Record.SavedAt,
				})
				includedTranscripts[match.Record.ID] = struct{}{}
				budget -= tokens
			}
		}
	}

	// 3. recent episodes from any session
	if !req.SkipEpisodes && m.episodes != nil {
		since := m.now().Add(-m.cfg.Lookback)
		eps, err := withTimeout(ctx, m.cfg.SourceTimeout, func(ctx context.Context) ([]Episode, error) {
			return m.episodes.RecentEpisodes(ctx, since, req.MaxEpisodes)
		})
		m.logSourceError(err, "recent_episodes")
		for _, ep := range eps {
			if _, dup := included[ep.ID]; dup {
				continue
			}
			tokens := m.estimateJSON(ep)
			if budget-tokens > globalEpisodeMargin {
				out.Episodes = append(out.Episodes, ep)
				included[ep.ID] = struct{}{}
				budget -= tokens
			}
		}
	}

	// 4. semantic matches
	matches, err := withTimeout(ctx, m.cfg.SourceTimeout, func(ctx context.Context) ([]SemanticMatch, error) {
		return m.semanticMatches(ctx, req, includedTranscripts), nil
	})
	m.logSourceError(err, "semantic_matches")
	for _, match := range matches {
		tokens := m.estimate(FormatMemoryRef(match.Ref))
		if budget-tokens > semanticMargin {
			out.Matches = append(out.Matches, match)
			budget -= tokens
		}
	}

	out.Summary = contextSummary(out)
	out.TotalTokens = m.cfg.MaxTokens - budget

	m.logger.Debug().
		Str("session_id", req.SessionID).
		Int("transcripts", len(out.Transcripts)).
		Int("episodes", len(out.Episodes)).
		Int("matches", len(out.Matches)).
		Int("tokens", out.TotalTokens).
		Msg("Context assembled")
	return out
}

func (m *ContextManager) semanticMatches(ctx context.Context, req ContextRequest, skipTranscripts map[string]struct{}) []SemanticMatch {
	var out []SemanticMatch
	if m.longTerm != nil {
		for _, hit := range m.longTerm.Retrieve(ctx, req.Query, RetrieveOptions{K: semanticMatchLimit}) {
			if tid, _ := hit.Item.Metadata["transcript_id"].(string); tid != "" && m.transcripts != nil {
				if _, dup := skipTranscripts[tid]; dup {
					continue
				}
				if rec, err := m.transcripts.load(ctx, tid); err == nil {
					out = append(out, SemanticMatch{Ref: TranscriptRef{Record: rec}, Score: hit.Score})
					continue
				}
			}
			out = append(out, SemanticMatch{Ref: LongTermRef{Item: hit.Item}, Score: hit.Score})
		}
	}
	if req.ShortTerm != nil {
		for _, item := range req.ShortTerm.Search(req.Query, defaultSearchLimit, 0) {
			out = append(out, SemanticMatch{Ref: ShortTermRef{Item: item}, Score: keywordScore(req.Query, item.Content)})
		}
	}
	return out
}

func (m *ContextManager) logSourceError(err error, source string) {
	if err != nil {
		m.logger.Warn().Err(err).Str("source", source).Msg("Context source unavailable, continuing without it")
	}
}

func (m *ContextManager) estimate(s string) int {
	return len(s) / m.cfg.CharsPerToken
}

func (m *ContextManager) estimateJSON(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return m.estimate(string(b))
}

// withTimeout runs fn bounded by d. A panic in fn is reported as an error.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func contextSummary(c *AssembledContext) string {
	var parts []string
	if len(c.Transcripts) > 0 {
		titles := make([]string, len(c.Transcripts))
		for i, t := range c.Transcripts {
			titles[i] = t.Title
		}
		parts = append(parts, fmt.Sprintf("Found %d relevant video transcripts: %s", len(c.Transcripts), strings.Join(titles, ", ")))
	}
	if len(c.Episodes) > 0 {
		parts = append(parts, fmt.Sprintf("Loaded %d recent conversation episodes", len(c.Episodes)))
	}
	if len(c.Matches) > 0 {
		parts = append(parts, fmt.Sprintf("Found %d semantic matches", len(c.Matches)))
	}
	if len(parts) == 0 {
		return "No relevant context found"
	}
	return strings.Join(parts, " | ")
}

// FormatForPrompt renders assembled context as prompt text. An empty context
// renders as the empty string.
func FormatForPrompt(c *AssembledContext) string {
	if c.Empty() {
		return ""
	}
	sep := strings.Repeat("-", 80)
	var lines []string
	lines = append(lines, fmt.Sprintf("Available Context: %s\n", c.Summary))

	if len(c.Transcripts) > 0 {
		lines = append(lines, "=== RELEVANT VIDEO TRANSCRIPTS ===")
		for _, t := range c.Transcripts {
			lines = append(lines,
				"\nVideo: "+t.Title,
				"URL: "+t.URL,
				fmt.Sprintf("Relevance: %.2f", t.Relevance),
				fmt.Sprintf("\nTranscript:\n%s...", truncate(t.Transcript, promptTranscriptHead)),
			)
			if t.ActionPlan != "" {
				lines = append(lines, "\nAction Plan:\n"+t.ActionPlan)
			}
			lines = append(lines, sep)
		}
	}

	if len(c.Episodes) > 0 {
		lines = append(lines, "\n=== RECENT CONVERSATIONS ===")
		eps := c.Episodes
		if len(eps) > promptEpisodeLimit {
			eps = eps[:promptEpisodeLimit]
		}
		for _, ep := range eps {
			lines = append(lines, "\nConversation: "+ep.Title, fmt.Sprintf("Type: %s", ep.Type))
			turns := conversationTurns(ep)
			if len(turns) > promptTurnLimit {
				turns = turns[:promptTurnLimit]
			}
			for _, turn := range turns {
				role := "User"
				if turn.Role == "assistant" {
					role = "Assistant"
				}
				lines = append(lines, fmt.Sprintf("%s: %s...", role, truncate(turn.Content, promptExcerptLength)))
			}
			lines = append(lines, sep)
		}
	}

	if len(c.Matches) > 0 {
		lines = append(lines, "\n=== RELATED MEMORIES ===")
		for _, match := range c.Matches {
			lines = append(lines, "- "+FormatMemoryRef(match.Ref))
		}
	}

	return strings.Join(lines, "\n")
}
