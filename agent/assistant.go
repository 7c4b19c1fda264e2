package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	ctxpkg "github.com/tayler-id/telly-chat/context"
	"github.com/tayler-id/telly-chat/llm"
	"github.com/tayler-id/telly-chat/memory"
)

const (
	DefaultConsolidateEvery = 5
	DefaultMaxTokens        = 2048
	episodeTitleLength      = 60
	OutcomeSessionEnded     = "completed"
)

// ErrNoClient is returned by HandleTurn when no completion provider is configured.
var ErrNoClient = errors.New("no LLM provider configured")

// AssistantConfig holds the per-turn knobs.
type AssistantConfig struct {
	Model            string
	MaxTokens        int64
	ConsolidateEvery int // turns between consolidation passes
}

// Assistant runs chat turns through the memory tiers: context is assembled
// from all stores before the completion call, every turn is then written to
// the short-term window and episode of its session or thread, and short-term
// items are periodically consolidated into long-term memory.
type Assistant struct {
	client     llm.Client
	cfg        AssistantConfig
	sessions   *Sessions
	threads    *Threads
	longTerm   *memory.LongTermMemory
	episodes   *memory.EpisodicStore
	contexts   *memory.ContextManager
	summarizer memory.Summarizer
	logger     zerolog.Logger
}

// AssistantDeps are the collaborators of an Assistant. Everything but
// Sessions may be nil.
type AssistantDeps struct {
	Client     llm.Client
	Sessions   *Sessions
	Threads    *Threads
	LongTerm   *memory.LongTermMemory
	Episodes   *memory.EpisodicStore
	Contexts   *memory.ContextManager
	Summarizer memory.Summarizer
}

// NewAssistant creates an Assistant.
func NewAssistant(cfg AssistantConfig, deps AssistantDeps, logger zerolog.Logger) (*Assistant, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("sessions are required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.ConsolidateEvery <= 0 {
		cfg.ConsolidateEvery = DefaultConsolidateEvery
	}
	return &Assistant{
		client:     deps.Client,
		cfg:        cfg,
		sessions:   deps.Sessions,
		threads:    deps.Threads,
		longTerm:   deps.LongTerm,
		episodes:   deps.Episodes,
		contexts:   deps.Contexts,
		summarizer: deps.Summarizer,
		logger:     logger.With().Str("component", "assistant").Logger(),
	}, nil
}

// Sessions exposes the session registry.
func (a *Assistant) Sessions() *Sessions {
	return a.sessions
}

// Threads exposes the thread manager, which may be nil.
func (a *Assistant) Threads() *Threads {
	return a.threads
}

// HandleTurn answers userMsg within sessionID. Memory failures degrade the
// answer but never fail the turn; a completion failure is returned.
func (a *Assistant) HandleTurn(ctx context.Context, sessionID, userMsg string) (string, error) {
	if a.client == nil {
		return "", ErrNoClient
	}
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	ctx = ctxpkg.WithSessionID(ctx, sessionID)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	episodeID := a.ensureEpisodeLocked(ctx, sess, userMsg)
	reply, err := a.complete(ctx, sess.ShortTerm, sessionID, sess.history, userMsg)

	a.remember(sess.ShortTerm, sessionID, "User: "+userMsg, memory.PriorityHigh)
	a.recordEvent(ctx, episodeID, memory.MessageEvent(memory.EventUserMessage, "user", userMsg))
	if err != nil {
		sess.failures++
		a.recordFailure(ctx, episodeID, err)
		a.sessions.Save(ctx, sess)
		return "", err
	}

	a.remember(sess.ShortTerm, sessionID, "Assistant: "+reply, memory.PriorityMedium)
	a.recordEvent(ctx, episodeID, memory.MessageEvent(memory.EventAssistantResponse, "assistant", reply))

	sess.appendHistory(llm.UserMessage(userMsg), llm.AssistantMessage(reply))
	sess.turns++
	sess.lastActive = a.sessions.now()

	if sess.turns%a.cfg.ConsolidateEvery == 0 {
		a.consolidate(ctx, sessionID, sess.ShortTerm)
	}
	a.sessions.Save(ctx, sess)
	return reply, nil
}

// HandleThreadTurn answers userMsg within a thread. An empty threadID uses
// the current thread; an empty or unknown one starts a new thread. The id of
// the thread that took the turn is returned alongside the reply.
func (a *Assistant) HandleThreadTurn(ctx context.Context, threadID, userMsg string) (string, string, error) {
	if a.client == nil {
		return "", "", ErrNoClient
	}
	if a.threads == nil {
		return "", "", fmt.Errorf("threads are not enabled")
	}

	th, ok := a.threads.Get(threadID)
	if threadID == "" {
		th, ok = a.threads.Current()
	}
	if !ok {
		id := a.threads.Create(ctx, ThreadSpec{
			Title: "Chat " + a.sessions.now().Format("2006-01-02 15:04"),
			Topic: truncateTitle(userMsg),
		})
		th, _ = a.threads.Get(id)
	}
	if th.Status == ThreadArchived || th.Status == ThreadCompleted {
		return th.ID, "", fmt.Errorf("%w: %s is %s", ErrThreadClosed, th.ID, th.Status)
	}
	a.threads.Switch(th.ID)
	ctx = ctxpkg.WithSessionID(ctx, th.ID)

	history := lo.Map(a.threads.Recent(th.ID, maxHistoryMessages), func(m ThreadMessage, _ int) llm.Message {
		if m.Role == string(llm.RoleUser) {
			return llm.UserMessage(m.Content)
		}
		return llm.AssistantMessage(m.Content)
	})
	reply, err := a.complete(ctx, th.ShortTerm, th.ID, history, userMsg)

	if addErr := a.threads.AddMessage(ctx, th.ID, string(llm.RoleUser), userMsg, nil); addErr != nil {
		a.logger.Warn().Err(addErr).Str("thread_id", th.ID).Msg("User message not recorded on thread")
	}
	if err != nil {
		a.recordFailure(ctx, th.EpisodeID, err)
		return th.ID, "", err
	}
	if addErr := a.threads.AddMessage(ctx, th.ID, string(llm.RoleAssistant), reply, nil); addErr != nil {
		a.logger.Warn().Err(addErr).Str("thread_id", th.ID).Msg("Reply not recorded on thread")
	}

	if turns := (len(th.Messages) + 2) / 2; turns%a.cfg.ConsolidateEvery == 0 {
		a.consolidate(ctx, th.ID, th.ShortTerm)
	}
	return th.ID, reply, nil
}

// complete assembles context for userMsg and asks the model. The caller
// writes userMsg to memory afterwards so it is not retrieved as its own
// context.
func (a *Assistant) complete(ctx context.Context, stm *memory.ShortTermMemory, scopeID string, history []llm.Message, userMsg string) (string, error) {
	var contextText string
	if a.contexts != nil {
		assembled := a.contexts.BuildContext(ctx, memory.ContextRequest{
			Query:     userMsg,
			SessionID: scopeID,
			ShortTerm: stm,
		})
		contextText = memory.FormatForPrompt(assembled)
		debugf(ctx, fmt.Sprintf("context: %s (%d tokens)", assembled.Summary, assembled.TotalTokens))
	}

	prompt := userMsg
	if contextText != "" {
		prompt = contextText + "\n\n" + userMsg
	}
	messages := append(append([]llm.Message(nil), history...), llm.UserMessage(prompt))

	resp, err := a.client.Synchronous(ctx, &llm.Request{
		Model:     a.cfg.Model,
		System:    memory.SystemPrompt(contextText != ""),
		Messages:  messages,
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	debugf(ctx, fmt.Sprintf("reply: %d chars, stop=%s", len(resp.Text), resp.StopReason))
	return strings.TrimSpace(resp.Text), nil
}

func (a *Assistant) remember(stm *memory.ShortTermMemory, scopeID, content string, priority memory.Priority) {
	if _, err := stm.Add(content, priority, nil); err != nil {
		a.logger.Warn().Err(err).Str("scope", scopeID).Msg("Short-term memory rejected item")
	}
}

func (a *Assistant) recordFailure(ctx context.Context, episodeID string, err error) {
	a.recordEvent(ctx, episodeID, memory.EventSpec{
		Type:   "completion_failed",
		Actor:  "assistant",
		Action: "respond",
		Data:   map[string]any{"error": err.Error()},
		Impact: 0.3,
	})
}

// ensureEpisodeLocked returns the session's active episode. A session that
// lost its pointer, for example after a restart, picks up its latest active
// episode; otherwise a new one is started.
func (a *Assistant) ensureEpisodeLocked(ctx context.Context, sess *Session, firstMsg string) string {
	if a.episodes == nil {
		return ""
	}
	if sess.currentEpisode != "" {
		if ep, ok := a.episodes.GetEpisode(sess.currentEpisode); ok && ep.IsActive() {
			return sess.currentEpisode
		}
	}
	if id := a.openEpisodeFor(ctx, sess.ID); id != "" {
		sess.currentEpisode = id
		debugf(ctx, "episode resumed: "+id)
		return id
	}
	sess.currentEpisode = a.episodes.StartEpisode(ctx, memory.EpisodeSpec{
		Title:        truncateTitle(firstMsg),
		Type:         memory.EpisodeConversation,
		Participants: []string{"user", "assistant"},
		SessionID:    sess.ID,
	})
	debugf(ctx, "episode started: "+sess.currentEpisode)
	return sess.currentEpisode
}

func (a *Assistant) recordEvent(ctx context.Context, episodeID string, spec memory.EventSpec) {
	if a.episodes == nil || episodeID == "" {
		return
	}
	if !a.episodes.AddEvent(ctx, episodeID, spec) {
		a.logger.Warn().Str("episode_id", episodeID).Str("event", spec.Type).Msg("Event not recorded: episode is not active")
	}
}

// openEpisodeFor returns the newest active episode recorded for sessionID.
func (a *Assistant) openEpisodeFor(ctx context.Context, sessionID string) string {
	eps, err := a.episodes.SessionEpisodes(ctx, sessionID)
	if err != nil {
		a.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to look up session episodes")
		return ""
	}
	for i := len(eps) - 1; i >= 0; i-- {
		if eps[i].IsActive() {
			return eps[i].ID
		}
	}
	return ""
}

// consolidate promotes eligible items of a window and marks only the ones
// that were stored, so failed items are retried on the next pass.
func (a *Assistant) consolidate(ctx context.Context, scopeID string, stm *memory.ShortTermMemory) []string {
	if a.longTerm == nil {
		return nil
	}
	candidates := stm.ConsolidationCandidates(a.longTerm.ShouldConsolidate)
	if len(candidates) == 0 {
		return nil
	}
	done := a.longTerm.ConsolidateItems(ctx, candidates, a.summarizer)
	stm.MarkConsolidated(lo.Map(done, func(c memory.Consolidation, _ int) string { return c.SourceID })...)
	ids := lo.Map(done, func(c memory.Consolidation, _ int) string { return c.MemoryID })

	a.logger.Info().Str("scope", scopeID).Int("candidates", len(candidates)).Int("stored", len(ids)).Msg("Short-term memory consolidated")
	debugf(ctx, fmt.Sprintf("consolidated %d items into long-term memory", len(ids)))
	return ids
}

// Consolidate runs a consolidation pass for a live session.
func (a *Assistant) Consolidate(ctx context.Context, sessionID string) []string {
	sess, ok := a.sessions.Lookup(sessionID)
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	ids := a.consolidate(ctx, sess.ID, sess.ShortTerm)
	a.sessions.Save(ctx, sess)
	return ids
}

// ConsolidateThreads runs a consolidation pass over every open thread.
func (a *Assistant) ConsolidateThreads(ctx context.Context) int {
	if a.threads == nil {
		return 0
	}
	n := 0
	for _, th := range a.threads.Search(ThreadFilter{Status: ThreadActive, Limit: math.MaxInt}) {
		n += len(a.consolidate(ctx, th.ID, th.ShortTerm))
	}
	return n
}

// EndSession closes the session's episode with outcome, consolidates what is
// left in its short-term window and drops the session. Ending an unknown
// session is a no-op returning false.
func (a *Assistant) EndSession(ctx context.Context, sessionID, outcome string) bool {
	sess, ok := a.sessions.Remove(sessionID)
	if !ok {
		return false
	}
	if outcome == "" {
		outcome = OutcomeSessionEnded
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	a.consolidate(ctx, sess.ID, sess.ShortTerm)
	if a.episodes != nil && sess.currentEpisode != "" {
		a.recordEvent(ctx, sess.currentEpisode, memory.EventSpec{
			Type:   "session_closed",
			Actor:  "system",
			Action: outcome,
			Data:   map[string]any{"turns": sess.turns, "failed_turns": sess.failures},
			Impact: 0.5,
		})
		a.episodes.EndEpisode(ctx, sess.currentEpisode, outcome, nil)
	}
	sess.currentEpisode = ""
	a.sessions.Forget(ctx, sessionID)
	a.logger.Info().Str("session_id", sessionID).Int("turns", sess.turns).Str("outcome", outcome).Msg("Session ended")
	return true
}

// ExpireIdle ends every session idle for longer than idle with the timeout
// outcome and returns how many were ended.
func (a *Assistant) ExpireIdle(ctx context.Context, idle time.Duration) int {
	n := 0
	for _, id := range a.sessions.Idle(idle) {
		if a.EndSession(ctx, id, memory.OutcomeTimeout) {
			n++
		}
	}
	return n
}

// DecayAll drops stale short-term items from every live session and thread.
func (a *Assistant) DecayAll() int {
	n := 0
	if a.threads != nil {
		n += a.threads.Decay()
	}
	for _, id := range a.sessions.IDs() {
		if sess, ok := a.sessions.Lookup(id); ok {
			n += sess.ShortTerm.Decay()
		}
	}
	return n
}

func truncateTitle(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	r := []rune(msg)
	if len(r) <= episodeTitleLength {
		return msg
	}
	return string(r[:episodeTitleLength]) + "..."
}
