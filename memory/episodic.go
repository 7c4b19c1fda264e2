package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	DefaultMaxActiveEpisodes = 5
	DefaultEpisodeTimeout    = 2 * time.Hour

	OutcomeAutoClosed = "auto_closed"
	OutcomeTimeout    = "timeout"

	PatternSuccessfulTasks   = "successful_tasks"
	PatternFailedTasks       = "failed_tasks"
	PatternLearningSequences = "learning_sequences"
	PatternRepeatedQuestions = "repeated_questions"
	PatternRepeatedFailure   = "repeated_failure"

	highImpact               = 0.7
	questionSimilarity       = 0.6
	recentQuestionWindow     = 10
	defaultEventImpact       = 0.5
	repeatedFailureThreshold = 2
)

var (
	successOutcomes = []string{"success", "successful", "completed", "resolved", "done"}
	failureOutcomes = []string{"failure", "failed", "fail", "error", "unresolved", "abandoned"}

	episodeTypeBonus = map[EpisodeType]float64{
		EpisodeTaskCompletion: 0.1,
		EpisodeProblemSolving: 0.15,
		EpisodeLearning:       0.2,
		EpisodeCreative:       0.1,
		EpisodeConversation:   0.05,
	}
)

// IsSuccessOutcome reports whether an outcome string means the episode succeeded.
func IsSuccessOutcome(outcome string) bool {
	return lo.Contains(successOutcomes, strings.ToLower(strings.TrimSpace(outcome)))
}

// IsFailureOutcome reports whether an outcome string means the episode failed.
func IsFailureOutcome(outcome string) bool {
	o := strings.ToLower(strings.TrimSpace(outcome))
	return lo.Contains(failureOutcomes, o) || strings.Contains(o, "fail")
}

// EpisodicConfig bounds concurrent and idle episodes.
type EpisodicConfig struct {
	MaxActive int
	Timeout   time.Duration
}

// EpisodeObserver is told about every committed episode mutation, including
// internal ones such as auto-closing. patterns lists the pattern groups the
// episode belongs to.
type EpisodeObserver func(ctx context.Context, ep Episode, patterns []string)

type questionRef struct {
	episodeID string
	text      string
}

// EpisodicMemory tracks episodes and the patterns across them.
type EpisodicMemory struct {
	mu        sync.Mutex
	cfg       EpisodicConfig
	episodes  map[string]*Episode
	active    []string
	patterns  map[string][]string
	questions []questionRef
	longTerm  *LongTermMemory
	observer  EpisodeObserver
	now       Clock
	logger    zerolog.Logger
}

// EpisodicOption configures an EpisodicMemory.
type EpisodicOption func(*EpisodicMemory)

// WithEpisodicClock overrides the time source.
func WithEpisodicClock(c Clock) EpisodicOption {
	return func(m *EpisodicMemory) { m.now = c }
}

// WithLongTerm makes ended episodes consolidate into long-term memory.
func WithLongTerm(ltm *LongTermMemory) EpisodicOption {
	return func(m *EpisodicMemory) { m.longTerm = ltm }
}

// WithEpisodeObserver registers a hook called after every mutation.
func WithEpisodeObserver(o EpisodeObserver) EpisodicOption {
	return func(m *EpisodicMemory) { m.observer = o }
}

// NewEpisodicMemory creates an empty in-memory episode tracker.
func NewEpisodicMemory(cfg EpisodicConfig, logger zerolog.Logger, opts ...EpisodicOption) *EpisodicMemory {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActiveEpisodes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEpisodeTimeout
	}
	m := &EpisodicMemory{
		cfg:      cfg,
		episodes: make(map[string]*Episode),
		patterns: make(map[string][]string),
		now:      systemClock,
		logger:   logger.With().Str("component", "episodicMemory").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EpisodeSpec describes an episode to start.
type EpisodeSpec struct {
	Title        string
	Type         EpisodeType
	Participants []string
	Context      map[string]any
	SessionID    string
}

// StartEpisode opens a new episode. When the active limit is reached the
// oldest active episode is ended with outcome "auto_closed" first.
func (m *EpisodicMemory) StartEpisode(ctx context.Context, spec EpisodeSpec) string {
	epType := spec.Type
	if epType == "" {
		epType = EpisodeConversation
	}

	m.mu.Lock()
	var closed []Episode
	for len(m.active) >= m.cfg.MaxActive {
		oldest := m.active[0]
		m.logger.Info().Str("episodeID", oldest).Msg("Active episode limit reached, auto-closing oldest")
		snap, ok := m.endLocked(ctx, oldest, OutcomeAutoClosed, nil)
		if !ok {
			m.active = m.active[1:]
			continue
		}
		closed = append(closed, snap)
	}

	now := m.now()
	ep := &Episode{
		ID:           "episode_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:         epType,
		Title:        spec.Title,
		StartTime:    now,
		Participants: append([]string(nil), spec.Participants...),
		Context:      cloneMap(spec.Context),
		Metadata: map[string]any{
			"auto_close_timeout": m.cfg.Timeout.Seconds(),
		},
	}
	if spec.SessionID != "" {
		ep.Metadata["session_id"] = spec.SessionID
	}
	ep.Events = append(ep.Events, EpisodeEvent{
		Timestamp:   now,
		EventType:   EventEpisodeStart,
		Actor:       "system",
		Action:      "started",
		Data:        map[string]any{"title": spec.Title, "type": string(epType)},
		ImpactScore: defaultEventImpact,
	})
	m.episodes[ep.ID] = ep
	m.active = append(m.active, ep.ID)
	m.notifyLocked(ctx, ep)
	m.mu.Unlock()

	for _, snap := range closed {
		m.consolidate(ctx, snap)
	}

	m.logger.Debug().
		Str("method", "StartEpisode").
		Str("episodeID", ep.ID).
		Str("type", string(epType)).
		Str("sessionID", spec.SessionID).
		Msg("Episode started")
	return ep.ID
}

// EventSpec describes an event to append.
type EventSpec struct {
	Type   string
	Actor  string
	Action string
	Data   map[string]any
	Impact float64
}

// MessageEvent builds a user_message or assistant_response event.
func MessageEvent(eventType, actor, content string) EventSpec {
	return EventSpec{
		Type:   eventType,
		Actor:  actor,
		Action: "message",
		Data:   map[string]any{"content": content},
		Impact: defaultEventImpact,
	}
}

// AddEvent appends an event to an active episode. It returns false, changing
// nothing, for unknown or ended episodes.
func (m *EpisodicMemory) AddEvent(ctx context.Context, episodeID string, spec EventSpec) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep := m.episodes[episodeID]
	if ep == nil || !ep.IsActive() {
		m.logger.Debug().Str("episodeID", episodeID).Str("eventType", spec.Type).Msg("AddEvent on unknown or ended episode")
		return false
	}

	event := EpisodeEvent{
		Timestamp:   m.now(),
		EventType:   spec.Type,
		Actor:       spec.Actor,
		Action:      spec.Action,
		Data:        cloneMap(spec.Data),
		ImpactScore: clamp01(spec.Impact),
	}
	ep.Events = append(ep.Events, event)
	if event.ImpactScore > highImpact {
		m.updatePatternsLocked(ep, event)
	}
	m.notifyLocked(ctx, ep)
	return true
}

// EndEpisode closes an active episode, records the end event, consolidates it
// into long-term memory and re-runs pattern analysis.
func (m *EpisodicMemory) EndEpisode(ctx context.Context, episodeID, outcome string, metrics map[string]float64) bool {
	m.mu.Lock()
	snap, ok := m.endLocked(ctx, episodeID, outcome, metrics)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.consolidate(ctx, snap)
	return true
}

func (m *EpisodicMemory) endLocked(ctx context.Context, episodeID, outcome string, metrics map[string]float64) (Episode, bool) {
	ep := m.episodes[episodeID]
	if ep == nil || !ep.IsActive() {
		return Episode{}, false
	}

	end := m.now()
	eventCount := len(ep.Events)
	ep.EndTime = &end
	ep.Outcome = outcome
	if len(metrics) > 0 {
		if ep.SuccessMetrics == nil {
			ep.SuccessMetrics = make(map[string]float64, len(metrics))
		}
		for k, v := range metrics {
			ep.SuccessMetrics[k] = v
		}
	}
	m.active = lo.Without(m.active, episodeID)

	ep.Events = append(ep.Events, EpisodeEvent{
		Timestamp: end,
		EventType: EventEpisodeEnd,
		Actor:     "system",
		Action:    "ended",
		Data: map[string]any{
			"outcome":     outcome,
			"duration":    end.Sub(ep.StartTime).Seconds(),
			"event_count": eventCount,
		},
		ImpactScore: defaultEventImpact,
	})

	switch {
	case IsFailureOutcome(outcome):
		m.addPatternLocked(PatternFailedTasks, ep.ID)
	case IsSuccessOutcome(outcome):
		m.addPatternLocked(PatternSuccessfulTasks, ep.ID)
	}
	m.analyzePatternsLocked(ep)
	m.notifyLocked(ctx, ep)

	m.logger.Debug().
		Str("method", "EndEpisode").
		Str("episodeID", ep.ID).
		Str("outcome", outcome).
		Int("events", eventCount).
		Msg("Episode ended")
	return ep.clone(), true
}

// updatePatternsLocked records high-impact events in the pattern groups.
func (m *EpisodicMemory) updatePatternsLocked(ep *Episode, event EpisodeEvent) {
	switch event.EventType {
	case EventTaskComplete:
		if ok, _ := event.Data["success"].(bool); ok {
			m.addPatternLocked(PatternSuccessfulTasks, ep.ID)
		} else {
			m.addPatternLocked(PatternFailedTasks, ep.ID)
		}
	case EventConceptLearned:
		m.addPatternLocked(PatternLearningSequences, ep.ID)
	case EventQuestionAsked:
		question, _ := event.Data["question"].(string)
		if question == "" {
			question = event.Content()
		}
		if question == "" {
			question = event.Action
		}
		for _, q := range m.questions {
			if jaccard(question, q.text) > questionSimilarity {
				m.addPatternLocked(PatternRepeatedQuestions, ep.ID)
				break
			}
		}
		m.questions = append(m.questions, questionRef{episodeID: ep.ID, text: question})
		if len(m.questions) > recentQuestionWindow {
			m.questions = m.questions[len(m.questions)-recentQuestionWindow:]
		}
	}
}

// analyzePatternsLocked tags a failed episode when at least two other episodes
// of the same type failed too.
func (m *EpisodicMemory) analyzePatternsLocked(ep *Episode) {
	if !lo.Contains(m.patterns[PatternFailedTasks], ep.ID) {
		return
	}
	similar := lo.Filter(m.patterns[PatternFailedTasks], func(id string, _ int) bool {
		other := m.episodes[id]
		return id != ep.ID && other != nil && other.Type == ep.Type
	})
	if len(similar) < repeatedFailureThreshold {
		return
	}
	if ep.Metadata == nil {
		ep.Metadata = make(map[string]any)
	}
	ep.Metadata["pattern"] = PatternRepeatedFailure
	ep.Metadata["similar_episodes"] = append([]string(nil), similar[len(similar)-repeatedFailureThreshold:]...)
	m.addPatternLocked(PatternRepeatedFailure, ep.ID)
	m.logger.Info().Str("episodeID", ep.ID).Str("type", string(ep.Type)).Msg("Repeated failure pattern detected")
}

func (m *EpisodicMemory) addPatternLocked(pattern, episodeID string) {
	if !lo.Contains(m.patterns[pattern], episodeID) {
		m.patterns[pattern] = append(m.patterns[pattern], episodeID)
	}
}

func (m *EpisodicMemory) patternsForLocked(episodeID string) []string {
	var out []string
	for pattern, ids := range m.patterns {
		if lo.Contains(ids, episodeID) {
			out = append(out, pattern)
		}
	}
	sort.Strings(out)
	return out
}

func (m *EpisodicMemory) notifyLocked(ctx context.Context, ep *Episode) {
	if m.observer != nil {
		m.observer(ctx, ep.clone(), m.patternsForLocked(ep.ID))
	}
}

// consolidate writes an ended episode into long-term memory.
func (m *EpisodicMemory) consolidate(ctx context.Context, ep Episode) {
	if m.longTerm == nil {
		return
	}

	content, err := json.Marshal(ep)
	if err != nil {
		m.logger.Warn().Err(err).Str("episodeID", ep.ID).Msg("Failed to serialize episode for consolidation")
		return
	}
	memID, err := m.longTerm.Store(ctx, StoreRequest{
		Content:    string(content),
		Summary:    episodeSummary(ep),
		Category:   CategoryExperience,
		Importance: EpisodeImportance(ep),
		Metadata: map[string]any{
			"episode_id":   ep.ID,
			"episode_type": string(ep.Type),
			"outcome":      ep.Outcome,
		},
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("episodeID", ep.ID).Msg("Failed to consolidate episode")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.episodes[ep.ID]; cur != nil {
		cur.MemoriesCreated = append(cur.MemoriesCreated, memID)
		m.notifyLocked(ctx, cur)
	}
}

func episodeSummary(ep Episode) string {
	var dur time.Duration
	if ep.EndTime != nil {
		dur = ep.EndTime.Sub(ep.StartTime)
	}
	return fmt.Sprintf("Episode: %s | Type: %s | Duration: %.0fs | Participants: %s | Events: %d | Outcome: %s",
		ep.Title, ep.Type, dur.Seconds(), strings.Join(ep.Participants, ", "), len(ep.Events), ep.Outcome)
}

// EpisodeImportance scores an episode for long-term storage from its success
// metrics, share of high-impact events and type.
func EpisodeImportance(ep Episode) float64 {
	importance := 0.5
	if len(ep.SuccessMetrics) > 0 {
		avg := lo.Sum(lo.Values(ep.SuccessMetrics)) / float64(len(ep.SuccessMetrics))
		importance = 0.3 + 0.4*avg
	}
	if len(ep.Events) > 0 {
		high := lo.CountBy(ep.Events, func(e EpisodeEvent) bool { return e.ImpactScore > highImpact })
		importance += 0.2 * float64(high) / float64(len(ep.Events))
	}
	importance += episodeTypeBonus[ep.Type]
	return clamp01(importance)
}

// GetEpisode returns a copy of an episode.
func (m *EpisodicMemory) GetEpisode(id string) (Episode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep := m.episodes[id]
	if ep == nil {
		return Episode{}, false
	}
	return ep.clone(), true
}

// ActiveEpisodes returns open episodes, oldest first.
func (m *EpisodicMemory) ActiveEpisodes() []Episode {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Episode, 0, len(m.active))
	for _, id := range m.active {
		if ep := m.episodes[id]; ep != nil {
			out = append(out, ep.clone())
		}
	}
	return out
}

// EpisodeFilter narrows SearchEpisodes. Zero fields do not filter.
type EpisodeFilter struct {
	Query       string
	Type        EpisodeType
	Participant string
	MinSuccess  float64
	Limit       int
}

// SearchEpisodes returns matching episodes, newest first.
func (m *EpisodicMemory) SearchEpisodes(f EpisodeFilter) []Episode {
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))

	var out []Episode
	for _, ep := range m.all() {
		if f.Type != "" && ep.Type != f.Type {
			continue
		}
		if f.Participant != "" && !lo.Contains(ep.Participants, f.Participant) {
			continue
		}
		if f.MinSuccess > 0 {
			if len(ep.SuccessMetrics) == 0 {
				continue
			}
			if lo.Sum(lo.Values(ep.SuccessMetrics))/float64(len(ep.SuccessMetrics)) < f.MinSuccess {
				continue
			}
		}
		if q != "" && !episodeMentions(ep, q) {
			continue
		}
		out = append(out, ep)
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func episodeMentions(ep Episode, q string) bool {
	if strings.Contains(strings.ToLower(ep.Title), q) {
		return true
	}
	for _, ev := range ep.Events {
		if strings.Contains(strings.ToLower(ev.Content()), q) || strings.Contains(strings.ToLower(ev.Action), q) {
			return true
		}
	}
	return false
}

// ScoredEpisode pairs an episode with a relevance score.
type ScoredEpisode struct {
	Episode Episode
	Score   float64
}

// SimilarEpisodes ranks other episodes by shared type, duration, participants and outcome.
func (m *EpisodicMemory) SimilarEpisodes(id string, limit int) []ScoredEpisode {
	if limit <= 0 {
		limit = 5
	}
	ref, ok := m.GetEpisode(id)
	if !ok {
		return nil
	}
	now := m.now()

	var out []ScoredEpisode
	for _, ep := range m.all() {
		if ep.ID == id {
			continue
		}
		score := 0.0
		if ep.Type == ref.Type {
			score += 0.3
		}
		if d := ep.Duration(now) - ref.Duration(now); d < 5*time.Minute && d > -5*time.Minute {
			score += 0.2
		}
		if n := max(len(ep.Participants), len(ref.Participants)); n > 0 {
			common := len(lo.Intersect(ep.Participants, ref.Participants))
			score += 0.2 * float64(common) / float64(n)
		}
		if ep.Outcome != "" && ep.Outcome == ref.Outcome {
			score += 0.3
		}
		if score > 0.3 {
			out = append(out, ScoredEpisode{Episode: ep, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CleanupStale ends active episodes older than the configured timeout with
// outcome "timeout" and returns how many were closed.
func (m *EpisodicMemory) CleanupStale(ctx context.Context) int {
	m.mu.Lock()
	now := m.now()
	var stale []string
	for _, id := range m.active {
		if ep := m.episodes[id]; ep != nil && now.Sub(ep.StartTime) > m.cfg.Timeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range stale {
		if m.EndEpisode(ctx, id, OutcomeTimeout, nil) {
			closed++
		}
	}
	if closed > 0 {
		m.logger.Info().Int("closed", closed).Msg("Closed stale episodes")
	}
	return closed
}

// EpisodeStats summarizes recorded episodes.
type EpisodeStats struct {
	Total           int                 `json:"total_episodes"`
	Active          int                 `json:"active_episodes"`
	Types           map[EpisodeType]int `json:"episode_types"`
	AverageDuration float64             `json:"average_duration_seconds"`
	AverageEvents   float64             `json:"average_events"`
	Patterns        map[string]int      `json:"patterns"`
}

// Statistics reports totals, type mix, averages over ended episodes and pattern sizes.
func (m *EpisodicMemory) Statistics() EpisodeStats {
	eps := m.all()

	m.mu.Lock()
	stats := EpisodeStats{
		Total:    len(eps),
		Active:   len(m.active),
		Types:    make(map[EpisodeType]int),
		Patterns: make(map[string]int, len(m.patterns)),
	}
	for p, ids := range m.patterns {
		stats.Patterns[p] = len(ids)
	}
	m.mu.Unlock()

	var totalDur float64
	var ended, events int
	for _, ep := range eps {
		stats.Types[ep.Type]++
		events += len(ep.Events)
		if ep.EndTime != nil {
			totalDur += ep.EndTime.Sub(ep.StartTime).Seconds()
			ended++
		}
	}
	if ended > 0 {
		stats.AverageDuration = totalDur / float64(ended)
	}
	if len(eps) > 0 {
		stats.AverageEvents = float64(events) / float64(len(eps))
	}
	return stats
}

// Restore replaces in-memory state with previously persisted episodes and
// pattern membership.
func (m *EpisodicMemory) Restore(eps []Episode, patterns map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.episodes = make(map[string]*Episode, len(eps))
	m.active = nil
	m.patterns = make(map[string][]string, len(patterns))
	m.questions = nil

	sorted := append([]Episode(nil), eps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartTime.Before(sorted[j].StartTime) })
	for i := range sorted {
		ep := sorted[i].clone()
		m.episodes[ep.ID] = &ep
		if ep.IsActive() {
			m.active = append(m.active, ep.ID)
		}
	}
	for p, ids := range patterns {
		m.patterns[p] = lo.Filter(ids, func(id string, _ int) bool { return m.episodes[id] != nil })
	}
}

func (m *EpisodicMemory) all() []Episode {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Episode, 0, len(m.episodes))
	for _, ep := range m.episodes {
		out = append(out, ep.clone())
	}
	return out
}

func sortNewestFirst(eps []Episode) {
	sort.SliceStable(eps, func(i, j int) bool {
		if !eps[i].StartTime.Equal(eps[j].StartTime) {
			return eps[i].StartTime.After(eps[j].StartTime)
		}
		return eps[i].ID < eps[j].ID
	})
}
