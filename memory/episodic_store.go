package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// EpisodicStore is an EpisodicMemory whose episodes are written to one JSON
// file each, with a sqlite index for session membership, activity and patterns.
type EpisodicStore struct {
	*EpisodicMemory

	writeMu sync.Mutex
	db      *sql.DB
	dir     string
	files   map[string]string
	logger  zerolog.Logger
}

// NewEpisodicStore opens the store in dir and restores every indexed episode.
// Missing or unreadable episode files are logged and skipped.
func NewEpisodicStore(ctx context.Context, db *sql.DB, dir string, cfg EpisodicConfig, logger zerolog.Logger, opts ...EpisodicOption) (*EpisodicStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create episode directory %s: %w", dir, err)
	}

	s := &EpisodicStore{
		db:     db,
		dir:    dir,
		files:  make(map[string]string),
		logger: logger.With().Str("component", "episodicStore").Logger(),
	}
	opts = append(opts, WithEpisodeObserver(s.save))
	s.EpisodicMemory = NewEpisodicMemory(cfg, logger, opts...)

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EpisodicStore) load(ctx context.Context) error {
	queryStr, args, err := sq.Select("id", "file").From("episodes").ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("load episode index: %w", err)
	}
	index := make(map[string]string)
	for rows.Next() {
		var id, file string
		if err := rows.Scan(&id, &file); err != nil {
			rows.Close() //nolint:errcheck // already failing
			return fmt.Errorf("scan episode index: %w", err)
		}
		index[id] = file
	}
	rows.Close() //nolint:errcheck // fully consumed
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate episode index: %w", err)
	}

	var eps []Episode
	for id, file := range index {
		data, err := os.ReadFile(filepath.Join(s.dir, file)) //#nosec G304 -- file names come from our own index
		if err != nil {
			s.logger.Warn().Err(newError(KindInconsistentState, "episodes.load", id, err)).Str("file", file).Msg("Indexed episode file missing, skipping")
			continue
		}
		var ep Episode
		if err := json.Unmarshal(data, &ep); err != nil || ep.ID != id {
			if err == nil {
				err = fmt.Errorf("file holds episode %q", ep.ID)
			}
			s.logger.Warn().Err(newError(KindInconsistentState, "episodes.load", id, err)).Str("file", file).Msg("Episode file unreadable, skipping")
			continue
		}
		s.files[id] = file
		eps = append(eps, ep)
	}

	patterns, err := s.loadPatterns(ctx)
	if err != nil {
		return err
	}
	s.Restore(eps, patterns)
	s.logger.Info().Int("episodes", len(eps)).Int("indexed", len(index)).Msg("Episodes loaded")
	return nil
}

func (s *EpisodicStore) loadPatterns(ctx context.Context) (map[string][]string, error) {
	queryStr, args, err := sq.Select("pattern", "episode_id").From("episode_patterns").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load episode patterns: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	patterns := make(map[string][]string)
	for rows.Next() {
		var pattern, id string
		if err := rows.Scan(&pattern, &id); err != nil {
			return nil, fmt.Errorf("scan episode pattern: %w", err)
		}
		patterns[pattern] = append(patterns[pattern], id)
	}
	return patterns, rows.Err()
}

// save is the episode observer: it rewrites the episode file atomically and
// updates the index rows in one transaction. Failures are logged, not returned,
// since the in-memory state stays authoritative for this process.
func (s *EpisodicStore) save(ctx context.Context, ep Episode, patterns []string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	file, ok := s.files[ep.ID]
	if !ok {
		file = fmt.Sprintf("episode_%s_%s.json", ep.StartTime.Format("20060102_150405"), ep.ID)
	}

	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Str("episodeID", ep.ID).Msg("Failed to serialize episode")
		return
	}
	if err := writeFileAtomic(s.dir, file, data); err != nil {
		s.logger.Error().Err(err).Str("episodeID", ep.ID).Msg("Failed to write episode file")
		return
	}
	s.files[ep.ID] = file

	participants, _ := json.Marshal(ep.Participants)
	var endTime any
	if ep.EndTime != nil {
		endTime = ep.EndTime.UnixNano()
	}

	// Index writes must not be cancelled half way by the caller's deadline.
	ictx := context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(ictx, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("episodeID", ep.ID).Msg("Failed to begin episode index update")
		return
	}
	defer func() { _ = tx.Rollback() }()

	upsert := sq.Insert("episodes").
		Columns("id", "file", "title", "episode_type", "session_id", "participants", "event_count", "is_active", "outcome", "start_time", "end_time").
		Values(ep.ID, file, ep.Title, string(ep.Type), ep.SessionID(), string(participants), len(ep.Events), ep.IsActive(), ep.Outcome, ep.StartTime.UnixNano(), endTime).
		Suffix(`ON CONFLICT(id) DO UPDATE SET file = excluded.file, title = excluded.title, episode_type = excluded.episode_type,
			session_id = excluded.session_id, participants = excluded.participants, event_count = excluded.event_count,
			is_active = excluded.is_active, outcome = excluded.outcome, end_time = excluded.end_time`)
	if err := execBuilder(ictx, tx, upsert); err != nil {
		s.logger.Error().Err(err).Str("episodeID", ep.ID).Msg("Failed to update episode index")
		return
	}
	if err := execBuilder(ictx, tx, sq.Delete("episode_patterns").Where(sq.Eq{"episode_id": ep.ID})); err != nil {
		s.logger.Error().Err(err).Str("episodeID", ep.ID).Msg("Failed to clear episode patterns")
		return
	}
	for _, p := range patterns {
		if err := execBuilder(ictx, tx, sq.Insert("episode_patterns").Columns("pattern", "episode_id").Values(p, ep.ID)); err != nil {
			s.logger.Error().Err(err).Str("episodeID", ep.ID).Msg("Failed to record episode pattern")
			return
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error().Err(err).Str("episodeID", ep.ID).Msg("Failed to commit episode index")
	}
}

func (s *EpisodicStore) queryIDs(ctx context.Context, b sq.SelectBuilder) ([]string, error) {
	queryStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *EpisodicStore) episodesByID(ids []string) []Episode {
	out := make([]Episode, 0, len(ids))
	for _, id := range ids {
		if ep, ok := s.GetEpisode(id); ok {
			out = append(out, ep)
		}
	}
	return out
}

// SessionEpisodes returns the session's episodes, oldest first.
func (s *EpisodicStore) SessionEpisodes(ctx context.Context, sessionID string) ([]Episode, error) {
	ids, err := s.queryIDs(ctx, sq.Select("id").From("episodes").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("start_time ASC"))
	if err != nil {
		return nil, fmt.Errorf("session episodes: %w", err)
	}
	return s.episodesByID(ids), nil
}

// RecentEpisodes returns up to limit episodes started at or after since, newest first.
func (s *EpisodicStore) RecentEpisodes(ctx context.Context, since time.Time, limit int) ([]Episode, error) {
	b := sq.Select("id").From("episodes").
		Where(sq.GtOrEq{"start_time": since.UnixNano()}).
		OrderBy("start_time DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit)) //nolint:gosec // positive
	}
	ids, err := s.queryIDs(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("recent episodes: %w", err)
	}
	return s.episodesByID(ids), nil
}

// SearchByContent scores every episode against query: a title hit is worth 0.5,
// each event mentioning it 0.1 (plus 0.3 for user or assistant messages) and a
// context hit 0.2.
func (s *EpisodicStore) SearchByContent(query string, limit int) []ScoredEpisode {
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	var out []ScoredEpisode
	for _, ep := range s.all() {
		score := 0.0
		if strings.Contains(strings.ToLower(ep.Title), q) {
			score += 0.5
		}
		for _, ev := range ep.Events {
			content := strings.ToLower(ev.Content())
			if !strings.Contains(content, q) && !strings.Contains(strings.ToLower(ev.Action), q) {
				continue
			}
			score += 0.1
			if content != "" && (ev.EventType == EventUserMessage || ev.EventType == EventAssistantResponse) && strings.Contains(content, q) {
				score += 0.3
			}
		}
		if len(ep.Context) > 0 {
			if ctxJSON, err := json.Marshal(ep.Context); err == nil && strings.Contains(strings.ToLower(string(ctxJSON)), q) {
				score += 0.2
			}
		}
		if score > 0 {
			out = append(out, ScoredEpisode{Episode: ep, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Episode.StartTime.After(out[j].Episode.StartTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ConversationTurn is one user or assistant message reconstructed from events.
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func conversationTurns(ep Episode) []ConversationTurn {
	var turns []ConversationTurn
	for _, ev := range ep.Events {
		var role string
		switch ev.EventType {
		case EventUserMessage:
			role = "user"
		case EventAssistantResponse:
			role = "assistant"
		default:
			continue
		}
		turns = append(turns, ConversationTurn{Role: role, Content: ev.Content(), Timestamp: ev.Timestamp})
	}
	return turns
}

// ConversationHistory returns the ordered user/assistant turns of an episode.
func (s *EpisodicStore) ConversationHistory(episodeID string) ([]ConversationTurn, bool) {
	ep, ok := s.GetEpisode(episodeID)
	if !ok {
		return nil, false
	}
	return conversationTurns(ep), true
}

// SessionExport bundles a session's episodes for training data.
type SessionExport struct {
	SessionID      string             `json:"session_id"`
	ExportedAt     time.Time          `json:"exported_at"`
	Episodes       []Episode          `json:"episodes"`
	Conversations  []ConversationTurn `json:"conversations"`
	TotalDuration  float64            `json:"total_duration_seconds"`
	TotalTurns     int                `json:"total_turns"`
	UserTurns      int                `json:"user_turns"`
	AssistantTurns int                `json:"assistant_turns"`
}

// ExportSession aggregates every episode of a session.
func (s *EpisodicStore) ExportSession(ctx context.Context, sessionID string) (SessionExport, error) {
	eps, err := s.SessionEpisodes(ctx, sessionID)
	if err != nil {
		return SessionExport{}, err
	}

	export := SessionExport{SessionID: sessionID, ExportedAt: s.now(), Episodes: eps}
	now := s.now()
	for _, ep := range eps {
		export.TotalDuration += ep.Duration(now).Seconds()
		turns := conversationTurns(ep)
		export.Conversations = append(export.Conversations, turns...)
		for _, t := range turns {
			if t.Role == "user" {
				export.UserTurns++
			} else {
				export.AssistantTurns++
			}
		}
	}
	export.TotalTurns = export.UserTurns + export.AssistantTurns
	return export, nil
}

// TopicCount is a frequent title word.
type TopicCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// LearningInsights summarizes outcomes and recurring topics.
type LearningInsights struct {
	TotalEpisodes     int                 `json:"total_episodes"`
	CompletedEpisodes int                 `json:"completed_episodes"`
	SuccessRate       float64             `json:"success_rate"`
	AverageDuration   float64             `json:"average_duration_seconds"`
	EpisodeTypes      map[EpisodeType]int `json:"episode_types"`
	CommonTopics      []TopicCount        `json:"common_topics"`
	PatternsFound     map[string]int      `json:"patterns_found"`
}

// LearningInsights computes success rate over ended episodes, their average
// duration and the ten most frequent title words longer than three letters.
func (s *EpisodicStore) LearningInsights() LearningInsights {
	eps := s.all()
	insights := LearningInsights{
		TotalEpisodes: len(eps),
		EpisodeTypes:  make(map[EpisodeType]int),
		PatternsFound: s.Statistics().Patterns,
	}

	words := make(map[string]int)
	var successes int
	var totalDur float64
	for _, ep := range eps {
		insights.EpisodeTypes[ep.Type]++
		for _, w := range tokenize(ep.Title) {
			if len([]rune(w)) > 3 {
				words[w]++
			}
		}
		if ep.EndTime == nil {
			continue
		}
		insights.CompletedEpisodes++
		totalDur += ep.EndTime.Sub(ep.StartTime).Seconds()
		if IsSuccessOutcome(ep.Outcome) {
			successes++
		}
	}
	if insights.CompletedEpisodes > 0 {
		insights.SuccessRate = float64(successes) / float64(insights.CompletedEpisodes)
		insights.AverageDuration = totalDur / float64(insights.CompletedEpisodes)
	}

	topics := lo.MapToSlice(words, func(w string, n int) TopicCount { return TopicCount{Word: w, Count: n} })
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].Count != topics[j].Count {
			return topics[i].Count > topics[j].Count
		}
		return topics[i].Word < topics[j].Word
	})
	if len(topics) > 10 {
		topics = topics[:10]
	}
	insights.CommonTopics = topics
	return insights
}
