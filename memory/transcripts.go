package memory

import (
	"context"
	"crypto/md5" //nolint:gosec // content addressing, not security
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

const (
	transcriptImportance     = 0.8
	transcriptSummaryLength  = 500
	transcriptPreviewLength  = 1000
	defaultTranscriptResults = 5
)

var transcriptColumns = []string{
	"id", "url", "title", "transcript", "action_plan", "summary", "duration",
	"metadata", "accessed_count", "last_accessed", "saved_at",
}

// TranscriptID derives the stable record id for a video URL.
func TranscriptID(url string) string {
	sum := md5.Sum([]byte(url)) //nolint:gosec // content addressing, not security
	return "transcript_" + hex.EncodeToString(sum[:])[:12]
}

// TranscriptStore keeps saved transcripts in sqlite and indexes each one into
// long-term memory so it can be found semantically.
type TranscriptStore struct {
	mu       sync.Mutex
	db       *sql.DB
	longTerm *LongTermMemory
	now      Clock
	logger   zerolog.Logger
}

// TranscriptOption configures a TranscriptStore.
type TranscriptOption func(*TranscriptStore)

// WithTranscriptClock overrides the time source.
func WithTranscriptClock(c Clock) TranscriptOption {
	return func(s *TranscriptStore) { s.now = c }
}

// NewTranscriptStore creates a store. longTerm may be nil, in which case
// search falls back to SQL substring matching.
func NewTranscriptStore(db *sql.DB, longTerm *LongTermMemory, logger zerolog.Logger, opts ...TranscriptOption) *TranscriptStore {
	s := &TranscriptStore{
		db:       db,
		longTerm: longTerm,
		now:      systemClock,
		logger:   logger.With().Str("component", "transcriptStore").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TranscriptInput is the payload of a save.
type TranscriptInput struct {
	URL        string
	Title      string
	Transcript string
	ActionPlan string
	Summary    string
	Duration   string
	Metadata   map[string]any
}

// Save upserts the transcript for in.URL and returns its id. Saving the same
// URL again overwrites the stored fields under the same id; access counters
// are kept.
func (s *TranscriptStore) Save(ctx context.Context, in TranscriptInput) (string, error) {
	if strings.TrimSpace(in.URL) == "" {
		return "", fmt.Errorf("transcript url is required")
	}
	id := TranscriptID(in.URL)
	summary := in.Summary
	if summary == "" {
		summary = preview(in.Transcript, transcriptSummaryLength)
	}
	metadata, err := json.Marshal(in.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal transcript metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previousMemory, err := s.memoryID(ctx, id)
	if err != nil {
		return "", err
	}

	upsert := sq.Insert("transcripts").
		Columns("id", "url", "title", "transcript", "action_plan", "summary", "duration", "metadata", "saved_at").
		Values(id, in.URL, in.Title, in.Transcript, in.ActionPlan, summary, in.Duration, string(metadata), s.now().UnixNano()).
		Suffix(`ON CONFLICT(id) DO UPDATE SET url = excluded.url, title = excluded.title, transcript = excluded.transcript,
			action_plan = excluded.action_plan, summary = excluded.summary, duration = excluded.duration,
			metadata = excluded.metadata, saved_at = excluded.saved_at`)
	if err := execBuilder(ctx, s.db, upsert); err != nil {
		return "", fmt.Errorf("save transcript: %w", err)
	}

	s.logger.Info().Str("id", id).Str("title", in.Title).Int("chars", len(in.Transcript)).Msg("Transcript saved")

	if s.longTerm == nil {
		return id, nil
	}
	if previousMemory != "" {
		s.longTerm.Forget(ctx, previousMemory)
	}
	memID, err := s.longTerm.Store(ctx, StoreRequest{
		Content:    searchableContent(in, summary),
		Summary:    fmt.Sprintf("YouTube video: %s", in.Title),
		Category:   CategoryYouTubeTranscript,
		Importance: transcriptImportance,
		Metadata: map[string]any{
			"transcript_id": id,
			"url":           in.URL,
			"title":         in.Title,
			"duration":      in.Duration,
			"type":          "youtube_transcript",
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("Transcript not indexed into long-term memory")
		return id, nil
	}
	if err := execBuilder(ctx, s.db, sq.Update("transcripts").Set("memory_id", memID).Where(sq.Eq{"id": id})); err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("Failed to record transcript memory id")
	}
	return id, nil
}

func searchableContent(in TranscriptInput, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nURL: %s\n\nSummary:\n%s\n", in.Title, in.URL, summary)
	if in.ActionPlan != "" {
		fmt.Fprintf(&b, "\nAction Plan:\n%s\n", in.ActionPlan)
	}
	fmt.Fprintf(&b, "\nTranscript Preview:\n%s", truncate(in.Transcript, transcriptPreviewLength))
	return b.String()
}

func (s *TranscriptStore) memoryID(ctx context.Context, id string) (string, error) {
	queryStr, args, err := sq.Select("memory_id").From("transcripts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return "", fmt.Errorf("build query: %w", err)
	}
	var memID string
	err = s.db.QueryRowContext(ctx, queryStr, args...).Scan(&memID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("look up transcript: %w", err)
	}
	return memID, nil
}

// Get returns a transcript and records the access.
func (s *TranscriptStore) Get(ctx context.Context, id string) (TranscriptRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	bump := sq.Update("transcripts").
		Set("accessed_count", sq.Expr("accessed_count + 1")).
		Set("last_accessed", now.UnixNano()).
		Where(sq.Eq{"id": id})
	if err := execBuilder(ctx, s.db, bump); err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("Failed to record transcript access")
	}

	rec, err := s.load(ctx, id)
	if err != nil {
		if !IsNotFound(err) {
			s.logger.Warn().Err(err).Str("id", id).Msg("Failed to load transcript")
		}
		return TranscriptRecord{}, false
	}
	return rec, true
}

// GetByURL returns the transcript saved for url and records the access.
func (s *TranscriptStore) GetByURL(ctx context.Context, url string) (TranscriptRecord, bool) {
	return s.Get(ctx, TranscriptID(url))
}

func (s *TranscriptStore) load(ctx context.Context, id string) (TranscriptRecord, error) {
	recs, err := s.query(ctx, sq.Select(transcriptColumns...).From("transcripts").Where(sq.Eq{"id": id}))
	if err != nil {
		return TranscriptRecord{}, err
	}
	if len(recs) == 0 {
		return TranscriptRecord{}, newError(KindNotFound, "transcripts.load", id, nil)
	}
	return recs[0], nil
}

func (s *TranscriptStore) query(ctx context.Context, b sq.SelectBuilder) ([]TranscriptRecord, error) {
	queryStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var out []TranscriptRecord
	for rows.Next() {
		var (
			rec          TranscriptRecord
			metadata     string
			lastAccessed sql.NullInt64
			savedAt      int64
		)
		if err := rows.Scan(&rec.ID, &rec.URL, &rec.Title, &rec.Transcript, &rec.ActionPlan, &rec.Summary, &rec.Duration,
			&metadata, &rec.AccessedCount, &lastAccessed, &savedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		rec.SavedAt = time.Unix(0, savedAt).UTC()
		if lastAccessed.Valid {
			t := time.Unix(0, lastAccessed.Int64).UTC()
			rec.LastAccessed = &t
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
				s.logger.Warn().Err(newError(KindInconsistentState, "transcripts.scan", rec.ID, err)).Msg("Discarding unreadable transcript metadata")
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TranscriptMatch is a search hit.
type TranscriptMatch struct {
	Record TranscriptRecord
	Score  float64
}

// Search finds transcripts relevant to query, best first. Failures are logged
// and yield no results.
func (s *TranscriptStore) Search(ctx context.Context, query string, limit int) []TranscriptMatch {
	if limit <= 0 {
		limit = defaultTranscriptResults
	}
	if s.longTerm == nil {
		return s.substringSearch(ctx, query, limit)
	}

	hits := s.longTerm.Retrieve(ctx, query, RetrieveOptions{K: limit, Category: CategoryYouTubeTranscript})
	seen := make(map[string]struct{}, len(hits))
	var out []TranscriptMatch
	for _, hit := range hits {
		id, _ := hit.Item.Metadata["transcript_id"].(string)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rec, err := s.load(ctx, id)
		if err != nil {
			if !IsNotFound(err) {
				s.logger.Warn().Err(err).Str("id", id).Msg("Failed to load matched transcript")
			}
			continue
		}
		out = append(out, TranscriptMatch{Record: rec, Score: hit.Score})
	}
	return out
}

func (s *TranscriptStore) substringSearch(ctx context.Context, query string, limit int) []TranscriptMatch {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil
	}
	like := "%" + q + "%"
	recs, err := s.query(ctx, sq.Select(transcriptColumns...).From("transcripts").
		Where(sq.Or{sq.Like{"title": like}, sq.Like{"summary": like}, sq.Like{"transcript": like}, sq.Like{"action_plan": like}}))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Transcript substring search failed")
		return nil
	}

	out := make([]TranscriptMatch, 0, len(recs))
	for _, rec := range recs {
		score := 0.5 + 0.5*keywordScore(q, rec.Title+" "+rec.Summary)
		out = append(out, TranscriptMatch{Record: rec, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Record.SavedAt.After(out[j].Record.SavedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Recent returns the most recently saved transcripts.
func (s *TranscriptStore) Recent(ctx context.Context, limit int) ([]TranscriptRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.query(ctx, sq.Select(transcriptColumns...).From("transcripts").
		OrderBy("saved_at DESC").
		Limit(uint64(limit))) //nolint:gosec // positive
}

// Related finds other transcripts similar to the one with id.
func (s *TranscriptStore) Related(ctx context.Context, id string, limit int) []TranscriptMatch {
	if limit <= 0 {
		limit = defaultTranscriptResults
	}
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil
	}
	var out []TranscriptMatch
	for _, m := range s.Search(ctx, rec.Title+" "+rec.Summary, limit+1) {
		if m.Record.ID != id {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TranscriptStats summarizes the store.
type TranscriptStats struct {
	Total           int                `json:"total_transcripts"`
	TotalAccesses   int                `json:"total_accesses"`
	TotalCharacters int                `json:"total_characters"`
	MostAccessed    []TranscriptRecord `json:"most_accessed"`
}

// Statistics reports counts and the five most accessed transcripts.
func (s *TranscriptStore) Statistics(ctx context.Context) (TranscriptStats, error) {
	recs, err := s.query(ctx, sq.Select(transcriptColumns...).From("transcripts").OrderBy("accessed_count DESC", "saved_at DESC"))
	if err != nil {
		return TranscriptStats{}, err
	}
	stats := TranscriptStats{Total: len(recs)}
	for _, rec := range recs {
		stats.TotalAccesses += rec.AccessedCount
		stats.TotalCharacters += len(rec.Transcript)
	}
	top := recs
	if len(top) > 5 {
		top = top[:5]
	}
	for _, rec := range top {
		rec.Transcript = ""
		stats.MostAccessed = append(stats.MostAccessed, rec)
	}
	return stats, nil
}

// TrainingExample is an exported transcript.
type TrainingExample struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Transcript string    `json:"transcript"`
	Summary    string    `json:"summary"`
	ActionPlan string    `json:"action_plan"`
	SavedAt    time.Time `json:"saved_at"`
}

// ExportForTraining returns every transcript, oldest first.
func (s *TranscriptStore) ExportForTraining(ctx context.Context) ([]TrainingExample, error) {
	recs, err := s.query(ctx, sq.Select(transcriptColumns...).From("transcripts").OrderBy("saved_at ASC"))
	if err != nil {
		return nil, err
	}
	out := make([]TrainingExample, len(recs))
	for i, rec := range recs {
		out[i] = TrainingExample{
			URL:        rec.URL,
			Title:      rec.Title,
			Transcript: rec.Transcript,
			Summary:    rec.Summary,
			ActionPlan: rec.ActionPlan,
			SavedAt:    rec.SavedAt,
		}
	}
	return out, nil
}
