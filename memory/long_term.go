package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	DefaultConsolidationThreshold = 3
	DefaultRelationThreshold      = 0.7
	DefaultSearchTimeout          = 5 * time.Second
	summaryLength                 = 200
	relationSearchK               = 5
	vectorWeight                  = 0.7
	keywordWeight                 = 0.3
	memoryTypeLongTerm            = "long_term"
)

// LongTermConfig tunes consolidation, linking and vector lookups.
type LongTermConfig struct {
	ConsolidationThreshold int
	RelationThreshold      float64
	SearchTimeout          time.Duration
}

// LongTermMemory is the semantic store. The sqlite index is authoritative for
// lookups by id; the vector store is authoritative for similarity. Both are
// written on every store and forget.
type LongTermMemory struct {
	mu          sync.RWMutex
	db          *sql.DB
	vectors     VectorStore
	categorizer Categorizer
	cfg         LongTermConfig
	items       map[string]*LongTermItem
	links       map[string]map[string]struct{}
	now         Clock
	logger      zerolog.Logger
}

// LongTermOption configures a LongTermMemory.
type LongTermOption func(*LongTermMemory)

// WithLongTermClock overrides the time source.
func WithLongTermClock(c Clock) LongTermOption {
	return func(m *LongTermMemory) { m.now = c }
}

// WithCategorizer replaces the keyword categorizer.
func WithCategorizer(c Categorizer) LongTermOption {
	return func(m *LongTermMemory) { m.categorizer = c }
}

// NewLongTermMemory loads the index from db. vectors may be nil, in which case
// retrieval always uses keyword matching.
func NewLongTermMemory(ctx context.Context, db *sql.DB, vectors VectorStore, cfg LongTermConfig, logger zerolog.Logger, opts ...LongTermOption) (*LongTermMemory, error) {
	if cfg.ConsolidationThreshold <= 0 {
		cfg.ConsolidationThreshold = DefaultConsolidationThreshold
	}
	if cfg.RelationThreshold <= 0 {
		cfg.RelationThreshold = DefaultRelationThreshold
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = DefaultSearchTimeout
	}

	m := &LongTermMemory{
		db:          db,
		vectors:     vectors,
		categorizer: DefaultCategorizer(),
		cfg:         cfg,
		items:       make(map[string]*LongTermItem),
		links:       make(map[string]map[string]struct{}),
		now:         systemClock,
		logger:      logger.With().Str("component", "longTermMemory").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *LongTermMemory) load(ctx context.Context) error {
	queryStr, args, err := sq.Select("id", "content", "summary", "category", "importance", "consolidation_count", "metadata", "created_at").
		From("long_term_memories").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("load long-term memories: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	for rows.Next() {
		var (
			item      LongTermItem
			category  string
			metadata  string
			createdAt int64
		)
		if err := rows.Scan(&item.ID, &item.Content, &item.Summary, &category, &item.Importance, &item.ConsolidationCount, &metadata, &createdAt); err != nil {
			return fmt.Errorf("scan long-term memory: %w", err)
		}
		item.Category = Category(category)
		item.Timestamp = time.Unix(0, createdAt).UTC()
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
				m.logger.Warn().
					Err(newError(KindInconsistentState, "long_term.load", item.ID, err)).
					Msg("Discarding unreadable memory metadata")
				item.Metadata = nil
			}
		}
		m.items[item.ID] = &item
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate long-term memories: %w", err)
	}

	return m.loadLinks(ctx)
}

// loadLinks reads the link table and repairs anything one-directional or dangling.
func (m *LongTermMemory) loadLinks(ctx context.Context) error {
	queryStr, args, err := sq.Select("memory_id", "related_id").From("memory_links").ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("load memory links: %w", err)
	}

	type pair struct{ a, b string }
	var dangling, pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.a, &p.b); err != nil {
			rows.Close() //nolint:errcheck // already failing
			return fmt.Errorf("scan memory link: %w", err)
		}
		if m.items[p.a] == nil || m.items[p.b] == nil {
			dangling = append(dangling, p)
			continue
		}
		pairs = append(pairs, p)
		m.addLinkLocked(p.a, p.b)
	}
	rows.Close() //nolint:errcheck // fully consumed
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate memory links: %w", err)
	}

	var missing []pair
	for _, p := range pairs {
		if _, ok := m.links[p.b][p.a]; !ok {
			missing = append(missing, pair{p.b, p.a})
		}
	}
	if len(dangling) == 0 && len(missing) == 0 {
		return nil
	}

	m.logger.Warn().
		Err(newError(KindInconsistentState, "long_term.load_links", "", errors.New("link table not symmetric"))).
		Int("dangling", len(dangling)).
		Int("oneDirectional", len(missing)).
		Msg("Repairing memory links")

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link repair: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range dangling {
		if err := execBuilder(ctx, tx, sq.Delete("memory_links").Where(sq.Eq{"memory_id": p.a, "related_id": p.b})); err != nil {
			return err
		}
	}
	for _, p := range missing {
		if err := execBuilder(ctx, tx, insertLink(p.a, p.b)); err != nil {
			return err
		}
		m.addLinkLocked(p.a, p.b)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit link repair: %w", err)
	}
	return nil
}

// StoreRequest describes a new long-term memory.
type StoreRequest struct {
	Content    string
	Summary    string   // defaults to the first 200 characters of Content
	Category   Category // defaults to conversation
	Importance float64  // clamped to [0,1]
	Related    []string // explicit links; when empty, links are discovered by similarity
	Metadata   map[string]any
}

// Store adds a memory and returns its id.
func (m *LongTermMemory) Store(ctx context.Context, req StoreRequest) (string, error) {
	category := req.Category
	if category == "" {
		category = CategoryConversation
	}
	if _, err := ParseCategory(string(category)); err != nil {
		return "", err
	}
	summary := req.Summary
	if summary == "" {
		summary = truncate(req.Content, summaryLength)
	}

	item := &LongTermItem{
		ID:                 "ltm_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Content:            req.Content,
		Summary:            summary,
		Timestamp:          m.now(),
		Category:           category,
		Importance:         clamp01(req.Importance),
		ConsolidationCount: 1,
		Metadata:           cloneMap(req.Metadata),
	}

	metadataJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	m.mu.Lock()
	related := lo.Filter(lo.Uniq(req.Related), func(id string, _ int) bool { return m.items[id] != nil })
	err = m.withTx(ctx, func(tx *sql.Tx) error {
		insert := sq.Insert("long_term_memories").
			Columns("id", "content", "summary", "category", "importance", "consolidation_count", "metadata", "created_at").
			Values(item.ID, item.Content, item.Summary, string(item.Category), item.Importance, item.ConsolidationCount, string(metadataJSON), item.Timestamp.UnixNano())
		if err := execBuilder(ctx, tx, insert); err != nil {
			return err
		}
		return insertLinkPairs(ctx, tx, item.ID, related)
	})
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("store long-term memory: %w", err)
	}
	m.items[item.ID] = item
	for _, other := range related {
		m.addLinkLocked(item.ID, other)
		m.addLinkLocked(other, item.ID)
	}
	m.mu.Unlock()

	m.logger.Debug().
		Str("method", "Store").
		Str("id", item.ID).
		Str("category", string(category)).
		Float64("importance", item.Importance).
		Msg("Stored long-term memory")

	if m.vectors == nil {
		return item.ID, nil
	}

	vctx, cancel := context.WithTimeout(ctx, m.cfg.SearchTimeout)
	defer cancel()
	doc := item.Summary + "\n\n" + item.Content
	meta := map[string]string{
		"memory_id":   item.ID,
		"category":    string(item.Category),
		"importance":  strconv.FormatFloat(item.Importance, 'f', 3, 64),
		"memory_type": memoryTypeLongTerm,
	}
	if err := m.vectors.AddMemoryWithID(vctx, item.ID, doc, meta); err != nil {
		m.logger.Warn().
			Err(newError(KindCapabilityUnavailable, "long_term.store", item.ID, err)).
			Msg("Vector indexing failed, memory only reachable by keyword search")
		return item.ID, nil
	}

	if len(req.Related) == 0 {
		m.discoverRelations(vctx, item)
	}
	return item.ID, nil
}

// discoverRelations links item to every existing memory whose similarity to its
// summary exceeds the relation threshold.
func (m *LongTermMemory) discoverRelations(ctx context.Context, item *LongTermItem) {
	matches, err := m.vectors.SearchMemories(ctx, item.Summary, relationSearchK, map[string]string{"memory_type": memoryTypeLongTerm})
	if err != nil {
		m.logger.Warn().
			Err(newError(KindCapabilityUnavailable, "long_term.discover_relations", item.ID, err)).
			Msg("Relationship discovery skipped")
		return
	}

	var related []string
	for _, match := range matches {
		id := match.Metadata["memory_id"]
		if id == "" {
			id = match.ID
		}
		if id != item.ID && match.Score > m.cfg.RelationThreshold {
			related = append(related, id)
		}
	}
	if len(related) == 0 {
		return
	}
	if _, err := m.Link(ctx, item.ID, related...); err != nil {
		m.logger.Warn().Err(err).Str("id", item.ID).Msg("Failed to link related memories")
	}
}

// Link connects id with each of others in both directions within one
// transaction. Unknown ids are skipped. It returns the ids actually linked.
func (m *LongTermMemory) Link(ctx context.Context, id string, others ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.items[id] == nil {
		return nil, newError(KindNotFound, "long_term.link", id, nil)
	}
	targets := lo.Filter(lo.Uniq(others), func(o string, _ int) bool {
		if o == id || m.items[o] == nil {
			return false
		}
		_, linked := m.links[id][o]
		return !linked
	})
	if len(targets) == 0 {
		return nil, nil
	}

	err := m.withTx(ctx, func(tx *sql.Tx) error {
		return insertLinkPairs(ctx, tx, id, targets)
	})
	if err != nil {
		return nil, fmt.Errorf("link memories: %w", err)
	}
	for _, o := range targets {
		m.addLinkLocked(id, o)
		m.addLinkLocked(o, id)
	}
	return targets, nil
}

func (m *LongTermMemory) addLinkLocked(a, b string) {
	set, ok := m.links[a]
	if !ok {
		set = make(map[string]struct{})
		m.links[a] = set
	}
	set[b] = struct{}{}
}

// ScoredMemory is a retrieval hit.
type ScoredMemory struct {
	Item  LongTermItem
	Score float64
}

// RetrieveOptions narrows a retrieval.
type RetrieveOptions struct {
	K             int
	Category      Category
	MinImportance float64
}

// Retrieve ranks memories for query by blending vector similarity with keyword
// overlap. If the vector store is missing, failing or slow, it falls back to
// keyword search over the index.
func (m *LongTermMemory) Retrieve(ctx context.Context, query string, opts RetrieveOptions) []ScoredMemory {
	k := opts.K
	if k <= 0 {
		k = 5
	}
	if m.vectors == nil {
		return m.keywordRetrieve(query, k, opts)
	}

	filter := map[string]string{"memory_type": memoryTypeLongTerm}
	if opts.Category != "" {
		filter["category"] = string(opts.Category)
	}

	vctx, cancel := context.WithTimeout(ctx, m.cfg.SearchTimeout)
	defer cancel()
	matches, err := m.vectors.SearchMemories(vctx, query, k*2, filter)
	if err != nil {
		m.logger.Warn().
			Err(newError(KindCapabilityUnavailable, "long_term.retrieve", "", err)).
			Str("query", truncate(query, 80)).
			Msg("Vector search failed, falling back to keyword search")
		return m.keywordRetrieve(query, k, opts)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{}, len(matches))
	var results []ScoredMemory
	for _, match := range matches {
		id := match.Metadata["memory_id"]
		if id == "" {
			id = match.ID
		}
		item := m.items[id]
		if item == nil || item.Importance < opts.MinImportance {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		score := vectorWeight*clamp01(match.Score) + keywordWeight*keywordScore(query, match.Content)
		results = append(results, ScoredMemory{Item: m.copyLocked(item), Score: score})
	}
	return topScored(results, k)
}

func (m *LongTermMemory) keywordRetrieve(query string, k int, opts RetrieveOptions) []ScoredMemory {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []ScoredMemory
	for _, item := range m.items {
		if opts.Category != "" && item.Category != opts.Category {
			continue
		}
		if item.Importance < opts.MinImportance {
			continue
		}
		text := item.Summary + "\n\n" + item.Content
		score := keywordScore(q, text)
		if strings.Contains(strings.ToLower(text), q) {
			score = 1
		}
		if score > 0 {
			results = append(results, ScoredMemory{Item: m.copyLocked(item), Score: score})
		}
	}
	return topScored(results, k)
}

func topScored(results []ScoredMemory, k int) []ScoredMemory {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Item.Timestamp.After(results[j].Item.Timestamp)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// ShouldConsolidate reports whether a short-term item deserves promotion.
func (m *LongTermMemory) ShouldConsolidate(item MemoryItem) bool {
	if item.Priority >= PriorityHigh {
		return true
	}
	if item.AccessCount >= m.cfg.ConsolidationThreshold {
		return true
	}
	return item.Priority == PriorityMedium && m.now().Sub(item.Timestamp) < time.Hour
}

// CalculateImportance derives a long-term importance score from a short-term item.
func (m *LongTermMemory) CalculateImportance(item MemoryItem) float64 {
	base := item.Priority.baseImportance()
	accessBoost := lo.Min([]float64{float64(item.AccessCount) * 0.1, 0.3})
	ageHours := m.now().Sub(item.Timestamp).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	recency := 1 / (1 + ageHours/24)
	return clamp01((base + accessBoost) * (0.7 + 0.3*recency))
}

// Consolidation pairs a short-term item with the memory stored from it.
type Consolidation struct {
	SourceID string
	MemoryID string
}

// ConsolidateFromShortTerm promotes eligible items and returns the new memory
// ids. Items that fail to store are skipped.
func (m *LongTermMemory) ConsolidateFromShortTerm(ctx context.Context, items []MemoryItem, summarizer Summarizer) []string {
	return lo.Map(m.ConsolidateItems(ctx, items, summarizer), func(c Consolidation, _ int) string { return c.MemoryID })
}

// ConsolidateItems promotes eligible items and reports which source produced
// which memory, so callers can mark only the items that were stored.
// summarizer may be nil; summarizer failures fall back to truncation.
func (m *LongTermMemory) ConsolidateItems(ctx context.Context, items []MemoryItem, summarizer Summarizer) []Consolidation {
	var done []Consolidation
	for _, item := range items {
		if !m.ShouldConsolidate(item) {
			continue
		}

		var summary string
		if summarizer != nil {
			sctx, cancel := context.WithTimeout(ctx, m.cfg.SearchTimeout)
			s, err := summarizer.Summarize(sctx, []string{item.Content})
			cancel()
			if err != nil {
				m.logger.Warn().
					Err(newError(KindCapabilityUnavailable, "long_term.consolidate", item.ID, err)).
					Msg("Summarizer failed, using truncated content")
			} else {
				summary = strings.TrimSpace(s)
			}
		}

		metadata := cloneMap(item.Metadata)
		if metadata == nil {
			metadata = make(map[string]any)
		}
		delete(metadata, consolidatedKey)
		metadata["source"] = "short_term"
		metadata["original_id"] = item.ID
		metadata["original_priority"] = item.Priority.String()
		metadata["access_count"] = item.AccessCount
		metadata["consolidated_at"] = m.now().Format(time.RFC3339)

		id, err := m.Store(ctx, StoreRequest{
			Content:    item.Content,
			Summary:    summary,
			Category:   m.categorizer.Categorize(item.Content),
			Importance: m.CalculateImportance(item),
			Metadata:   metadata,
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("shortTermID", item.ID).Msg("Failed to consolidate item")
			continue
		}
		done = append(done, Consolidation{SourceID: item.ID, MemoryID: id})
	}

	if len(done) > 0 {
		m.logger.Info().Int("consolidated", len(done)).Int("candidates", len(items)).Msg("Consolidated short-term items")
	}
	return done
}

// Get returns a memory by id.
func (m *LongTermMemory) Get(id string) (LongTermItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item := m.items[id]
	if item == nil {
		return LongTermItem{}, false
	}
	return m.copyLocked(item), true
}

// GetByCategory returns up to limit memories of category, most important first.
func (m *LongTermMemory) GetByCategory(category Category, limit int) []LongTermItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []LongTermItem
	for _, item := range m.items {
		if item.Category == category {
			out = append(out, m.copyLocked(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetRelated walks the link graph breadth first up to depth hops from id and
// returns every memory reached, excluding id itself.
func (m *LongTermMemory) GetRelated(id string, depth int) []LongTermItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.items[id] == nil || depth <= 0 {
		return nil
	}

	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	var out []LongTermItem
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			neighbours := lo.Keys(m.links[cur])
			sort.Strings(neighbours)
			for _, n := range neighbours {
				if _, seen := visited[n]; seen {
					continue
				}
				visited[n] = struct{}{}
				if item := m.items[n]; item != nil {
					out = append(out, m.copyLocked(item))
					next = append(next, n)
				}
			}
		}
		frontier = next
	}
	return out
}

// UpdateImportance sets a memory's importance, clamped to [0,1].
func (m *LongTermMemory) UpdateImportance(ctx context.Context, id string, score float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.items[id]
	if item == nil {
		return false
	}
	score = clamp01(score)
	if err := execBuilder(ctx, m.db, sq.Update("long_term_memories").Set("importance", score).Where(sq.Eq{"id": id})); err != nil {
		m.logger.Warn().Err(err).Str("id", id).Msg("Failed to persist importance update")
		return false
	}
	item.Importance = score
	return true
}

// Forget removes a memory, its links on both sides and its vector document.
func (m *LongTermMemory) Forget(ctx context.Context, id string) bool {
	m.mu.Lock()
	if m.items[id] == nil {
		m.mu.Unlock()
		return false
	}
	err := m.withTx(ctx, func(tx *sql.Tx) error {
		if err := execBuilder(ctx, tx, sq.Delete("memory_links").Where(sq.Or{sq.Eq{"memory_id": id}, sq.Eq{"related_id": id}})); err != nil {
			return err
		}
		return execBuilder(ctx, tx, sq.Delete("long_term_memories").Where(sq.Eq{"id": id}))
	})
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("id", id).Msg("Failed to forget memory")
		return false
	}
	for other := range m.links[id] {
		delete(m.links[other], id)
	}
	delete(m.links, id)
	delete(m.items, id)
	m.mu.Unlock()

	if m.vectors != nil {
		vctx, cancel := context.WithTimeout(ctx, m.cfg.SearchTimeout)
		defer cancel()
		if err := m.vectors.Delete(vctx, id); err != nil {
			m.logger.Warn().
				Err(newError(KindCapabilityUnavailable, "long_term.forget", id, err)).
				Msg("Vector document not removed; stale hits are filtered by the index")
		}
	}
	return true
}

// LongTermStats summarizes the store.
type LongTermStats struct {
	Total             int              `json:"total_memories"`
	Categories        map[Category]int `json:"categories"`
	AverageImportance float64          `json:"average_importance"`
	Relationships     int              `json:"total_relationships"`
	VectorDocuments   int              `json:"vector_documents"`
}

// Statistics reports counts per category, mean importance and link count.
func (m *LongTermMemory) Statistics() LongTermStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := LongTermStats{Total: len(m.items), Categories: make(map[Category]int)}
	var importance float64
	for _, item := range m.items {
		stats.Categories[item.Category]++
		importance += item.Importance
	}
	if len(m.items) > 0 {
		stats.AverageImportance = importance / float64(len(m.items))
	}
	for _, set := range m.links {
		stats.Relationships += len(set)
	}
	stats.Relationships /= 2
	if m.vectors != nil {
		stats.VectorDocuments = m.vectors.Count()
	}
	return stats
}

// Persist flushes the vector store.
func (m *LongTermMemory) Persist() error {
	if m.vectors == nil {
		return nil
	}
	return m.vectors.Persist()
}

func (m *LongTermMemory) copyLocked(item *LongTermItem) LongTermItem {
	c := *item
	c.Metadata = cloneMap(item.Metadata)
	c.Related = lo.Keys(m.links[item.ID])
	sort.Strings(c.Related)
	return c
}

func (m *LongTermMemory) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertLink(a, b string) sq.InsertBuilder {
	return sq.Insert("memory_links").Columns("memory_id", "related_id").Values(a, b).Options("OR IGNORE")
}

func insertLinkPairs(ctx context.Context, tx *sql.Tx, id string, others []string) error {
	for _, o := range others {
		if err := execBuilder(ctx, tx, insertLink(id, o)); err != nil {
			return err
		}
		if err := execBuilder(ctx, tx, insertLink(o, id)); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execBuilder(ctx context.Context, db execer, b sq.Sqlizer) error {
	queryStr, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("exec %q: %w", firstWord(queryStr), err)
	}
	return nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
