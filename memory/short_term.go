package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultShortTermCapacity = 50
	DefaultDecayTime         = 30 * time.Minute
	contextWindowSize        = 10
	defaultSearchLimit       = 5
	consolidatedKey          = "consolidated"
)

var (
	identityPhrases = []string{"my name is", "i am", "i'm", "call me"}
	identityQueries = []string{"name", "who am i", "who i am", "about me"}
)

// ShortTermMemory is a bounded window of recent conversational fragments.
// It is safe for concurrent use, though each session normally owns its own.
type ShortTermMemory struct {
	mu        sync.Mutex
	capacity  int
	decayTime time.Duration
	items     []*MemoryItem
	index     map[string]*MemoryItem
	now       Clock
	logger    zerolog.Logger
}

// ShortTermOption configures a ShortTermMemory.
type ShortTermOption func(*ShortTermMemory)

// WithShortTermClock overrides the time source.
func WithShortTermClock(c Clock) ShortTermOption {
	return func(m *ShortTermMemory) { m.now = c }
}

// NewShortTermMemory creates a window holding at most capacity items.
// Non-positive arguments fall back to the package defaults.
func NewShortTermMemory(capacity int, decayTime time.Duration, logger zerolog.Logger, opts ...ShortTermOption) *ShortTermMemory {
	if capacity <= 0 {
		capacity = DefaultShortTermCapacity
	}
	if decayTime <= 0 {
		decayTime = DefaultDecayTime
	}
	m := &ShortTermMemory{
		capacity:  capacity,
		decayTime: decayTime,
		index:     make(map[string]*MemoryItem),
		now:       systemClock,
		logger:    logger.With().Str("component", "shortTermMemory").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add stores content and returns the new item id. When the window is full the
// lowest-priority, least-accessed, oldest non-critical item is evicted. If every
// resident item is critical the add is rejected with a capacity error.
func (m *ShortTermMemory) Add(content string, priority Priority, metadata map[string]any) (string, error) {
	if priority == 0 {
		priority = PriorityMedium
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) >= m.capacity && !m.evictLocked() {
		m.logger.Warn().
			Int("capacity", m.capacity).
			Str("priority", priority.String()).
			Msg("Short-term memory saturated with critical items, rejecting add")
		return "", newError(KindCapacity, "short_term.add", "", errors.New("every resident item is critical"))
	}

	now := m.now()
	item := &MemoryItem{
		ID:           "stm_" + uuid.NewString(),
		Content:      content,
		Timestamp:    now,
		Priority:     priority,
		Metadata:     cloneMap(metadata),
		LastAccessed: now,
	}
	m.items = append(m.items, item)
	m.index[item.ID] = item
	return item.ID, nil
}

// evictLocked removes one non-critical item. It reports false when none exists.
func (m *ShortTermMemory) evictLocked() bool {
	victim := -1
	for i, it := range m.items {
		if it.Priority >= PriorityCritical {
			continue
		}
		if victim < 0 || evictsBefore(it, m.items[victim]) {
			victim = i
		}
	}
	if victim < 0 {
		return false
	}

	evicted := m.items[victim]
	m.items = append(m.items[:victim], m.items[victim+1:]...)
	delete(m.index, evicted.ID)
	m.logger.Debug().
		Str("id", evicted.ID).
		Str("priority", evicted.Priority.String()).
		Int("accessCount", evicted.AccessCount).
		Msg("Evicted short-term item")
	return true
}

func evictsBefore(a, b *MemoryItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}
	return a.Timestamp.Before(b.Timestamp)
}

// Get returns a copy of the item and records the access.
func (m *ShortTermMemory) Get(id string) (MemoryItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.index[id]
	if !ok {
		return MemoryItem{}, false
	}
	it.AccessCount++
	it.LastAccessed = m.now()
	return copyItem(it), true
}

type scoredItem struct {
	item  *MemoryItem
	score int
}

// Search ranks items against query. Items below minPriority are ignored
// (pass 0 for no filter). Returned items count as accessed.
func (m *ShortTermMemory) Search(query string, limit int, minPriority Priority) []MemoryItem {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	qWords := wordSet(q)
	identityQuery := containsAny(q, identityQueries)

	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []scoredItem
	for _, it := range m.items {
		if it.Priority < minPriority {
			continue
		}
		if score := scoreItem(q, qWords, identityQuery, it.Content); score > 0 {
			matches = append(matches, scoredItem{item: it, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.item.AccessCount != b.item.AccessCount {
			return a.item.AccessCount > b.item.AccessCount
		}
		return a.item.LastAccessed.After(b.item.LastAccessed)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	now := m.now()
	out := make([]MemoryItem, 0, len(matches))
	for _, s := range matches {
		s.item.AccessCount++
		s.item.LastAccessed = now
		out = append(out, copyItem(s.item))
	}
	return out
}

func scoreItem(q string, qWords map[string]struct{}, identityQuery bool, content string) int {
	c := strings.ToLower(content)
	score := 0
	if strings.Contains(c, q) {
		score += 3
	}
	score += overlapCount(qWords, wordSet(c))
	if identityQuery && containsAny(c, identityPhrases) {
		score += 5
	}
	for w := range qWords {
		if len(w) > 2 && strings.Contains(c, w) {
			score++
			break
		}
	}
	return score
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Decay drops low and medium priority items older than the decay time that
// were accessed fewer than twice. It returns the number removed.
func (m *ShortTermMemory) Decay() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	kept := m.items[:0]
	removed := 0
	for _, it := range m.items {
		if it.Priority < PriorityHigh && now.Sub(it.Timestamp) > m.decayTime && it.AccessCount < 2 {
			delete(m.index, it.ID)
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(m.items); i++ {
		m.items[i] = nil
	}
	m.items = kept

	if removed > 0 {
		m.logger.Debug().Int("removed", removed).Msg("Decayed short-term items")
	}
	return removed
}

// Remove deletes an item by id.
func (m *ShortTermMemory) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[id]; !ok {
		return false
	}
	delete(m.index, id)
	for i, it := range m.items {
		if it.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			break
		}
	}
	return true
}

// Clear drops every item.
func (m *ShortTermMemory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	m.index = make(map[string]*MemoryItem)
}

// Len returns the number of resident items.
func (m *ShortTermMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Capacity returns the configured maximum.
func (m *ShortTermMemory) Capacity() int {
	return m.capacity
}

// Recent returns up to limit of the newest items, oldest first.
func (m *ShortTermMemory) Recent(limit int) []MemoryItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if limit > 0 && len(m.items) > limit {
		start = len(m.items) - limit
	}
	out := make([]MemoryItem, 0, len(m.items)-start)
	for _, it := range m.items[start:] {
		out = append(out, copyItem(it))
	}
	return out
}

// HighPriority returns all HIGH and CRITICAL items in insertion order.
func (m *ShortTermMemory) HighPriority() []MemoryItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []MemoryItem
	for _, it := range m.items {
		if it.Priority >= PriorityHigh {
			out = append(out, copyItem(it))
		}
	}
	return out
}

// ContextWindow returns the contents of the last few items in order.
func (m *ShortTermMemory) ContextWindow() []string {
	recent := m.Recent(contextWindowSize)
	out := make([]string, len(recent))
	for i, it := range recent {
		out[i] = it.Content
	}
	return out
}

// ConsolidationCandidates returns items not yet consolidated that satisfy pred.
func (m *ShortTermMemory) ConsolidationCandidates(pred func(MemoryItem) bool) []MemoryItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []MemoryItem
	for _, it := range m.items {
		if done, _ := it.Metadata[consolidatedKey].(bool); done {
			continue
		}
		c := copyItem(it)
		if pred == nil || pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// MarkConsolidated flags items so later passes skip them.
func (m *ShortTermMemory) MarkConsolidated(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if it, ok := m.index[id]; ok {
			if it.Metadata == nil {
				it.Metadata = make(map[string]any)
			}
			it.Metadata[consolidatedKey] = true
		}
	}
}

// ShortTermStats summarizes the window.
type ShortTermStats struct {
	Total         int            `json:"total_items"`
	Capacity      int            `json:"capacity"`
	Utilization   float64        `json:"utilization"`
	Priorities    map[string]int `json:"priority_distribution"`
	TotalAccesses int            `json:"total_accesses"`
	AvgAccesses   float64        `json:"avg_accesses"`
	Oldest        *time.Time     `json:"oldest_item,omitempty"`
	Newest        *time.Time     `json:"newest_item,omitempty"`
}

// Statistics reports counts and access figures.
func (m *ShortTermMemory) Statistics() ShortTermStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ShortTermStats{
		Total:       len(m.items),
		Capacity:    m.capacity,
		Utilization: float64(len(m.items)) / float64(m.capacity),
		Priorities:  make(map[string]int),
	}
	for _, it := range m.items {
		stats.Priorities[it.Priority.String()]++
		stats.TotalAccesses += it.AccessCount
		ts := it.Timestamp
		if stats.Oldest == nil || ts.Before(*stats.Oldest) {
			stats.Oldest = &ts
		}
		if stats.Newest == nil || ts.After(*stats.Newest) {
			stats.Newest = &ts
		}
	}
	if len(m.items) > 0 {
		stats.AvgAccesses = float64(stats.TotalAccesses) / float64(len(m.items))
	}
	return stats
}

// ShortTermState is a serializable snapshot of a window.
type ShortTermState struct {
	Capacity  int           `json:"capacity"`
	DecayTime time.Duration `json:"decay_time"`
	Items     []MemoryItem  `json:"items"`
}

// Export snapshots the window.
func (m *ShortTermMemory) Export() ShortTermState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := ShortTermState{Capacity: m.capacity, DecayTime: m.decayTime, Items: make([]MemoryItem, len(m.items))}
	for i, it := range m.items {
		state.Items[i] = copyItem(it)
	}
	return state
}

// Import replaces the window contents with a snapshot. Only the newest items
// that fit the current capacity are kept.
func (m *ShortTermMemory) Import(state ShortTermState) error {
	items := state.Items
	if len(items) > m.capacity {
		items = items[len(items)-m.capacity:]
	}
	seen := make(map[string]struct{}, len(items))
	for i := range items {
		if items[i].ID == "" {
			return fmt.Errorf("import: item %d has no id", i)
		}
		if _, dup := seen[items[i].ID]; dup {
			return fmt.Errorf("import: duplicate item id %s", items[i].ID)
		}
		seen[items[i].ID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make([]*MemoryItem, 0, len(items))
	m.index = make(map[string]*MemoryItem, len(items))
	for i := range items {
		it := copyItem(&items[i])
		m.items = append(m.items, &it)
		m.index[it.ID] = &it
	}
	return nil
}

func copyItem(it *MemoryItem) MemoryItem {
	c := *it
	c.Metadata = cloneMap(it.Metadata)
	return c
}
