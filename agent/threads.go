package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/tayler-id/telly-chat/llm"
	"github.com/tayler-id/telly-chat/memory"
)

const (
	DefaultMaxActiveThreads = 10
	DefaultThreadCapacity   = 100
	DefaultArchiveAfter     = 24 * time.Hour

	OutcomeArchived = "archived"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrThreadClosed   = errors.New("thread is closed")
)

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadActive    ThreadStatus = "active"
	ThreadPaused    ThreadStatus = "paused"
	ThreadCompleted ThreadStatus = "completed"
	ThreadArchived  ThreadStatus = "archived"
)

// ThreadPriority orders threads when merging.
type ThreadPriority int

const (
	ThreadLow ThreadPriority = iota + 1
	ThreadNormal
	ThreadHigh
	ThreadUrgent
)

// ThreadMessage is one message recorded on a thread. MemoryID points at the
// short-term item created for it.
type ThreadMessage struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	FromThread string         `json:"from_thread,omitempty"`
	MemoryID   string         `json:"-"`
}

// Thread is an isolated conversation context with its own short-term window
// and episode.
type Thread struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Topic        string          `json:"topic"`
	Status       ThreadStatus    `json:"status"`
	Priority     ThreadPriority  `json:"priority"`
	Participants []string        `json:"participants"`
	Tags         []string        `json:"tags,omitempty"`
	ParentID     string          `json:"parent_id,omitempty"`
	ChildIDs     []string        `json:"child_ids,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	EpisodeID    string          `json:"episode_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	LastActive   time.Time       `json:"last_active"`
	Messages     []ThreadMessage `json:"messages"`

	ShortTerm *memory.ShortTermMemory `json:"-"`
}

func (t *Thread) clone() Thread {
	c := *t
	c.Participants = append([]string(nil), t.Participants...)
	c.Tags = append([]string(nil), t.Tags...)
	c.ChildIDs = append([]string(nil), t.ChildIDs...)
	c.Messages = append([]ThreadMessage(nil), t.Messages...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// ThreadSpec describes a new thread.
type ThreadSpec struct {
	Title        string
	Topic        string
	Participants []string
	Priority     ThreadPriority
	ParentID     string
	Tags         []string
}

// ThreadFilter narrows Search. Zero fields match everything.
type ThreadFilter struct {
	Query  string
	Tags   []string
	Status ThreadStatus
	Limit  int
}

// ThreadRelations is the neighbourhood of a thread.
type ThreadRelations struct {
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children"`
	Related  []string `json:"related"`
}

// ThreadExport is a thread with its relations and window statistics.
type ThreadExport struct {
	Thread
	Relations   ThreadRelations       `json:"relations"`
	MemoryStats memory.ShortTermStats `json:"memory_stats"`
}

// ThreadConfig bounds live threads.
type ThreadConfig struct {
	MaxActive    int
	ArchiveAfter time.Duration
	Capacity     int
	DecayTime    time.Duration
}

// Threads manages conversation threads. At most MaxActive threads are active;
// creating one more archives the least recently used.
type Threads struct {
	mu       sync.Mutex
	cfg      ThreadConfig
	episodes *memory.EpisodicStore
	threads  map[string]*Thread
	lru      []string // active or paused, least recently used first
	current  string
	related  map[string]map[string]struct{}
	now      func() time.Time
	logger   zerolog.Logger
}

// ThreadsOption configures Threads.
type ThreadsOption func(*Threads)

// WithThreadClock overrides the time source.
func WithThreadClock(now func() time.Time) ThreadsOption {
	return func(t *Threads) { t.now = now }
}

// NewThreads creates a thread manager. episodes may be nil.
func NewThreads(cfg ThreadConfig, episodes *memory.EpisodicStore, logger zerolog.Logger, opts ...ThreadsOption) *Threads {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActiveThreads
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = DefaultArchiveAfter
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultThreadCapacity
	}
	t := &Threads{
		cfg:      cfg,
		episodes: episodes,
		threads:  make(map[string]*Thread),
		related:  make(map[string]map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "threads").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create opens a thread, starts its episode and makes it current.
func (t *Threads) Create(ctx context.Context, spec ThreadSpec) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createLocked(ctx, spec)
}

func (t *Threads) createLocked(ctx context.Context, spec ThreadSpec) string {
	for t.activeCountLocked() >= t.cfg.MaxActive {
		oldest, _ := lo.Find(t.lru, func(id string) bool { return t.threads[id].Status == ThreadActive })
		t.logger.Info().Str("thread_id", oldest).Int("max_active", t.cfg.MaxActive).Msg("Thread limit reached, archiving least recently used")
		t.archiveLocked(ctx, oldest)
	}

	priority := spec.Priority
	if priority == 0 {
		priority = ThreadNormal
	}
	participants := spec.Participants
	if len(participants) == 0 {
		participants = []string{"user", "assistant"}
	}
	now := t.now()
	th := &Thread{
		ID:           "thread_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Title:        spec.Title,
		Topic:        spec.Topic,
		Status:       ThreadActive,
		Priority:     priority,
		Participants: lo.Uniq(participants),
		Tags:         lo.Uniq(spec.Tags),
		ParentID:     spec.ParentID,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActive:   now,
		ShortTerm:    memory.NewShortTermMemory(t.cfg.Capacity, t.cfg.DecayTime, t.logger),
	}
	if parent := t.threads[spec.ParentID]; parent != nil {
		parent.ChildIDs = append(parent.ChildIDs, th.ID)
	} else {
		th.ParentID = ""
	}
	if t.episodes != nil {
		th.EpisodeID = t.episodes.StartEpisode(ctx, memory.EpisodeSpec{
			Title:        "Thread: " + spec.Title,
			Type:         memory.EpisodeConversation,
			Participants: th.Participants,
			SessionID:    th.ID,
			Context: map[string]any{
				"thread_id":        th.ID,
				"topic":            spec.Topic,
				"parent_thread_id": th.ParentID,
			},
		})
	}

	t.threads[th.ID] = th
	t.lru = append(t.lru, th.ID)
	t.current = th.ID
	t.logger.Info().Str("thread_id", th.ID).Str("title", th.Title).Msg("Thread created")
	return th.ID
}

func (t *Threads) activeCountLocked() int {
	return lo.CountBy(t.lru, func(id string) bool { return t.threads[id].Status == ThreadActive })
}

func (t *Threads) touchLocked(id string) {
	t.lru = append(lo.Without(t.lru, id), id)
}

// AddMessage records a message on an open thread: in its history, its
// short-term window and its episode.
func (t *Threads) AddMessage(ctx context.Context, id, role, content string, metadata map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	th := t.threads[id]
	if th == nil {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if th.Status == ThreadArchived || th.Status == ThreadCompleted {
		return fmt.Errorf("%w: %s is %s", ErrThreadClosed, id, th.Status)
	}
	t.addLocked(ctx, th, ThreadMessage{Role: role, Content: content, Metadata: metadata})
	t.touchLocked(id)
	return nil
}

func (t *Threads) addLocked(ctx context.Context, th *Thread, msg ThreadMessage) {
	now := t.now()
	msg.ID = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	priority, event, label := memory.PriorityMedium, memory.EventAssistantResponse, "Assistant: "
	if msg.Role == string(llm.RoleUser) {
		priority, event, label = memory.PriorityHigh, memory.EventUserMessage, "User: "
	}
	meta := map[string]any{"role": msg.Role, "thread_id": th.ID}
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	memID, err := th.ShortTerm.Add(label+msg.Content, priority, meta)
	if err != nil {
		t.logger.Warn().Err(err).Str("thread_id", th.ID).Msg("Short-term memory rejected thread message")
	}
	msg.MemoryID = memID

	th.Messages = append(th.Messages, msg)
	th.LastActive = now
	th.UpdatedAt = now
	if t.episodes != nil && th.EpisodeID != "" {
		t.episodes.AddEvent(ctx, th.EpisodeID, memory.MessageEvent(event, msg.Role, msg.Content))
	}
}

// Get returns a copy of a thread.
func (t *Threads) Get(id string) (Thread, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := t.threads[id]
	if th == nil {
		return Thread{}, false
	}
	return th.clone(), true
}

// Current returns the thread new messages go to, if any.
func (t *Threads) Current() (Thread, bool) {
	t.mu.Lock()
	id := t.current
	t.mu.Unlock()
	if id == "" {
		return Thread{}, false
	}
	return t.Get(id)
}

// Switch makes id current, resuming it when paused. Completed and archived
// threads cannot be switched to.
func (t *Threads) Switch(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := t.threads[id]
	if th == nil {
		return false
	}
	switch th.Status {
	case ThreadPaused:
		th.Status = ThreadActive
		th.UpdatedAt = t.now()
	case ThreadActive:
	default:
		return false
	}
	t.current = id
	t.touchLocked(id)
	return true
}

// Recent returns up to limit of the thread's latest messages, oldest first.
func (t *Threads) Recent(id string, limit int) []ThreadMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := t.threads[id]
	if th == nil {
		return nil
	}
	msgs := th.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]ThreadMessage(nil), msgs...)
}

// Active lists active threads, least recently used first.
func (t *Threads) Active() []Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Thread
	for _, id := range t.lru {
		if th := t.threads[id]; th.Status == ThreadActive {
			out = append(out, th.clone())
		}
	}
	return out
}

// Pause parks an active thread. Paused threads do not count against the
// active limit.
func (t *Threads) Pause(id string) bool {
	return t.setStatus(id, ThreadActive, ThreadPaused)
}

// Resume reactivates a paused thread.
func (t *Threads) Resume(id string) bool {
	return t.setStatus(id, ThreadPaused, ThreadActive)
}

func (t *Threads) setStatus(id string, from, to ThreadStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := t.threads[id]
	if th == nil || th.Status != from {
		return false
	}
	th.Status = to
	th.UpdatedAt = t.now()
	return true
}

// Complete closes a thread and its episode with the completed outcome.
func (t *Threads) Complete(ctx context.Context, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(ctx, id, ThreadCompleted, OutcomeSessionEnded)
}

// Archive closes a thread and its episode. When it was current, the most
// recently used active thread becomes current.
func (t *Threads) Archive(ctx context.Context, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.archiveLocked(ctx, id)
}

func (t *Threads) archiveLocked(ctx context.Context, id string) bool {
	return t.closeLocked(ctx, id, ThreadArchived, OutcomeArchived)
}

func (t *Threads) closeLocked(ctx context.Context, id string, status ThreadStatus, outcome string) bool {
	th := t.threads[id]
	if th == nil || th.Status == ThreadArchived || (th.Status == ThreadCompleted && status == ThreadCompleted) {
		return false
	}
	th.Status = status
	th.UpdatedAt = t.now()
	t.lru = lo.Without(t.lru, id)

	if t.episodes != nil && th.EpisodeID != "" {
		t.episodes.AddEvent(ctx, th.EpisodeID, memory.EventSpec{
			Type:   "thread_closed",
			Actor:  "system",
			Action: string(status),
			Data:   map[string]any{"messages": len(th.Messages)},
			Impact: 0.5,
		})
		t.episodes.EndEpisode(ctx, th.EpisodeID, outcome, nil)
	}

	if t.current == id {
		t.current = ""
		for i := len(t.lru) - 1; i >= 0; i-- {
			if t.threads[t.lru[i]].Status == ThreadActive {
				t.current = t.lru[i]
				break
			}
		}
	}
	t.logger.Info().Str("thread_id", id).Str("status", string(status)).Int("messages", len(th.Messages)).Msg("Thread closed")
	return true
}

// ArchiveInactive archives active threads idle for longer than ArchiveAfter.
func (t *Threads) ArchiveInactive(ctx context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.cfg.ArchiveAfter)
	n := 0
	for _, id := range append([]string(nil), t.lru...) {
		if th := t.threads[id]; th.Status == ThreadActive && th.LastActive.Before(cutoff) && t.archiveLocked(ctx, id) {
			n++
		}
	}
	return n
}

// Decay drops stale items from the windows of open threads.
func (t *Threads) Decay() int {
	t.mu.Lock()
	windows := lo.Map(t.lru, func(id string, _ int) *memory.ShortTermMemory { return t.threads[id].ShortTerm })
	t.mu.Unlock()
	return lo.SumBy(windows, func(m *memory.ShortTermMemory) int { return m.Decay() })
}

// Search matches threads by status, any shared tag, and a query found in the
// title, topic or last ten messages. Results are most recently active first.
func (t *Threads) Search(f ThreadFilter) []Thread {
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))

	t.mu.Lock()
	var out []Thread
	for _, th := range t.threads {
		if f.Status != "" && th.Status != f.Status {
			continue
		}
		if len(f.Tags) > 0 && len(lo.Intersect(f.Tags, th.Tags)) == 0 {
			continue
		}
		if q != "" && !threadMentions(th, q) {
			continue
		}
		out = append(out, th.clone())
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func threadMentions(th *Thread, q string) bool {
	if strings.Contains(strings.ToLower(th.Title), q) || strings.Contains(strings.ToLower(th.Topic), q) {
		return true
	}
	recent := th.Messages
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	return lo.ContainsBy(recent, func(m ThreadMessage) bool { return strings.Contains(strings.ToLower(m.Content), q) })
}

// Merge folds two or more threads into a new one holding all their messages
// in time order, then archives the originals.
func (t *Threads) Merge(ctx context.Context, ids []string, title, topic string) (string, error) {
	ids = lo.Uniq(ids)
	if len(ids) < 2 {
		return "", fmt.Errorf("merge needs at least 2 threads, got %d", len(ids))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sources := make([]*Thread, 0, len(ids))
	for _, id := range ids {
		th := t.threads[id]
		if th == nil {
			return "", fmt.Errorf("%w: %s", ErrThreadNotFound, id)
		}
		sources = append(sources, th)
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].CreatedAt.Before(sources[j].CreatedAt) })

	var (
		participants, tags []string
		msgs               []ThreadMessage
		priority           = ThreadLow
	)
	for _, th := range sources {
		participants = append(participants, th.Participants...)
		tags = append(tags, th.Tags...)
		priority = max(priority, th.Priority)
		for _, m := range th.Messages {
			if m.FromThread == "" {
				m.FromThread = th.ID
			}
			msgs = append(msgs, m)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	if topic == "" {
		topic = sources[0].Topic
	}

	mergedID := t.createLocked(ctx, ThreadSpec{Title: title, Topic: topic, Participants: participants, Priority: priority, Tags: tags})
	merged := t.threads[mergedID]
	for _, m := range msgs {
		t.addLocked(ctx, merged, m)
	}
	for _, th := range sources {
		t.archiveLocked(ctx, th.ID)
		if th.Metadata == nil {
			th.Metadata = make(map[string]any)
		}
		th.Metadata["merged_into"] = mergedID
		t.relateLocked(mergedID, th.ID)
	}
	t.current = mergedID
	return mergedID, nil
}

// Split moves the messages from index at onwards into a new child thread,
// which becomes current. Their short-term items move with them.
func (t *Threads) Split(ctx context.Context, id string, at int, title, topic string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	orig := t.threads[id]
	if orig == nil {
		return "", fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if at < 0 || at >= len(orig.Messages) {
		return "", fmt.Errorf("split point %d outside 0..%d", at, len(orig.Messages)-1)
	}

	moved := append([]ThreadMessage(nil), orig.Messages[at:]...)
	childID := t.createLocked(ctx, ThreadSpec{
		Title:        title,
		Topic:        topic,
		Participants: orig.Participants,
		Priority:     orig.Priority,
		ParentID:     id,
		Tags:         orig.Tags,
	})
	child := t.threads[childID]
	for _, m := range moved {
		if m.MemoryID != "" {
			orig.ShortTerm.Remove(m.MemoryID)
		}
		t.addLocked(ctx, child, m)
	}
	orig.Messages = orig.Messages[:at]
	orig.UpdatedAt = t.now()
	t.relateLocked(id, childID)
	return childID, nil
}

func (t *Threads) relateLocked(a, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if t.related[pair[0]] == nil {
			t.related[pair[0]] = make(map[string]struct{})
		}
		t.related[pair[0]][pair[1]] = struct{}{}
	}
}

// Relations returns the parent, children and merge/split relations of a thread.
func (t *Threads) Relations(id string) (ThreadRelations, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.relationsLocked(id)
}

func (t *Threads) relationsLocked(id string) (ThreadRelations, bool) {
	th := t.threads[id]
	if th == nil {
		return ThreadRelations{}, false
	}
	related := lo.Keys(t.related[id])
	sort.Strings(related)
	return ThreadRelations{
		Parent:   th.ParentID,
		Children: append([]string{}, th.ChildIDs...),
		Related:  append([]string{}, related...),
	}, true
}

// Export returns the full thread record.
func (t *Threads) Export(id string) (ThreadExport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := t.threads[id]
	if th == nil {
		return ThreadExport{}, false
	}
	rel, _ := t.relationsLocked(id)
	return ThreadExport{Thread: th.clone(), Relations: rel, MemoryStats: th.ShortTerm.Statistics()}, true
}
