package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tayler-id/telly-chat/llm"
	"github.com/tayler-id/telly-chat/memory"
	"github.com/tayler-id/telly-chat/migrations"
)

type fakeClient struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []*llm.Request
}

func (c *fakeClient) Synchronous(_ context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Text: c.reply, StopReason: "end_turn"}, nil
}

type testRig struct {
	assistant *Assistant
	sessions  *Sessions
	episodes  *memory.EpisodicStore
	longTerm  *memory.LongTermMemory
	snapshots *memory.ShortTermSnapshots
	client    *fakeClient
	now       time.Time
}

func newTestRig(t *testing.T, consolidateEvery int) *testRig {
	t.Helper()
	ctx := context.Background()
	db, err := migrations.Open(filepath.Join(t.TempDir(), "telly.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	longTerm, err := memory.NewLongTermMemory(ctx, db, nil, memory.LongTermConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLongTermMemory: %v", err)
	}
	episodes, err := memory.NewEpisodicStore(ctx, db, t.TempDir(), memory.EpisodicConfig{}, zerolog.Nop(), memory.WithLongTerm(longTerm))
	if err != nil {
		t.Fatalf("NewEpisodicStore: %v", err)
	}
	transcripts := memory.NewTranscriptStore(db, longTerm, zerolog.Nop())
	contexts := memory.NewContextManager(memory.ContextConfig{}, transcripts, episodes, longTerm, zerolog.Nop())

	rig := &testRig{
		episodes:  episodes,
		longTerm:  longTerm,
		snapshots: memory.NewShortTermSnapshots(db),
		client:    &fakeClient{reply: "Sure, here you go."},
		now:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	rig.sessions = NewSessions(SessionConfig{Capacity: 10, DecayTime: time.Hour}, rig.snapshots, zerolog.Nop(),
		WithSessionClock(func() time.Time { return rig.now }))
	rig.assistant, err = NewAssistant(AssistantConfig{Model: "test-model", ConsolidateEvery: consolidateEvery}, AssistantDeps{
		Client:   rig.client,
		Sessions: rig.sessions,
		LongTerm: longTerm,
		Episodes: episodes,
		Contexts: contexts,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAssistant: %v", err)
	}
	return rig
}

func TestAssistant_NoClient(t *testing.T) {
	sessions := NewSessions(SessionConfig{Capacity: 5, DecayTime: time.Hour}, nil, zerolog.Nop())
	a, err := NewAssistant(AssistantConfig{}, AssistantDeps{Sessions: sessions}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAssistant: %v", err)
	}
	if _, err := a.HandleTurn(context.Background(), "s1", "hi"); !errors.Is(err, ErrNoClient) {
		t.Fatalf("expected ErrNoClient, got %v", err)
	}
	if _, err := NewAssistant(AssistantConfig{}, AssistantDeps{}, zerolog.Nop()); err == nil {
		t.Error("expected error without sessions")
	}
}

func TestAssistant_HandleTurnRecordsMemory(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	var trace []string
	dctx := WithDebugCallback(ctx, func(msg string) { trace = append(trace, msg) })

	reply, err := rig.assistant.HandleTurn(dctx, "s1", "What is a good morning routine?")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if reply != "Sure, here you go." {
		t.Errorf("reply = %q", reply)
	}
	if len(trace) == 0 {
		t.Error("debug callback never called")
	}

	sess, ok := rig.sessions.Lookup("s1")
	if !ok {
		t.Fatal("session not registered")
	}
	window := sess.ShortTerm.ContextWindow()
	if len(window) != 2 || window[0] != "User: What is a good morning routine?" || window[1] != "Assistant: Sure, here you go." {
		t.Errorf("unexpected short-term window %v", window)
	}
	if sess.Turns() != 1 {
		t.Errorf("turns = %d", sess.Turns())
	}

	ep, ok := rig.episodes.GetEpisode(sess.CurrentEpisode())
	if !ok || !ep.IsActive() || ep.SessionID() != "s1" {
		t.Fatalf("expected an active episode for the session, got %+v", ep)
	}
	if len(ep.Events) != 3 || ep.Events[1].EventType != memory.EventUserMessage || ep.Events[2].EventType != memory.EventAssistantResponse {
		t.Errorf("unexpected episode events %+v", ep.Events)
	}

	if _, err := rig.assistant.HandleTurn(ctx, "s1", "And in the evening?"); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	last := rig.client.requests[len(rig.client.requests)-1]
	if len(last.Messages) != 3 {
		t.Fatalf("second request should carry history, got %d messages", len(last.Messages))
	}
	if !strings.HasSuffix(last.Messages[2].Content, "And in the evening?") {
		t.Errorf("last message should end with the user turn: %q", last.Messages[2].Content)
	}
	if !strings.Contains(last.Messages[2].Content, "=== RECENT CONVERSATIONS ===") {
		t.Error("assembled context should be prepended to the user turn")
	}
	if last.Model != "test-model" || last.System == "" {
		t.Errorf("unexpected request settings model=%q system=%q", last.Model, last.System)
	}
	if sess.CurrentEpisode() != ep.ID {
		t.Error("turns in one session should share an episode")
	}

	state, found, err := rig.snapshots.Load(ctx, "s1")
	if err != nil || !found || len(state.Items) != 4 {
		t.Errorf("snapshot not saved after turn: found=%v err=%v", found, err)
	}
}

func TestAssistant_ConsolidatesPeriodically(t *testing.T) {
	rig := newTestRig(t, 1)
	ctx := context.Background()

	if _, err := rig.assistant.HandleTurn(ctx, "s1", "My name is Dana and I run every morning"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if n := rig.longTerm.Statistics().Total; n != 2 {
		t.Fatalf("expected both turns consolidated, got %d memories", n)
	}
	if ids := rig.assistant.Consolidate(ctx, "s1"); len(ids) != 0 {
		t.Errorf("items should only be consolidated once, got %v", ids)
	}
	if ids := rig.assistant.Consolidate(ctx, "unknown"); ids != nil {
		t.Errorf("unknown session should consolidate nothing, got %v", ids)
	}
}

func TestAssistant_CompletionFailure(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.client.err = llm.NewProviderError("boom", nil)
	ctx := context.Background()

	if _, err := rig.assistant.HandleTurn(ctx, "s1", "hello"); err == nil {
		t.Fatal("expected completion error")
	}
	sess, _ := rig.sessions.Lookup("s1")
	ep, _ := rig.episodes.GetEpisode(sess.CurrentEpisode())
	last := ep.Events[len(ep.Events)-1]
	if last.EventType != "completion_failed" {
		t.Errorf("failure not recorded, last event %+v", last)
	}
	if sess.Turns() != 0 {
		t.Errorf("failed turn should not count, turns = %d", sess.Turns())
	}
}

func TestAssistant_EndSession(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	if _, err := rig.assistant.HandleTurn(ctx, "s1", "hello there"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	sess, _ := rig.sessions.Lookup("s1")
	episodeID := sess.CurrentEpisode()

	if !rig.assistant.EndSession(ctx, "s1", "") {
		t.Fatal("EndSession returned false")
	}
	if rig.assistant.EndSession(ctx, "s1", "") {
		t.Error("ending twice should return false")
	}
	if _, ok := rig.sessions.Lookup("s1"); ok {
		t.Error("session should be removed")
	}
	ep, _ := rig.episodes.GetEpisode(episodeID)
	if ep.IsActive() || ep.Outcome != OutcomeSessionEnded || len(ep.SuccessMetrics) != 0 {
		t.Errorf("episode not closed properly: %+v", ep)
	}
	closing := ep.Events[len(ep.Events)-2]
	if closing.EventType != "session_closed" || closing.Data["turns"] != 1 {
		t.Errorf("turn count should be recorded as an event, got %+v", closing)
	}
	if rig.longTerm.Statistics().Total == 0 {
		t.Error("ending a session should consolidate its window")
	}
	if _, found, _ := rig.snapshots.Load(ctx, "s1"); found {
		t.Error("snapshot should be deleted")
	}
}

func TestAssistant_ExpireIdleAndDecay(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	rig.assistant.HandleTurn(ctx, "old", "first") //nolint:errcheck // fake client
	rig.now = rig.now.Add(2 * time.Hour)
	rig.assistant.HandleTurn(ctx, "fresh", "second") //nolint:errcheck // fake client

	old, _ := rig.sessions.Lookup("old")
	oldEpisode := old.CurrentEpisode()

	if n := rig.assistant.ExpireIdle(ctx, time.Hour); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if ids := rig.sessions.IDs(); len(ids) != 1 || ids[0] != "fresh" {
		t.Errorf("unexpected live sessions %v", ids)
	}
	if ep, _ := rig.episodes.GetEpisode(oldEpisode); ep.Outcome != memory.OutcomeTimeout {
		t.Errorf("idle session episode outcome = %q", ep.Outcome)
	}
	if n := rig.assistant.DecayAll(); n != 0 {
		t.Errorf("fresh items should not decay, got %d", n)
	}
}

func TestSessions_RestoresSnapshot(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	if _, err := rig.assistant.HandleTurn(ctx, "s1", "remember this"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	restarted := NewSessions(SessionConfig{Capacity: 10, DecayTime: time.Hour}, rig.snapshots, zerolog.Nop())
	sess, err := restarted.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.ShortTerm.Len() != 2 {
		t.Errorf("restored window has %d items, want 2", sess.ShortTerm.Len())
	}
	if _, err := restarted.Get(ctx, ""); err == nil {
		t.Error("empty session id should be rejected")
	}
}

func TestAssistant_MultiTurnEpisodeImportance(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()
	for _, msg := range []string{"first question", "second question", "third question"} {
		if _, err := rig.assistant.HandleTurn(ctx, "s1", msg); err != nil {
			t.Fatalf("HandleTurn: %v", err)
		}
	}
	sess, _ := rig.sessions.Lookup("s1")
	episodeID := sess.CurrentEpisode()
	rig.assistant.EndSession(ctx, "s1", "")

	if got := rig.episodes.SearchEpisodes(memory.EpisodeFilter{MinSuccess: 0.9}); len(got) != 0 {
		t.Errorf("a turn count must not pass as a success score, matched %d episodes", len(got))
	}
	ep, _ := rig.episodes.GetEpisode(episodeID)
	if len(ep.MemoriesCreated) == 0 {
		t.Fatal("ended episode should be stored in long-term memory")
	}
	stored, ok := rig.longTerm.Get(ep.MemoriesCreated[0])
	if !ok || stored.Importance >= 1 {
		t.Errorf("experience importance = %v, want < 1", stored.Importance)
	}
}

func TestAssistant_ContextExcludesCurrentMessage(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()

	if _, err := rig.assistant.HandleTurn(ctx, "s1", "zebra migration facts"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	prompt := rig.client.requests[0].Messages[0].Content
	if strings.Contains(prompt, "[recent, high] User: zebra migration facts") {
		t.Errorf("current message echoed into its own context:\n%s", prompt)
	}

	sess, _ := rig.sessions.Lookup("s1")
	for _, it := range sess.ShortTerm.Export().Items {
		if it.AccessCount != 0 {
			t.Errorf("item %q accessed %d times during its own turn", it.Content, it.AccessCount)
		}
	}
}

func TestAssistant_ConsolidateMarksOnlyStoredItems(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()
	sess, _ := rig.sessions.Get(ctx, "s1")
	sess.ShortTerm.Add("User: I watch cooking videos", memory.PriorityHigh, nil) //nolint:errcheck // below capacity
	badID, _ := sess.ShortTerm.Add("User: unencodable", memory.PriorityHigh, map[string]any{"ch": make(chan int)})

	if ids := rig.assistant.Consolidate(ctx, "s1"); len(ids) != 1 {
		t.Fatalf("expected 1 stored memory, got %v", ids)
	}
	pending := sess.ShortTerm.ConsolidationCandidates(rig.longTerm.ShouldConsolidate)
	if len(pending) != 1 || pending[0].ID != badID {
		t.Errorf("failed item should stay a candidate, got %+v", pending)
	}
}

func TestAssistant_ResumesEpisodeAfterRestart(t *testing.T) {
	rig := newTestRig(t, 100)
	ctx := context.Background()
	if _, err := rig.assistant.HandleTurn(ctx, "s1", "hello"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	sess, _ := rig.sessions.Lookup("s1")
	episodeID := sess.CurrentEpisode()

	restarted := NewSessions(SessionConfig{Capacity: 10, DecayTime: time.Hour}, rig.snapshots, zerolog.Nop())
	assistant, err := NewAssistant(AssistantConfig{}, AssistantDeps{
		Client:   rig.client,
		Sessions: restarted,
		LongTerm: rig.longTerm,
		Episodes: rig.episodes,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAssistant: %v", err)
	}
	if _, err := assistant.HandleTurn(ctx, "s1", "hello again"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	resumed, _ := restarted.Lookup("s1")
	if resumed.CurrentEpisode() != episodeID {
		t.Errorf("episode = %s, want the open episode %s", resumed.CurrentEpisode(), episodeID)
	}
	if n := len(rig.episodes.ActiveEpisodes()); n != 1 {
		t.Errorf("expected a single active episode, got %d", n)
	}
}

func TestTruncateTitle(t *testing.T) {
	if got := truncateTitle("  hello \n  world "); got != "hello world" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("a", 70)
	if got := truncateTitle(long); got != strings.Repeat("a", 60)+"..." {
		t.Errorf("got %q", got)
	}
}
