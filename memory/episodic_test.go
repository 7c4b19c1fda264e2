package memory

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEpisodic_AutoCloseOldest(t *testing.T) {
	clock := newFakeClock()
	em := NewEpisodicMemory(EpisodicConfig{MaxActive: 1}, zerolog.Nop(), WithEpisodicClock(clock.Now))
	ctx := context.Background()

	first := em.StartEpisode(ctx, EpisodeSpec{Title: "first"})
	clock.Advance(time.Minute)
	second := em.StartEpisode(ctx, EpisodeSpec{Title: "second"})

	ep, ok := em.GetEpisode(first)
	if !ok {
		t.Fatal("first episode missing")
	}
	if ep.IsActive() || ep.Outcome != OutcomeAutoClosed {
		t.Fatalf("first episode should be auto closed, got outcome %q", ep.Outcome)
	}
	active := em.ActiveEpisodes()
	if len(active) != 1 || active[0].ID != second {
		t.Fatalf("expected only %s active, got %+v", second, active)
	}
	last := ep.Events[len(ep.Events)-1]
	if last.EventType != EventEpisodeEnd || last.Data["outcome"] != OutcomeAutoClosed {
		t.Errorf("missing episode_end event, last event %+v", last)
	}
}

func TestEpisodic_RepeatedFailurePattern(t *testing.T) {
	clock := newFakeClock()
	em := NewEpisodicMemory(EpisodicConfig{MaxActive: 5}, zerolog.Nop(), WithEpisodicClock(clock.Now))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		id := em.StartEpisode(ctx, EpisodeSpec{Title: "deploy", Type: EpisodeTaskCompletion})
		clock.Advance(time.Minute)
		if !em.EndEpisode(ctx, id, "failed", nil) {
			t.Fatalf("EndEpisode %d returned false", i)
		}
		ids = append(ids, id)
	}

	for i, id := range ids {
		ep, _ := em.GetEpisode(id)
		tagged := ep.Metadata["pattern"] == PatternRepeatedFailure
		if i < 2 && tagged {
			t.Errorf("episode %d tagged too early", i)
		}
		if i >= 2 && !tagged {
			t.Errorf("episode %d should carry the repeated_failure pattern, metadata %v", i, ep.Metadata)
		}
	}

	third, _ := em.GetEpisode(ids[2])
	if got := third.Metadata["similar_episodes"]; !reflect.DeepEqual(got, []string{ids[0], ids[1]}) {
		t.Errorf("similar_episodes = %v", got)
	}

	// Failures of another type do not count.
	other := em.StartEpisode(ctx, EpisodeSpec{Title: "essay", Type: EpisodeCreative})
	em.EndEpisode(ctx, other, "failed", nil)
	if ep, _ := em.GetEpisode(other); ep.Metadata["pattern"] != nil {
		t.Errorf("creative failure should not be tagged, metadata %v", ep.Metadata)
	}
}

func TestEpisodic_AddEventStateMachine(t *testing.T) {
	em := NewEpisodicMemory(EpisodicConfig{}, zerolog.Nop())
	ctx := context.Background()

	if em.AddEvent(ctx, "episode_unknown", MessageEvent(EventUserMessage, "user", "hi")) {
		t.Error("AddEvent on unknown episode should return false")
	}

	id := em.StartEpisode(ctx, EpisodeSpec{Title: "chat"})
	if !em.AddEvent(ctx, id, MessageEvent(EventUserMessage, "user", "hi")) {
		t.Fatal("AddEvent on active episode returned false")
	}
	em.EndEpisode(ctx, id, "completed", map[string]float64{"turns": 1})

	before, _ := em.GetEpisode(id)
	if em.AddEvent(ctx, id, MessageEvent(EventUserMessage, "user", "late")) {
		t.Error("AddEvent on ended episode should return false")
	}
	after, _ := em.GetEpisode(id)
	if !reflect.DeepEqual(before, after) {
		t.Error("rejected AddEvent mutated the episode")
	}
	if em.EndEpisode(ctx, id, "completed", nil) {
		t.Error("ending twice should return false")
	}
}

func TestEpisodic_RepeatedQuestions(t *testing.T) {
	em := NewEpisodicMemory(EpisodicConfig{}, zerolog.Nop())
	ctx := context.Background()

	ask := func(id, q string) {
		em.AddEvent(ctx, id, EventSpec{Type: EventQuestionAsked, Actor: "user", Action: "ask", Data: map[string]any{"question": q}, Impact: 0.9})
	}
	a := em.StartEpisode(ctx, EpisodeSpec{Title: "a"})
	ask(a, "how do I start journaling")
	b := em.StartEpisode(ctx, EpisodeSpec{Title: "b"})
	ask(b, "how do I start journaling daily")

	stats := em.Statistics()
	if stats.Patterns[PatternRepeatedQuestions] != 1 {
		t.Fatalf("expected one repeated question episode, got %v", stats.Patterns)
	}
}

func TestEpisodic_CleanupStale(t *testing.T) {
	clock := newFakeClock()
	em := NewEpisodicMemory(EpisodicConfig{Timeout: time.Hour}, zerolog.Nop(), WithEpisodicClock(clock.Now))
	ctx := context.Background()

	old := em.StartEpisode(ctx, EpisodeSpec{Title: "old"})
	clock.Advance(50 * time.Minute)
	recent := em.StartEpisode(ctx, EpisodeSpec{Title: "recent"})
	clock.Advance(20 * time.Minute)

	if n := em.CleanupStale(ctx); n != 1 {
		t.Fatalf("expected 1 stale episode, got %d", n)
	}
	ep, _ := em.GetEpisode(old)
	if ep.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %q, want timeout", ep.Outcome)
	}
	if ep, _ := em.GetEpisode(recent); !ep.IsActive() {
		t.Error("recent episode should stay active")
	}
}

func TestEpisodic_ConsolidatesIntoLongTerm(t *testing.T) {
	ltm := newTestLongTerm(t, setupTestDB(t), nil)
	em := NewEpisodicMemory(EpisodicConfig{}, zerolog.Nop(), WithLongTerm(ltm))
	ctx := context.Background()

	id := em.StartEpisode(ctx, EpisodeSpec{Title: "learn go", Type: EpisodeLearning, Participants: []string{"user", "assistant"}})
	em.EndEpisode(ctx, id, "success", map[string]float64{"score": 1})

	ep, _ := em.GetEpisode(id)
	if len(ep.MemoriesCreated) != 1 {
		t.Fatalf("expected one memory created, got %v", ep.MemoriesCreated)
	}
	mem, ok := ltm.Get(ep.MemoriesCreated[0])
	if !ok {
		t.Fatal("episode memory not stored")
	}
	if mem.Category != CategoryExperience || mem.Metadata["episode_id"] != id {
		t.Errorf("unexpected memory %+v", mem)
	}
	// 0.3 + 0.4*1 + learning bonus 0.2
	if mem.Importance < 0.899 || mem.Importance > 0.901 {
		t.Errorf("importance = %v, want 0.9", mem.Importance)
	}
}

func TestEpisodic_SearchAndSimilar(t *testing.T) {
	clock := newFakeClock()
	em := NewEpisodicMemory(EpisodicConfig{MaxActive: 10}, zerolog.Nop(), WithEpisodicClock(clock.Now))
	ctx := context.Background()

	a := em.StartEpisode(ctx, EpisodeSpec{Title: "Sleep video", Type: EpisodeLearning, Participants: []string{"user"}})
	em.AddEvent(ctx, a, MessageEvent(EventUserMessage, "user", "tell me about circadian rhythm"))
	em.EndEpisode(ctx, a, "success", map[string]float64{"score": 0.9})
	clock.Advance(time.Minute)
	b := em.StartEpisode(ctx, EpisodeSpec{Title: "Diet video", Type: EpisodeLearning, Participants: []string{"user"}})
	em.EndEpisode(ctx, b, "success", map[string]float64{"score": 0.2})
	clock.Advance(time.Minute)
	c := em.StartEpisode(ctx, EpisodeSpec{Title: "Chat", Type: EpisodeConversation})

	if got := em.SearchEpisodes(EpisodeFilter{Query: "circadian"}); len(got) != 1 || got[0].ID != a {
		t.Errorf("content search = %+v", got)
	}
	if got := em.SearchEpisodes(EpisodeFilter{Type: EpisodeLearning}); len(got) != 2 || got[0].ID != b {
		t.Errorf("type search should return newest first, got %+v", got)
	}
	if got := em.SearchEpisodes(EpisodeFilter{MinSuccess: 0.5}); len(got) != 1 || got[0].ID != a {
		t.Errorf("success filter = %+v", got)
	}

	similar := em.SimilarEpisodes(a, 5)
	if len(similar) == 0 || similar[0].Episode.ID != b {
		t.Fatalf("expected %s most similar, got %+v", b, similar)
	}
	for _, s := range similar {
		if s.Episode.ID == c {
			t.Errorf("unrelated episode %s scored %v", c, s.Score)
		}
	}
}

func TestOutcomeClassification(t *testing.T) {
	for _, o := range []string{"success", "Completed", "done"} {
		if !IsSuccessOutcome(o) {
			t.Errorf("%q should be a success", o)
		}
	}
	for _, o := range []string{"failed", "ERROR", "build_failure"} {
		if !IsFailureOutcome(o) {
			t.Errorf("%q should be a failure", o)
		}
	}
	if IsFailureOutcome(OutcomeAutoClosed) || IsSuccessOutcome(OutcomeTimeout) {
		t.Error("auto_closed and timeout are neither success nor failure")
	}
}
