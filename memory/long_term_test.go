package memory

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLongTerm_StoreDefaults(t *testing.T) {
	ltm := newTestLongTerm(t, setupTestDB(t), nil)
	ctx := context.Background()

	content := "The speaker recommends writing down three priorities before opening email every single morning, " +
		"then blocking two hours of focus time without notifications and reviewing the list again at the end of the day."
	id, err := ltm.Store(ctx, StoreRequest{Content: content, Importance: 1.7})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	item, ok := ltm.Get(id)
	if !ok {
		t.Fatal("stored memory not found")
	}
	if item.Category != CategoryConversation {
		t.Errorf("category = %s, want conversation", item.Category)
	}
	if item.Importance != 1 {
		t.Errorf("importance should be clamped to 1, got %v", item.Importance)
	}
	if len([]rune(item.Summary)) != 200 {
		t.Errorf("default summary should be 200 runes, got %d", len([]rune(item.Summary)))
	}

	if _, err := ltm.Store(ctx, StoreRequest{Content: "x", Category: "gossip"}); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestLongTerm_LinksAreBidirectional(t *testing.T) {
	ltm := newTestLongTerm(t, setupTestDB(t), newMemVectors())
	ctx := context.Background()

	a, err := ltm.Store(ctx, StoreRequest{Content: "deep work morning routine focus", Summary: "deep work morning routine focus"})
	if err != nil {
		t.Fatalf("Store a: %v", err)
	}
	b, err := ltm.Store(ctx, StoreRequest{Content: "deep work morning routine focus", Summary: "deep work morning routine focus"})
	if err != nil {
		t.Fatalf("Store b: %v", err)
	}
	c, err := ltm.Store(ctx, StoreRequest{Content: "pasta recipe", Related: []string{a, "ltm_missing"}})
	if err != nil {
		t.Fatalf("Store c: %v", err)
	}

	itemA, _ := ltm.Get(a)
	itemB, _ := ltm.Get(b)
	itemC, _ := ltm.Get(c)
	if !slices.Contains(itemA.Related, b) || !slices.Contains(itemB.Related, a) {
		t.Fatalf("similar memories should be linked both ways: a=%v b=%v", itemA.Related, itemB.Related)
	}
	if !slices.Contains(itemA.Related, c) || !slices.Equal(itemC.Related, []string{a}) {
		t.Fatalf("explicit link should be mirrored and skip unknown ids: a=%v c=%v", itemA.Related, itemC.Related)
	}

	related := ltm.GetRelated(c, 2)
	ids := make([]string, len(related))
	for i, r := range related {
		ids[i] = r.ID
	}
	if !slices.Contains(ids, a) || !slices.Contains(ids, b) {
		t.Errorf("two-hop walk from c should reach a and b, got %v", ids)
	}

	if !ltm.Forget(ctx, a) {
		t.Fatal("Forget returned false")
	}
	itemB, _ = ltm.Get(b)
	if slices.Contains(itemB.Related, a) {
		t.Error("forgotten memory still linked from b")
	}
	if ltm.Forget(ctx, a) {
		t.Error("forgetting twice should return false")
	}
}

func TestLongTerm_ReloadRepairsLinks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ltm := newTestLongTerm(t, db, nil)

	a, _ := ltm.Store(ctx, StoreRequest{Content: "alpha"})
	b, _ := ltm.Store(ctx, StoreRequest{Content: "beta", Related: []string{a}})

	// Break symmetry and add a dangling link behind the store's back.
	if _, err := db.Exec(`DELETE FROM memory_links WHERE memory_id = ? AND related_id = ?`, a, b); err != nil {
		t.Fatalf("delete link: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO memory_links (memory_id, related_id) VALUES (?, ?)`, a, "ltm_gone"); err != nil {
		t.Fatalf("insert dangling link: %v", err)
	}

	reloaded := newTestLongTerm(t, db, nil)
	itemA, ok := reloaded.Get(a)
	if !ok {
		t.Fatal("memory a not reloaded")
	}
	if !slices.Equal(itemA.Related, []string{b}) {
		t.Errorf("expected repaired link to b only, got %v", itemA.Related)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM memory_links`).Scan(&n); err != nil {
		t.Fatalf("count links: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 link rows after repair, got %d", n)
	}
}

func TestLongTerm_RetrieveFallsBackToKeywords(t *testing.T) {
	ltm := newTestLongTerm(t, setupTestDB(t), brokenVectors{})
	ctx := context.Background()

	id, err := ltm.Store(ctx, StoreRequest{Content: "Dana prefers Rust for systems work", Category: CategoryPreference})
	if err != nil {
		t.Fatalf("Store should succeed when indexing fails: %v", err)
	}
	ltm.Store(ctx, StoreRequest{Content: "Weather was nice"}) //nolint:errcheck // filler

	results := ltm.Retrieve(ctx, "rust systems", RetrieveOptions{K: 5})
	if len(results) != 1 || results[0].Item.ID != id {
		t.Fatalf("expected keyword hit on %s, got %+v", id, results)
	}
	if got := ltm.Retrieve(ctx, "rust", RetrieveOptions{Category: CategoryTask}); len(got) != 0 {
		t.Errorf("category filter ignored: %+v", got)
	}
}

func TestLongTerm_RetrieveWithVectors(t *testing.T) {
	ltm := newTestLongTerm(t, setupTestDB(t), newMemVectors())
	ctx := context.Background()

	want, _ := ltm.Store(ctx, StoreRequest{Content: "notes on sleep hygiene and circadian rhythm", Importance: 0.9})
	ltm.Store(ctx, StoreRequest{Content: "stock market index funds", Importance: 0.9})         //nolint:errcheck // filler
	low, _ := ltm.Store(ctx, StoreRequest{Content: "sleep hygiene checklist", Importance: 0.1}) //nolint:errcheck // filtered

	results := ltm.Retrieve(ctx, "sleep hygiene", RetrieveOptions{K: 2, MinImportance: 0.5})
	if len(results) == 0 || results[0].Item.ID != want {
		t.Fatalf("expected %s first, got %+v", want, results)
	}
	for _, r := range results {
		if r.Item.ID == low {
			t.Error("memory below MinImportance returned")
		}
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score out of range: %v", r.Score)
		}
	}
}

func TestLongTerm_ConsolidateHighPriorityItem(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ltm := newTestLongTerm(t, db, nil)
	stm := NewShortTermMemory(10, time.Hour, zerolog.Nop())

	stmID, _ := stm.Add("User: I prefer video summaries with action items", PriorityHigh, nil)
	item, _ := stm.Get(stmID)
	item.AccessCount = 0
	if !ltm.ShouldConsolidate(item) {
		t.Fatal("high priority item should qualify for consolidation")
	}

	ids := ltm.ConsolidateFromShortTerm(ctx, stm.ConsolidationCandidates(ltm.ShouldConsolidate), stubSummarizer{summary: "Prefers summaries with action items."})
	if len(ids) != 1 {
		t.Fatalf("expected one consolidated memory, got %d", len(ids))
	}
	stored, ok := ltm.Get(ids[0])
	if !ok {
		t.Fatal("consolidated memory missing")
	}
	if stored.Summary != "Prefers summaries with action items." {
		t.Errorf("summary = %q", stored.Summary)
	}
	if stored.Category != CategoryPreference {
		t.Errorf("category = %s, want preference", stored.Category)
	}
	if stored.Metadata["original_id"] != stmID || stored.Metadata["source"] != "short_term" {
		t.Errorf("unexpected metadata %v", stored.Metadata)
	}

	// Reloading from sqlite yields the same memory.
	reloaded := newTestLongTerm(t, db, nil)
	if _, ok := reloaded.Get(ids[0]); !ok {
		t.Error("consolidated memory not persisted")
	}
}

func TestLongTerm_ConsolidateSummarizerFailure(t *testing.T) {
	ltm := newTestLongTerm(t, setupTestDB(t), nil)
	items := []MemoryItem{{ID: "stm_1", Content: "remind me to rewatch the talk", Priority: PriorityCritical, Timestamp: time.Now()}}

	ids := ltm.ConsolidateFromShortTerm(context.Background(), items, stubSummarizer{err: errors.New("model offline")})
	if len(ids) != 1 {
		t.Fatalf("summarizer failure must not drop the memory, got %d ids", len(ids))
	}
	stored, _ := ltm.Get(ids[0])
	if stored.Summary != "remind me to rewatch the talk" {
		t.Errorf("expected truncated content as summary, got %q", stored.Summary)
	}
	if stored.Category != CategoryTask {
		t.Errorf("category = %s, want task", stored.Category)
	}
}

func TestLongTerm_ConsolidateItemsReportsSources(t *testing.T) {
	ltm := newTestLongTerm(t, setupTestDB(t), nil)
	items := []MemoryItem{
		{ID: "stm_ok", Content: "I prefer videos under ten minutes", Priority: PriorityHigh, Timestamp: time.Now()},
		{ID: "stm_bad", Content: "metadata cannot be encoded", Priority: PriorityHigh, Timestamp: time.Now(),
			Metadata: map[string]any{"ch": make(chan int)}},
		{ID: "stm_low", Content: "ok", Priority: PriorityLow, Timestamp: time.Now()},
	}

	done := ltm.ConsolidateItems(context.Background(), items, nil)
	if len(done) != 1 || done[0].SourceID != "stm_ok" {
		t.Fatalf("expected only stm_ok to be stored, got %+v", done)
	}
	if stored, ok := ltm.Get(done[0].MemoryID); !ok || stored.Metadata["original_id"] != "stm_ok" {
		t.Errorf("memory not linked to its source: %+v", stored)
	}
}

func TestLongTerm_ShouldConsolidate(t *testing.T) {
	clock := newFakeClock()
	ltm := newTestLongTerm(t, setupTestDB(t), nil, WithLongTermClock(clock.Now))

	cases := []struct {
		name string
		item MemoryItem
		want bool
	}{
		{"high priority", MemoryItem{Priority: PriorityHigh, Timestamp: clock.Now().Add(-48 * time.Hour)}, true},
		{"frequently accessed", MemoryItem{Priority: PriorityLow, AccessCount: 3, Timestamp: clock.Now().Add(-48 * time.Hour)}, true},
		{"recent medium", MemoryItem{Priority: PriorityMedium, Timestamp: clock.Now().Add(-time.Minute)}, true},
		{"old medium", MemoryItem{Priority: PriorityMedium, Timestamp: clock.Now().Add(-2 * time.Hour)}, false},
		{"recent low", MemoryItem{Priority: PriorityLow, Timestamp: clock.Now()}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ltm.ShouldConsolidate(tc.item); got != tc.want {
				t.Errorf("ShouldConsolidate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLongTerm_UpdateImportanceAndStats(t *testing.T) {
	ltm := newTestLongTerm(t, setupTestDB(t), newMemVectors())
	ctx := context.Background()

	a, _ := ltm.Store(ctx, StoreRequest{Content: "one", Category: CategoryFact, Importance: 0.2})
	ltm.Store(ctx, StoreRequest{Content: "two", Category: CategoryTask, Importance: 0.4}) //nolint:errcheck // filler

	if !ltm.UpdateImportance(ctx, a, 0.8) {
		t.Fatal("UpdateImportance returned false")
	}
	if ltm.UpdateImportance(ctx, "ltm_missing", 0.5) {
		t.Error("unknown id should return false")
	}

	stats := ltm.Statistics()
	if stats.Total != 2 || stats.Categories[CategoryFact] != 1 || stats.Categories[CategoryTask] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.AverageImportance < 0.599 || stats.AverageImportance > 0.601 {
		t.Errorf("average importance = %v, want 0.6", stats.AverageImportance)
	}
	if stats.VectorDocuments != 2 {
		t.Errorf("vector documents = %d, want 2", stats.VectorDocuments)
	}

	byCat := ltm.GetByCategory(CategoryFact, 10)
	if len(byCat) != 1 || byCat[0].ID != a {
		t.Errorf("GetByCategory = %+v", byCat)
	}
}

func TestKeywordCategorizer(t *testing.T) {
	c := DefaultCategorizer()
	cases := map[string]Category{
		"I prefer short videos":        CategoryPreference,
		"remind me tomorrow":           CategoryTask,
		"did you watch it":             CategoryExperience,
		"my friend sent this":          CategoryRelationship,
		"hello there":                  CategoryConversation,
		"today I learned about drills": CategoryFact,
	}
	for in, want := range cases {
		if got := c.Categorize(in); got != want {
			t.Errorf("Categorize(%q) = %s, want %s", in, got, want)
		}
	}
}
