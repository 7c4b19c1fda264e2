package memory

import (
	"fmt"
	"strings"
	"time"
)

// Clock returns the current time. Stores take one so tests can move time.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// Priority orders short-term items for eviction and consolidation.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts the lowercase names produced by String.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// baseImportance maps a priority onto the [0,1] importance scale.
func (p Priority) baseImportance() float64 {
	switch p {
	case PriorityLow:
		return 0.25
	case PriorityMedium:
		return 0.5
	case PriorityHigh:
		return 0.75
	case PriorityCritical:
		return 1.0
	default:
		return 0.5
	}
}

// MemoryItem is a short-term conversational fragment.
type MemoryItem struct {
	ID           string         `json:"id"`
	Content      string         `json:"content"`
	Timestamp    time.Time      `json:"timestamp"`
	Priority     Priority       `json:"priority"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	AccessCount  int            `json:"access_count"`
	LastAccessed time.Time      `json:"last_accessed"`
}

// Category classifies long-term memories.
type Category string

const (
	CategoryConversation      Category = "conversation"
	CategoryFact              Category = "fact"
	CategoryPreference        Category = "preference"
	CategoryTask              Category = "task"
	CategoryRelationship      Category = "relationship"
	CategoryExperience        Category = "experience"
	CategoryYouTubeTranscript Category = "youtube_transcript"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryConversation,
	CategoryFact,
	CategoryPreference,
	CategoryTask,
	CategoryRelationship,
	CategoryExperience,
	CategoryYouTubeTranscript,
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// LongTermItem is a consolidated memory. Related holds the ids linked to it,
// sorted; links are always mirrored on the other side.
type LongTermItem struct {
	ID                 string         `json:"id"`
	Content            string         `json:"content"`
	Summary            string         `json:"summary"`
	Timestamp          time.Time      `json:"timestamp"`
	Category           Category       `json:"category"`
	Importance         float64        `json:"importance_score"`
	ConsolidationCount int            `json:"consolidation_count"`
	Related            []string       `json:"related_memories"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// EpisodeType classifies episodes.
type EpisodeType string

const (
	EpisodeConversation   EpisodeType = "conversation"
	EpisodeTaskCompletion EpisodeType = "task_completion"
	EpisodeLearning       EpisodeType = "learning"
	EpisodeProblemSolving EpisodeType = "problem_solving"
	EpisodeCreative       EpisodeType = "creative"
)

// ParseEpisodeType validates an episode type name.
func ParseEpisodeType(s string) (EpisodeType, error) {
	switch t := EpisodeType(s); t {
	case EpisodeConversation, EpisodeTaskCompletion, EpisodeLearning, EpisodeProblemSolving, EpisodeCreative:
		return t, nil
	}
	return "", fmt.Errorf("unknown episode type %q", s)
}

// Event types with special handling.
const (
	EventEpisodeStart      = "episode_start"
	EventEpisodeEnd        = "episode_end"
	EventUserMessage       = "user_message"
	EventAssistantResponse = "assistant_response"
	EventTaskComplete      = "task_complete"
	EventConceptLearned    = "concept_learned"
	EventQuestionAsked     = "question_asked"
)

// EpisodeEvent is one append-only entry in an episode's log.
type EpisodeEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	Data        map[string]any `json:"data,omitempty"`
	ImpactScore float64        `json:"impact_score"`
}

// Content returns the textual payload of a message event, if any.
func (e EpisodeEvent) Content() string {
	if s, ok := e.Data["content"].(string); ok {
		return s
	}
	return ""
}

// Episode is a bounded interaction arc recorded as an ordered event log.
type Episode struct {
	ID              string             `json:"id"`
	Type            EpisodeType        `json:"episode_type"`
	Title           string             `json:"title"`
	StartTime       time.Time          `json:"start_time"`
	EndTime         *time.Time         `json:"end_time,omitempty"`
	Participants    []string           `json:"participants"`
	Context         map[string]any     `json:"context,omitempty"`
	Events          []EpisodeEvent     `json:"events"`
	Outcome         string             `json:"outcome,omitempty"`
	SuccessMetrics  map[string]float64 `json:"success_metrics,omitempty"`
	MemoriesCreated []string           `json:"memories_created,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// IsActive reports whether the episode has not ended.
func (e *Episode) IsActive() bool {
	return e.EndTime == nil
}

// Duration is the episode length, measured to now while it is still open.
func (e *Episode) Duration(now time.Time) time.Duration {
	if e.EndTime != nil {
		return e.EndTime.Sub(e.StartTime)
	}
	return now.Sub(e.StartTime)
}

// SessionID returns the session the episode was started for.
func (e *Episode) SessionID() string {
	s, _ := e.Metadata["session_id"].(string)
	return s
}

func (e *Episode) clone() Episode {
	out := *e
	if e.EndTime != nil {
		end := *e.EndTime
		out.EndTime = &end
	}
	out.Participants = append([]string(nil), e.Participants...)
	out.Context = cloneMap(e.Context)
	out.Events = make([]EpisodeEvent, len(e.Events))
	for i, ev := range e.Events {
		ev.Data = cloneMap(ev.Data)
		out.Events[i] = ev
	}
	if e.SuccessMetrics != nil {
		out.SuccessMetrics = make(map[string]float64, len(e.SuccessMetrics))
		for k, v := range e.SuccessMetrics {
			out.SuccessMetrics[k] = v
		}
	}
	out.MemoriesCreated = append([]string(nil), e.MemoriesCreated...)
	out.Metadata = cloneMap(e.Metadata)
	return out
}

// TranscriptRecord is a saved video transcript keyed by a hash of its URL.
type TranscriptRecord struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Title         string         `json:"title"`
	Transcript    string         `json:"transcript"`
	ActionPlan    string         `json:"action_plan"`
	Summary       string         `json:"summary"`
	Duration      string         `json:"duration,omitempty"`
	SavedAt       time.Time      `json:"saved_at"`
	AccessedCount int            `json:"accessed_count"`
	LastAccessed  *time.Time     `json:"last_accessed,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
