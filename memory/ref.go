package memory

import "fmt"

// MemoryRef is a reference to a remembered item in one of the tiers. The
// concrete type is one of ShortTermRef, LongTermRef or TranscriptRef.
type MemoryRef interface {
	memoryRef()
}

// ShortTermRef points at a short-term item.
type ShortTermRef struct {
	Item MemoryItem
}

// LongTermRef points at a long-term item.
type LongTermRef struct {
	Item LongTermItem
}

// TranscriptRef points at a saved transcript.
type TranscriptRef struct {
	Record TranscriptRecord
}

func (ShortTermRef) memoryRef()  {}
func (LongTermRef) memoryRef()   {}
func (TranscriptRef) memoryRef() {}

// RefSource names the tier a reference came from.
func RefSource(ref MemoryRef) string {
	switch ref.(type) {
	case ShortTermRef:
		return "short_term"
	case LongTermRef:
		return "long_term"
	case TranscriptRef:
		return "transcript"
	default:
		return "unknown"
	}
}

// FormatMemoryRef renders a reference for inclusion in a prompt.
func FormatMemoryRef(ref MemoryRef) string {
	switch r := ref.(type) {
	case ShortTermRef:
		return fmt.Sprintf("[recent, %s] %s", r.Item.Priority, r.Item.Content)
	case LongTermRef:
		text := r.Item.Summary
		if text == "" {
			text = preview(r.Item.Content, 300)
		}
		return fmt.Sprintf("[memory, %s, importance %.2f] %s", r.Item.Category, r.Item.Importance, text)
	case TranscriptRef:
		text := r.Record.Summary
		if text == "" {
			text = preview(r.Record.Transcript, 300)
		}
		return fmt.Sprintf("[video] %s (%s): %s", r.Record.Title, r.Record.URL, text)
	default:
		return ""
	}
}
