package llm

// Role is the speaker of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one text turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// UserMessage and AssistantMessage build single turns.
func UserMessage(text string) Message      { return Message{Role: RoleUser, Content: text} }
func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// Request is a text completion request. System is sent out of band by every
// provider, so Messages only alternates user and assistant turns.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int64
	Temperature *float64
}

// Response is the completion text plus token accounting. Token counts are
// zero when the provider does not report them.
type Response struct {
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}
