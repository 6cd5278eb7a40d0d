// Package chat defines the message and usage types shared by every
// TokenShield component.
package chat

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single conversation turn. System messages and messages
// with Pinned set are never evicted by the context fitter.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Name      string `json:"name,omitempty"`
	Pinned    bool   `json:"pinned,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Usage reports token consumption for a single request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LastUserContent returns the content of the most recent user message,
// or the empty string if there is none.
func LastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
