package chat

import "time"

// StepType tags a persisted step.
type StepType string

const (
	StepUserMessage      StepType = "user_message"
	StepAssistantMessage StepType = "assistant_message"
)

// Step is a single persisted event of a thread.
type Step struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Type      StepType  `json:"type"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"createdAt"`
}

// Thread is the stored record of a session. Steps are kept in append order.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Steps     []Step    `json:"steps,omitempty"`
}

// StepTypeFor maps a turn role to the step type it is persisted as.
func StepTypeFor(role Role) StepType {
	if role == RoleUser {
		return StepUserMessage
	}
	return StepAssistantMessage
}

// ThreadName derives a display name from the first user message.
func ThreadName(content string) string {
	const maxRunes = 64
	runes := []rune(content)
	if len(runes) <= maxRunes {
		return string(runes)
	}
	return string(runes[:maxRunes])
}
