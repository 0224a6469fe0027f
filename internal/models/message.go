package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one bubble of the conversation log.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Turn      int       `json:"turn"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation holds the user turns and the responses as two parallel sequences.
// Past[i] was answered by Generated[i].
type Conversation struct {
	Past      []string `json:"past"`
	Generated []string `json:"generated"`
}

const GreetingUser = "Hey ! 👋"

// Greeting is the response paired with GreetingUser when a file is loaded.
func Greeting(mode Mode, fileName string) string {
	if mode == ModeAnalyze {
		return "Hello ! Ask me anything about Document 🤗"
	}
	return "Hello ! Ask me anything about " + fileName + " 🤗"
}
