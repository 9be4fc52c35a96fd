package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatRole is the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of the script conversation of a story.
type ChatMessage struct {
	ID        uuid.UUID `json:"id" db:"id"`
	StoryID   uuid.UUID `json:"story_id" db:"story_id"`
	Role      ChatRole  `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ChatTurn is a user message with the assistant's reply. Draft is the script
// carried by the reply, if it had a usable one.
type ChatTurn struct {
	Message *ChatMessage `json:"message"`
	Reply   *ChatMessage `json:"reply"`
	Draft   *Script      `json:"draft,omitempty"`
}
