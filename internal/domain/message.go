package domain

import (
	"strings"
	"time"
)

// TaskMessage is an append-only entry in the inter-agent message log
// attached to a task (SPEC §3). Target == nil means broadcast.
type TaskMessage struct {
	ID               int64     `json:"id"`
	TaskCode         string    `json:"task_code"`
	Author           string    `json:"author"`
	Target           *string   `json:"target"`
	MessageType      string    `json:"message_type"`
	Content          string    `json:"content"`
	ReplyToMessageID *int64    `json:"reply_to_message_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

const maxMessageTypeLen = 64

// ValidateMessageType rejects empty types, over-long types, and control
// characters — message_type is open-ended (SPEC §9) but still bounded.
func ValidateMessageType(messageType string) error {
	if strings.TrimSpace(messageType) == "" {
		return NewError(Validation, "message_type must not be empty")
	}
	if len(messageType) > maxMessageTypeLen {
		return NewErrorf(Validation, "message_type exceeds maximum length of %d", maxMessageTypeLen)
	}
	for _, r := range messageType {
		if r < 0x20 {
			return NewError(Validation, "message_type must not contain control characters")
		}
	}
	return nil
}

// ValidateAuthor rejects blank author names.
func ValidateAuthor(author string) error {
	if strings.TrimSpace(author) == "" {
		return NewError(Validation, "author must not be empty")
	}
	return nil
}

// ValidateContent rejects empty message bodies.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return NewError(Validation, "content must not be empty")
	}
	return nil
}
