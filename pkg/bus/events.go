package bus

import (
	"time"
)

// ChatKind tells group chats from one-to-one chats.
type ChatKind int

const (
	ChatPrivate ChatKind = iota
	ChatGroup
)

func (k ChatKind) String() string {
	if k == ChatGroup {
		return "group"
	}
	return "private"
}

// ContentKind is the coarse message type reported by the platform.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentOther
)

// InboundEvent represents a message received from the chat platform.
type InboundEvent struct {
	Kind        ChatKind    `json:"kind"`
	BotID       string      `json:"bot_id"`
	SourceChat  string      `json:"source_chat"` // group id or friend wxid; replies go here
	Sender      string      `json:"sender"`      // member who spoke, for group chats
	MessageID   string      `json:"message_id"`
	Text        string      `json:"text"`
	Mentioned   []string    `json:"mentioned"`
	SelfEcho    bool        `json:"self_echo"`
	ContentKind ContentKind `json:"content_kind"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Mentions reports whether id is among the mentioned identities.
func (e *InboundEvent) Mentions(id string) bool {
	if id == "" {
		return false
	}
	for _, m := range e.Mentioned {
		if m == id {
			return true
		}
	}
	return false
}

// OutboundMessage represents a message to send to a chat channel. A non-empty
// ReplyTo quotes that message; otherwise it is sent as plain text.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
	BotID   string `json:"bot_id"`
}
