package chat

// ConversationKind distinguishes one-on-one threads from group threads.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// MessageType tags a message's content category.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeFile  MessageType = "file"
)

// Participant identifies a conversation member.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Theme carries a conversation's optional display customization.
type Theme struct {
	BubbleColor string `json:"bubble_color,omitempty"`
	Background  string `json:"background,omitempty"`
}

// Conversation is a thread of messages between a fixed set of participants.
// The backend snapshot is authoritative; LastPreview/LastActivity/Unread are
// additionally mutated locally as pushes arrive.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"type"`
	Participants []Participant    `json:"participants"`
	LastPreview  string           `json:"last_message,omitempty"`
	LastActivity int64            `json:"last_activity_ms"`
	Unread       int              `json:"unread_count"`
	Theme        *Theme           `json:"theme,omitempty"`
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL          string `json:"url"`
	MimeCategory string `json:"mime_category"`
	Size         int64  `json:"size"`
	Name         string `json:"original_name"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Message is a single conversation entry. Exactly one of ID and TempID is
// the reconciliation key at any time: TempID while pending, ID once the
// server has acknowledged it.
type Message struct {
	ID             string      `json:"id,omitempty"`
	TempID         string      `json:"temp_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	Sender         Participant `json:"sender"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Type           MessageType `json:"type"`
	Timestamp      int64       `json:"timestamp_ms"`
	Read           bool        `json:"read"`
	Pending        bool        `json:"-"`
}

// Preview returns the conversation-list preview for the message: its text,
// or a typed placeholder for attachments.
func (m *Message) Preview() string {
	switch m.Type {
	case TypeImage:
		return "[image]"
	case TypeVideo:
		return "[video]"
	case TypeFile:
		return "[file]"
	default:
		return m.Content
	}
}

// Matches reports whether other refers to the same logical message,
// by server id or by temp id.
func (m *Message) Matches(other *Message) bool {
	if m.ID != "" && other.ID != "" && m.ID == other.ID {
		return true
	}
	if m.TempID != "" && other.TempID != "" && m.TempID == other.TempID {
		return true
	}
	return false
}

// TypeForMime maps an upload's mime category to the message type tag.
func TypeForMime(category string) MessageType {
	switch category {
	case "image":
		return TypeImage
	case "video":
		return TypeVideo
	default:
		return TypeFile
	}
}
