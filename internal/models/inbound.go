package models

import "time"

// Attachment is a media item carried by an inbound message. Transports that
// hand out URLs fill URL; transports that deliver bytes fill Data.
type Attachment struct {
	URL      string `json:"url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"-"`
}

// InboundMessage is a transport-neutral user message.
type InboundMessage struct {
	MessageID  string      `json:"message_id"`
	SenderID   string      `json:"sender_id"`
	FromMe     bool        `json:"from_me"`
	IsGroup    bool        `json:"is_group"`
	Text       string      `json:"text,omitempty"`
	Audio      *Attachment `json:"audio,omitempty"`
	Document   *Attachment `json:"document,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// HasContent reports whether the message carries anything the assistant can use.
func (m InboundMessage) HasContent() bool {
	return m.Text != "" || m.Audio != nil || m.Document != nil
}

// Interest is a follow-up request registered for a human to act on.
type Interest struct {
	UserID     string     `json:"user_id"`
	Topic      string     `json:"topic"`
	Note       string     `json:"note"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
