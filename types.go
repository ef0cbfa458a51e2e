package eventra

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the Eventra backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ChatResult is the generic chat API response envelope.
type ChatResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *ChatResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Chat Domain Types
// ============================================================================

// MessageKind discriminates message content. It is always explicit; the
// backend's legacy bracket encoding is normalized away at the wire boundary
// (see Message.UnmarshalJSON) and never re-inferred internally.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindImages   MessageKind = "images"
	KindDocument MessageKind = "document"
)

// DeliveryState tracks a message's delivery lifecycle on this client.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Participant identifies one side of a conversation.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Role      string `json:"role,omitempty"` // "customer" or "vendor"
}

// Attachment is a file reference carried by an image/images/document message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single chat message. ID is server-assigned once confirmed;
// TempID is the client-generated identity before confirmation.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	SenderID       string        `json:"senderId"`
	Kind           MessageKind   `json:"type"`
	Content        string        `json:"content,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Read           bool          `json:"read,omitempty"`
	Delivery       DeliveryState `json:"status,omitempty"`

	// Sending is the cosmetic "in flight" indicator. A fixed expiry clears
	// it independently of Delivery, which only reconciliation or failure
	// may change.
	Sending bool `json:"-"`
}

// UnmarshalJSON normalizes the backend's legacy multi-image encoding, where
// the content field holds a JSON array of URLs instead of text.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := &struct{ *alias }{alias: (*alias)(m)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if strings.HasPrefix(strings.TrimSpace(m.Content), "[") {
		var urls []string
		if json.Unmarshal([]byte(m.Content), &urls) == nil && len(urls) > 0 {
			for _, u := range urls {
				m.Attachments = append(m.Attachments, Attachment{URL: u})
			}
			m.Content = ""
			if m.Kind == "" || m.Kind == KindText {
				if len(urls) == 1 {
					m.Kind = KindImage
				} else {
					m.Kind = KindImages
				}
			}
		}
	}

	if m.Kind == "" {
		m.Kind = KindText
	}
	return nil
}

// Conversation is a sidebar summary of a message thread between two
// participants, optionally scoped to a listing/event.
type Conversation struct {
	ID            string      `json:"id"`
	EventID       string      `json:"eventId,omitempty"`
	Other         Participant `json:"otherUser"`
	LastMessage   string      `json:"lastMessage,omitempty"`
	LastMessageAt time.Time   `json:"lastMessageAt,omitempty"`
	Unread        int         `json:"unreadCount"`

	// Typing is live-only state, never part of a REST snapshot.
	Typing bool `json:"-"`
}

// ============================================================================
// REST Request/Response Types
// ============================================================================

// SendMessageRequest is the JSON body for the send fallback endpoint.
type SendMessageRequest struct {
	ReceiverID string      `json:"receiverId"`
	EventID    string      `json:"eventId,omitempty"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"type"`
	ClientID   string      `json:"clientId,omitempty"`
}

// AttachmentFile is a file to upload with an attachment send.
type AttachmentFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// SendAttachmentsRequest is the multipart form for attachment sends.
type SendAttachmentsRequest struct {
	ReceiverID string
	EventID    string
	Content    string
	ClientID   string
	Files      []AttachmentFile
}

// SentMessageData is the payload returned by a successful send.
type SentMessageData struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// ============================================================================
// Realtime Event Payloads
// ============================================================================

// NewMessagePayload is pushed when a message arrives in any conversation.
// Sender and EventID let the store create a summary for a conversation it
// has never seen.
type NewMessagePayload struct {
	ConversationID string       `json:"conversationId"`
	Message        Message      `json:"message"`
	Sender         *Participant `json:"sender,omitempty"`
	EventID        string       `json:"eventId,omitempty"`
}

// MessageSentPayload confirms a message this client sent over the live channel.
type MessageSentPayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// MessageErrorPayload reports a rejected live send. The echoed message lets
// the pipeline locate the matching provisional entry.
type MessageErrorPayload struct {
	Message Message `json:"message"`
	Reason  string  `json:"reason,omitempty"`
}

// TypingPayload is sent for user_typing and user_stopped_typing.
type TypingPayload struct {
	UserID  string `json:"userId"`
	EventID string `json:"eventId,omitempty"`
}

// MessagesReadPayload is the read receipt for a conversation.
type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// NotificationPayload is a backend-originated notification.
type NotificationPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnreadCountPayload updates a single conversation's unread counter.
type UnreadCountPayload struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
}
