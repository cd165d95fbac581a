// Package wire defines the JSON frames exchanged over the live channel.
// Every frame is a JSON object with a "type" tag.
//
// Client → relay:
//
//	{"type":"send","sender":"a","recipient":"b","content":"…","metadata":{…}}
//	{"type":"broadcast","sender":"a","content":"…","metadata":{…}}
//	{"type":"ack","messageId":"<id>"}
//	{"type":"ping"}
//
// Relay → client:
//
//	{"type":"connected","botId":"a"}
//	{"type":"message","id":"<id>","sender":"b","content":"…","metadata":{…},"timestamp":"…"}
//	{"type":"unread_messages","count":N,"messages":[…]}
//	{"type":"pong"}
package wire

import (
	"time"

	"github.com/snehjoshi/botbridge/internal/types"
)

// Frame type tags.
const (
	TypeSend      = "send"
	TypeBroadcast = "broadcast"
	TypeAck       = "ack"
	TypePing      = "ping"

	TypeConnected = "connected"
	TypeMessage   = "message"
	TypeUnread    = "unread_messages"
	TypePong      = "pong"
)

// ClientFrame is the decoded form of any client → relay frame. Fields not
// relevant to the frame's type are left at their zero value.
type ClientFrame struct {
	Type      string            `json:"type"`
	Sender    string            `json:"sender,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
}

// Connected acknowledges a successful connection handshake.
type Connected struct {
	Type  string `json:"type"` // TypeConnected
	BotID string `json:"botId"`
}

// Message carries one live-delivered message.
type Message struct {
	Type      string            `json:"type"` // TypeMessage
	ID        string            `json:"id,omitempty"`
	Sender    string            `json:"sender"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Unread carries the batch of undelivered messages flushed to a peer on
// connect, oldest first.
type Unread struct {
	Type     string           `json:"type"` // TypeUnread
	Count    int              `json:"count"`
	Messages []*types.Message `json:"messages"`
}

// Pong answers a ping frame.
type Pong struct {
	Type string `json:"type"` // TypePong
}

// NewMessage builds a message frame from a domain message.
func NewMessage(m *types.Message) Message {
	return Message{
		Type:      TypeMessage,
		ID:        m.ID,
		Sender:    m.Sender,
		Content:   m.Content,
		Metadata:  m.Metadata,
		Timestamp: m.CreatedAt,
	}
}
