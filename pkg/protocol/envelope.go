package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the closed set of envelope kinds feedgate speaks on the
// wire. Anything else is rejected at the dispatch boundary.
type MessageType string

const (
	MsgTicketCreate MessageType = "ticket_create"
	MsgStatusUpdate MessageType = "status_update"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgAck          MessageType = "ack"
)

// Known reports whether t is one of the message types feedgate understands.
func (t MessageType) Known() bool {
	switch t {
	case MsgTicketCreate, MsgStatusUpdate, MsgHeartbeat, MsgAck:
		return true
	}
	return false
}

// EnvelopeTTL is the maximum age, in seconds, an envelope may have when it
// is verified. Fixed by the protocol, not configurable.
const EnvelopeTTL = 45

// Envelope is one signed unit of wire communication. The signature covers
// (IssuedAt, Nonce, Payload); an envelope is never sent unsigned.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	IssuedAt  int64           `json:"issued_at"` // unix seconds
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"` // hex HMAC-SHA256
}

// TicketCreatePayload carries a feedback submission, either inbound from the
// site or outbound to it.
type TicketCreatePayload struct {
	ID        string `json:"id"` // peer-side correlation id
	UserID    int64  `json:"user_id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at,omitempty"` // RFC 3339
	Source    string `json:"source,omitempty"`     // "website" or "telegram_bot"
}

// StatusUpdatePayload changes the status of an existing ticket.
type StatusUpdatePayload struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
}

// AckPayload answers a ticket_create with the outcome of processing it.
type AckPayload struct {
	ID       string `json:"id"` // correlation id from the create
	OK       bool   `json:"ok"`
	TicketID string `json:"ticket_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HeartbeatPayload is the keepalive body. Heartbeats are not answered;
// any admitted traffic counts toward the receiver's liveness deadline.
type HeartbeatPayload struct {
	Seq int64 `json:"seq,omitempty"`
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// EncodePayload marshals v into a payload suitable for an Envelope.
func EncodePayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	return b, nil
}
