// Package protocol defines the event envelope exchanged over a negotiation
// connection. Every event is a JSON object with a "type" discriminator; the
// remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"

	"chat_server/server/chat/domain"
)

// Client -> server event types.
const (
	TypeJoin     = "join"
	TypeSend     = "send"
	TypeMarkRead = "mark_read"
)

// Server -> client event types.
const (
	TypeHistory     = "history"
	TypeSent        = "sent"
	TypeDelivered   = "delivered"
	TypeReadReceipt = "read_receipt"
	TypeError       = "error"
)

// JoinEvent requests membership in the session for a donation. CounterpartID
// is optional; when absent the counterpart is derived from the donation's
// recorded claimant.
type JoinEvent struct {
	DonationID    string `json:"donation_id"`
	CounterpartID string `json:"counterpart_id,omitempty"`
}

// SendEvent appends a message to a joined session. CorrelationID is a
// client-generated id echoed back in the Sent acknowledgement so the client
// can replace its pending local echo with the confirmed message.
type SendEvent struct {
	SessionID     string `json:"session_id"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// MarkReadEvent acknowledges everything currently in the session log.
type MarkReadEvent struct {
	SessionID string `json:"session_id"`
}

// HistoryEvent is the full ordered backfill sent in reply to a join. It is
// the only replay mechanism: a reconnecting client re-joins and receives the
// complete log again.
type HistoryEvent struct {
	SessionID    string               `json:"session_id"`
	DonationID   string               `json:"donation_id"`
	Participants []string             `json:"participants"`
	Status       domain.SessionStatus `json:"status"`
	Messages     []domain.Message     `json:"messages"`
	UnreadCount  int64                `json:"unread_count"`
}

// SentEvent confirms an append to the requester only.
type SentEvent struct {
	SessionID     string         `json:"session_id"`
	Message       domain.Message `json:"message"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// DeliveredEvent fans a confirmed message out to the other room members.
type DeliveredEvent struct {
	SessionID string         `json:"session_id"`
	Message   domain.Message `json:"message"`
}

// ReadReceiptEvent notifies participants that readerID caught up.
type ReadReceiptEvent struct {
	SessionID string `json:"session_id"`
	ReaderID  string `json:"reader_id"`
}

// ErrorEvent reports a failure to the requesting connection only.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Type string `json:"type"`
}

// ParseClientEvent decodes raw frame bytes into one of the client event
// structs. Server-only and unknown types are an error.
func ParseClientEvent(data []byte) (string, any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: parse envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("protocol: missing event type")
	}

	var (
		evt any
		err error
	)
	switch env.Type {
	case TypeJoin:
		var e JoinEvent
		err = json.Unmarshal(data, &e)
		evt = e
	case TypeSend:
		var e SendEvent
		err = json.Unmarshal(data, &e)
		evt = e
	case TypeMarkRead:
		var e MarkReadEvent
		err = json.Unmarshal(data, &e)
		evt = e
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type %q", env.Type)
	}
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: decode %q payload: %w", env.Type, err)
	}
	return env.Type, evt, nil
}

// NewServerEvent marshals a server event with its type discriminator
// injected.
func NewServerEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: payload must be an object: %w", err)
	}
	m["type"] = eventType
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal event: %w", err)
	}
	return out, nil
}
