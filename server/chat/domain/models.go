package domain

import "time"

// SystemSender is the reserved sender id for lifecycle announcements.
// It is never a valid participant.
const SystemSender = "system"

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionClosed   SessionStatus = "closed"
	SessionArchived SessionStatus = "archived"
)

type DonationStatus string

const (
	DonationAvailable DonationStatus = "available"
	DonationReserved  DonationStatus = "reserved"
	DonationPickedUp  DonationStatus = "picked_up"
	DonationDelivered DonationStatus = "delivered"
	DonationExpired   DonationStatus = "expired"
	DonationCancelled DonationStatus = "cancelled"
)

// Participants is the unordered pair of user ids negotiating one donation.
// The pair is fixed at session creation; a different pair means a different
// session.
type Participants [2]string

// NewParticipants normalizes the pair so that (a,b) and (b,a) compare equal.
func NewParticipants(a, b string) Participants {
	if b < a {
		a, b = b, a
	}
	return Participants{a, b}
}

func (p Participants) Contains(userID string) bool {
	return userID == p[0] || userID == p[1]
}

// Other returns the counterpart of userID, or "" if userID is not a member.
func (p Participants) Other(userID string) string {
	switch userID {
	case p[0]:
		return p[1]
	case p[1]:
		return p[0]
	}
	return ""
}

func (p Participants) Slice() []string {
	return []string{p[0], p[1]}
}

// Message is one entry in a session's append-only log. Sequence numbers are
// assigned by the store, start at 1, and are gapless within a session.
type Message struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ReadBy    []string  `json:"read_by,omitempty"`
}

// ReadByUser reports whether userID has acknowledged this message.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Session is the negotiation aggregate for one donation and one pair.
type Session struct {
	ID             string        `json:"id"`
	DonationID     string        `json:"donation_id"`
	Participants   Participants  `json:"participants"`
	Status         SessionStatus `json:"status"`
	MessageCount   int64         `json:"message_count"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CreatedAt      time.Time     `json:"created_at"`
}

// SessionSummary is the listing shape for a user's sessions, ordered by
// recency.
type SessionSummary struct {
	SessionID      string        `json:"session_id"`
	DonationID     string        `json:"donation_id"`
	Participants   Participants  `json:"participants"`
	Status         SessionStatus `json:"status"`
	LastMessage    *Message      `json:"last_message,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	UnreadCount    int64         `json:"unread_count"`
}

// MessagePage is one newest-first page of a session's log.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	Total    int64     `json:"total"`
}

// Donation is the slice of the donation catalog this subsystem consumes.
// The catalog itself is an external collaborator.
type Donation struct {
	ID         string         `json:"id"`
	DonorID    string         `json:"donor_id"`
	ClaimantID string         `json:"claimant_id"`
	Status     DonationStatus `json:"status"`
}

// StatusEvent is the donation-lifecycle notification consumed by the status
// handshake bridge.
type StatusEvent struct {
	DonationID string         `json:"donation_id"`
	Status     DonationStatus `json:"status"`
	ClaimantID string         `json:"claimant_id,omitempty"`
}
