// Package store owns the negotiation-session aggregate: the participant
// pair, the append-only ordered message log, read marks, and status. Append
// serialization is scoped per session so concurrent senders on the same
// session never race to a sequence number while different sessions proceed
// independently.
package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chat_server/server/chat/domain"
)

const (
	// MaxContentRunes bounds a single message body.
	MaxContentRunes = 1000

	// MaxSessionMessages caps the log so one aggregate cannot grow without
	// bound; older negotiations are expected to finish long before this.
	MaxSessionMessages = 5000
)

// SessionStore is the durable home of negotiation sessions. Implementations
// must serialize appends per session id and assign gapless, strictly
// increasing sequence numbers.
type SessionStore interface {
	// CreateSession fails with a conflict error when an active session
	// already exists for the exact donation/pair. Callers should go through
	// the lifecycle resolver, which collapses creation races.
	CreateSession(ctx context.Context, donationID string, participants domain.Participants) (domain.Session, error)

	GetSession(ctx context.Context, sessionID string) (domain.Session, error)

	// FindSession looks up the active session for the donation/pair.
	// found is false when none exists; that is not an error.
	FindSession(ctx context.Context, donationID string, participants domain.Participants) (sess domain.Session, found bool, err error)

	// AppendMessage validates, assigns the next sequence number, and bumps
	// last activity atomically with respect to concurrent appends on the
	// same session.
	AppendMessage(ctx context.Context, sessionID, senderID, content string) (domain.Message, error)

	// MarkRead marks every message not authored by readerID as read by
	// readerID. It is idempotent; changed reports how many messages were
	// newly marked.
	MarkRead(ctx context.Context, sessionID, readerID string) (changed int64, err error)

	UnreadCount(ctx context.Context, sessionID, userID string) (int64, error)

	// ListSessionsForUser returns the user's active sessions ordered by
	// last activity descending, keyset-paginated via an opaque cursor.
	ListSessionsForUser(ctx context.Context, userID string, limit int, cursor string) ([]domain.SessionSummary, string, error)

	// ListMessages returns page (1-based) of the log, newest first.
	ListMessages(ctx context.Context, sessionID string, page, limit int) (domain.MessagePage, error)

	// CloseSession moves the session to closed. Closed sessions stay
	// readable but reject appends. Closing a closed session is a no-op.
	CloseSession(ctx context.Context, sessionID string) error

	// ActiveSessionsForDonation lists the donation's active sessions, used
	// by the status handshake bridge.
	ActiveSessionsForDonation(ctx context.Context, donationID string) ([]domain.Session, error)
}

// normalizeContent applies the message content rules shared by every
// implementation: trimmed, non-empty, bounded.
func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", domain.ValidationError("message content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return "", domain.ValidationError("message exceeds %d character limit", MaxContentRunes)
	}
	return content, nil
}

func validateSender(sess domain.Session, senderID string) error {
	if senderID == domain.SystemSender {
		return nil
	}
	if !sess.Participants.Contains(senderID) {
		return domain.ForbiddenError("not a session participant")
	}
	return nil
}

func checkAppendable(sess domain.Session) error {
	if sess.Status != domain.SessionActive {
		return domain.TerminalStateError("session is %s", sess.Status)
	}
	if sess.MessageCount >= MaxSessionMessages {
		return domain.ValidationError("session message limit reached")
	}
	return nil
}

// pairKey identifies the active-session uniqueness scope.
func pairKey(donationID string, p domain.Participants) string {
	return donationID + "|" + p[0] + "|" + p[1]
}

func encodeListCursor(lastActivity time.Time, sessionID string) string {
	raw := fmt.Sprintf("%s|%s", lastActivity.UTC().Format(time.RFC3339Nano), sessionID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeListCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", domain.ValidationError("cursor is invalid")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", domain.ValidationError("cursor is invalid")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", domain.ValidationError("cursor is invalid")
	}
	return ts, parts[1], nil
}

// KeyedMutex hands out one mutex per key, for append serialization scoped to
// a session id. Entries are reference counted and evicted once the last
// holder unlocks, so the map does not grow with every session ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedLock{}}
}

func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
