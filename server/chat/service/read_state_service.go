package service

import (
	"context"

	"chat_server/server/chat/domain"
	"chat_server/server/chat/protocol"
	"chat_server/server/chat/store"
	commonlog "chat_server/server/common/log"
)

// ReadStateService tracks per-user acknowledgement of the session log.
type ReadStateService struct {
	store store.SessionStore
	hub   *Hub
}

func NewReadStateService(st store.SessionStore, hub *Hub) *ReadStateService {
	return &ReadStateService{store: st, hub: hub}
}

// MarkRead acknowledges every counterpart message currently in the log.
// Repeat calls are no-ops; the read receipt only fans out when something
// actually changed, and never back to the connection that acknowledged.
// originConnID is empty for REST callers, which hold no connection.
func (s *ReadStateService) MarkRead(ctx context.Context, sessionID, readerID, originConnID string) (int64, error) {
	changed, err := s.store.MarkRead(ctx, sessionID, readerID)
	if err != nil {
		return 0, err
	}
	if changed == 0 {
		return 0, nil
	}
	commonlog.Infof("event=chat_read_state action=mark_read status=ok session_id=%s reader_id=%s changed=%d", sessionID, readerID, changed)
	s.hub.BroadcastRoom(sessionID, originConnID, protocol.TypeReadReceipt, protocol.ReadReceiptEvent{
		SessionID: sessionID,
		ReaderID:  readerID,
	})
	return changed, nil
}

// UnreadCount reports how many counterpart messages the user has not yet
// acknowledged.
func (s *ReadStateService) UnreadCount(ctx context.Context, sessionID, userID string) (int64, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !sess.Participants.Contains(userID) {
		return 0, domain.ForbiddenError("not a session participant")
	}
	return s.store.UnreadCount(ctx, sessionID, userID)
}
