package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat_server/server/chat/domain"
)

// MemoryStore is the in-process SessionStore. The session index is guarded
// by a single RWMutex; each session carries its own mutex so appends to
// different sessions never contend. It backs the test suite and deployments
// without a configured Postgres DSN.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*memorySession
	activeByKey map[string]string
}

type memorySession struct {
	mu   sync.Mutex
	sess domain.Session
	msgs []memoryMessage
}

type memoryMessage struct {
	seq       int64
	senderID  string
	content   string
	createdAt time.Time
	readBy    map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        map[string]*memorySession{},
		activeByKey: map[string]string{},
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, donationID string, participants domain.Participants) (domain.Session, error) {
	if donationID == "" {
		return domain.Session{}, domain.ValidationError("donation id is required")
	}
	if participants[0] == "" || participants[1] == "" || participants[0] == participants[1] {
		return domain.Session{}, domain.ValidationError("a session needs two distinct participants")
	}

	key := pairKey(donationID, participants)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeByKey[key]; ok {
		return domain.Session{}, domain.ConflictError("active session already exists for this donation and pair")
	}
	sess := domain.Session{
		ID:             uuid.NewString(),
		DonationID:     donationID,
		Participants:   participants,
		Status:         domain.SessionActive,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	s.byID[sess.ID] = &memorySession{sess: sess}
	s.activeByKey[key] = sess.ID
	return sess, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	state, err := s.state(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.sess, nil
}

func (s *MemoryStore) FindSession(ctx context.Context, donationID string, participants domain.Participants) (domain.Session, bool, error) {
	s.mu.RLock()
	id, ok := s.activeByKey[pairKey(donationID, participants)]
	state := s.byID[id]
	s.mu.RUnlock()
	if !ok || state == nil {
		return domain.Session{}, false, nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.sess, true, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, sessionID, senderID, content string) (domain.Message, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return domain.Message{}, err
	}
	state, err := s.state(sessionID)
	if err != nil {
		return domain.Message{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if err := validateSender(state.sess, senderID); err != nil {
		return domain.Message{}, err
	}
	if err := checkAppendable(state.sess); err != nil {
		return domain.Message{}, err
	}

	now := time.Now().UTC()
	msg := memoryMessage{
		seq:       state.sess.MessageCount + 1,
		senderID:  senderID,
		content:   content,
		createdAt: now,
		readBy:    map[string]struct{}{},
	}
	state.msgs = append(state.msgs, msg)
	state.sess.MessageCount++
	state.sess.LastActivityAt = now
	return msg.toDomain(sessionID), nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, sessionID, readerID string) (int64, error) {
	state, err := s.state(sessionID)
	if err != nil {
		return 0, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.sess.Participants.Contains(readerID) {
		return 0, domain.ForbiddenError("not a session participant")
	}
	var changed int64
	for i := range state.msgs {
		m := &state.msgs[i]
		if m.senderID == readerID {
			continue
		}
		if _, ok := m.readBy[readerID]; ok {
			continue
		}
		m.readBy[readerID] = struct{}{}
		changed++
	}
	return changed, nil
}

func (s *MemoryStore) UnreadCount(ctx context.Context, sessionID, userID string) (int64, error) {
	state, err := s.state(sessionID)
	if err != nil {
		return 0, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.unreadLocked(userID), nil
}

func (s *MemoryStore) ListSessionsForUser(ctx context.Context, userID string, limit int, cursor string) ([]domain.SessionSummary, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var (
		cursorAt time.Time
		cursorID string
		err      error
	)
	if cursor != "" {
		cursorAt, cursorID, err = decodeListCursor(cursor)
		if err != nil {
			return nil, "", err
		}
	}

	s.mu.RLock()
	states := make([]*memorySession, 0, len(s.byID))
	for _, state := range s.byID {
		states = append(states, state)
	}
	s.mu.RUnlock()

	summaries := make([]domain.SessionSummary, 0)
	for _, state := range states {
		state.mu.Lock()
		if state.sess.Status != domain.SessionActive || !state.sess.Participants.Contains(userID) {
			state.mu.Unlock()
			continue
		}
		sum := domain.SessionSummary{
			SessionID:      state.sess.ID,
			DonationID:     state.sess.DonationID,
			Participants:   state.sess.Participants,
			Status:         state.sess.Status,
			LastActivityAt: state.sess.LastActivityAt,
			UnreadCount:    state.unreadLocked(userID),
		}
		if n := len(state.msgs); n > 0 {
			last := state.msgs[n-1].toDomain(state.sess.ID)
			sum.LastMessage = &last
		}
		state.mu.Unlock()

		if cursor != "" {
			if !sum.LastActivityAt.Before(cursorAt) && !(sum.LastActivityAt.Equal(cursorAt) && sum.SessionID < cursorID) {
				continue
			}
		}
		summaries = append(summaries, sum)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].LastActivityAt.Equal(summaries[j].LastActivityAt) {
			return summaries[i].LastActivityAt.After(summaries[j].LastActivityAt)
		}
		return summaries[i].SessionID > summaries[j].SessionID
	})

	next := ""
	if len(summaries) > limit {
		summaries = summaries[:limit]
		last := summaries[limit-1]
		next = encodeListCursor(last.LastActivityAt, last.SessionID)
	}
	return summaries, next, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string, page, limit int) (domain.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	state, err := s.state(sessionID)
	if err != nil {
		return domain.MessagePage{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	total := len(state.msgs)

	// Page 1 is the newest window; higher pages walk back in time.
	end := total - (page-1)*limit
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]domain.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, state.msgs[i].toDomain(sessionID))
	}
	return domain.MessagePage{
		Messages: out,
		HasMore:  start > 0,
		Total:    int64(total),
	}, nil
}

func (s *MemoryStore) CloseSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	state, ok := s.byID[sessionID]
	if !ok {
		s.mu.Unlock()
		return domain.NotFoundError("session %s not found", sessionID)
	}
	state.mu.Lock()
	if state.sess.Status == domain.SessionActive {
		state.sess.Status = domain.SessionClosed
		delete(s.activeByKey, pairKey(state.sess.DonationID, state.sess.Participants))
	}
	state.mu.Unlock()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ActiveSessionsForDonation(ctx context.Context, donationID string) ([]domain.Session, error) {
	s.mu.RLock()
	states := make([]*memorySession, 0)
	for _, state := range s.byID {
		states = append(states, state)
	}
	s.mu.RUnlock()

	out := make([]domain.Session, 0)
	for _, state := range states {
		state.mu.Lock()
		if state.sess.DonationID == donationID && state.sess.Status == domain.SessionActive {
			out = append(out, state.sess)
		}
		state.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) state(sessionID string) (*memorySession, error) {
	s.mu.RLock()
	state, ok := s.byID[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.NotFoundError("session %s not found", sessionID)
	}
	return state, nil
}

func (st *memorySession) unreadLocked(userID string) int64 {
	var n int64
	for i := range st.msgs {
		m := &st.msgs[i]
		if m.senderID == userID {
			continue
		}
		if _, ok := m.readBy[userID]; !ok {
			n++
		}
	}
	return n
}

func (m memoryMessage) toDomain(sessionID string) domain.Message {
	readBy := make([]string, 0, len(m.readBy))
	for id := range m.readBy {
		readBy = append(readBy, id)
	}
	sort.Strings(readBy)
	return domain.Message{
		SessionID: sessionID,
		Seq:       m.seq,
		SenderID:  m.senderID,
		Content:   m.content,
		CreatedAt: m.createdAt,
		ReadBy:    readBy,
	}
}
