package service

import (
	"context"

	"chat_server/server/chat/domain"
	"chat_server/server/chat/store"
	commonlog "chat_server/server/common/log"
)

// SessionService resolves donation negotiations onto sessions: one active
// session per donation and participant pair, created lazily on first
// contact.
type SessionService struct {
	store     store.SessionStore
	donations DonationDirectory
}

func NewSessionService(st store.SessionStore, donations DonationDirectory) *SessionService {
	return &SessionService{store: st, donations: donations}
}

// ResolveOrCreate returns the active session for the donation and the
// actor's pair, creating it if none exists. When counterpartID is empty it
// is derived from the donation record: the donor's counterpart is the
// recorded claimant, the claimant's counterpart is the donor. Losing a
// concurrent creation race resolves to the winner's session.
func (s *SessionService) ResolveOrCreate(ctx context.Context, donationID, actorID, counterpartID string) (domain.Session, error) {
	donation, err := s.donations.Donation(ctx, donationID)
	if err != nil {
		return domain.Session{}, err
	}

	counterpartID, err = deriveCounterpart(donation, actorID, counterpartID)
	if err != nil {
		return domain.Session{}, err
	}
	switch donation.Status {
	case domain.DonationCancelled, domain.DonationExpired:
		return domain.Session{}, domain.TerminalStateError("donation %s is %s", donationID, donation.Status)
	}

	pair := domain.NewParticipants(actorID, counterpartID)
	if sess, found, err := s.store.FindSession(ctx, donationID, pair); err != nil {
		return domain.Session{}, err
	} else if found {
		return sess, nil
	}

	sess, err := s.store.CreateSession(ctx, donationID, pair)
	if domain.IsKind(err, domain.KindConflict) {
		// Lost the race; the winner's session is the session.
		existing, found, findErr := s.store.FindSession(ctx, donationID, pair)
		if findErr != nil {
			return domain.Session{}, findErr
		}
		if found {
			return existing, nil
		}
		return domain.Session{}, err
	}
	if err != nil {
		return domain.Session{}, err
	}
	commonlog.Infof("event=chat_session action=create status=ok session_id=%s donation_id=%s", sess.ID, donationID)
	return sess, nil
}

func deriveCounterpart(donation domain.Donation, actorID, counterpartID string) (string, error) {
	if actorID == "" {
		return "", domain.ValidationError("actor id is required")
	}
	if counterpartID == "" {
		switch actorID {
		case donation.DonorID:
			if donation.ClaimantID == "" {
				return "", domain.PreconditionError("donation %s has no claimant yet", donation.ID)
			}
			counterpartID = donation.ClaimantID
		case donation.ClaimantID:
			counterpartID = donation.DonorID
		default:
			return "", domain.ForbiddenError("not a party to donation %s", donation.ID)
		}
	}
	if counterpartID == actorID {
		return "", domain.ValidationError("cannot open a session with yourself")
	}
	// One side of the pair must be the donor.
	if actorID != donation.DonorID && counterpartID != donation.DonorID {
		return "", domain.ForbiddenError("session must include the donor of donation %s", donation.ID)
	}
	return counterpartID, nil
}

// Session loads a session and verifies the caller is a participant.
func (s *SessionService) Session(ctx context.Context, sessionID, userID string) (domain.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if !sess.Participants.Contains(userID) {
		return domain.Session{}, domain.ForbiddenError("not a session participant")
	}
	return sess, nil
}

func (s *SessionService) ListSessions(ctx context.Context, userID string, limit int, cursor string) ([]domain.SessionSummary, string, error) {
	return s.store.ListSessionsForUser(ctx, userID, limit, cursor)
}

func (s *SessionService) ListMessages(ctx context.Context, sessionID, userID string, page, limit int) (domain.MessagePage, error) {
	if _, err := s.Session(ctx, sessionID, userID); err != nil {
		return domain.MessagePage{}, err
	}
	return s.store.ListMessages(ctx, sessionID, page, limit)
}

// History is the full ordered backfill for a join: the session, its complete
// log oldest-first, and the caller's unread count.
func (s *SessionService) History(ctx context.Context, sessionID, userID string) (domain.Session, []domain.Message, int64, error) {
	sess, err := s.Session(ctx, sessionID, userID)
	if err != nil {
		return domain.Session{}, nil, 0, err
	}

	// Appends landing between page fetches shift the newest-first windows,
	// so a message can show up on two adjacent pages. Dedup by seq while
	// assembling; windows only ever shift toward re-inclusion, never
	// skipping.
	const pageSize = 200
	var newestFirst []domain.Message
	seen := make(map[int64]struct{})
	for page := 1; ; page++ {
		batch, err := s.store.ListMessages(ctx, sessionID, page, pageSize)
		if err != nil {
			return domain.Session{}, nil, 0, err
		}
		for _, m := range batch.Messages {
			if _, ok := seen[m.Seq]; ok {
				continue
			}
			seen[m.Seq] = struct{}{}
			newestFirst = append(newestFirst, m)
		}
		if !batch.HasMore {
			break
		}
	}
	messages := make([]domain.Message, len(newestFirst))
	for i, m := range newestFirst {
		messages[len(newestFirst)-1-i] = m
	}

	unread, err := s.store.UnreadCount(ctx, sessionID, userID)
	if err != nil {
		return domain.Session{}, nil, 0, err
	}
	return sess, messages, unread, nil
}

// CloseSessionsForDonation closes every active session on the donation whose
// pair does not include keepClaimant. With keepClaimant empty all of them
// close. It returns the sessions that were closed.
func (s *SessionService) CloseSessionsForDonation(ctx context.Context, donationID, keepClaimant string) ([]domain.Session, error) {
	sessions, err := s.store.ActiveSessionsForDonation(ctx, donationID)
	if err != nil {
		return nil, err
	}
	closed := make([]domain.Session, 0, len(sessions))
	for _, sess := range sessions {
		if keepClaimant != "" && sess.Participants.Contains(keepClaimant) {
			continue
		}
		if err := s.store.CloseSession(ctx, sess.ID); err != nil {
			return closed, err
		}
		commonlog.Infof("event=chat_session action=close status=ok session_id=%s donation_id=%s", sess.ID, donationID)
		closed = append(closed, sess)
	}
	return closed, nil
}
