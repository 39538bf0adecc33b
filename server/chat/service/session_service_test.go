package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_server/server/chat/domain"
	"chat_server/server/chat/store"
)

func TestResolveOrCreateDerivesCounterpart(t *testing.T) {
	_, _, sessions, _, _ := newTestStack(map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	})
	ctx := context.Background()

	// Donor side: counterpart defaults to the recorded claimant.
	sess, err := sessions.ResolveOrCreate(ctx, "don-1", "donor", "")
	require.NoError(t, err)
	assert.Equal(t, domain.NewParticipants("donor", "claimant"), sess.Participants)

	// Claimant side resolves to the same session.
	same, err := sessions.ResolveOrCreate(ctx, "don-1", "claimant", "")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, same.ID)
}

func TestResolveOrCreateWithoutClaimant(t *testing.T) {
	_, _, sessions, _, _ := newTestStack(map[string]domain.Donation{
		"don-1": {ID: "don-1", DonorID: "donor", Status: domain.DonationAvailable},
	})

	_, err := sessions.ResolveOrCreate(context.Background(), "don-1", "donor", "")
	assert.Equal(t, domain.KindPrecondition, domain.KindOf(err))
}

func TestResolveOrCreateStrangerForbidden(t *testing.T) {
	_, _, sessions, _, _ := newTestStack(map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	})
	ctx := context.Background()

	_, err := sessions.ResolveOrCreate(ctx, "don-1", "stranger", "")
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	// An explicit pair that excludes the donor is rejected too.
	_, err = sessions.ResolveOrCreate(ctx, "don-1", "claimant", "other-claimant")
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))
}

func TestResolveOrCreateSelfSession(t *testing.T) {
	_, _, sessions, _, _ := newTestStack(map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	})

	_, err := sessions.ResolveOrCreate(context.Background(), "don-1", "donor", "donor")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestResolveOrCreateTerminalDonation(t *testing.T) {
	_, _, sessions, _, _ := newTestStack(map[string]domain.Donation{
		"don-1": {ID: "don-1", DonorID: "donor", ClaimantID: "claimant", Status: domain.DonationCancelled},
		"don-2": {ID: "don-2", DonorID: "donor", ClaimantID: "claimant", Status: domain.DonationExpired},
	})
	ctx := context.Background()

	_, err := sessions.ResolveOrCreate(ctx, "don-1", "donor", "")
	assert.Equal(t, domain.KindTerminalState, domain.KindOf(err))
	_, err = sessions.ResolveOrCreate(ctx, "don-2", "claimant", "")
	assert.Equal(t, domain.KindTerminalState, domain.KindOf(err))
}

func TestResolveOrCreateUnknownDonation(t *testing.T) {
	_, _, sessions, _, _ := newTestStack(nil)

	_, err := sessions.ResolveOrCreate(context.Background(), "nope", "donor", "")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

// blindFindStore hides the session from the first FindSession call so the
// create path runs into the uniqueness conflict.
type blindFindStore struct {
	store.SessionStore
	misses int
}

func (s *blindFindStore) FindSession(ctx context.Context, donationID string, pair domain.Participants) (domain.Session, bool, error) {
	if s.misses > 0 {
		s.misses--
		return domain.Session{}, false, nil
	}
	return s.SessionStore.FindSession(ctx, donationID, pair)
}

func TestResolveOrCreateCollapsesCreationRace(t *testing.T) {
	memory := store.NewMemoryStore()
	ctx := context.Background()
	existing, err := memory.CreateSession(ctx, "don-1", domain.NewParticipants("donor", "claimant"))
	require.NoError(t, err)

	sessions := NewSessionService(&blindFindStore{SessionStore: memory, misses: 1}, &staticDirectory{
		donations: map[string]domain.Donation{"don-1": reservedDonation("don-1", "donor", "claimant")},
	})

	sess, err := sessions.ResolveOrCreate(ctx, "don-1", "donor", "")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, sess.ID)
}

func TestResolveOrCreateConcurrentCallersShareOneSession(t *testing.T) {
	_, _, sessions, _, _ := newTestStack(map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	})
	ctx := context.Background()

	const callers = 20
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		actor := "donor"
		if i%2 == 1 {
			actor = "claimant"
		}
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			sess, err := sessions.ResolveOrCreate(ctx, "don-1", actor, "")
			assert.NoError(t, err)
			ids <- sess.ID
		}(actor)
	}
	wg.Wait()
	close(ids)

	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id)
	}
}

func TestSessionForbiddenForStrangers(t *testing.T) {
	_, _, sessions, _, _ := newTestStack(map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	})
	ctx := context.Background()
	sess, err := sessions.ResolveOrCreate(ctx, "don-1", "donor", "")
	require.NoError(t, err)

	_, err = sessions.Session(ctx, sess.ID, "stranger")
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))
	_, err = sessions.ListMessages(ctx, sess.ID, "stranger", 1, 10)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))
}

func TestHistoryReturnsFullLogOldestFirst(t *testing.T) {
	st, _, sessions, messages, _ := newTestStack(map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	})
	ctx := context.Background()
	sess, err := sessions.ResolveOrCreate(ctx, "don-1", "donor", "")
	require.NoError(t, err)

	// More than one backfill page.
	const total = 250
	for i := 1; i <= total; i++ {
		_, err := messages.Send(ctx, SendInput{SessionID: sess.ID, SenderID: "donor", Content: fmt.Sprintf("msg %d", i), Source: "rest"})
		require.NoError(t, err)
	}

	_, log, unread, err := sessions.History(ctx, sess.ID, "claimant")
	require.NoError(t, err)
	require.Len(t, log, total)
	for i, m := range log {
		assert.Equal(t, int64(i+1), m.Seq)
	}
	assert.Equal(t, int64(total), unread)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(total), got.MessageCount)
}

// growingLogStore appends a message after the first history page is read,
// shifting the windows of the remaining pages.
type growingLogStore struct {
	store.SessionStore
	calls  int
	append func(sessionID string)
}

func (s *growingLogStore) ListMessages(ctx context.Context, sessionID string, page, limit int) (domain.MessagePage, error) {
	result, err := s.SessionStore.ListMessages(ctx, sessionID, page, limit)
	s.calls++
	if s.calls == 1 {
		s.append(sessionID)
	}
	return result, err
}

func TestHistoryDedupesAcrossShiftedPages(t *testing.T) {
	memory := store.NewMemoryStore()
	ctx := context.Background()
	sess, err := memory.CreateSession(ctx, "don-1", domain.NewParticipants("donor", "claimant"))
	require.NoError(t, err)
	const logged = 210
	for i := 0; i < logged; i++ {
		_, err := memory.AppendMessage(ctx, sess.ID, "donor", fmt.Sprintf("msg %d", i+1))
		require.NoError(t, err)
	}

	grower := &growingLogStore{SessionStore: memory}
	grower.append = func(sessionID string) {
		_, err := memory.AppendMessage(ctx, sessionID, "claimant", "landed mid-walk")
		require.NoError(t, err)
	}
	sessions := NewSessionService(grower, &staticDirectory{donations: map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	}})

	_, messages, _, err := sessions.History(ctx, sess.ID, "donor")
	require.NoError(t, err)

	// The snapshot stays duplicate-free and ascending; the mid-walk append
	// is outside the snapshot and arrives as a live delivery instead.
	require.Len(t, messages, logged)
	for i, m := range messages {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestCloseSessionsForDonationKeepsNewClaimant(t *testing.T) {
	st, _, sessions, _, _ := newTestStack(map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "old-claimant"),
	})
	ctx := context.Background()
	old, err := sessions.ResolveOrCreate(ctx, "don-1", "donor", "")
	require.NoError(t, err)
	kept, err := st.CreateSession(ctx, "don-1", domain.NewParticipants("donor", "new-claimant"))
	require.NoError(t, err)

	closed, err := sessions.CloseSessionsForDonation(ctx, "don-1", "new-claimant")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, old.ID, closed[0].ID)

	remaining, err := st.ActiveSessionsForDonation(ctx, "don-1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, kept.ID, remaining[0].ID)
}
