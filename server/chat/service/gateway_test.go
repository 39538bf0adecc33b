package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_server/server/chat/domain"
	"chat_server/server/chat/protocol"
	"chat_server/server/chat/store"
	commonauth "chat_server/server/common/auth"
)

func newTestGateway(donations map[string]domain.Donation) (*Gateway, *Hub) {
	_, hub, sessions, messages, readState := newTestStack(donations)
	auth := commonauth.NewService("test-secret", 60)
	return NewGateway(hub, sessions, messages, readState, auth), hub
}

func ginTestContext(t *testing.T) *gin.Context {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/ws/chat", nil)
	return c
}

func frame(t *testing.T, payload any) []byte {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return b
}

func TestDispatchNegotiationFlow(t *testing.T) {
	gateway, hub := newTestGateway(map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	})
	c := ginTestContext(t)

	donor, donorSink := newTestClient("donor", "conn-donor")
	claimant, claimantSink := newTestClient("claimant", "conn-claimant")
	hub.Register(donor)
	hub.Register(claimant)

	// Both parties join and receive the (empty) history.
	gateway.dispatch(c, donor, frame(t, map[string]any{"type": "join", "donation_id": "don-1"}))
	gateway.dispatch(c, claimant, frame(t, map[string]any{"type": "join", "donation_id": "don-1"}))

	donorHistory := donorSink.eventsOfType(t, protocol.TypeHistory)
	require.Len(t, donorHistory, 1)
	sessionID := donorHistory[0]["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, sessionID, claimantSink.eventsOfType(t, protocol.TypeHistory)[0]["session_id"])
	assert.Empty(t, donorHistory[0]["messages"])

	// Donor sends; donor gets the ack, claimant gets the delivery.
	gateway.dispatch(c, donor, frame(t, map[string]any{
		"type": "send", "session_id": sessionID, "content": "still available?", "correlation_id": "c-1",
	}))

	sent := donorSink.eventsOfType(t, protocol.TypeSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "c-1", sent[0]["correlation_id"])
	assert.Equal(t, float64(1), sent[0]["message"].(map[string]any)["seq"])
	assert.Empty(t, donorSink.eventsOfType(t, protocol.TypeDelivered))

	delivered := claimantSink.eventsOfType(t, protocol.TypeDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, "still available?", delivered[0]["message"].(map[string]any)["content"])

	// Claimant acknowledges; the donor sees the receipt, the acknowledging
	// connection gets no echo about itself.
	gateway.dispatch(c, claimant, frame(t, map[string]any{"type": "mark_read", "session_id": sessionID}))
	receipts := donorSink.eventsOfType(t, protocol.TypeReadReceipt)
	require.Len(t, receipts, 1)
	assert.Equal(t, "claimant", receipts[0]["reader_id"])
	assert.Empty(t, claimantSink.eventsOfType(t, protocol.TypeReadReceipt))
}

func TestDispatchRejoinReplaysHistory(t *testing.T) {
	gateway, hub := newTestGateway(map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	})
	c := ginTestContext(t)

	donor, donorSink := newTestClient("donor", "conn-donor")
	hub.Register(donor)
	gateway.dispatch(c, donor, frame(t, map[string]any{"type": "join", "donation_id": "don-1"}))
	sessionID := donorSink.eventsOfType(t, protocol.TypeHistory)[0]["session_id"].(string)

	for i := 1; i <= 3; i++ {
		gateway.dispatch(c, donor, frame(t, map[string]any{
			"type": "send", "session_id": sessionID, "content": fmt.Sprintf("msg %d", i),
		}))
	}
	hub.Unregister(donor)

	// Reconnect on a fresh connection; re-join replays the full log.
	again, againSink := newTestClient("donor", "conn-donor-2")
	hub.Register(again)
	gateway.dispatch(c, again, frame(t, map[string]any{"type": "join", "donation_id": "don-1"}))

	history := againSink.eventsOfType(t, protocol.TypeHistory)
	require.Len(t, history, 1)
	messages := history[0]["messages"].([]any)
	require.Len(t, messages, 3)
	for i, raw := range messages {
		assert.Equal(t, float64(i+1), raw.(map[string]any)["seq"])
	}
}

// snapshotRaceStore fires a hook after the first history page has been read
// but before it is returned, so a message lands between the snapshot and the
// join reply.
type snapshotRaceStore struct {
	store.SessionStore
	once sync.Once
	hook func(sessionID string)
}

func (s *snapshotRaceStore) ListMessages(ctx context.Context, sessionID string, page, limit int) (domain.MessagePage, error) {
	result, err := s.SessionStore.ListMessages(ctx, sessionID, page, limit)
	s.once.Do(func() { s.hook(sessionID) })
	return result, err
}

func TestDispatchJoinWindowMessageStillObserved(t *testing.T) {
	hooked := &snapshotRaceStore{SessionStore: store.NewMemoryStore()}
	hub := NewHub()
	sessions := NewSessionService(hooked, &staticDirectory{donations: map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	}})
	messages := NewMessageService(hooked, hub, nil, nil)
	readState := NewReadStateService(hooked, hub)
	gateway := NewGateway(hub, sessions, messages, readState, commonauth.NewService("test-secret", 60))
	c := ginTestContext(t)

	hooked.hook = func(sessionID string) {
		_, err := messages.Send(context.Background(), SendInput{
			SessionID: sessionID, SenderID: "claimant", Content: "squeezed in", Source: "ws",
		})
		require.NoError(t, err)
	}

	donor, donorSink := newTestClient("donor", "conn-donor")
	hub.Register(donor)
	gateway.dispatch(c, donor, frame(t, map[string]any{"type": "join", "donation_id": "don-1"}))

	// The message missed the history snapshot, so it must arrive as a live
	// delivery; a connection never skips a sequence number.
	history := donorSink.eventsOfType(t, protocol.TypeHistory)
	require.Len(t, history, 1)
	assert.Empty(t, history[0]["messages"])
	delivered := donorSink.eventsOfType(t, protocol.TypeDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, float64(1), delivered[0]["message"].(map[string]any)["seq"])
}

func TestDispatchSendRequiresJoin(t *testing.T) {
	gateway, hub := newTestGateway(map[string]domain.Donation{
		"don-1": reservedDonation("don-1", "donor", "claimant"),
	})
	c := ginTestContext(t)

	donor, donorSink := newTestClient("donor", "conn-donor")
	hub.Register(donor)

	gateway.dispatch(c, donor, frame(t, map[string]any{
		"type": "send", "session_id": "some-session", "content": "hi",
	}))

	errs := donorSink.eventsOfType(t, protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(domain.KindPrecondition), errs[0]["code"])
}

func TestDispatchJoinErrors(t *testing.T) {
	gateway, hub := newTestGateway(map[string]domain.Donation{
		"don-unclaimed": {ID: "don-unclaimed", DonorID: "donor", Status: domain.DonationAvailable},
	})
	c := ginTestContext(t)

	donor, donorSink := newTestClient("donor", "conn-donor")
	hub.Register(donor)

	gateway.dispatch(c, donor, frame(t, map[string]any{"type": "join", "donation_id": "missing"}))
	gateway.dispatch(c, donor, frame(t, map[string]any{"type": "join", "donation_id": "don-unclaimed"}))

	errs := donorSink.eventsOfType(t, protocol.TypeError)
	require.Len(t, errs, 2)
	assert.Equal(t, string(domain.KindNotFound), errs[0]["code"])
	assert.Equal(t, string(domain.KindPrecondition), errs[1]["code"])
}

func TestHandleWSUpgradeFailureWritesSingleResponse(t *testing.T) {
	gateway, _ := newTestGateway(nil)
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	token, err := gateway.auth.GenerateToken("donor", "user")
	require.NoError(t, err)
	c.Request = httptest.NewRequest("GET", "/ws/chat?access_token="+token, nil)

	gateway.HandleWS(c)

	// Without the handshake headers the upgrader rejects the request and
	// writes its own plain-text error; no JSON body is appended after it.
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.NotContains(t, w.Body.String(), `"error"`)
}

func TestHandleWSRejectsMissingToken(t *testing.T) {
	gateway, _ := newTestGateway(nil)
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws/chat", nil)

	gateway.HandleWS(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDispatchMalformedFrame(t *testing.T) {
	gateway, hub := newTestGateway(nil)
	c := ginTestContext(t)

	donor, donorSink := newTestClient("donor", "conn-donor")
	hub.Register(donor)

	gateway.dispatch(c, donor, []byte(`{"type":`))
	gateway.dispatch(c, donor, []byte(`{"type":"dance"}`))

	errs := donorSink.eventsOfType(t, protocol.TypeError)
	require.Len(t, errs, 2)
	for _, evt := range errs {
		assert.Equal(t, string(domain.KindValidation), evt["code"])
	}
}
