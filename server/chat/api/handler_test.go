package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_server/server/chat/domain"
	"chat_server/server/chat/service"
	"chat_server/server/chat/store"
	commonauth "chat_server/server/common/auth"
)

type fixedDirectory map[string]domain.Donation

func (d fixedDirectory) Donation(_ context.Context, donationID string) (domain.Donation, error) {
	donation, ok := d[donationID]
	if !ok {
		return domain.Donation{}, domain.NotFoundError("donation %s not found", donationID)
	}
	return donation, nil
}

type testServer struct {
	router *gin.Engine
	auth   *commonauth.Service
	store  *store.MemoryStore
}

func newTestServer(t *testing.T, donations fixedDirectory) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	hub := service.NewHub()
	sessions := service.NewSessionService(st, donations)
	messages := service.NewMessageService(st, hub, nil, nil)
	readState := service.NewReadStateService(st, hub)
	bridge := service.NewStatusBridge(sessions, messages, nil)
	auth := commonauth.NewService("test-secret", 60)
	gateway := service.NewGateway(hub, sessions, messages, readState, auth)

	router := gin.New()
	NewHandler(sessions, messages, readState, bridge, gateway, auth).RegisterRoutes(router)
	return &testServer{router: router, auth: auth, store: st}
}

func (s *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := s.auth.GenerateToken(userID, role)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestCreateSessionEndpoint(t *testing.T) {
	srv := newTestServer(t, fixedDirectory{
		"don-1": {ID: "don-1", DonorID: "donor", ClaimantID: "claimant", Status: domain.DonationReserved},
		"don-2": {ID: "don-2", DonorID: "donor", Status: domain.DonationAvailable},
	})
	donorToken := srv.token(t, "donor", "user")

	w := srv.do(t, http.MethodPost, "/api/v1/chats", donorToken, gin.H{"donation_id": "don-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created createSessionResponse
	decodeBody(t, w, &created)
	assert.Equal(t, "don-1", created.Session.DonationID)
	assert.Equal(t, domain.SessionActive, created.Session.Status)
	assert.Empty(t, created.Messages)
	assert.Zero(t, created.UnreadCount)

	// Same donation and pair resolves, it does not duplicate.
	w = srv.do(t, http.MethodPost, "/api/v1/chats", donorToken, gin.H{"donation_id": "don-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var again createSessionResponse
	decodeBody(t, w, &again)
	assert.Equal(t, created.Session.ID, again.Session.ID)

	// No claimant yet -> precondition failure.
	w = srv.do(t, http.MethodPost, "/api/v1/chats", donorToken, gin.H{"donation_id": "don-2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown donation.
	w = srv.do(t, http.MethodPost, "/api/v1/chats", donorToken, gin.H{"donation_id": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Stranger is not a party.
	w = srv.do(t, http.MethodPost, "/api/v1/chats", srv.token(t, "stranger", "user"), gin.H{"donation_id": "don-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodGet, "/api/v1/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMessagesEndpoints(t *testing.T) {
	srv := newTestServer(t, fixedDirectory{
		"don-1": {ID: "don-1", DonorID: "donor", ClaimantID: "claimant", Status: domain.DonationReserved},
	})
	donorToken := srv.token(t, "donor", "user")
	claimantToken := srv.token(t, "claimant", "user")

	w := srv.do(t, http.MethodPost, "/api/v1/chats", donorToken, gin.H{"donation_id": "don-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created createSessionResponse
	decodeBody(t, w, &created)
	sess := created.Session

	for i := 1; i <= 5; i++ {
		w = srv.do(t, http.MethodPost, "/api/v1/chats/"+sess.ID+"/messages", donorToken, gin.H{"content": fmt.Sprintf("msg %d", i)})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	// Newest-first pagination.
	w = srv.do(t, http.MethodGet, "/api/v1/chats/"+sess.ID+"/messages?page=1&limit=2", claimantToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page messagePageResponse
	decodeBody(t, w, &page)
	assert.Equal(t, int64(5), page.TotalMessages)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, int64(5), page.Messages[0].Seq)

	// Unread and read-state round trip.
	w = srv.do(t, http.MethodGet, "/api/v1/chats/"+sess.ID+"/unread-count", claimantToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var unread unreadCountResponse
	decodeBody(t, w, &unread)
	assert.Equal(t, int64(5), unread.UnreadCount)

	w = srv.do(t, http.MethodPost, "/api/v1/chats/"+sess.ID+"/read", claimantToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var marked markReadResponse
	decodeBody(t, w, &marked)
	assert.Equal(t, int64(5), marked.Changed)

	w = srv.do(t, http.MethodGet, "/api/v1/chats/"+sess.ID+"/unread-count", claimantToken, nil)
	decodeBody(t, w, &unread)
	assert.Zero(t, unread.UnreadCount)

	// Outsiders cannot read the log.
	w = srv.do(t, http.MethodGet, "/api/v1/chats/"+sess.ID+"/messages", srv.token(t, "stranger", "user"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Empty content never reaches the log.
	w = srv.do(t, http.MethodPost, "/api/v1/chats/"+sess.ID+"/messages", donorToken, gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSessionsEndpoint(t *testing.T) {
	srv := newTestServer(t, fixedDirectory{
		"don-1": {ID: "don-1", DonorID: "donor", ClaimantID: "claimant", Status: domain.DonationReserved},
		"don-2": {ID: "don-2", DonorID: "donor", ClaimantID: "claimant", Status: domain.DonationReserved},
	})
	donorToken := srv.token(t, "donor", "user")

	for _, donation := range []string{"don-1", "don-2"} {
		w := srv.do(t, http.MethodPost, "/api/v1/chats", donorToken, gin.H{"donation_id": donation})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := srv.do(t, http.MethodGet, "/api/v1/chats?limit=1", donorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list sessionListResponse
	decodeBody(t, w, &list)
	require.Len(t, list.Sessions, 1)
	require.NotEmpty(t, list.NextCursor)

	w = srv.do(t, http.MethodGet, "/api/v1/chats?limit=1&cursor="+list.NextCursor, donorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rest sessionListResponse
	decodeBody(t, w, &rest)
	require.Len(t, rest.Sessions, 1)
	assert.NotEqual(t, list.Sessions[0].SessionID, rest.Sessions[0].SessionID)
}

func TestDonationStatusEndpointRequiresServiceRole(t *testing.T) {
	srv := newTestServer(t, fixedDirectory{
		"don-1": {ID: "don-1", DonorID: "donor", ClaimantID: "claimant", Status: domain.DonationReserved},
	})
	donorToken := srv.token(t, "donor", "user")
	serviceToken := srv.token(t, "catalog", "service")

	w := srv.do(t, http.MethodPost, "/api/v1/chats", donorToken, gin.H{"donation_id": "don-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created createSessionResponse
	decodeBody(t, w, &created)
	sess := created.Session

	// Ordinary users cannot drive donation status.
	w = srv.do(t, http.MethodPost, "/api/v1/donations/don-1/status", donorToken, gin.H{"status": "cancelled"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = srv.do(t, http.MethodPost, "/api/v1/donations/don-1/status", serviceToken, gin.H{"status": "cancelled"})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := srv.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionClosed, got.Status)

	// Appends to the closed session now conflict.
	w = srv.do(t, http.MethodPost, "/api/v1/chats/"+sess.ID+"/messages", donorToken, gin.H{"content": "too late"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	w := srv.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
