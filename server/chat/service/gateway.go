package service

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat_server/server/chat/domain"
	"chat_server/server/chat/protocol"
	commonauth "chat_server/server/common/auth"
	commonlog "chat_server/server/common/log"
	"chat_server/server/common/transport/httpresp"
)

const wsReadDeadline = 90 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Gateway owns the WebSocket surface: it authenticates the upgrade, runs the
// read loop, and dispatches client events to the services.
type Gateway struct {
	hub       *Hub
	sessions  *SessionService
	messages  *MessageService
	readState *ReadStateService
	auth      *commonauth.Service
}

func NewGateway(hub *Hub, sessions *SessionService, messages *MessageService, readState *ReadStateService, auth *commonauth.Service) *Gateway {
	return &Gateway{hub: hub, sessions: sessions, messages: messages, readState: readState, auth: auth}
}

// HandleWS authenticates before upgrading: browser WebSocket clients cannot
// set headers, so the token is also accepted as a query parameter.
func (g *Gateway) HandleWS(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		header := c.GetHeader("Authorization")
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
		return
	}
	userID, _, err := g.auth.ParseAuthContext(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		commonlog.Warnf("event=chat_gateway action=upgrade status=failed user_id=%s error=%v", userID, err)
		return
	}

	client := NewClient(userID, uuid.NewString(), NewWSSink(conn))
	g.hub.Register(client)
	defer g.hub.Unregister(client)
	commonlog.Infof("event=chat_gateway action=connect status=ok user_id=%s conn_id=%s", userID, client.ConnID)

	client.WriteEvent("connected", map[string]any{
		"user_id":      userID,
		"conn_id":      client.ConnID,
		"connected_at": time.Now().UTC(),
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadDeadline)); err != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			commonlog.Infof("event=chat_gateway action=disconnect user_id=%s conn_id=%s", userID, client.ConnID)
			return
		}
		g.dispatch(c, client, raw)
	}
}

func (g *Gateway) dispatch(c *gin.Context, client *Client, raw []byte) {
	eventType, event, err := protocol.ParseClientEvent(raw)
	if err != nil {
		writeError(client, domain.ValidationError("%v", err))
		return
	}

	ctx := c.Request.Context()
	switch e := event.(type) {
	case protocol.JoinEvent:
		sess, err := g.sessions.ResolveOrCreate(ctx, e.DonationID, client.UserID, e.CounterpartID)
		if err != nil {
			writeError(client, err)
			return
		}
		// Join before reading history so nothing appended in between is
		// lost: a message landing after the history snapshot arrives as a
		// live delivery instead. The overlap that can create with the
		// backfill is absorbed by per-sequence dedup on the client.
		g.hub.JoinRoom(sess.ID, client)
		joined, messages, unread, err := g.sessions.History(ctx, sess.ID, client.UserID)
		if err != nil {
			g.hub.LeaveRoom(sess.ID, client.ConnID)
			writeError(client, err)
			return
		}
		client.WriteEvent(protocol.TypeHistory, protocol.HistoryEvent{
			SessionID:    joined.ID,
			DonationID:   joined.DonationID,
			Participants: joined.Participants.Slice(),
			Status:       joined.Status,
			Messages:     messages,
			UnreadCount:  unread,
		})

	case protocol.SendEvent:
		if !g.hub.InRoom(e.SessionID, client.ConnID) {
			writeError(client, domain.PreconditionError("join the session before sending"))
			return
		}
		msg, err := g.messages.Send(ctx, SendInput{
			SessionID:     e.SessionID,
			SenderID:      client.UserID,
			Content:       e.Content,
			CorrelationID: e.CorrelationID,
			OriginConnID:  client.ConnID,
			Source:        "ws",
		})
		if err != nil {
			writeError(client, err)
			return
		}
		client.WriteEvent(protocol.TypeSent, protocol.SentEvent{
			SessionID:     e.SessionID,
			Message:       msg,
			CorrelationID: e.CorrelationID,
		})

	case protocol.MarkReadEvent:
		if !g.hub.InRoom(e.SessionID, client.ConnID) {
			writeError(client, domain.PreconditionError("join the session before acknowledging"))
			return
		}
		if _, err := g.readState.MarkRead(ctx, e.SessionID, client.UserID, client.ConnID); err != nil {
			writeError(client, err)
			return
		}

	default:
		writeError(client, domain.ValidationError("unsupported event type %q", eventType))
	}
}

func writeError(client *Client, err error) {
	client.WriteEvent(protocol.TypeError, protocol.ErrorEvent{
		Code:    string(domain.KindOf(err)),
		Message: err.Error(),
	})
}
