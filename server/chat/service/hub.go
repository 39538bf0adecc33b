package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"chat_server/server/chat/protocol"
	commonlog "chat_server/server/common/log"
	"chat_server/server/common/metrics"
)

// Sink is the write side of one connection. The websocket implementation
// serializes writes and applies a deadline; tests substitute an in-memory
// sink.
type Sink interface {
	WriteMessage(data []byte) error
	Close() error
}

type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSSink(conn *websocket.Conn) Sink {
	return &wsSink{conn: conn}
}

func (s *wsSink) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

// Client is one registered connection. A user may hold several at once.
type Client struct {
	UserID string
	ConnID string
	sink   Sink
}

func NewClient(userID, connID string, sink Sink) *Client {
	return &Client{UserID: userID, ConnID: connID, sink: sink}
}

// WriteEvent marshals a server event and hands it to the sink. Delivery is
// best effort; a slow or dead connection only loses its own frames.
func (c *Client) WriteEvent(eventType string, payload any) {
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		commonlog.Errorf("event=chat_hub action=encode status=failed type=%s conn_id=%s error=%v", eventType, c.ConnID, err)
		return
	}
	if err := c.sink.WriteMessage(data); err != nil {
		metrics.FanoutTotal.WithLabelValues("dropped").Inc()
		return
	}
	metrics.FanoutTotal.WithLabelValues("delivered").Inc()
}

const chatEventsChannel = "chat:events"

type hubEvent struct {
	Kind         string          `json:"kind"`
	SessionID    string          `json:"session_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	OriginConnID string          `json:"origin_conn_id,omitempty"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
}

// Hub is the presence registry and fan-out plane. It tracks which users hold
// connections on this instance and which connections joined which session
// room. When a redis client is attached, dispatch goes through pub/sub so
// every instance fans out to its local observers; without redis (or when a
// publish fails) dispatch degrades to local-only.
type Hub struct {
	mu        sync.RWMutex
	users     map[string]map[string]*Client
	rooms     map[string]map[string]*Client
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
}

func NewHub() *Hub {
	return &Hub{
		users: map[string]map[string]*Client{},
		rooms: map[string]map[string]*Client{},
	}
}

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	if h.redis == nil {
		h.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if h.redisSub != nil {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.redis.Subscribe(subCtx, chatEventsChannel)
	h.redisSub = sub
	h.subCancel = cancel
	h.mu.Unlock()

	go h.consumeEvents(subCtx, sub)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subCancel != nil {
		h.subCancel()
		h.subCancel = nil
	}
	if h.redisSub != nil {
		_ = h.redisSub.Close()
		h.redisSub = nil
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.users[client.UserID]; !ok {
		h.users[client.UserID] = map[string]*Client{}
	}
	h.users[client.UserID][client.ConnID] = client
	metrics.ConnectionsTotal.Inc()
}

// Unregister removes the connection from the presence registry and every
// room it joined, then closes the sink.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if conns, ok := h.users[client.UserID]; ok {
		if _, ok := conns[client.ConnID]; ok {
			delete(conns, client.ConnID)
			metrics.ConnectionsTotal.Dec()
		}
		if len(conns) == 0 {
			delete(h.users, client.UserID)
		}
	}
	for sessionID, members := range h.rooms {
		if _, ok := members[client.ConnID]; ok {
			delete(members, client.ConnID)
			if len(members) == 0 {
				delete(h.rooms, sessionID)
			}
		}
	}
	metrics.ActiveSessions.Set(float64(len(h.rooms)))
	h.mu.Unlock()
	_ = client.sink.Close()
}

func (h *Hub) JoinRoom(sessionID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[sessionID]; !ok {
		h.rooms[sessionID] = map[string]*Client{}
	}
	h.rooms[sessionID][client.ConnID] = client
	metrics.ActiveSessions.Set(float64(len(h.rooms)))
}

func (h *Hub) LeaveRoom(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[sessionID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	metrics.ActiveSessions.Set(float64(len(h.rooms)))
}

// InRoom reports whether the connection has joined the session on this
// instance.
func (h *Hub) InRoom(sessionID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[sessionID][connID]
	return ok
}

// IsOnline reports whether the user holds at least one connection on this
// instance.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// BroadcastRoom delivers an event to every connection joined to the session,
// excluding originConnID when set. Connection ids are unique across
// instances, so the exclusion also holds on the pub/sub path.
func (h *Hub) BroadcastRoom(sessionID, originConnID, eventType string, payload any) {
	if h.publish(hubEvent{Kind: "room", SessionID: sessionID, OriginConnID: originConnID, EventType: eventType}, payload) {
		return
	}
	fanoutCount := h.broadcastRoomLocal(sessionID, originConnID, eventType, payload)
	commonlog.Debugf("event=chat_hub action=fallback_dispatch kind=room session_id=%s fanout_count=%d", sessionID, fanoutCount)
}

func (h *Hub) broadcastRoomLocal(sessionID, originConnID, eventType string, payload any) int {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[sessionID]))
	for connID, client := range h.rooms[sessionID] {
		if connID == originConnID {
			continue
		}
		members = append(members, client)
	}
	h.mu.RUnlock()

	for _, client := range members {
		client.WriteEvent(eventType, payload)
	}
	return len(members)
}

// NotifyUser delivers an event to every connection the user holds,
// regardless of joined rooms.
func (h *Hub) NotifyUser(userID, eventType string, payload any) {
	if h.publish(hubEvent{Kind: "user", UserID: userID, EventType: eventType}, payload) {
		return
	}
	fanoutCount := h.notifyUserLocal(userID, "", eventType, payload)
	commonlog.Debugf("event=chat_hub action=fallback_dispatch kind=user user_id=%s fanout_count=%d", userID, fanoutCount)
}

func (h *Hub) notifyUserLocal(userID, originConnID, eventType string, payload any) int {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.users[userID]))
	for connID, client := range h.users[userID] {
		if connID == originConnID {
			continue
		}
		conns = append(conns, client)
	}
	h.mu.RUnlock()

	for _, client := range conns {
		client.WriteEvent(eventType, payload)
	}
	return len(conns)
}

func (h *Hub) publish(event hubEvent, payload any) bool {
	h.mu.RLock()
	redisClient := h.redis
	h.mu.RUnlock()
	if redisClient == nil {
		return false
	}
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	event.Payload = payloadRaw
	b, err := json.Marshal(event)
	if err != nil {
		commonlog.Errorf("event=chat_hub action=publish status=failed kind=%s error=%v", event.Kind, err)
		return false
	}
	if err := redisClient.Publish(context.Background(), chatEventsChannel, b).Err(); err != nil {
		commonlog.Errorf("event=chat_hub action=publish status=failed kind=%s error=%v", event.Kind, err)
		return false
	}
	return true
}

func (h *Hub) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var event hubEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		if len(event.Payload) == 0 {
			continue
		}
		var payload any
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			continue
		}
		switch event.Kind {
		case "room":
			fanoutCount := h.broadcastRoomLocal(event.SessionID, event.OriginConnID, event.EventType, payload)
			commonlog.Debugf("event=chat_hub action=consume status=ok kind=room session_id=%s fanout_count=%d", event.SessionID, fanoutCount)
		case "user":
			fanoutCount := h.notifyUserLocal(event.UserID, event.OriginConnID, event.EventType, payload)
			commonlog.Debugf("event=chat_hub action=consume status=ok kind=user user_id=%s fanout_count=%d", event.UserID, fanoutCount)
		}
	}
}
