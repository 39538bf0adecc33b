package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chat_server/server/chat/domain"
	"chat_server/server/chat/protocol"
	"chat_server/server/chat/store"
	commonlog "chat_server/server/common/log"
	"chat_server/server/common/metrics"
)

const (
	sendIdempotencyTTL = 24 * time.Hour

	// sendTimeout bounds one append end to end; expiry surfaces to the
	// caller as a retryable transport error with nothing persisted.
	sendTimeout = 5 * time.Second
)

// correlationStore is the subset of the redis client the send pipeline uses
// for correlation-id claims.
type correlationStore interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// MessageService is the append pipeline: validate, persist, fan out. A keyed
// per-session lock is held from append through fan-out so room observers see
// messages in log order.
type MessageService struct {
	store        store.SessionStore
	hub          *Hub
	correlations correlationStore
	publisher    EventPublisher
	locks        *store.KeyedMutex
}

func NewMessageService(st store.SessionStore, hub *Hub, redisClient *redis.Client, publisher EventPublisher) *MessageService {
	m := &MessageService{
		store:     st,
		hub:       hub,
		publisher: publisher,
		locks:     store.NewKeyedMutex(),
	}
	if redisClient != nil {
		m.correlations = redisClient
	}
	return m
}

// SendInput carries one append request. OriginConnID, when set, is excluded
// from the delivered fan-out: that connection gets the sent acknowledgement
// instead. Source labels the entry surface for metrics ("ws", "rest",
// "system").
type SendInput struct {
	SessionID     string
	SenderID      string
	Content       string
	CorrelationID string
	OriginConnID  string
	Source        string
}

// MessageCreatedEvent is the broker notification emitted after a successful
// append.
type MessageCreatedEvent struct {
	SessionID  string         `json:"session_id"`
	DonationID string         `json:"donation_id,omitempty"`
	Message    domain.Message `json:"message"`
}

func (s *MessageService) Send(ctx context.Context, in SendInput) (domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	idempotencyKey, err := s.claimCorrelation(ctx, in)
	if err != nil {
		return domain.Message{}, err
	}

	unlock := s.locks.Lock(in.SessionID)
	defer unlock()

	startedAt := time.Now()
	msg, err := s.store.AppendMessage(ctx, in.SessionID, in.SenderID, in.Content)
	if err != nil {
		s.releaseCorrelation(idempotencyKey)
		commonlog.Errorf("event=chat_message action=append status=failed source=%s session_id=%s sender_id=%s latency_ms=%d error=%v",
			in.Source, in.SessionID, in.SenderID, time.Since(startedAt).Milliseconds(), err)
		return domain.Message{}, err
	}
	metrics.AppendLatency.Observe(time.Since(startedAt).Seconds())
	metrics.MessagesTotal.WithLabelValues(in.Source).Inc()
	commonlog.Infof("event=chat_message action=append status=ok source=%s session_id=%s sender_id=%s seq=%d latency_ms=%d",
		in.Source, in.SessionID, in.SenderID, msg.Seq, time.Since(startedAt).Milliseconds())

	// Fan out before releasing the session lock so delivery order matches
	// log order.
	s.hub.BroadcastRoom(in.SessionID, in.OriginConnID, protocol.TypeDelivered, protocol.DeliveredEvent{
		SessionID: in.SessionID,
		Message:   msg,
	})

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, "message.created", MessageCreatedEvent{SessionID: in.SessionID, Message: msg}); err != nil {
			commonlog.Warnf("event=chat_message action=broker_publish status=failed session_id=%s seq=%d error=%v", in.SessionID, msg.Seq, err)
		}
	}
	return msg, nil
}

// SendSystem appends a lifecycle announcement on behalf of the reserved
// system sender and fans it out to every room member.
func (s *MessageService) SendSystem(ctx context.Context, sessionID, content string) (domain.Message, error) {
	return s.Send(ctx, SendInput{
		SessionID: sessionID,
		SenderID:  domain.SystemSender,
		Content:   content,
		Source:    "system",
	})
}

// claimCorrelation reserves the correlation id for this sender and session.
// A second send reusing the id within the TTL is a duplicate and is
// rejected without touching the log.
func (s *MessageService) claimCorrelation(ctx context.Context, in SendInput) (string, error) {
	if in.CorrelationID == "" || s.correlations == nil {
		return "", nil
	}
	key := fmt.Sprintf("chat:send:idemp:%s:%s:%s", in.SessionID, in.SenderID, in.CorrelationID)
	ok, err := s.correlations.SetNX(ctx, key, "1", sendIdempotencyTTL).Result()
	if err != nil {
		// Redis being down must not block sends; duplicates are the
		// client's risk in that window.
		commonlog.Warnf("event=chat_message action=idempotency_claim status=failed session_id=%s error=%v", in.SessionID, err)
		return "", nil
	}
	if !ok {
		return "", domain.ConflictError("duplicate correlation_id %s", in.CorrelationID)
	}
	return key, nil
}

// releaseCorrelation frees a claimed correlation id after a failed append so
// the client's retry is not rejected as a duplicate. The request context may
// already be past its deadline (an append timeout is the usual failure), so
// the delete runs on its own short-lived context.
func (s *MessageService) releaseCorrelation(key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.correlations.Del(ctx, key).Result(); err != nil {
		commonlog.Warnf("event=chat_message action=idempotency_release status=failed key=%s error=%v", key, err)
	}
}
