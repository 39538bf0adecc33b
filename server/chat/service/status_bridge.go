package service

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat_server/server/chat/domain"
	commonlog "chat_server/server/common/log"
)

const (
	donationEventsExchange = "donation.events"
	donationStatusPattern  = "donation.status.*"
)

// StatusBridge consumes donation lifecycle events from the catalog's topic
// exchange and reflects them into sessions: progress announcements as system
// messages, terminal statuses as session closure, re-reservation as closure
// of the superseded pair's session.
type StatusBridge struct {
	sessions *SessionService
	messages *MessageService
	conn     *amqp.Connection
}

func NewStatusBridge(sessions *SessionService, messages *MessageService, conn *amqp.Connection) *StatusBridge {
	return &StatusBridge{sessions: sessions, messages: messages, conn: conn}
}

// Run consumes status events until the context is cancelled or the channel
// dies. The queue is exclusive and auto-deleted: every instance sees every
// event, and closure is idempotent across instances.
func (b *StatusBridge) Run(ctx context.Context) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(donationEventsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue.Name, donationStatusPattern, donationEventsExchange, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return err
	}
	commonlog.Infof("event=status_bridge action=start status=ok queue=%s pattern=%s", queue.Name, donationStatusPattern)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			var event domain.StatusEvent
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				commonlog.Warnf("event=status_bridge action=decode status=failed routing_key=%s error=%v", delivery.RoutingKey, err)
				continue
			}
			if err := b.Apply(ctx, event); err != nil {
				commonlog.Errorf("event=status_bridge action=apply status=failed donation_id=%s donation_status=%s error=%v", event.DonationID, event.Status, err)
			}
		}
	}
}

// Apply reflects one donation status change into the donation's sessions.
func (b *StatusBridge) Apply(ctx context.Context, event domain.StatusEvent) error {
	if event.DonationID == "" {
		return domain.ValidationError("status event without donation id")
	}
	switch event.Status {
	case domain.DonationPickedUp:
		return b.announce(ctx, event.DonationID, "Donation has been picked up.")
	case domain.DonationDelivered:
		return b.announce(ctx, event.DonationID, "Donation has been delivered.")
	case domain.DonationCancelled:
		return b.closeAll(ctx, event.DonationID, "Donation was cancelled.")
	case domain.DonationExpired:
		return b.closeAll(ctx, event.DonationID, "Donation has expired.")
	case domain.DonationReserved:
		// A new claimant supersedes any session with a previous one. The
		// new pair's session is created lazily on first contact.
		closed, err := b.sessions.CloseSessionsForDonation(ctx, event.DonationID, event.ClaimantID)
		if err != nil {
			return err
		}
		commonlog.Infof("event=status_bridge action=reserve status=ok donation_id=%s closed_sessions=%d", event.DonationID, len(closed))
		return nil
	case domain.DonationAvailable:
		// Reservation released; existing sessions stay open for follow-up.
		return nil
	default:
		return domain.ValidationError("unknown donation status %q", event.Status)
	}
}

func (b *StatusBridge) announce(ctx context.Context, donationID, notice string) error {
	sessions, err := b.sessions.store.ActiveSessionsForDonation(ctx, donationID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if _, err := b.messages.SendSystem(ctx, sess.ID, notice); err != nil {
			return err
		}
	}
	return nil
}

// closeAll announces the terminal status, then closes. The announcement must
// land before closure since closed sessions reject appends.
func (b *StatusBridge) closeAll(ctx context.Context, donationID, notice string) error {
	if err := b.announce(ctx, donationID, notice); err != nil {
		return err
	}
	_, err := b.sessions.CloseSessionsForDonation(ctx, donationID, "")
	return err
}
