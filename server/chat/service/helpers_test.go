package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chat_server/server/chat/domain"
	"chat_server/server/chat/store"
)

// fakeSink records every frame written to a connection.
type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *fakeSink) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.frames = append(s.frames, buf)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// events decodes every recorded frame into a generic map.
func (s *fakeSink) events(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.frames))
	for _, frame := range s.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(frame, &m))
		out = append(out, m)
	}
	return out
}

// eventsOfType filters decoded frames by their type discriminator.
func (s *fakeSink) eventsOfType(t *testing.T, eventType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, evt := range s.events(t) {
		if evt["type"] == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// staticDirectory serves donations from a fixed map.
type staticDirectory struct {
	donations map[string]domain.Donation
}

func (d *staticDirectory) Donation(_ context.Context, donationID string) (domain.Donation, error) {
	donation, ok := d.donations[donationID]
	if !ok {
		return domain.Donation{}, domain.NotFoundError("donation %s not found", donationID)
	}
	return donation, nil
}

func reservedDonation(id, donor, claimant string) domain.Donation {
	return domain.Donation{ID: id, DonorID: donor, ClaimantID: claimant, Status: domain.DonationReserved}
}

func newTestClient(userID, connID string) (*Client, *fakeSink) {
	sink := &fakeSink{}
	return NewClient(userID, connID, sink), sink
}

// newTestStack wires the services on the in-memory store without redis or a
// broker.
func newTestStack(donations map[string]domain.Donation) (*store.MemoryStore, *Hub, *SessionService, *MessageService, *ReadStateService) {
	st := store.NewMemoryStore()
	hub := NewHub()
	sessions := NewSessionService(st, &staticDirectory{donations: donations})
	messages := NewMessageService(st, hub, nil, nil)
	readState := NewReadStateService(st, hub)
	return st, hub, sessions, messages, readState
}
