package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-session-service/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	published  []amqp.Publishing
	deliveries chan amqp.Delivery
	declareErr error
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if f.declareErr != nil {
		return f.declareErr
	}
	f.exchanges = append(f.exchanges, name+"/"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: "amq.gen-1"}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

type recorder struct {
	mu     sync.Mutex
	conns  []string
	rooms  []string
	events []domain.Event
}

func (r *recorder) SendToConnection(_ context.Context, id string, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, id)
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) SendToRoom(_ context.Context, code string, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, code)
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBroadcasterPublishesEnvelope(t *testing.T) {
	ch := &fakeChannel{}
	b, err := newBroadcaster(ch, "quiz.events", "node-a", zap.NewNop())
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	if len(ch.exchanges) != 1 || ch.exchanges[0] != "quiz.events/fanout" {
		t.Fatalf("expected fanout exchange, got %v", ch.exchanges)
	}
	fixed := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	lb := domain.Leaderboard{RoomCode: "ABC123", Entries: []domain.LeaderboardEntry{{Rank: 1, StudentID: "s1", Score: 2}}}
	if err := b.SendToConnection(context.Background(), "conn-1", domain.Event{Type: domain.EventLeaderboard, Payload: lb}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ch.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(ch.published))
	}
	msg := ch.published[0]
	if msg.ContentType != "application/json" || !msg.Timestamp.Equal(fixed) {
		t.Fatalf("unexpected publishing %+v", msg)
	}
	var env Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Origin != "node-a" || env.ConnectionID != "conn-1" || env.RoomCode != "" || env.Type != domain.EventLeaderboard {
		t.Fatalf("unexpected envelope %+v", env)
	}
	var decoded domain.Leaderboard
	if err := json.Unmarshal(env.Payload, &decoded); err != nil || decoded.Entries[0].StudentID != "s1" {
		t.Fatalf("unexpected payload %s (%v)", env.Payload, err)
	}
}

func TestBroadcasterDeclareFailure(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("boom")}
	if _, err := newBroadcaster(ch, "quiz.events", "node-a", nil); err == nil {
		t.Fatalf("expected declare error")
	}
}

func TestRelaySkipsOwnOrigin(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 4)}
	b, err := newBroadcaster(ch, "quiz.events", "node-a", zap.NewNop())
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}

	own, _ := json.Marshal(Envelope{Origin: "node-a", RoomCode: "ABC123", Type: domain.EventRoomFinalized})
	remote, _ := json.Marshal(Envelope{Origin: "node-b", RoomCode: "ABC123", Type: domain.EventRoomFinalized, Payload: json.RawMessage(`{}`)})
	direct, _ := json.Marshal(Envelope{Origin: "node-b", ConnectionID: "conn-9", Type: domain.EventLeaderboard, Payload: json.RawMessage(`[]`)})
	ch.deliveries <- amqp.Delivery{Body: own}
	ch.deliveries <- amqp.Delivery{Body: []byte("not json")}
	ch.deliveries <- amqp.Delivery{Body: remote}
	ch.deliveries <- amqp.Delivery{Body: direct}
	close(ch.deliveries)

	local := &recorder{}
	if err := b.Relay(context.Background(), local); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if local.count() != 2 {
		t.Fatalf("expected 2 relayed events, got %d", local.count())
	}
	if len(local.rooms) != 1 || local.rooms[0] != "ABC123" {
		t.Fatalf("unexpected room deliveries %v", local.rooms)
	}
	if len(local.conns) != 1 || local.conns[0] != "conn-9" {
		t.Fatalf("unexpected connection deliveries %v", local.conns)
	}
}
