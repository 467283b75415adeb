package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Envelope is the wire format of an event relayed between service instances.
// Exactly one of ConnectionID and RoomCode is set.
type Envelope struct {
	Origin       string          `json:"origin"`
	ConnectionID string          `json:"connectionId,omitempty"`
	RoomCode     string          `json:"roomCode,omitempty"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	PublishedAt  time.Time       `json:"publishedAt"`
}

// Event rebuilds the domain event carried by the envelope.
func (e Envelope) Event() domain.Event {
	return domain.Event{Type: e.Type, Payload: e.Payload}
}

func newEnvelope(origin string, event domain.Event, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Envelope{Origin: origin, Type: event.Type, Payload: payload, PublishedAt: now}, nil
}

// channel is the subset of *amqp.Channel the broadcaster needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Broadcaster publishes room events to a fanout exchange so every service
// instance can deliver them to the sockets it holds.
type Broadcaster struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	origin   string
	log      *zap.Logger
	now      func() time.Time
}

// Dial connects to the broker and declares the fanout exchange.
func Dial(url, exchange, origin string, log *zap.Logger) (*Broadcaster, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	b, err := newBroadcaster(ch, exchange, origin, log)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

func newBroadcaster(ch channel, exchange, origin string, log *zap.Logger) (*Broadcaster, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &Broadcaster{
		channel:  ch,
		exchange: exchange,
		origin:   origin,
		log:      log,
		now:      time.Now,
	}, nil
}

func (b *Broadcaster) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Broadcaster) SendToConnection(ctx context.Context, connectionID string, event domain.Event) error {
	env, err := newEnvelope(b.origin, event, b.now())
	if err != nil {
		return err
	}
	env.ConnectionID = connectionID
	return b.publish(ctx, env)
}

func (b *Broadcaster) SendToRoom(ctx context.Context, roomCode string, event domain.Event) error {
	env, err := newEnvelope(b.origin, event, b.now())
	if err != nil {
		return err
	}
	env.RoomCode = roomCode
	return b.publish(ctx, env)
}

func (b *Broadcaster) publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.channel.PublishWithContext(
		ctx,
		b.exchange,
		"",    // routing key, ignored by fanout
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   env.PublishedAt,
		},
	)
}

// Relay consumes events published by other instances and hands them to local
// until ctx is done. Envelopes from this instance are skipped since they were
// already delivered locally.
func (b *Broadcaster) Relay(ctx context.Context, local app.Broadcaster) error {
	q, err := b.channel.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := b.channel.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	deliveries, err := b.channel.Consume(
		q.Name,
		b.origin, // consumer
		true,     // auto-ack
		true,     // exclusive
		false,    // no-local
		false,    // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			b.deliver(ctx, local, d.Body)
		}
	}
}

func (b *Broadcaster) deliver(ctx context.Context, local app.Broadcaster, body []byte) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		b.log.Warn("drop malformed envelope", zap.Error(err))
		return
	}
	if env.Origin == b.origin {
		return
	}
	var err error
	switch {
	case env.ConnectionID != "":
		err = local.SendToConnection(ctx, env.ConnectionID, env.Event())
	case env.RoomCode != "":
		err = local.SendToRoom(ctx, env.RoomCode, env.Event())
	default:
		b.log.Warn("drop envelope without target", zap.String("type", env.Type))
		return
	}
	// Most instances do not hold the recipient.
	if err != nil && !errors.Is(err, app.ErrNotDelivered) {
		b.log.Warn("relay delivery failed", zap.String("type", env.Type), zap.Error(err))
	}
}
