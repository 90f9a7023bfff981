package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stratalog/audit-relay/internal/config"
)

// AMQPSink publishes payloads to a RabbitMQ topic exchange with publisher
// confirms. The idempotency key travels as the message id, so downstream
// consumers can dedupe redeliveries.
type AMQPSink struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	destination config.Destination
	logger      *slog.Logger
	connClosed  chan *amqp.Error
	chanClosed  chan *amqp.Error
	closeOnce   sync.Once
	healthy     atomic.Bool
	done        chan struct{}
}

// NewAMQPSink dials the broker, declares the destination exchange, and
// enables publisher confirms.
func NewAMQPSink(d config.Destination, logger *slog.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(d.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.ExchangeDeclare(d.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", d.Exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}

	s := &AMQPSink{
		conn:        conn,
		channel:     ch,
		destination: d,
		logger:      logger,
		connClosed:  make(chan *amqp.Error, 1),
		chanClosed:  make(chan *amqp.Error, 1),
		done:        make(chan struct{}),
	}
	s.healthy.Store(true)

	s.conn.NotifyClose(s.connClosed)
	s.channel.NotifyClose(s.chanClosed)

	go func() {
		select {
		case err := <-s.connClosed:
			s.healthy.Store(false)
			logger.Warn("amqp connection closed", "destination", d.Name, "error", err)
		case err := <-s.chanClosed:
			s.healthy.Store(false)
			logger.Warn("amqp channel closed", "destination", d.Name, "error", err)
		case <-s.done:
		}
	}()

	logger.Info("connected to amqp broker", "destination", d.Name, "exchange", d.Exchange)
	return s, nil
}

// Deliver publishes the payload and waits for the broker's confirm. All
// broker-side failures are transient: the broker never inspects the
// payload, so it cannot reject it permanently.
func (s *AMQPSink) Deliver(ctx context.Context, payload []byte, idempotencyKey string) Outcome {
	if !s.healthy.Load() {
		return Transient("broker_unavailable", "amqp connection is closed")
	}

	routingKey := s.destination.RoutingKey
	if routingKey == "" {
		routingKey = "audit.events"
	}

	deferred, err := s.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		s.destination.Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    idempotencyKey,
			Body:         payload,
		},
	)
	if err != nil {
		return Transient("publish_failed", err.Error())
	}

	select {
	case <-ctx.Done():
		return Transient("confirm_timeout", ctx.Err().Error())
	case <-deferred.Done():
		if !deferred.Acked() {
			return Transient("broker_nack", "message not persisted by broker")
		}
		return Delivered()
	}
}

// Close shuts down the channel and connection.
func (s *AMQPSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.channel != nil {
			s.channel.Close()
		}
		if s.conn != nil {
			s.conn.Close()
		}
	})
	return nil
}
