package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	dialAttempts = 5
	dialDelay    = 2 * time.Second
)

// AMQPSink publishes to a durable topic exchange.
type AMQPSink struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex // guards ch; amqp channels are not safe for concurrent publish
	ch *amqp.Channel
}

// DialAMQP connects to url, retrying a few times, and declares exchange.
func DialAMQP(ctx context.Context, url, exchange string, logger zerolog.Logger) (*AMQPSink, error) {
	return dialAMQP(ctx, url, exchange, dialAttempts, logger)
}

func dialAMQP(ctx context.Context, url, exchange string, attempts int, logger zerolog.Logger) (*AMQPSink, error) {
	if exchange == "" {
		return nil, fmt.Errorf("amqp: empty exchange name")
	}

	var conn *amqp.Connection
	var err error
	for i := 0; i < attempts; i++ {
		if conn, err = amqp.Dial(url); err == nil {
			break
		}
		if i == attempts-1 {
			break
		}
		logger.Warn().Err(err).Int("attempt", i+1).Msg("amqp connect failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	logger.Info().Str("exchange", exchange).Msg("connected to amqp broker")
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Publish(ctx context.Context, routingKey string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ch.PublishWithContext(ctx,
		s.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ch.Close()
	return s.conn.Close()
}
