package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const amqpPublishTimeout = 5 * time.Second

// amqpChannel is the subset of *amqp.Channel the sink uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink forwards bus events as JSON messages to a durable queue.
type AMQPSink struct {
	conn   *amqp.Connection
	ch     amqpChannel
	queue  string
	events []string // patterns; empty forwards everything
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	detach func()
}

type AMQPConfig struct {
	URL    string
	Queue  string
	Events []string // patterns as accepted by Match
	Logger *slog.Logger
}

// NewAMQPSink dials the broker and declares the queue.
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	s, err := newAMQPSink(ch, cfg)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func newAMQPSink(ch amqpChannel, cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.Queue == "" {
		cfg.Queue = "chanbridge.events"
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp declare queue %s: %w", cfg.Queue, err)
	}
	cfg.Logger.Info("amqp event sink ready", "queue", cfg.Queue)
	return &AMQPSink{ch: ch, queue: cfg.Queue, events: cfg.Events, logger: cfg.Logger}, nil
}

// Attach subscribes the sink to every event on eb. Close detaches it.
func (s *AMQPSink) Attach(eb *EventBus) {
	id := eb.On("*", s.Handle)
	s.mu.Lock()
	s.detach = func() { eb.Off(id) }
	s.mu.Unlock()
}

func (s *AMQPSink) wants(eventType string) bool {
	if len(s.events) == 0 {
		return true
	}
	for _, p := range s.events {
		if Match(p, eventType) {
			return true
		}
	}
	return false
}

// Handle publishes one event. Failures are logged, never returned, so a
// broker outage cannot stall the bus.
func (s *AMQPSink) Handle(ev Event) {
	if !s.wants(ev.Type) {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("amqp marshal event", "event", ev.Type, "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), amqpPublishTimeout)
	defer cancel()
	err = s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         ev.Type,
		Timestamp:    ev.Timestamp,
		Body:         body,
	})
	if err != nil {
		s.logger.Error("amqp publish failed", "event", ev.Type, "queue", s.queue, "err", err)
		return
	}
	s.logger.Debug("published event to amqp", "event", ev.Type, "queue", s.queue)
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.detach != nil {
		s.detach()
	}
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
