package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

var (
	ErrPublisherClosed = errors.New("publisher closed")
	ErrBufferFull      = errors.New("publish buffer full")
)

// Envelope is the value written to the orders topic.
type Envelope struct {
	EventID    string            `json:"event_id"`
	Source     string            `json:"source"`
	Event      domain.OrderEvent `json:"event"`
	ProducedAt time.Time         `json:"produced_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher buffers order events and writes them from a single
// goroutine, keyed by order number so one order's events stay in order.
type KafkaPublisher struct {
	w      messageWriter
	source string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	inbox  chan kafka.Message
	done   chan struct{}
}

func NewKafkaPublisher(brokers []string, topic, source string, buf int, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaPublisher(w, source, buf, logger)
}

func newKafkaPublisher(w messageWriter, source string, buf int, logger *slog.Logger) *KafkaPublisher {
	if buf <= 0 {
		buf = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		w:      w,
		source: source,
		logger: logger,
		inbox:  make(chan kafka.Message, buf),
		done:   make(chan struct{}),
	}
}

func (p *KafkaPublisher) Start() {
	go func() {
		defer close(p.done)
		for m := range p.inbox {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.w.WriteMessages(ctx, m); err != nil {
				p.logger.Error("kafka write failed",
					slog.String("key", string(m.Key)),
					slog.Any("error", err))
			}
			cancel()
		}
	}()
}

// Publish never blocks the caller; when the buffer is full the event is
// dropped and ErrBufferFull returned.
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.OrderEvent) error {
	msg, err := p.message(event)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

func (p *KafkaPublisher) message(event domain.OrderEvent) (kafka.Message, error) {
	now := time.Now().UTC()
	value, err := json.Marshal(Envelope{
		EventID:    uuid.NewString(),
		Source:     p.source,
		Event:      event,
		ProducedAt: now,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.OrderNo),
		Value: value,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}, nil
}

// Close flushes what is buffered, then closes the writer. Start must have
// been called.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.inbox)
	p.mu.Unlock()

	<-p.done
	return p.w.Close()
}
