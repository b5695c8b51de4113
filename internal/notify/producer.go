package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the Producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer buffers messages in memory and writes them to Kafka from a single
// goroutine, so Publish never blocks the request path.
type Producer struct {
	w        messageWriter
	inbox    chan kafka.Message
	lg       *zap.Logger
	maxBatch int
}

// NewProducer returns a Producer for topic. Messages are keyed by order ID
// so all events of one order land on the same partition.
func NewProducer(brokers []string, topic string, buf int, lg *zap.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, buf, lg)
}

func newProducer(w messageWriter, buf int, lg *zap.Logger) *Producer {
	if buf <= 0 {
		buf = 1024
	}
	return &Producer{
		w:        w,
		inbox:    make(chan kafka.Message, buf),
		lg:       lg,
		maxBatch: 100,
	}
}

// Publish enqueues a message. It reports false and drops the message when
// the buffer is full.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) bool {
	select {
	case p.inbox <- kafka.Message{Key: key, Value: value, Headers: headers, Time: time.Now()}:
		return true
	default:
		p.lg.Warn("Event buffer full, dropping message", zap.ByteString("key", key))
		return false
	}
}

// Run writes queued messages until ctx is done, then flushes what is left
// and closes the writer.
func (p *Producer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return p.drain()
		case m := <-p.inbox:
			p.write(ctx, p.collect(m))
		}
	}
}

// collect gathers m and whatever else is already queued, up to maxBatch.
func (p *Producer) collect(m kafka.Message) []kafka.Message {
	batch := []kafka.Message{m}
	for len(batch) < p.maxBatch {
		select {
		case next := <-p.inbox:
			batch = append(batch, next)
		default:
			return batch
		}
	}
	return batch
}

func (p *Producer) write(ctx context.Context, batch []kafka.Message) {
	if err := p.w.WriteMessages(ctx, batch...); err != nil {
		p.lg.Error("Publish events", zap.Int("count", len(batch)), zap.Error(err))
	}
}

func (p *Producer) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case m := <-p.inbox:
			p.write(ctx, p.collect(m))
		default:
			if err := p.w.Close(); err != nil {
				return errors.Wrap(err, "close kafka writer")
			}
			return nil
		}
	}
}
