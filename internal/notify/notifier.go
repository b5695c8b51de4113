package notify

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// Publisher enqueues a keyed message for asynchronous delivery.
type Publisher interface {
	Publish(key, value []byte, headers ...kafka.Header) bool
}

var (
	_ order.Notifier = (*KafkaNotifier)(nil)
	_ order.Notifier = LogNotifier{}
)

// KafkaNotifier publishes order events as JSON envelopes.
type KafkaNotifier struct {
	pub      Publisher
	producer string
}

// NewKafkaNotifier returns a notifier that tags events with producer.
func NewKafkaNotifier(pub Publisher, producer string) *KafkaNotifier {
	return &KafkaNotifier{pub: pub, producer: producer}
}

// OrderCreated publishes EventOrderCreated.
func (n *KafkaNotifier) OrderCreated(ctx context.Context, o *order.Order) {
	n.publish(ctx, newEnvelope(ctx, n.producer, EventOrderCreated, o.ID, orderCreatedPayload(o)))
}

// OrderStatusChanged publishes EventOrderStatusChanged.
func (n *KafkaNotifier) OrderStatusChanged(ctx context.Context, o *order.Order, from order.Status) {
	n.publish(ctx, newEnvelope(ctx, n.producer, EventOrderStatusChanged, o.ID, statusChangedPayload(o, from)))
}

func (n *KafkaNotifier) publish(ctx context.Context, env Envelope) {
	ok := n.pub.Publish([]byte(env.CorrelationID), env.Bytes(),
		kafka.Header{Key: "x-event-type", Value: []byte(env.EventType)},
		kafka.Header{Key: "x-event-version", Value: []byte("1")},
	)
	if !ok {
		zctx.From(ctx).Warn("Order event dropped",
			zap.String("event_type", env.EventType),
			zap.String("order_id", env.CorrelationID),
		)
	}
}

// LogNotifier only logs events. It is used when no brokers are configured.
type LogNotifier struct{}

// OrderCreated logs the new order.
func (LogNotifier) OrderCreated(ctx context.Context, o *order.Order) {
	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("identity", o.Identity.String()),
		zap.String("total", o.Total.StringFixed(2)),
	)
}

// OrderStatusChanged logs the transition.
func (LogNotifier) OrderStatusChanged(ctx context.Context, o *order.Order, from order.Status) {
	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)),
	)
}
