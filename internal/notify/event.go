// Package notify publishes order events after commit. Delivery is
// best-effort: failures are logged and never reach the caller.
package notify

import (
	"context"
	"time"

	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// Event types.
const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
)

const eventVersion = 1

// Envelope wraps every published event. Payload is pre-encoded JSON.
type Envelope struct {
	EventID       string
	EventType     string
	EventVersion  int
	OccurredAt    time.Time
	Producer      string
	TraceID       string
	CorrelationID string
	Payload       []byte
}

func newEnvelope(ctx context.Context, producer, eventType, orderID string, payload []byte) Envelope {
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env
}

// Encode writes the envelope as a JSON object.
func (env Envelope) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("event_id")
	e.Str(env.EventID)
	e.FieldStart("event_type")
	e.Str(env.EventType)
	e.FieldStart("event_version")
	e.Int(env.EventVersion)
	e.FieldStart("occurred_at")
	e.Str(env.OccurredAt.Format(time.RFC3339Nano))
	e.FieldStart("producer")
	e.Str(env.Producer)
	if env.TraceID != "" {
		e.FieldStart("trace_id")
		e.Str(env.TraceID)
	}
	e.FieldStart("correlation_id")
	e.Str(env.CorrelationID)
	e.FieldStart("payload")
	e.Raw(env.Payload)
	e.ObjEnd()
}

// Bytes returns the encoded envelope.
func (env Envelope) Bytes() []byte {
	var e jx.Encoder
	env.Encode(&e)
	return e.Bytes()
}

// encodeOrder writes the order snapshot carried by both event types. Money
// is encoded as fixed-point strings.
func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.FieldStart("order_id")
	e.Str(o.ID)
	e.FieldStart("identity")
	e.Str(o.Identity.String())
	if o.GuestEmail != "" {
		e.FieldStart("guest_email")
		e.Str(o.GuestEmail)
	}
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("total")
	e.Str(o.Total.StringFixed(2))
	if o.DiscountAmount.Valid {
		e.FieldStart("discount_amount")
		e.Str(o.DiscountAmount.Decimal.StringFixed(2))
	}
	if o.DiscountCodeID != nil {
		e.FieldStart("discount_code_id")
		e.Int64(*o.DiscountCodeID)
	}
}

func orderCreatedPayload(o *order.Order) []byte {
	var e jx.Encoder
	e.ObjStart()
	encodeOrder(&e, o)
	e.FieldStart("order_date")
	e.Str(o.OrderDate.UTC().Format(time.RFC3339))
	e.FieldStart("items")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Int64(l.ProductID)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("unit_price")
		e.Str(l.UnitPrice.StringFixed(2))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	return e.Bytes()
}

func statusChangedPayload(o *order.Order, from order.Status) []byte {
	var e jx.Encoder
	e.ObjStart()
	encodeOrder(&e, o)
	e.FieldStart("previous_status")
	e.Str(string(from))
	e.ObjEnd()
	return e.Bytes()
}
