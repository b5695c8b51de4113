// Package redisstore keeps short-lived checkout state in Redis: order status
// reads and checkout idempotency keys.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

const (
	keyOrderStatus  = "order_status:%s"
	keyIdemCheckout = "idem:checkout:%s"

	// DefaultStatusTTL bounds how stale a cached order status may be.
	DefaultStatusTTL = 5 * time.Minute
	// DefaultIdempotencyTTL is how long a checkout idempotency key is remembered.
	DefaultIdempotencyTTL = 24 * time.Hour
)

// ErrInFlight is returned when a checkout with the same idempotency key is
// still running.
var ErrInFlight = apperr.Conflict("checkout with this idempotency key is in progress")

// ErrKeyReused is returned when an idempotency key comes back with a
// different request body.
var ErrKeyReused = apperr.Conflict("idempotency key was already used for a different checkout request")

// NewClient connects to addr and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return rdb, nil
}

var _ order.StatusCache = (*StatusCache)(nil)

// StatusCache implements order.StatusCache.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatusCache returns a StatusCache whose entries expire after ttl.
func NewStatusCache(rdb *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusCache{rdb: rdb, ttl: ttl}
}

// GetStatus returns the cached status; ok is false on a miss.
func (c *StatusCache) GetStatus(ctx context.Context, orderID string) (order.Status, bool, error) {
	s, err := c.rdb.Get(ctx, fmt.Sprintf(keyOrderStatus, orderID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("getting cached status of %q: %w", orderID, err)
	}
	status, err := order.ParseStatus(s)
	if err != nil {
		return "", false, nil
	}
	return status, true, nil
}

// SetStatus caches s for orderID.
func (c *StatusCache) SetStatus(ctx context.Context, orderID string, s order.Status) error {
	if err := c.rdb.Set(ctx, fmt.Sprintf(keyOrderStatus, orderID), string(s), c.ttl).Err(); err != nil {
		return fmt.Errorf("caching status of %q: %w", orderID, err)
	}
	return nil
}

// Idempotency remembers which order a checkout idempotency key produced.
type Idempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewIdempotency returns an Idempotency store whose keys expire after ttl.
func NewIdempotency(rdb *redis.Client, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{rdb: rdb, ttl: ttl}
}

// Reserve claims key for a new checkout of the request identified by
// fingerprint. When the key already completed for the same request, it
// returns the stored receipt and reserved=false. ErrInFlight means another
// request holds the key; ErrKeyReused means the key belongs to a different
// request.
func (s *Idempotency) Reserve(ctx context.Context, key, fingerprint string) (_ checkout.Receipt, reserved bool, err error) {
	k := fmt.Sprintf(keyIdemCheckout, key)
	ok, err := s.rdb.SetNX(ctx, k, encodeIdemRecord(idemRecord{Fingerprint: fingerprint}), s.ttl).Result()
	if err != nil {
		return checkout.Receipt{}, false, fmt.Errorf("reserving idempotency key: %w", err)
	}
	if ok {
		return checkout.Receipt{}, true, nil
	}

	v, err := s.rdb.Get(ctx, k).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between the two calls; let the caller retry.
		return checkout.Receipt{}, false, ErrInFlight
	case err != nil:
		return checkout.Receipt{}, false, fmt.Errorf("reading idempotency key: %w", err)
	}
	rec, err := decodeIdemRecord(v)
	if err != nil {
		return checkout.Receipt{}, false, fmt.Errorf("decoding idempotency key: %w", err)
	}
	switch {
	case rec.Fingerprint != fingerprint:
		return checkout.Receipt{}, false, ErrKeyReused
	case rec.Receipt.OrderID == "":
		return checkout.Receipt{}, false, ErrInFlight
	}
	return rec.Receipt, false, nil
}

// Complete records the receipt of the checkout that key produced.
func (s *Idempotency) Complete(ctx context.Context, key, fingerprint string, r checkout.Receipt) error {
	v := encodeIdemRecord(idemRecord{Fingerprint: fingerprint, Receipt: r})
	if err := s.rdb.Set(ctx, fmt.Sprintf(keyIdemCheckout, key), v, s.ttl).Err(); err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}
	return nil
}

// Release forgets key so a failed checkout can be retried.
func (s *Idempotency) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, fmt.Sprintf(keyIdemCheckout, key)).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}

// idemRecord is the stored value of an idempotency key. A record without an
// order ID is still in flight.
type idemRecord struct {
	Fingerprint string
	Receipt     checkout.Receipt
}

func encodeIdemRecord(r idemRecord) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("fingerprint")
	e.Str(r.Fingerprint)
	if r.Receipt.OrderID != "" {
		e.FieldStart("order_id")
		e.Str(r.Receipt.OrderID)
		e.FieldStart("discount_code")
		e.Str(r.Receipt.DiscountCode)
		e.FieldStart("message")
		e.Str(r.Receipt.Message)
		e.FieldStart("cart_checked_out")
		e.Bool(r.Receipt.CartCheckedOut)
	}
	e.ObjEnd()
	return e.Bytes()
}

func decodeIdemRecord(b []byte) (idemRecord, error) {
	var r idemRecord
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "fingerprint":
			r.Fingerprint, err = d.Str()
		case "order_id":
			r.Receipt.OrderID, err = d.Str()
		case "discount_code":
			r.Receipt.DiscountCode, err = d.Str()
		case "message":
			r.Receipt.Message, err = d.Str()
		case "cart_checked_out":
			r.Receipt.CartCheckedOut, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return idemRecord{}, errors.Wrap(err, "decode idempotency record")
	}
	return r, nil
}
