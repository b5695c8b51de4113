package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// GoroutineCountCheck fails when more than threshold goroutines are running,
// which usually means a leak.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// GCMaxPauseCheck fails when any recent stop-the-world pause exceeded
// threshold.
func GCMaxPauseCheck(threshold time.Duration) CheckFunc {
	return func(_ context.Context) error {
		var stats debug.GCStats
		debug.ReadGCStats(&stats)
		for _, pause := range stats.Pause {
			if pause > threshold {
				return errors.Errorf("GC pause %s exceeds threshold %s", pause, threshold)
			}
		}
		return nil
	}
}

// Pinger is implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when p cannot be pinged.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// RedisCheck fails when rdb does not answer PING.
func RedisCheck(rdb redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "redis ping")
		}
		return nil
	}
}

// KafkaDialer opens a broker connection. kafka.Dialer implements it.
type KafkaDialer interface {
	DialContext(ctx context.Context, network, address string) (*kafka.Conn, error)
}

// KafkaCheck passes when at least one broker accepts a connection.
func KafkaCheck(d KafkaDialer, brokers []string) CheckFunc {
	return func(ctx context.Context) error {
		if len(brokers) == 0 {
			return errors.New("no kafka brokers configured")
		}
		var last error
		for _, b := range brokers {
			conn, err := d.DialContext(ctx, "tcp", b)
			if err != nil {
				last = err
				continue
			}
			_ = conn.Close()
			return nil
		}
		return errors.Wrap(last, "no kafka broker reachable")
	}
}
