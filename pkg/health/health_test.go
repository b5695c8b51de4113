package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passingCheck() CheckFunc {
	return func(_ context.Context) error {
		return nil
	}
}

func failingCheck(msg string) CheckFunc {
	return func(_ context.Context) error {
		return errors.New(msg)
	}
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func get(h http.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func TestLiveEndpoint_AllPassing(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passingCheck())
	h.AddLivenessCheck("gc", time.Second, passingCheck())

	w := get(h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := decodeStatus(t, w)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Checks)
}

func TestLiveEndpoint_FailureThreshold(t *testing.T) {
	h := New()
	h.AddLivenessCheck("postgres", time.Second, failingCheck("connection refused"))
	s := h.checks[Liveness][0]
	ctx := context.Background()

	s.run(ctx)
	s.run(ctx)
	assert.Equal(t, http.StatusOK, get(h.LiveEndpoint).Code, "two failures stay below the threshold")

	s.run(ctx)
	w := get(h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeStatus(t, w)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "connection refused", body.Checks["postgres"])
}

func TestAdd_CustomThresholds(t *testing.T) {
	h := New()
	fail := true
	h.Add(Readiness, Check{
		Name:    "redis",
		Timeout: time.Second,
		Func: func(context.Context) error {
			if fail {
				return errors.New("down")
			}
			return nil
		},
		FailureThreshold: 1,
		SuccessThreshold: 2,
	})
	h.SetReady(true)
	s := h.checks[Readiness][0]
	ctx := context.Background()

	s.run(ctx)
	assert.False(t, h.IsReady())

	fail = false
	s.run(ctx)
	assert.False(t, h.IsReady(), "one success is below the success threshold")
	s.run(ctx)
	assert.True(t, h.IsReady())
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("redis", time.Second, passingCheck())

	w := get(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "service is not ready", decodeStatus(t, w).Checks["_readiness"])

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, get(h.ReadyEndpoint).Code)

	h.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, get(h.ReadyEndpoint).Code)
}

func TestReadyEndpoint_OneFailing(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.AddReadinessCheck("kafka", time.Second, failingCheck("no broker"))
	h.SetReady(true)

	ctx := context.Background()
	for range 3 {
		h.checks[Readiness][1].run(ctx)
	}

	w := get(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeStatus(t, w)
	assert.Equal(t, map[string]string{"kafka": "no broker"}, body.Checks)
}

func TestRegister(t *testing.T) {
	h := New()
	h.SetReady(true)
	r := chi.NewRouter()
	h.Register(r)

	for _, path := range []string{"/livez", "/readyz"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestCheckRecovery(t *testing.T) {
	failing := true
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})
	s := h.checks[Liveness][0]
	ctx := context.Background()

	for range 3 {
		s.run(ctx)
	}
	assert.Equal(t, "down", s.failure())

	failing = false
	s.run(ctx)
	assert.Empty(t, s.failure())
}

func TestStartStop(t *testing.T) {
	h := New()
	var mu sync.Mutex
	runs := 0
	h.AddLivenessCheck("counter", time.Second, func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})

	h.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("liveness", time.Second, failingCheck("err"))
	h.AddReadinessCheck("readiness", time.Second, passingCheck())
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, time.Millisecond)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.IsReady()
				get(h.LiveEndpoint)
				get(h.ReadyEndpoint)
			}
		}()
	}
	wg.Wait()
	h.Stop()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestGCMaxPauseCheck(t *testing.T) {
	assert.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	assert.NoError(t, PingCheck(pingerFunc(func(context.Context) error { return nil }))(context.Background()))

	err := PingCheck(pingerFunc(func(context.Context) error { return errors.New("pool closed") }))(context.Background())
	assert.EqualError(t, err, "pool closed")
}

func TestKafkaCheck(t *testing.T) {
	t.Run("no brokers", func(t *testing.T) {
		err := KafkaCheck(&kafka.Dialer{}, nil)(context.Background())
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = KafkaCheck(&kafka.Dialer{Timeout: 200 * time.Millisecond}, []string{addr})(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no kafka broker reachable")
	})
}
