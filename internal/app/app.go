package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/audit"
	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/handler"
	"github.com/xenking/storefront-checkout/internal/notify"
	"github.com/xenking/storefront-checkout/internal/storage/postgres"
	"github.com/xenking/storefront-checkout/internal/storage/redisstore"
	"github.com/xenking/storefront-checkout/pkg/health"
	"github.com/xenking/storefront-checkout/pkg/httpmiddleware"
)

const serviceName = "storefront-checkout"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))

	// Optional Redis: order status cache and checkout idempotency.
	var (
		statusCache order.StatusCache
		idem        handler.Idempotency
	)
	if cfg.Redis.Addr != "" {
		rdb, err := redisstore.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()

		statusCache = redisstore.NewStatusCache(rdb, cfg.Redis.StatusTTL)
		idem = redisstore.NewIdempotency(rdb, cfg.Redis.IdempotencyTTL)
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
		lg.Info("Redis enabled", zap.String("addr", cfg.Redis.Addr))
	} else {
		lg.Warn("Redis not configured, status cache and idempotency disabled")
	}

	// Optional Kafka: order events. The producer goroutine outlives the
	// HTTP server so that events of drained requests are still flushed.
	var notifier order.Notifier = notify.LogNotifier{}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := notify.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Buffer, lg.Named("kafka"))
		notifier = notify.NewKafkaNotifier(producer, serviceName)
		healthSvc.AddReadinessCheck("kafka", 2*time.Second,
			health.KafkaCheck(&kafka.Dialer{Timeout: 2 * time.Second}, cfg.Kafka.Brokers))

		producerCtx, stopProducer := context.WithCancel(context.WithoutCancel(ctx))
		producerDone := make(chan struct{})
		defer func() {
			stopProducer()
			<-producerDone
		}()
		go func() {
			defer close(producerDone)
			if err := producer.Run(producerCtx); err != nil {
				lg.Error("Event producer stopped", zap.Error(err))
			}
		}()
		lg.Info("Kafka enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	} else {
		lg.Warn("Kafka not configured, order events are only logged")
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	tx := postgres.NewTxManager(pool)
	productRepo := postgres.NewProductRepository(pool)
	cartRepo := postgres.NewCartRepository(pool)
	discountRepo := postgres.NewDiscountRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)
	recorder := audit.NewRecorder(postgres.NewAuditRepository(pool))

	// Domain services.
	cartService := cart.NewService(tx, cartRepo, productRepo, recorder)
	orderService := order.NewService(tx, orderRepo, notifier, statusCache, recorder)
	discountService := discount.NewService(discountRepo, recorder)
	orchestrator, err := checkout.NewOrchestrator(checkout.Deps{
		Tx:        tx,
		Carts:     cartRepo,
		Products:  productRepo,
		Discounts: discount.NewRepoEvaluator(discountRepo),
		Orders:    orderRepo,
		Notifier:  notifier,
		Cache:     statusCache,
		Audit:     recorder,
		Tracer:    m.TracerProvider(),
		Meter:     m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create checkout orchestrator")
	}

	// HTTP handlers.
	h := handler.New(
		handler.Config{CheckoutTimeout: cfg.Checkout.Timeout},
		handler.Deps{
			Carts:       cartService,
			Checkout:    orchestrator,
			Orders:      orderService,
			Discounts:   discountService,
			Idempotency: idem,
			Auth:        auth.NewAuthenticator(apikeyRepo, []byte(cfg.AdminKeyPepper)),
		},
	)

	// Router: health endpoints + API routes on one server.
	router := h.Router()
	healthSvc.Register(router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Checkout.Timeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Route(),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins: cfg.CORS.Origins,
				AllowHeaders: []string{
					"Content-Type",
					"Authorization",
					handler.IdempotencyHeader,
					handler.HeaderAPIKey,
					handler.HeaderXAPIKey,
				},
				ExposeHeaders:    []string{httpmiddleware.HeaderRequestID, "Retry-After"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Skip:   httpmiddleware.SkipPaths("/livez", "/readyz"),
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.PerIdentityMax,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.IdentityKey,
				Skip:    httpmiddleware.WithoutIdentity,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument(serviceName, m),
			httpmiddleware.LogRequests(),
			httpmiddleware.Labeler(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
