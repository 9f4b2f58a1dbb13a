// Command saga-worker wires the Record Store, Idempotency Ledger, Circuit
// Breaker Registry, Inventory Engine, Event Log, and SAGA Orchestrator into
// a running process: it accepts SubmitOrder calls, schedules each order's
// SAGA on a bounded worker pool, and serves GetOrder queries. Grounded in
// the teacher's cmd/server/main.go composition root: build collaborators,
// start an observability HTTP server, listen for signals, shut down
// gracefully.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"cloudflow/internal/breaker"
	"cloudflow/internal/config"
	"cloudflow/internal/eventlog"
	"cloudflow/internal/idempotency"
	"cloudflow/internal/inventory"
	"cloudflow/internal/notify"
	"cloudflow/internal/observability"
	"cloudflow/internal/payment"
	"cloudflow/internal/realtime"
	"cloudflow/internal/saga"
	"cloudflow/internal/store"
	"cloudflow/internal/store/memstore"
	"cloudflow/internal/store/pgstore"
	"cloudflow/internal/store/redisstore"
	"cloudflow/internal/workerpool"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("saga-worker: .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("saga-worker: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	recordStore, cleanupStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanupStore()

	ledger := idempotency.New(recordStore, idempotency.WithInProgressTimeout(cfg.InProgressTimeout))
	breakers := breaker.New(recordStore, breaker.WithConfig(saga.PaymentProviderDependency, breaker.Config{
		FailThreshold: cfg.BreakerFailThreshold,
		Cooldown:      cfg.BreakerCooldown,
	}))
	invEngine := inventory.New(recordStore, ledger)
	events := eventlog.New(recordStore)

	paymentProvider := payment.Provider(payment.NewInMemoryProvider())
	notifier := notify.Producer(notify.NewInMemoryProducer())
	if cfg.StoreBackend == config.BackendRedis {
		client := mustRedisClient(cfg.Redis)
		defer client.Close()
		notifier = notify.NewRedisStreamProducer(client, cfg.Redis.NotifyStream, cfg.Redis.NotifyStreamMaxLen)
	}

	hub := realtime.NewHub()
	hubDone := make(chan struct{})
	go hub.Run(hubDone)
	defer close(hubDone)

	metrics := observability.NewMetrics()
	orchestrator := saga.New(events, invEngine, paymentProvider, breakers, ledger, notifier,
		saga.WithMetrics(metrics),
		saga.WithEventObserver(func(ev eventlog.Event, summary *eventlog.Summary) {
			hub.PublishEvent(realtime.OrderEventMessage{
				OrderID:       ev.OrderID,
				Seq:           ev.Seq,
				Type:          string(ev.Type),
				Status:        summary.Status,
				OccurredAt:    ev.OccurredAt,
				CorrelationID: toString(summary.Extra["correlation_id"]),
			})
		}),
	)
	pool := workerpool.New(cfg.MaxConcurrentSagas)

	mux := http.NewServeMux()
	mux.Handle("/orders", ordersHandler(orchestrator, pool, metrics))
	mux.Handle("/orders/", getOrderHandler(orchestrator))
	mux.Handle("/events", hub)
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{Addr: cfg.ObservabilityAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Println("saga-worker listening on", cfg.ObservabilityAddr)

	select {
	case <-ctx.Done():
		metrics.MarkShutdown(0)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildStore(ctx context.Context, cfg config.WorkerConfig) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		client := mustRedisClient(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.HealthcheckTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return redisstore.New(client, "cf:"), func() { client.Close() }, nil
	case config.BackendPostgres:
		pgStore, closeDB, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgStore, func() { closeDB() }, nil
	default:
		return memstore.New(), func() {}, nil
	}
}

func mustRedisClient(cfg config.RedisConfig) *redis.Client {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Fatalf("saga-worker: redis url: %v", err)
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}
	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			log.Printf("saga-worker: redis tracing: %v", err)
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			log.Printf("saga-worker: redis metrics: %v", err)
		}
	}
	return client
}

type submitOrderBody struct {
	OrderID       string `json:"order_id,omitempty"`
	CustomerID    string `json:"customer_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Items         []struct {
		ProductID        string `json:"product_id"`
		Quantity         int64  `json:"quantity"`
		UnitPriceMinorUnits int64 `json:"unit_price_minor_units"`
	} `json:"items"`
}

func ordersHandler(o *saga.Orchestrator, pool *workerpool.Pool, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		span := metrics.Start("SubmitOrder")

		var body submitOrderBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			span.End(err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		items := make([]saga.Item, 0, len(body.Items))
		for _, it := range body.Items {
			items = append(items, saga.Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPriceMinorUnits: it.UnitPriceMinorUnits})
		}

		accepted, runner, rejected := o.SubmitOrder(r.Context(), saga.SubmitOrderRequest{
			OrderID:       body.OrderID,
			CustomerID:    body.CustomerID,
			CorrelationID: body.CorrelationID,
			Items:         items,
		})
		if rejected != nil {
			span.End(rejected)
			http.Error(w, rejected.Error(), http.StatusBadRequest)
			return
		}

		if err := pool.Submit(context.WithoutCancel(r.Context()), runner); err != nil {
			span.End(err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		span.End(nil)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(accepted)
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func getOrderHandler(o *saga.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := r.URL.Path[len("/orders/"):]
		if orderID == "" {
			http.Error(w, "order_id is required", http.StatusBadRequest)
			return
		}
		result, err := o.GetOrder(r.Context(), orderID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}
