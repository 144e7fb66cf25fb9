package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradepost/cmd/server/config"
	"tradepost/internal/bus"
	"tradepost/internal/checkout"
	"tradepost/internal/coupon"
	"tradepost/internal/events"
	"tradepost/internal/guard"
	"tradepost/internal/observability"
	"tradepost/internal/outbox"
	"tradepost/internal/realtime"

	"github.com/joho/godotenv"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	client, err := buildRedisClient(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()

	stores, cleanupStores, err := buildCheckoutStores(ctx)
	if err != nil {
		return err
	}
	defer cleanupStores()

	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	outboxCfg, err := config.LoadOutbox()
	if err != nil {
		return err
	}
	couponCfg, err := config.LoadCoupon()
	if err != nil {
		return err
	}
	serverCfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	locker := guard.NewMutex(client)

	balanceRetry := guard.RetryPolicy{
		MaxAttempts: sagaCfg.OptimisticAttempts,
		BaseDelay:   sagaCfg.OptimisticDelay,
	}
	timed := func(s checkout.Step) checkout.Step {
		return checkout.InstrumentStep(s, func(name string) func(error) {
			return metrics.StartStep(name).End
		})
	}
	steps := []checkout.Step{
		timed(checkout.NewCreateOrderStep(stores.Orders)),
		timed(checkout.NewDeductBalanceStep(stores.Balances, balanceRetry)),
		timed(checkout.NewDeductInventoryStep(stores.Inventory, log.Printf)),
		timed(checkout.NewUseCouponStep(stores.Coupons)),
	}
	orchestrator := checkout.NewOrchestrator(steps, stores.DeadLetters, checkout.OrchestratorConfig{
		Timeout:           sagaCfg.Timeout,
		CriticalRetries:   sagaCfg.CriticalRetries,
		CriticalBaseDelay: sagaCfg.CriticalBaseDelay,
	}, log.Printf)
	orchestrator.SetObserver(metrics)

	reprocessor := checkout.NewReprocessor(stores.DeadLetters, checkout.NewRegistry(steps...), 20, log.Printf)
	go reprocessor.Run(ctx, time.Minute)

	orderService := checkout.NewService(orchestrator, stores.Orders, stores.Ledger, locker, checkout.ServiceConfig{
		LockWait:  sagaCfg.LockWait,
		LockLease: sagaCfg.LockLease,
	}, log.Printf)

	publisher := bus.NewPublisher(client, redisCfg.StreamMaxLen)

	relay := outbox.NewRelay(stores.Outbox, publisher, routeEvent, outbox.RelayConfig{
		Interval:   outboxCfg.Interval,
		BatchSize:  outboxCfg.BatchSize,
		MaxRetries: outboxCfg.MaxRetries,
		StaleAfter: outboxCfg.StaleAfter,
	}, log.Printf)
	relay.SetObserver(metrics)
	go relay.Run(ctx)

	issuer := coupon.NewIssuer(stores.CouponStock, stores.Coupons, locker, coupon.IssuerConfig{}, log.Printf)
	issuer.SetOnIssued(metrics.CouponIssued)
	issueConsumer := bus.NewConsumer(client, couponCfg.Group, couponCfg.Consumer, 2*time.Second, log.Printf)
	go issueConsumer.Run(ctx, couponCfg.PollInterval, func(ctx context.Context) ([]string, error) {
		ids, err := stores.CouponStock.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		streams := make([]string, 0, len(ids))
		for _, id := range ids {
			streams = append(streams, bus.CouponIssueStream(id))
		}
		return streams, nil
	}, issuer.HandleRequest)

	hub := realtime.NewHub(log.Printf)
	go hub.Run()

	orderEvents := events.NewOrderCompletedConsumer(stores.Processed, hub, log.Printf)
	eventConsumer := bus.NewConsumer(client, "order-events", couponCfg.Consumer, 2*time.Second, log.Printf)
	go eventConsumer.Run(ctx, couponCfg.PollInterval, func(context.Context) ([]string, error) {
		return []string{bus.OrderCompletedStream}, nil
	}, orderEvents.Handle)

	api := newAPIServer(orderService, publisher, hub, log.Printf)
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	obsSrv, err := startObservabilityServer(metrics)
	if err != nil {
		return err
	}

	log.Printf("order server running on %s", serverCfg.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if obsSrv != nil {
			_ = obsSrv.Shutdown(shutdownCtx)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// routeEvent maps an outbox event type to its bus stream.
func routeEvent(eventType string) string {
	switch eventType {
	case checkout.EventOrderCompleted:
		return bus.OrderCompletedStream
	default:
		return "events:" + eventType
	}
}

func startObservabilityServer(metrics *observability.Metrics) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("observability server error: %v", err)
		}
	}()

	return srv, nil
}
