package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"strings"

	checkoutdb "tradepost/internal/db/checkout"
)

var openCheckoutDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// checkoutStores bundles the Postgres-backed stores the saga and its
// background workers share.
type checkoutStores struct {
	Balances    *checkoutdb.BalanceStore
	Inventory   *checkoutdb.InventoryStore
	Coupons     *checkoutdb.CouponStore
	CouponStock *checkoutdb.CouponStockStore
	Orders      *checkoutdb.OrderStore
	Outbox      *checkoutdb.OutboxStore
	Ledger      *checkoutdb.IdempotencyStore
	DeadLetters *checkoutdb.DeadLetterStore
	Processed   *checkoutdb.ProcessedEventStore
}

// buildCheckoutStores opens the database, applies schemas and wires
// every store against the shared pool. The returned cleanup closes the
// pool.
func buildCheckoutStores(ctx context.Context) (*checkoutStores, func(), error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}

	db, err := openCheckoutDB("pgx", databaseURL)
	if err != nil {
		return nil, nil, err
	}

	stores := &checkoutStores{}
	if stores.Balances, err = checkoutdb.NewBalanceStoreWithSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if stores.Inventory, err = checkoutdb.NewInventoryStoreWithSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if stores.Coupons, err = checkoutdb.NewCouponStoreWithSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if stores.CouponStock, err = checkoutdb.NewCouponStockStoreWithSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if stores.Orders, err = checkoutdb.NewOrderStoreWithSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if stores.Outbox, err = checkoutdb.NewOutboxStoreWithSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if stores.Ledger, err = checkoutdb.NewIdempotencyStoreWithSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if stores.DeadLetters, err = checkoutdb.NewDeadLetterStoreWithSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if stores.Processed, err = checkoutdb.NewProcessedEventStoreWithSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Printf("close checkout db: %v", err)
		}
	}
	return stores, cleanup, nil
}
