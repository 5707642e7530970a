package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"order-fulfillment/model"
)

func setupTestDB(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

func stockedProduct(t *testing.T, s *PostgresStore, qty int) model.Product {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreateProduct(ctx, model.Product{Name: "lamp", Price: decimal.RequireFromString("45.50"), Currency: "USD"})
	require.NoError(t, err)
	require.NoError(t, s.ApplyTransactions(ctx, []model.InventoryTransaction{{
		ID: uuid.NewString(), ProductID: p.ID, Type: model.TransactionPurchase, Quantity: qty, CreatedAt: time.Now().UTC(),
	}}))
	return p
}

func TestPostgres_ConcurrentSalesNeverOversell(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := stockedProduct(t, s, 10)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		short int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ApplyTransactions(ctx, []model.InventoryTransaction{{
				ID: uuid.NewString(), ProductID: p.ID, Type: model.TransactionSale, Quantity: -1, CreatedAt: time.Now().UTC(),
			}})
			if errors.Is(err, model.ErrInsufficientStock) {
				mu.Lock()
				short++
				mu.Unlock()
				return
			}
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 15, short)
	lvl, err := s.StockLevel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, lvl.CountInStock)
	assert.Equal(t, 0, lvl.LedgerSum)

	drift, err := s.StockDrift(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestPostgres_RateWindows(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	require.NoError(t, s.AddRate(ctx, model.CurrencyRate{ID: uuid.NewString(), From: "USD", To: "EUR", Rate: decimal.RequireFromString("0.85"), ValidFrom: t0}))
	require.NoError(t, s.AddRate(ctx, model.CurrencyRate{ID: uuid.NewString(), From: "USD", To: "EUR", Rate: decimal.RequireFromString("0.90"), ValidFrom: t1}))
	err := s.AddRate(ctx, model.CurrencyRate{ID: uuid.NewString(), From: "USD", To: "EUR", Rate: decimal.RequireFromString("0.95"), ValidFrom: t1})
	assert.ErrorIs(t, err, model.ErrRateOverlap)

	r, err := s.FindRate(ctx, "USD", "EUR", t1.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, r.Rate.Equal(decimal.RequireFromString("0.85")))
	r, err = s.FindRate(ctx, "USD", "EUR", t1)
	require.NoError(t, err)
	assert.True(t, r.Rate.Equal(decimal.RequireFromString("0.90")))
	_, err = s.FindRate(ctx, "USD", "EUR", t0.Add(-time.Second))
	assert.ErrorIs(t, err, model.ErrRateNotFound)
}

func TestPostgres_CommitSaleOnce(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := stockedProduct(t, s, 3)
	now := time.Now().UTC().Truncate(time.Microsecond)

	c := &model.Cart{
		ID:        uuid.NewString(),
		OwnerID:   "u1",
		Items:     []model.CartItem{{ProductID: p.ID, Name: p.Name, Quantity: 2, UnitPrice: p.Price}},
		Currency:  "USD",
		Status:    model.CartActive,
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateCart(ctx, c))
	sess := &model.CheckoutSession{ID: uuid.NewString(), CartID: c.ID, OwnerID: "u1", State: model.CheckoutCommittingInventory, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.ErrorIs(t, s.CreateSession(ctx, &model.CheckoutSession{ID: uuid.NewString(), CartID: c.ID, State: model.CheckoutDraft, CreatedAt: now, UpdatedAt: now}), model.ErrCheckoutExists)

	sale := func() model.SaleCommit {
		orderID := uuid.NewString()
		return model.SaleCommit{
			SessionID: sess.ID,
			CartID:    c.ID,
			Order: model.Order{
				ID: orderID, OwnerID: "u1", CartID: c.ID, CheckoutID: sess.ID,
				Items:      []model.OrderItem{{ProductID: p.ID, Name: p.Name, Quantity: 2, UnitPrice: p.Price, Currency: "USD"}},
				TotalPrice: decimal.RequireFromString("91.00"), Currency: "USD", IsPaid: true, PaidAt: &now, CreatedAt: now,
			},
			Transactions: []model.InventoryTransaction{{
				ID: uuid.NewString(), ProductID: p.ID, Type: model.TransactionSale, Quantity: -2,
				ReferenceType: "order", ReferenceID: orderID, CreatedAt: now,
			}},
			Event: model.OutboxEvent{ID: uuid.NewString(), AggregateID: orderID, EventType: "order.confirmed", Payload: []byte(`{}`), CreatedAt: now},
		}
	}

	first := sale()
	require.NoError(t, s.CommitSale(ctx, first))
	assert.ErrorIs(t, s.CommitSale(ctx, sale()), model.ErrStaleState)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckoutConfirmed, got.State)
	assert.Equal(t, first.Order.ID, got.OrderID)

	o, err := s.GetOrder(ctx, first.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "91.00", o.TotalPrice.StringFixed(2))

	lvl, err := s.StockLevel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, lvl.CountInStock)

	events, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, s.MarkEventsProcessed(ctx, []string{events[0].ID}))
	events, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	delivered, err := s.MarkOrderDelivered(ctx, o.ID, now)
	require.NoError(t, err)
	assert.True(t, delivered.IsDelivered)
}
