package cart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-fulfillment/currency"
	"order-fulfillment/memstore"
	"order-fulfillment/metrics"
	"order-fulfillment/model"
	"order-fulfillment/pricing"
)

type fixture struct {
	svc   *Service
	store *memstore.Store
	redis *miniredis.Miniredis
	m     *metrics.Metrics
	mug   model.Product
	lamp  model.Product
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()

	resolver := currency.NewResolver(st)
	since := time.Now().Add(-24 * time.Hour)
	_, err := resolver.SetRate(ctx, "USD", "EUR", dec("0.85"), since, "test")
	require.NoError(t, err)
	_, err = resolver.SetRate(ctx, "EUR", "USD", dec("1.176471"), since, "test")
	require.NoError(t, err)

	pricer := pricing.NewPricer(resolver,
		pricing.TaxTable{Default: dec("0.08")},
		pricing.NewTieredShipping("USD", dec("5.00"), dec("100.00")))

	stock := func(name, price string, n int) model.Product {
		p, err := st.CreateProduct(ctx, model.Product{Name: name, Price: dec(price), Currency: "USD"})
		require.NoError(t, err)
		require.NoError(t, st.ApplyTransactions(ctx, []model.InventoryTransaction{{
			ID: uuid.NewString(), ProductID: p.ID, Type: model.TransactionPurchase, Quantity: n,
		}}))
		p.CountInStock = n
		return p
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	m := metrics.New(prometheus.NewRegistry())
	svc := NewService(st, NewAggregate(st, resolver, pricer), NewRedisCache(client, time.Minute), m, time.Hour)
	return &fixture{
		svc:   svc,
		store: st,
		redis: mr,
		m:     m,
		mug:   stock("mug", "10.00", 20),
		lamp:  stock("lamp", "45.50", 1),
	}
}

func TestAddItem_TotalsAndMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Create(ctx, "u1", "usd", "us")
	require.NoError(t, err)
	assert.Equal(t, "USD", c.Currency)
	assert.Equal(t, "US", c.Region)

	_, err = f.svc.AddItem(ctx, c.ID, f.mug.ID, 1)
	require.NoError(t, err)
	c, err = f.svc.AddItem(ctx, c.ID, f.mug.ID, 1)
	require.NoError(t, err)

	require.Len(t, c.Items, 1)
	assert.Equal(t, 2, c.Items[0].Quantity)
	assert.Equal(t, "20.00", c.Subtotal.StringFixed(2))
	assert.Equal(t, "1.60", c.Tax.StringFixed(2))
	assert.Equal(t, "5.00", c.Shipping.StringFixed(2))
	assert.Equal(t, "26.60", c.Total.StringFixed(2))
	assert.Equal(t, 2, c.Version)
}

func TestAddItem_RejectedMutationLeavesCartUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Create(ctx, "u1", "USD", "US")
	require.NoError(t, err)
	c, err = f.svc.AddItem(ctx, c.ID, f.lamp.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, c.ID, f.lamp.ID, 1)
	assert.ErrorIs(t, err, model.ErrInsufficientStock)
	_, err = f.svc.AddItem(ctx, c.ID, f.mug.ID, 0)
	assert.ErrorIs(t, err, model.ErrInvalidQuantity)
	_, err = f.svc.UpdateQuantity(ctx, c.ID, f.mug.ID, 1)
	assert.ErrorIs(t, err, model.ErrProductNotFound)

	got, err := f.store.GetCart(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Version, got.Version)
	assert.True(t, c.Total.Equal(got.Total))
}

func TestItemsKeepInsertionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Create(ctx, "u1", "USD", "US")
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, c.ID, f.lamp.ID, 1)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, c.ID, f.mug.ID, 3)
	require.NoError(t, err)
	c, err = f.svc.UpdateQuantity(ctx, c.ID, f.lamp.ID, 1)
	require.NoError(t, err)

	require.Len(t, c.Items, 2)
	assert.Equal(t, f.lamp.ID, c.Items[0].ProductID)
	assert.Equal(t, f.mug.ID, c.Items[1].ProductID)

	c, err = f.svc.RemoveItem(ctx, c.ID, f.lamp.ID)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, "30.00", c.Subtotal.StringFixed(2))
}

func TestSetCurrency_RepricesLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Create(ctx, "u1", "USD", "DE")
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, c.ID, f.mug.ID, 2)
	require.NoError(t, err)

	c, err = f.svc.SetCurrency(ctx, c.ID, "eur")
	require.NoError(t, err)
	assert.Equal(t, "EUR", c.Currency)
	assert.Equal(t, "8.50", c.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "17.00", c.Subtotal.StringFixed(2))
	assert.Equal(t, "4.25", c.Shipping.StringFixed(2))

	_, err = f.svc.SetCurrency(ctx, c.ID, "GBP")
	assert.ErrorIs(t, err, model.ErrRateNotFound)
	_, err = f.svc.SetCurrency(ctx, c.ID, "XYZ")
	assert.ErrorIs(t, err, model.ErrUnsupportedCurrency)
}

func TestGet_ReadThroughAndInvalidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Create(ctx, "u1", "USD", "US")
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, f.redis.Exists(cacheKey(c.ID)))
	_, err = f.svc.Get(ctx, c.ID)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.CartCache.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.CartCache.WithLabelValues("hit")))

	_, err = f.svc.AddItem(ctx, c.ID, f.mug.ID, 1)
	require.NoError(t, err)
	assert.False(t, f.redis.Exists(cacheKey(c.ID)))

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 1)
}

// racingStore lets a writer slip in between a cache-miss read and the fill.
type racingStore struct {
	*memstore.Store
	once  sync.Once
	after func()
}

func (r *racingStore) GetCart(ctx context.Context, id string) (*model.Cart, error) {
	c, err := r.Store.GetCart(ctx, id)
	r.once.Do(r.after)
	return c, err
}

func TestGet_InvalidateDuringFillKeepsStaleCartOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Create(ctx, "u1", "USD", "US")
	require.NoError(t, err)

	rs := &racingStore{Store: f.store}
	svc := NewService(rs, f.svc.agg, f.svc.cache, f.m, time.Hour)
	rs.after = func() {
		_, err := svc.AddItem(ctx, c.ID, f.mug.ID, 2)
		require.NoError(t, err)
	}

	stale, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, stale.Items)
	assert.False(t, f.redis.Exists(cacheKey(c.ID)))

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Version+1, got.Version)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 2, got.Items[0].Quantity)
}

func TestExpiredAndConsumedCarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Create(ctx, "u1", "USD", "US")
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Hour)
	f.svc.now = func() time.Time { return later }

	_, err = f.svc.Get(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrCartExpired)
	_, err = f.svc.AddItem(ctx, c.ID, f.mug.ID, 1)
	assert.ErrorIs(t, err, model.ErrCartExpired)

	fresh, err := f.svc.ForOwner(ctx, "u1", "USD", "US")
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, fresh.ID)

	n, err := f.svc.ReapExpired(ctx, later)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.CartsReaped))

	require.NoError(t, f.store.CreateSession(ctx, &model.CheckoutSession{ID: "s1", CartID: fresh.ID, State: model.CheckoutCommittingInventory}))
	require.NoError(t, f.store.CommitSale(ctx, model.SaleCommit{SessionID: "s1", CartID: fresh.ID, Order: model.Order{ID: "o1"}}))
	_, err = f.svc.AddItem(ctx, fresh.ID, f.mug.ID, 1)
	assert.ErrorIs(t, err, model.ErrCartConsumed)
}

func TestConcurrentMutationsSerialise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Create(ctx, "u1", "USD", "US")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddItem(ctx, c.ID, f.mug.ID, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.store.GetCart(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Items[0].Quantity)
	assert.Equal(t, 10, got.Version)
}
