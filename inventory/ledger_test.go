package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-fulfillment/memstore"
	"order-fulfillment/model"
)

func newTestLedger(t *testing.T, stocks ...int) (*Ledger, *memstore.Store, []int64) {
	t.Helper()
	st := memstore.New()
	l := NewLedger(st)
	ids := make([]int64, 0, len(stocks))
	for _, n := range stocks {
		p, err := st.CreateProduct(context.Background(), model.Product{Name: "p", Price: decimal.NewFromInt(10), Currency: "USD"})
		require.NoError(t, err)
		if n > 0 {
			_, err = l.Commit(context.Background(), Entry{ProductID: p.ID, Type: model.TransactionPurchase, Quantity: n})
			require.NoError(t, err)
		}
		ids = append(ids, p.ID)
	}
	return l, st, ids
}

func TestEntryValidate(t *testing.T) {
	cases := []struct {
		typ model.TransactionType
		qty int
		ok  bool
	}{
		{model.TransactionPurchase, 5, true},
		{model.TransactionPurchase, -5, false},
		{model.TransactionReturn, 1, true},
		{model.TransactionReturn, 0, false},
		{model.TransactionSale, -1, true},
		{model.TransactionSale, 1, false},
		{model.TransactionAdjustment, -3, true},
		{model.TransactionAdjustment, 3, true},
		{model.TransactionAdjustment, 0, false},
		{"gift", 1, false},
	}
	for _, c := range cases {
		err := Entry{ProductID: 1, Type: c.typ, Quantity: c.qty}.Validate()
		if c.ok {
			assert.NoError(t, err, "%s %d", c.typ, c.qty)
		} else {
			assert.ErrorIs(t, err, model.ErrInvalidTransaction, "%s %d", c.typ, c.qty)
		}
	}
}

func TestCommit_CounterEqualsLedgerSum(t *testing.T) {
	l, st, ids := newTestLedger(t, 10)
	ctx := context.Background()

	steps := []Entry{
		{ProductID: ids[0], Type: model.TransactionSale, Quantity: -3},
		{ProductID: ids[0], Type: model.TransactionReturn, Quantity: 1},
		{ProductID: ids[0], Type: model.TransactionAdjustment, Quantity: -2, Notes: "damaged"},
		{ProductID: ids[0], Type: model.TransactionSale, Quantity: -7}, // short by 1
		{ProductID: ids[0], Type: model.TransactionPurchase, Quantity: 4},
	}
	for _, e := range steps {
		_, _ = l.Commit(ctx, e)
		p, err := st.GetProduct(ctx, ids[0])
		require.NoError(t, err)
		sum, err := l.Available(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, sum, p.CountInStock)
		assert.GreaterOrEqual(t, p.CountInStock, 0)
	}

	sum, _ := l.Available(ctx, ids[0])
	assert.Equal(t, 10, sum)

	drift, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestCommit_AdjustmentBelowZeroRejected(t *testing.T) {
	l, _, ids := newTestLedger(t, 2)

	_, err := l.Commit(context.Background(), Entry{ProductID: ids[0], Type: model.TransactionAdjustment, Quantity: -3})
	assert.ErrorIs(t, err, model.ErrInsufficientStock)
}

func TestCommitBatch_AllOrNothing(t *testing.T) {
	l, _, ids := newTestLedger(t, 5, 1)
	ctx := context.Background()

	_, err := l.CommitBatch(ctx, []Entry{
		{ProductID: ids[1], Type: model.TransactionSale, Quantity: -2},
		{ProductID: ids[0], Type: model.TransactionSale, Quantity: -2},
	})
	assert.ErrorIs(t, err, model.ErrInsufficientStock)

	a, _ := l.Available(ctx, ids[0])
	b, _ := l.Available(ctx, ids[1])
	assert.Equal(t, 5, a)
	assert.Equal(t, 1, b)

	_, err = l.CommitBatch(ctx, nil)
	assert.ErrorIs(t, err, model.ErrInvalidTransaction)
}

func TestCommit_ConcurrentSalesNeverOversell(t *testing.T) {
	const stock, buyers = 9, 10
	l, _, ids := newTestLedger(t, stock)

	var wg sync.WaitGroup
	var short atomic.Int32
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Commit(context.Background(), Entry{ProductID: ids[0], Type: model.TransactionSale, Quantity: -1})
			if errors.Is(err, model.ErrInsufficientStock) {
				short.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, buyers-stock, short.Load())
	left, err := l.Available(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestHistory_NewestFirst(t *testing.T) {
	l, _, ids := newTestLedger(t, 3)
	ctx := context.Background()
	_, err := l.Commit(ctx, Entry{ProductID: ids[0], Type: model.TransactionSale, Quantity: -1, ReferenceType: "order", ReferenceID: "o1"})
	require.NoError(t, err)

	hist, err := l.History(ctx, ids[0], 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "o1", hist[0].ReferenceID)

	_, err = l.History(ctx, 999, 10)
	assert.ErrorIs(t, err, model.ErrProductNotFound)
}

func TestReport(t *testing.T) {
	l, _, _ := newTestLedger(t, 0, 3, 50)

	r, err := l.Report(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, r.TotalProducts)
	assert.Equal(t, 53, r.TotalStock)
	assert.Equal(t, 1, r.OutOfStockCount)
	assert.Equal(t, 1, r.LowStockCount)
	assert.Equal(t, DefaultLowStockThreshold, r.Threshold)
}

func TestCommitSale_BuildsSaleRows(t *testing.T) {
	l, st, ids := newTestLedger(t, 5)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.CreateCart(ctx, &model.Cart{ID: "c1", Status: model.CartActive}))
	require.NoError(t, st.CreateSession(ctx, &model.CheckoutSession{ID: "s1", CartID: "c1", State: model.CheckoutCommittingInventory}))

	err := l.CommitSale(ctx, Sale{
		SessionID: "s1",
		Order: model.Order{ID: "o1", CartID: "c1", IsPaid: true, CreatedAt: now,
			Items: []model.OrderItem{{ProductID: ids[0], Quantity: 2}}},
	})
	require.NoError(t, err)

	hist, err := l.History(ctx, ids[0], 0)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionSale, hist[0].Type)
	assert.Equal(t, -2, hist[0].Quantity)
	assert.Equal(t, "order", hist[0].ReferenceType)
	assert.Equal(t, "o1", hist[0].ReferenceID)

	assert.ErrorIs(t, l.CommitSale(ctx, Sale{SessionID: "s1"}), model.ErrEmptyCart)
}
