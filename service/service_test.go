package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"order-fulfillment/checkout"
	"order-fulfillment/inventory"
	"order-fulfillment/metrics"
	"order-fulfillment/model"
)

// ---- fakes ----

type fakeCatalog struct {
	CreateProductFn func(p model.Product) (model.Product, error)
	GetProductFn    func(id int64) (model.Product, error)
}

func (f *fakeCatalog) CreateProduct(_ context.Context, p model.Product) (model.Product, error) {
	return f.CreateProductFn(p)
}
func (f *fakeCatalog) GetProduct(_ context.Context, id int64) (model.Product, error) {
	return f.GetProductFn(id)
}
func (f *fakeCatalog) ListProducts(context.Context) ([]model.Product, error) { return nil, nil }

type fakeOrders struct {
	MarkDeliveredFn func(id string, at time.Time) (model.Order, error)
}

func (f *fakeOrders) GetOrder(_ context.Context, id string) (model.Order, error) {
	return model.Order{ID: id}, nil
}
func (f *fakeOrders) ListOrdersByOwner(context.Context, string) ([]model.Order, error) {
	return nil, nil
}
func (f *fakeOrders) MarkOrderDelivered(_ context.Context, id string, at time.Time) (model.Order, error) {
	return f.MarkDeliveredFn(id, at)
}

type fakeLedger struct {
	CommitFn    func(e inventory.Entry) (model.InventoryTransaction, error)
	ReconcileFn func() ([]model.StockDrift, error)
}

func (f *fakeLedger) Commit(_ context.Context, e inventory.Entry) (model.InventoryTransaction, error) {
	return f.CommitFn(e)
}
func (f *fakeLedger) History(context.Context, int64, int) ([]model.InventoryTransaction, error) {
	return nil, nil
}
func (f *fakeLedger) Report(context.Context, int) (model.InventoryReport, error) {
	return model.InventoryReport{}, nil
}
func (f *fakeLedger) Reconcile(context.Context) ([]model.StockDrift, error) { return f.ReconcileFn() }

type fakeRates struct {
	ConvertFn func(amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error)
}

func (f *fakeRates) Convert(_ context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error) {
	return f.ConvertFn(amount, from, to, at)
}
func (f *fakeRates) SetRate(context.Context, string, string, decimal.Decimal, time.Time, string) (model.CurrencyRate, error) {
	return model.CurrencyRate{}, nil
}
func (f *fakeRates) History(context.Context, string, string) ([]model.CurrencyRate, error) {
	return nil, nil
}

type fakeCheckouts struct {
	CheckoutFn func(req checkout.Request) (checkout.Result, error)
	SessionFn  func(cartID string) (*model.CheckoutSession, error)
}

func (f *fakeCheckouts) PriceCart(context.Context, string, string) (model.PriceSnapshot, error) {
	return model.PriceSnapshot{}, nil
}
func (f *fakeCheckouts) Checkout(_ context.Context, req checkout.Request) (checkout.Result, error) {
	return f.CheckoutFn(req)
}
func (f *fakeCheckouts) Session(_ context.Context, cartID string) (*model.CheckoutSession, error) {
	return f.SessionFn(cartID)
}

// ---- Tests ----

func TestCreateProductValidationAndForwarding(t *testing.T) {
	var got model.Product
	svc := NewService(Deps{Catalog: &fakeCatalog{
		CreateProductFn: func(p model.Product) (model.Product, error) {
			got = p
			p.ID = 123
			return p, nil
		},
	}})
	ctx := context.Background()

	if _, err := svc.CreateProduct(ctx, "  ", "d", decimal.NewFromInt(10), "USD"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty name, got %v", err)
	}
	if _, err := svc.CreateProduct(ctx, "n", "d", decimal.NewFromInt(-1), "USD"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative price, got %v", err)
	}
	if _, err := svc.CreateProduct(ctx, "n", "d", decimal.NewFromInt(1), "XXX"); !errors.Is(err, model.ErrUnsupportedCurrency) {
		t.Fatalf("expected unsupported currency, got %v", err)
	}

	p, err := svc.CreateProduct(ctx, " Lamp ", "desc", decimal.RequireFromString("12.50"), "eur")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != 123 {
		t.Fatalf("expected id 123, got %d", p.ID)
	}
	if got.Name != "Lamp" || got.Currency != "EUR" {
		t.Fatalf("expected trimmed name and normalized currency, got %+v", got)
	}
}

func TestGetProductRejectsBadID(t *testing.T) {
	svc := NewService(Deps{Catalog: &fakeCatalog{
		GetProductFn: func(id int64) (model.Product, error) {
			t.Fatalf("store should not be called")
			return model.Product{}, nil
		},
	}})
	if _, err := svc.GetProduct(context.Background(), 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCheckoutRequiresPaymentMethodForNewSession(t *testing.T) {
	calls := 0
	co := &fakeCheckouts{
		CheckoutFn: func(req checkout.Request) (checkout.Result, error) {
			calls++
			return checkout.Result{Status: model.CheckoutConfirmed}, nil
		},
		SessionFn: func(cartID string) (*model.CheckoutSession, error) {
			return nil, model.ErrCheckoutNotFound
		},
	}
	svc := NewService(Deps{Checkouts: co})
	ctx := context.Background()

	if _, err := svc.Checkout(ctx, checkout.Request{CartID: "c1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("checkout should not run, ran %d times", calls)
	}

	// a session that already exists resumes without a method
	co.SessionFn = func(cartID string) (*model.CheckoutSession, error) {
		return &model.CheckoutSession{CartID: cartID, State: model.CheckoutAuthorized}, nil
	}
	res, err := svc.Checkout(ctx, checkout.Request{CartID: "c1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.CheckoutConfirmed || calls != 1 {
		t.Fatalf("expected forwarded checkout, got %+v after %d calls", res, calls)
	}
}

func TestMarkDeliveredStampsNow(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(Deps{Orders: &fakeOrders{
		MarkDeliveredFn: func(id string, at time.Time) (model.Order, error) {
			return model.Order{ID: id, IsDelivered: true, DeliveredAt: &at}, nil
		},
	}})
	svc.now = func() time.Time { return fixed }

	o, err := svc.MarkDelivered(context.Background(), "o1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !o.DeliveredAt.Equal(fixed) {
		t.Fatalf("expected %s, got %s", fixed, o.DeliveredAt)
	}
	if _, err := svc.MarkDelivered(context.Background(), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCommitInventoryForwardsEntry(t *testing.T) {
	svc := NewService(Deps{Ledger: &fakeLedger{
		CommitFn: func(e inventory.Entry) (model.InventoryTransaction, error) {
			if e.Quantity != 7 || e.Type != model.TransactionPurchase {
				t.Fatalf("unexpected entry %+v", e)
			}
			return model.InventoryTransaction{ProductID: e.ProductID, Quantity: e.Quantity}, nil
		},
	}})

	if _, err := svc.CommitInventory(context.Background(), inventory.Entry{Type: model.TransactionPurchase, Quantity: 7}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	tx, err := svc.CommitInventory(context.Background(), inventory.Entry{ProductID: 4, Type: model.TransactionPurchase, Quantity: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.ProductID != 4 {
		t.Fatalf("expected product 4, got %d", tx.ProductID)
	}
}

func TestReconcileSetsDriftGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	svc := NewService(Deps{Metrics: m, Ledger: &fakeLedger{
		ReconcileFn: func() ([]model.StockDrift, error) {
			return []model.StockDrift{{ProductID: 1, CountInStock: 5, LedgerSum: 4}}, nil
		},
	}})

	drift, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(drift) != 1 {
		t.Fatalf("expected 1 drifting product, got %d", len(drift))
	}
	if v := testutil.ToFloat64(m.StockDrift); v != 1 {
		t.Fatalf("expected gauge 1, got %v", v)
	}
}

func TestConvertDefaultsToNow(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var seen time.Time
	svc := NewService(Deps{Rates: &fakeRates{
		ConvertFn: func(amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error) {
			seen = at
			return amount.Mul(decimal.RequireFromString("0.85")), nil
		},
	}})
	svc.now = func() time.Time { return fixed }

	out, err := svc.Convert(context.Background(), decimal.NewFromInt(10), "USD", "EUR", time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seen.Equal(fixed) {
		t.Fatalf("expected conversion at %s, got %s", fixed, seen)
	}
	if !out.Equal(decimal.RequireFromString("8.5")) {
		t.Fatalf("expected 8.5, got %s", out)
	}
}
