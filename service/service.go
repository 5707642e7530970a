package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"order-fulfillment/checkout"
	"order-fulfillment/currency"
	"order-fulfillment/inventory"
	"order-fulfillment/metrics"
	"order-fulfillment/model"
)

// ErrValidation marks a request the service refused before touching state.
var ErrValidation = errors.New("invalid request")

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

type Catalog interface {
	CreateProduct(ctx context.Context, p model.Product) (model.Product, error)
	GetProduct(ctx context.Context, id int64) (model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
}

type Orders interface {
	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrdersByOwner(ctx context.Context, ownerID string) ([]model.Order, error)
	MarkOrderDelivered(ctx context.Context, id string, at time.Time) (model.Order, error)
}

type Ledger interface {
	Commit(ctx context.Context, e inventory.Entry) (model.InventoryTransaction, error)
	History(ctx context.Context, productID int64, limit int) ([]model.InventoryTransaction, error)
	Report(ctx context.Context, threshold int) (model.InventoryReport, error)
	Reconcile(ctx context.Context) ([]model.StockDrift, error)
}

type Rates interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error)
	SetRate(ctx context.Context, from, to string, rate decimal.Decimal, validFrom time.Time, actor string) (model.CurrencyRate, error)
	History(ctx context.Context, from, to string) ([]model.CurrencyRate, error)
}

type Carts interface {
	Create(ctx context.Context, ownerID, code, region string) (*model.Cart, error)
	ForOwner(ctx context.Context, ownerID, code, region string) (*model.Cart, error)
	Get(ctx context.Context, id string) (*model.Cart, error)
	AddItem(ctx context.Context, cartID string, productID int64, qty int) (*model.Cart, error)
	UpdateQuantity(ctx context.Context, cartID string, productID int64, qty int) (*model.Cart, error)
	RemoveItem(ctx context.Context, cartID string, productID int64) (*model.Cart, error)
	SetCurrency(ctx context.Context, cartID, code string) (*model.Cart, error)
	SetRegion(ctx context.Context, cartID, region string) (*model.Cart, error)
}

type Checkouts interface {
	PriceCart(ctx context.Context, cartID, code string) (model.PriceSnapshot, error)
	Checkout(ctx context.Context, req checkout.Request) (checkout.Result, error)
	Session(ctx context.Context, cartID string) (*model.CheckoutSession, error)
}

type Deps struct {
	Catalog   Catalog
	Orders    Orders
	Ledger    Ledger
	Rates     Rates
	Carts     Carts
	Checkouts Checkouts
	Metrics   *metrics.Metrics
}

// Service validates requests and forwards them to the component that owns
// the data.
type Service struct {
	catalog   Catalog
	orders    Orders
	ledger    Ledger
	rates     Rates
	carts     Carts
	checkouts Checkouts
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		catalog:   d.Catalog,
		orders:    d.Orders,
		ledger:    d.Ledger,
		rates:     d.Rates,
		carts:     d.Carts,
		checkouts: d.Checkouts,
		metrics:   d.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateProduct(ctx context.Context, name, desc string, price decimal.Decimal, code string) (model.Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Product{}, invalid("name required")
	}
	if price.IsNegative() {
		return model.Product{}, invalid("price must be >= 0")
	}
	cur, err := currency.Normalize(code)
	if err != nil {
		return model.Product{}, err
	}
	return s.catalog.CreateProduct(ctx, model.Product{Name: name, Description: desc, Price: price, Currency: cur})
}

func (s *Service) GetProduct(ctx context.Context, id int64) (model.Product, error) {
	if id <= 0 {
		return model.Product{}, invalid("product_id required")
	}
	return s.catalog.GetProduct(ctx, id)
}

func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.catalog.ListProducts(ctx)
}

func (s *Service) Currencies() []string {
	return currency.Supported()
}

func (s *Service) CreateCart(ctx context.Context, ownerID, code, region string) (*model.Cart, error) {
	if ownerID == "" {
		return nil, invalid("owner_id required")
	}
	return s.carts.Create(ctx, ownerID, code, region)
}

func (s *Service) CartForOwner(ctx context.Context, ownerID, code, region string) (*model.Cart, error) {
	if ownerID == "" {
		return nil, invalid("owner_id required")
	}
	return s.carts.ForOwner(ctx, ownerID, code, region)
}

func (s *Service) GetCart(ctx context.Context, cartID string) (*model.Cart, error) {
	if cartID == "" {
		return nil, invalid("cart_id required")
	}
	return s.carts.Get(ctx, cartID)
}

func (s *Service) AddToCart(ctx context.Context, cartID string, productID int64, qty int) (*model.Cart, error) {
	if cartID == "" {
		return nil, invalid("cart_id required")
	}
	if productID <= 0 {
		return nil, invalid("product_id required")
	}
	return s.carts.AddItem(ctx, cartID, productID, qty)
}

func (s *Service) UpdateCartItem(ctx context.Context, cartID string, productID int64, qty int) (*model.Cart, error) {
	if cartID == "" {
		return nil, invalid("cart_id required")
	}
	return s.carts.UpdateQuantity(ctx, cartID, productID, qty)
}

func (s *Service) RemoveFromCart(ctx context.Context, cartID string, productID int64) (*model.Cart, error) {
	if cartID == "" {
		return nil, invalid("cart_id required")
	}
	return s.carts.RemoveItem(ctx, cartID, productID)
}

func (s *Service) SetCartCurrency(ctx context.Context, cartID, code string) (*model.Cart, error) {
	if cartID == "" {
		return nil, invalid("cart_id required")
	}
	return s.carts.SetCurrency(ctx, cartID, code)
}

func (s *Service) SetCartRegion(ctx context.Context, cartID, region string) (*model.Cart, error) {
	if cartID == "" {
		return nil, invalid("cart_id required")
	}
	return s.carts.SetRegion(ctx, cartID, region)
}

func (s *Service) PriceCart(ctx context.Context, cartID, code string) (model.PriceSnapshot, error) {
	if cartID == "" {
		return model.PriceSnapshot{}, invalid("cart_id required")
	}
	return s.checkouts.PriceCart(ctx, cartID, code)
}

func (s *Service) Checkout(ctx context.Context, req checkout.Request) (checkout.Result, error) {
	if req.CartID == "" {
		return checkout.Result{}, invalid("cart_id required")
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		// a resumed checkout keeps the method it started with
		if _, err := s.checkouts.Session(ctx, req.CartID); errors.Is(err, model.ErrCheckoutNotFound) {
			return checkout.Result{}, invalid("payment_method required")
		}
	}
	return s.checkouts.Checkout(ctx, req)
}

func (s *Service) CheckoutStatus(ctx context.Context, cartID string) (*model.CheckoutSession, error) {
	if cartID == "" {
		return nil, invalid("cart_id required")
	}
	return s.checkouts.Session(ctx, cartID)
}

func (s *Service) GetOrder(ctx context.Context, id string) (model.Order, error) {
	if id == "" {
		return model.Order{}, invalid("order id required")
	}
	return s.orders.GetOrder(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, ownerID string) ([]model.Order, error) {
	if ownerID == "" {
		return nil, invalid("owner_id required")
	}
	return s.orders.ListOrdersByOwner(ctx, ownerID)
}

// MarkDelivered is idempotent; a delivered order keeps its first timestamp.
func (s *Service) MarkDelivered(ctx context.Context, id string) (model.Order, error) {
	if id == "" {
		return model.Order{}, invalid("order id required")
	}
	return s.orders.MarkOrderDelivered(ctx, id, s.now())
}

func (s *Service) CommitInventory(ctx context.Context, e inventory.Entry) (model.InventoryTransaction, error) {
	if e.ProductID <= 0 {
		return model.InventoryTransaction{}, invalid("product_id required")
	}
	return s.ledger.Commit(ctx, e)
}

func (s *Service) InventoryHistory(ctx context.Context, productID int64, limit int) ([]model.InventoryTransaction, error) {
	if productID <= 0 {
		return nil, invalid("product_id required")
	}
	if limit < 0 {
		return nil, invalid("limit must be >= 0")
	}
	return s.ledger.History(ctx, productID, limit)
}

func (s *Service) InventoryReport(ctx context.Context, threshold int) (model.InventoryReport, error) {
	return s.ledger.Report(ctx, threshold)
}

func (s *Service) Reconcile(ctx context.Context) ([]model.StockDrift, error) {
	drift, err := s.ledger.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.StockDrift.Set(float64(len(drift)))
	}
	return drift, nil
}

func (s *Service) SetRate(ctx context.Context, from, to string, rate decimal.Decimal, validFrom time.Time, actor string) (model.CurrencyRate, error) {
	if validFrom.IsZero() {
		validFrom = s.now()
	}
	return s.rates.SetRate(ctx, from, to, rate, validFrom, actor)
}

func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error) {
	if at.IsZero() {
		at = s.now()
	}
	return s.rates.Convert(ctx, amount, from, to, at)
}

func (s *Service) RateHistory(ctx context.Context, from, to string) ([]model.CurrencyRate, error) {
	return s.rates.History(ctx, from, to)
}
