package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"order-fulfillment/checkout"
	"order-fulfillment/inventory"
	"order-fulfillment/model"
)

type ServiceInterface interface {
	CreateProduct(ctx context.Context, name, desc string, price decimal.Decimal, code string) (model.Product, error)
	GetProduct(ctx context.Context, id int64) (model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	Currencies() []string

	CreateCart(ctx context.Context, ownerID, code, region string) (*model.Cart, error)
	CartForOwner(ctx context.Context, ownerID, code, region string) (*model.Cart, error)
	GetCart(ctx context.Context, cartID string) (*model.Cart, error)
	AddToCart(ctx context.Context, cartID string, productID int64, qty int) (*model.Cart, error)
	UpdateCartItem(ctx context.Context, cartID string, productID int64, qty int) (*model.Cart, error)
	RemoveFromCart(ctx context.Context, cartID string, productID int64) (*model.Cart, error)
	SetCartCurrency(ctx context.Context, cartID, code string) (*model.Cart, error)
	SetCartRegion(ctx context.Context, cartID, region string) (*model.Cart, error)

	PriceCart(ctx context.Context, cartID, code string) (model.PriceSnapshot, error)
	Checkout(ctx context.Context, req checkout.Request) (checkout.Result, error)
	CheckoutStatus(ctx context.Context, cartID string) (*model.CheckoutSession, error)

	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrders(ctx context.Context, ownerID string) ([]model.Order, error)
	MarkDelivered(ctx context.Context, id string) (model.Order, error)

	CommitInventory(ctx context.Context, e inventory.Entry) (model.InventoryTransaction, error)
	InventoryHistory(ctx context.Context, productID int64, limit int) ([]model.InventoryTransaction, error)
	InventoryReport(ctx context.Context, threshold int) (model.InventoryReport, error)
	Reconcile(ctx context.Context) ([]model.StockDrift, error)

	SetRate(ctx context.Context, from, to string, rate decimal.Decimal, validFrom time.Time, actor string) (model.CurrencyRate, error)
	Convert(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error)
	RateHistory(ctx context.Context, from, to string) ([]model.CurrencyRate, error)
}
