// Package cart owns the shopper's cart: line items with their captured unit
// prices and the totals derived from them.
package cart

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"order-fulfillment/currency"
	"order-fulfillment/model"
	"order-fulfillment/pricing"
)

type Catalog interface {
	GetProduct(ctx context.Context, id int64) (model.Product, error)
}

// Aggregate applies mutations to a copy of a cart and re-derives its totals.
// It never writes anything; Service persists what it returns.
type Aggregate struct {
	catalog Catalog
	rates   pricing.RateSource
	pricer  *pricing.Pricer
	now     func() time.Time
}

func NewAggregate(catalog Catalog, rates pricing.RateSource, pricer *pricing.Pricer) *Aggregate {
	return &Aggregate{catalog: catalog, rates: rates, pricer: pricer, now: time.Now}
}

// unitPrice is the product price expressed in cur at the current instant.
func (a *Aggregate) unitPrice(ctx context.Context, p model.Product, cur string) (decimal.Decimal, error) {
	rate, err := a.rates.Rate(ctx, p.Currency, cur, a.now())
	if err != nil {
		return decimal.Zero, err
	}
	return currency.Apply(p.Price, rate, cur)
}

func (a *Aggregate) checkStock(p model.Product, qty int) error {
	if qty < 1 {
		return fmt.Errorf("%w: %d", model.ErrInvalidQuantity, qty)
	}
	if qty > p.CountInStock {
		return fmt.Errorf("product %d: %d requested, %d in stock: %w", p.ID, qty, p.CountInStock, model.ErrInsufficientStock)
	}
	return nil
}

// AddItem adds qty of the product, merging into an existing line. A merged
// line keeps the unit price captured when it was first added.
func (a *Aggregate) AddItem(ctx context.Context, c *model.Cart, productID int64, qty int) (*model.Cart, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: %d", model.ErrInvalidQuantity, qty)
	}
	p, err := a.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	next := c.Clone()
	if i := next.IndexOf(productID); i >= 0 {
		total := next.Items[i].Quantity + qty
		if err := a.checkStock(p, total); err != nil {
			return nil, err
		}
		next.Items[i].Quantity = total
	} else {
		if err := a.checkStock(p, qty); err != nil {
			return nil, err
		}
		price, err := a.unitPrice(ctx, p, next.Currency)
		if err != nil {
			return nil, err
		}
		next.Items = append(next.Items, model.CartItem{ProductID: p.ID, Name: p.Name, Quantity: qty, UnitPrice: price})
	}
	return a.priced(ctx, next)
}

func (a *Aggregate) UpdateQuantity(ctx context.Context, c *model.Cart, productID int64, qty int) (*model.Cart, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: %d", model.ErrInvalidQuantity, qty)
	}
	i := c.IndexOf(productID)
	if i < 0 {
		return nil, fmt.Errorf("product %d not in cart: %w", productID, model.ErrProductNotFound)
	}
	p, err := a.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := a.checkStock(p, qty); err != nil {
		return nil, err
	}
	next := c.Clone()
	next.Items[i].Quantity = qty
	return a.priced(ctx, next)
}

func (a *Aggregate) RemoveItem(ctx context.Context, c *model.Cart, productID int64) (*model.Cart, error) {
	i := c.IndexOf(productID)
	if i < 0 {
		return nil, fmt.Errorf("product %d not in cart: %w", productID, model.ErrProductNotFound)
	}
	next := c.Clone()
	next.Items = append(next.Items[:i], next.Items[i+1:]...)
	return a.priced(ctx, next)
}

// SetCurrency re-prices every line from the catalog price at the current
// rate. It is the only mutation that changes a captured unit price.
func (a *Aggregate) SetCurrency(ctx context.Context, c *model.Cart, code string) (*model.Cart, error) {
	cur, err := currency.Normalize(code)
	if err != nil {
		return nil, err
	}
	next := c.Clone()
	next.Currency = cur
	for i := range next.Items {
		p, err := a.catalog.GetProduct(ctx, next.Items[i].ProductID)
		if err != nil {
			return nil, err
		}
		price, err := a.unitPrice(ctx, p, cur)
		if err != nil {
			return nil, err
		}
		next.Items[i].UnitPrice = price
	}
	return a.priced(ctx, next)
}

func (a *Aggregate) SetRegion(ctx context.Context, c *model.Cart, region string) (*model.Cart, error) {
	next := c.Clone()
	next.Region = strings.ToUpper(strings.TrimSpace(region))
	return a.priced(ctx, next)
}

func (a *Aggregate) priced(ctx context.Context, c *model.Cart) (*model.Cart, error) {
	if err := a.Reprice(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Reprice recomputes the derived totals of c in place.
func (a *Aggregate) Reprice(ctx context.Context, c *model.Cart) error {
	t, err := a.pricer.Totals(ctx, c.Items, c.Currency, c.Region, a.now())
	if err != nil {
		return err
	}
	c.Subtotal, c.Tax, c.Shipping, c.Total = t.Subtotal, t.Tax, t.Shipping, t.Total
	return nil
}
