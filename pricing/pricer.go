package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"order-fulfillment/currency"
	"order-fulfillment/model"
)

// RateSource is the part of the currency resolver the pricer needs.
type RateSource interface {
	Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error)
}

type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
	Total    decimal.Decimal `json:"total"`
}

type Pricer struct {
	rates    RateSource
	tax      TaxPolicy
	shipping ShippingPolicy
}

func NewPricer(rates RateSource, tax TaxPolicy, shipping ShippingPolicy) *Pricer {
	return &Pricer{rates: rates, tax: tax, shipping: shipping}
}

// Totals prices items whose unit prices are already in cur. The shipping
// policy is evaluated in its own currency; when that differs from cur the
// subtotal and the fee are each converted once at the instant at.
func (p *Pricer) Totals(ctx context.Context, items []model.CartItem, cur, region string, at time.Time) (Totals, error) {
	places, err := currency.MinorUnits(cur)
	if err != nil {
		return Totals{}, err
	}
	if len(items) == 0 {
		return Totals{Subtotal: decimal.Zero, Tax: decimal.Zero, Shipping: decimal.Zero, Total: decimal.Zero}, nil
	}

	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	subtotal = subtotal.RoundBank(places)

	tax := subtotal.Mul(p.tax.TaxRate(region)).RoundBank(places)

	shipping, err := p.shippingFee(ctx, subtotal, cur, region, at)
	if err != nil {
		return Totals{}, err
	}

	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Add(shipping),
	}, nil
}

func (p *Pricer) shippingFee(ctx context.Context, subtotal decimal.Decimal, cur, region string, at time.Time) (decimal.Decimal, error) {
	base := p.shipping.Currency()
	if base == cur {
		places, _ := currency.MinorUnits(cur)
		return p.shipping.Fee(region, subtotal).RoundBank(places), nil
	}

	toBase, err := p.rates.Rate(ctx, cur, base, at)
	if err != nil {
		return decimal.Zero, fmt.Errorf("shipping tier lookup: %w", err)
	}
	baseSubtotal, err := currency.Apply(subtotal, toBase, base)
	if err != nil {
		return decimal.Zero, err
	}
	fee := p.shipping.Fee(region, baseSubtotal)
	if fee.IsZero() {
		return decimal.Zero, nil
	}
	fromBase, err := p.rates.Rate(ctx, base, cur, at)
	if err != nil {
		return decimal.Zero, fmt.Errorf("shipping fee conversion: %w", err)
	}
	return currency.Apply(fee, fromBase, cur)
}
