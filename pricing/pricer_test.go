package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-fulfillment/model"
)

type fixedRates map[string]decimal.Decimal

func (f fixedRates) Rate(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	r, ok := f[from+to]
	if !ok {
		return decimal.Zero, model.ErrRateNotFound
	}
	return r, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestPricer(rates fixedRates) *Pricer {
	return NewPricer(
		rates,
		TaxTable{Default: dec("0.08"), Regions: map[string]decimal.Decimal{"CA-QC": dec("0.14975")}},
		NewTieredShipping("USD", dec("5.00"), dec("100.00")),
	)
}

func TestTotals_TwoItemsTaxAndFlatShipping(t *testing.T) {
	p := newTestPricer(nil)
	items := []model.CartItem{{ProductID: 1, Quantity: 2, UnitPrice: dec("10.00")}}

	got, err := p.Totals(context.Background(), items, "USD", "US", time.Now())
	require.NoError(t, err)

	assert.Equal(t, "20.00", got.Subtotal.StringFixed(2))
	assert.Equal(t, "1.60", got.Tax.StringFixed(2))
	assert.Equal(t, "5.00", got.Shipping.StringFixed(2))
	assert.Equal(t, "26.60", got.Total.StringFixed(2))
}

func TestTotals_EmptyCartIsZero(t *testing.T) {
	p := newTestPricer(nil)

	got, err := p.Totals(context.Background(), nil, "USD", "US", time.Now())
	require.NoError(t, err)
	assert.True(t, got.Total.IsZero())
	assert.True(t, got.Shipping.IsZero())
}

func TestTotals_FreeShippingAboveThresholdAndRegionalTax(t *testing.T) {
	p := newTestPricer(nil)
	items := []model.CartItem{
		{ProductID: 1, Quantity: 1, UnitPrice: dec("60.00")},
		{ProductID: 2, Quantity: 2, UnitPrice: dec("20.00")},
	}

	got, err := p.Totals(context.Background(), items, "USD", "ca-qc", time.Now())
	require.NoError(t, err)

	assert.Equal(t, "100.00", got.Subtotal.StringFixed(2))
	assert.Equal(t, "14.98", got.Tax.StringFixed(2)) // 14.975 -> 14.98 half to even
	assert.True(t, got.Shipping.IsZero())
	assert.Equal(t, "114.98", got.Total.StringFixed(2))
}

func TestTotals_ShippingConvertedForForeignCurrency(t *testing.T) {
	p := newTestPricer(fixedRates{"EURUSD": dec("1.176471"), "USDEUR": dec("0.85")})
	items := []model.CartItem{{ProductID: 1, Quantity: 2, UnitPrice: dec("8.50")}}

	got, err := p.Totals(context.Background(), items, "EUR", "DE", time.Now())
	require.NoError(t, err)

	assert.Equal(t, "17.00", got.Subtotal.StringFixed(2))
	assert.Equal(t, "1.36", got.Tax.StringFixed(2))
	assert.Equal(t, "4.25", got.Shipping.StringFixed(2))
	assert.Equal(t, "22.61", got.Total.StringFixed(2))
}

func TestTotals_MissingRateForShipping(t *testing.T) {
	p := newTestPricer(fixedRates{})
	items := []model.CartItem{{ProductID: 1, Quantity: 1, UnitPrice: dec("8.50")}}

	_, err := p.Totals(context.Background(), items, "EUR", "DE", time.Now())
	assert.ErrorIs(t, err, model.ErrRateNotFound)
}

func TestTieredShipping_Surcharge(t *testing.T) {
	s := NewTieredShipping("USD", dec("5"), decimal.Zero)
	s.Surcharge = map[string]decimal.Decimal{"AK": dec("10")}

	assert.Equal(t, "15", s.Fee("ak", dec("1000")).String())
	assert.Equal(t, "5", s.Fee("NY", dec("1000")).String())
}
