package currency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"order-fulfillment/model"
)

// RatePrecision is the number of decimal places a stored rate keeps.
const RatePrecision = 6

// RateStore is the persistence side of the rate table.
type RateStore interface {
	// FindRate returns the row of the pair whose window contains at, or
	// model.ErrRateNotFound.
	FindRate(ctx context.Context, from, to string, at time.Time) (model.CurrencyRate, error)
	// AddRate closes the pair's open window at rate.ValidFrom and inserts rate
	// as the new open window, atomically.
	AddRate(ctx context.Context, rate model.CurrencyRate) error
	ListRates(ctx context.Context, from, to string) ([]model.CurrencyRate, error)
}

type Resolver struct {
	rates RateStore
}

func NewResolver(rates RateStore) *Resolver {
	return &Resolver{rates: rates}
}

// Rate returns the conversion rate from -> to in force at the given instant.
// There is no fallback to the latest rate: a missing window is a
// configuration error.
func (r *Resolver) Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error) {
	f, err := Normalize(from)
	if err != nil {
		return decimal.Zero, err
	}
	t, err := Normalize(to)
	if err != nil {
		return decimal.Zero, err
	}
	if f == t {
		return decimal.NewFromInt(1), nil
	}
	rate, err := r.rates.FindRate(ctx, f, t, at)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate %s->%s at %s: %w", f, t, at.UTC().Format(time.RFC3339), err)
	}
	return rate.Rate, nil
}

// Convert multiplies amount by the rate at the instant and rounds once,
// half-to-even, to the minor units of the target currency.
func (r *Resolver) Convert(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error) {
	rate, err := r.Rate(ctx, from, to, at)
	if err != nil {
		return decimal.Zero, err
	}
	return Apply(amount, rate, to)
}

// Apply converts with an already frozen rate.
func Apply(amount, rate decimal.Decimal, to string) (decimal.Decimal, error) {
	places, err := MinorUnits(to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate).RoundBank(places), nil
}

// SetRate publishes rate for the pair starting at validFrom. The previous open
// window of the pair ends where this one begins.
func (r *Resolver) SetRate(ctx context.Context, from, to string, rate decimal.Decimal, validFrom time.Time, actor string) (model.CurrencyRate, error) {
	f, err := Normalize(from)
	if err != nil {
		return model.CurrencyRate{}, err
	}
	t, err := Normalize(to)
	if err != nil {
		return model.CurrencyRate{}, err
	}
	if f == t {
		return model.CurrencyRate{}, fmt.Errorf("rate %s->%s: identical currencies", f, t)
	}
	if !rate.IsPositive() {
		return model.CurrencyRate{}, fmt.Errorf("rate %s->%s: must be positive, got %s", f, t, rate)
	}
	cr := model.CurrencyRate{
		ID:        uuid.NewString(),
		From:      f,
		To:        t,
		Rate:      rate.Round(RatePrecision),
		ValidFrom: validFrom.UTC(),
		CreatedBy: actor,
	}
	if err := r.rates.AddRate(ctx, cr); err != nil {
		return model.CurrencyRate{}, err
	}
	return cr, nil
}

func (r *Resolver) History(ctx context.Context, from, to string) ([]model.CurrencyRate, error) {
	f, err := Normalize(from)
	if err != nil {
		return nil, err
	}
	t, err := Normalize(to)
	if err != nil {
		return nil, err
	}
	return r.rates.ListRates(ctx, f, t)
}
