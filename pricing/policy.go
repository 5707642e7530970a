// Package pricing derives cart and checkout totals from line items, the
// shipping region and the injected tax and shipping policies.
package pricing

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// TaxPolicy returns the tax rate (0.08 = 8%) applied to a subtotal shipped to
// region.
type TaxPolicy interface {
	TaxRate(region string) decimal.Decimal
}

// ShippingPolicy returns the shipping fee for a subtotal, both expressed in
// the policy's own currency.
type ShippingPolicy interface {
	Currency() string
	Fee(region string, subtotal decimal.Decimal) decimal.Decimal
}

type TaxTable struct {
	Default decimal.Decimal
	Regions map[string]decimal.Decimal
}

func (t TaxTable) TaxRate(region string) decimal.Decimal {
	if r, ok := t.Regions[strings.ToUpper(region)]; ok {
		return r
	}
	return t.Default
}

type Tier struct {
	MinSubtotal decimal.Decimal
	Fee         decimal.Decimal
}

// TieredShipping charges the fee of the highest tier whose MinSubtotal the
// subtotal reaches. Regions listed in Surcharge pay the extra amount on top.
type TieredShipping struct {
	Base      string
	Tiers     []Tier
	Surcharge map[string]decimal.Decimal
}

// NewTieredShipping builds the common "flat fee, free above a threshold"
// policy. A zero threshold disables free shipping.
func NewTieredShipping(base string, fee, freeAbove decimal.Decimal) TieredShipping {
	tiers := []Tier{{MinSubtotal: decimal.Zero, Fee: fee}}
	if freeAbove.IsPositive() {
		tiers = append(tiers, Tier{MinSubtotal: freeAbove, Fee: decimal.Zero})
	}
	return TieredShipping{Base: base, Tiers: tiers}
}

func (s TieredShipping) Currency() string { return s.Base }

func (s TieredShipping) Fee(region string, subtotal decimal.Decimal) decimal.Decimal {
	tiers := append([]Tier(nil), s.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinSubtotal.LessThan(tiers[j].MinSubtotal) })
	fee := decimal.Zero
	for _, t := range tiers {
		if subtotal.GreaterThanOrEqual(t.MinSubtotal) {
			fee = t.Fee
		}
	}
	if extra, ok := s.Surcharge[strings.ToUpper(region)]; ok {
		fee = fee.Add(extra)
	}
	return fee
}
