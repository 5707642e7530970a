package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"order-fulfillment/currency"
	"order-fulfillment/model"
)

// snapshot freezes the cart in target currency at instant at. Lines are
// converted at full precision and the subtotal is rounded once, so the
// rounding error does not grow with quantity.
func (o *Orchestrator) snapshot(ctx context.Context, c *model.Cart, target, region string, at time.Time) (*model.PriceSnapshot, error) {
	if len(c.Items) == 0 {
		return nil, fmt.Errorf("cart %s: %w", c.ID, model.ErrEmptyCart)
	}
	cur := c.Currency
	if target != "" {
		var err error
		if cur, err = currency.Normalize(target); err != nil {
			return nil, err
		}
	}
	if region == "" {
		region = c.Region
	}
	rate, err := o.rates.Rate(ctx, c.Currency, cur, at)
	if err != nil {
		return nil, err
	}

	snap := &model.PriceSnapshot{
		CartID:         c.ID,
		Currency:       cur,
		SourceCurrency: c.Currency,
		Rate:           rate,
		RateAt:         at,
		Region:         region,
		Lines:          make([]model.SnapshotLine, 0, len(c.Items)),
	}
	places, err := currency.MinorUnits(cur)
	if err != nil {
		return nil, err
	}
	// items keep full precision so the subtotal is rounded once; the
	// rounded unit and line prices on the snapshot are for display.
	items := make([]model.CartItem, 0, len(c.Items))
	for _, it := range c.Items {
		unit := it.UnitPrice.Mul(rate)
		qty := decimal.NewFromInt(int64(it.Quantity))
		items = append(items, model.CartItem{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: unit})
		snap.Lines = append(snap.Lines, model.SnapshotLine{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: unit.RoundBank(places),
			LineTotal: unit.Mul(qty).RoundBank(places),
		})
	}
	totals, err := o.pricer.Totals(ctx, items, cur, region, at)
	if err != nil {
		return nil, err
	}
	snap.Subtotal, snap.Tax, snap.Shipping, snap.Total = totals.Subtotal, totals.Tax, totals.Shipping, totals.Total
	snap.Hash = snapshotHash(snap)
	return snap, nil
}

// snapshotHash covers what the shopper pays for. The pricing instant is left
// out so re-pricing an unchanged cart under the same rate gives the same hash.
func snapshotHash(s *model.PriceSnapshot) string {
	canonical := struct {
		CartID   string               `json:"cart_id"`
		Currency string               `json:"currency"`
		Source   string               `json:"source"`
		Rate     string               `json:"rate"`
		Region   string               `json:"region"`
		Lines    []model.SnapshotLine `json:"lines"`
		Subtotal string               `json:"subtotal"`
		Tax      string               `json:"tax"`
		Shipping string               `json:"shipping"`
		Total    string               `json:"total"`
	}{
		CartID:   s.CartID,
		Currency: s.Currency,
		Source:   s.SourceCurrency,
		Rate:     s.Rate.String(),
		Region:   s.Region,
		Lines:    s.Lines,
		Subtotal: s.Subtotal.String(),
		Tax:      s.Tax.String(),
		Shipping: s.Shipping.String(),
		Total:    s.Total.String(),
	}
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey is the payment key for one checkout attempt of a cart at a
// given price. Retrying the same attempt reuses it; a changed cart gets a new
// one.
func IdempotencyKey(cartID, snapshotHash string) string {
	sum := sha256.Sum256([]byte(cartID + ":" + snapshotHash))
	return hex.EncodeToString(sum[:])
}
