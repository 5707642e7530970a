package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartStatus string

const (
	CartActive   CartStatus = "active"
	CartConsumed CartStatus = "consumed"
)

// CartItem holds the unit price captured when the product was added, already
// expressed in the cart currency.
type CartItem struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Cart totals are derived from Items, Currency and Region on every mutation
// and are never edited on their own.
type Cart struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Items     []CartItem      `json:"items"`
	Currency  string          `json:"currency"`
	Region    string          `json:"region,omitempty"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tax       decimal.Decimal `json:"tax"`
	Shipping  decimal.Decimal `json:"shipping"`
	Total     decimal.Decimal `json:"total"`
	Status    CartStatus      `json:"status"`
	Version   int             `json:"version"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (c *Cart) Clone() *Cart {
	out := *c
	out.Items = append([]CartItem(nil), c.Items...)
	return &out
}

func (c *Cart) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// IndexOf returns the position of the product's line, or -1.
func (c *Cart) IndexOf(productID int64) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}
