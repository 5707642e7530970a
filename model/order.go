package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Address is the shipping address captured on the order.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Region     string `json:"region,omitempty"`
}

// TaxRegion is the key the tax and shipping policies are looked up with.
func (a Address) TaxRegion() string {
	if a.Region != "" {
		return a.Region
	}
	return a.Country
}

// PaymentResult links an order to the gateway authorization that paid for it.
type PaymentResult struct {
	Reference string    `json:"reference"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderItem is a frozen copy of a cart line; later price changes never reach it.
type OrderItem struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"currency"`
}

type Order struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	CartID          string          `json:"cart_id"`
	CheckoutID      string          `json:"checkout_id"`
	Items           []OrderItem     `json:"items"`
	ShippingAddress Address         `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`
	Payment         PaymentResult   `json:"payment_result"`
	ItemsPrice      decimal.Decimal `json:"items_price"`
	TaxPrice        decimal.Decimal `json:"tax_price"`
	ShippingPrice   decimal.Decimal `json:"shipping_price"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	Currency        string          `json:"currency"`
	IsPaid          bool            `json:"is_paid"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	IsDelivered     bool            `json:"is_delivered"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
