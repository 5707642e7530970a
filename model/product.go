package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is owned by the catalog. CountInStock is a cache of the ledger sum
// and is only ever written together with an inventory transaction.
type Product struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	CountInStock int             `json:"count_in_stock"`
	CreatedAt    time.Time       `json:"created_at"`
}
