package model

import "time"

type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionSale       TransactionType = "sale"
	TransactionAdjustment TransactionType = "adjustment"
	TransactionReturn     TransactionType = "return"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPurchase, TransactionSale, TransactionAdjustment, TransactionReturn:
		return true
	}
	return false
}

// InventoryTransaction is one immutable row of the stock ledger.
type InventoryTransaction struct {
	ID            string          `json:"id"`
	ProductID     int64           `json:"product_id"`
	Type          TransactionType `json:"type"`
	Quantity      int             `json:"quantity"` // signed delta
	ReferenceType string          `json:"reference_type,omitempty"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// StockDrift reports a product whose cached counter disagrees with its ledger.
type StockDrift struct {
	ProductID    int64 `json:"product_id"`
	CountInStock int   `json:"count_in_stock"`
	LedgerSum    int   `json:"ledger_sum"`
}

type StockLevel struct {
	ProductID    int64 `json:"product_id"`
	CountInStock int   `json:"count_in_stock"`
	LedgerSum    int   `json:"ledger_sum"`
}

type InventoryReport struct {
	TotalProducts      int       `json:"total_products"`
	TotalStock         int       `json:"total_stock"`
	OutOfStockCount    int       `json:"out_of_stock_count"`
	LowStockCount      int       `json:"low_stock_count"`
	LowStockProducts   []Product `json:"low_stock_products"`
	OutOfStockProducts []Product `json:"out_of_stock_products"`
	Threshold          int       `json:"threshold"`
}
