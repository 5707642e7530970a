package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyRate is valid on [ValidFrom, ValidUntil). A nil ValidUntil marks the
// current rate of the pair.
type CurrencyRate struct {
	ID         string          `json:"id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Rate       decimal.Decimal `json:"rate"`
	ValidFrom  time.Time       `json:"valid_from"`
	ValidUntil *time.Time      `json:"valid_until,omitempty"`
	CreatedBy  string          `json:"created_by,omitempty"`
}

func (r CurrencyRate) Covers(at time.Time) bool {
	if at.Before(r.ValidFrom) {
		return false
	}
	return r.ValidUntil == nil || at.Before(*r.ValidUntil)
}
