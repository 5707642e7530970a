// Package payment is the boundary to the payment provider. Every
// authorization carries an idempotency key; the provider is expected to
// return the original charge when a key is replayed.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusVoided     Status = "voided"
	StatusRefunded   Status = "refunded"
	StatusDeclined   Status = "declined"
)

// ErrNoCharge is returned by Lookup when the provider holds no charge for
// the key.
var ErrNoCharge = errors.New("no charge for idempotency key")

type Authorization struct {
	IdempotencyKey string
	Method         string
	Amount         decimal.Decimal
	Currency       string
	Description    string
}

type Charge struct {
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         Status          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Gateway errors wrap model.ErrPaymentDeclined for a refusal and
// model.ErrPaymentGatewayUnavailable for anything that may be retried.
type Gateway interface {
	Authorize(ctx context.Context, a Authorization) (Charge, error)
	Lookup(ctx context.Context, idempotencyKey string) (Charge, error)
	Void(ctx context.Context, reference string) (Charge, error)
	Refund(ctx context.Context, reference string) (Charge, error)
}
