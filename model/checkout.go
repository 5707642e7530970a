package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type CheckoutState string

const (
	CheckoutDraft               CheckoutState = "DRAFT"
	CheckoutPriced              CheckoutState = "PRICED"
	CheckoutAuthorizing         CheckoutState = "AUTHORIZING"
	CheckoutAuthorized          CheckoutState = "AUTHORIZED"
	CheckoutCommittingInventory CheckoutState = "COMMITTING_INVENTORY"
	CheckoutConfirmed           CheckoutState = "CONFIRMED"
	CheckoutAborted             CheckoutState = "ABORTED"
	CheckoutAuthorizationFailed CheckoutState = "AUTHORIZATION_FAILED"
	CheckoutCompensating        CheckoutState = "COMPENSATING"
	CheckoutRefunded            CheckoutState = "REFUNDED"
)

var checkoutTransitions = map[CheckoutState][]CheckoutState{
	CheckoutDraft:               {CheckoutPriced},
	CheckoutPriced:              {CheckoutAuthorizing, CheckoutAborted},
	CheckoutAuthorizing:         {CheckoutAuthorized, CheckoutAuthorizationFailed},
	CheckoutAuthorized:          {CheckoutCommittingInventory},
	CheckoutCommittingInventory: {CheckoutConfirmed, CheckoutCompensating},
	CheckoutCompensating:        {CheckoutRefunded},
	CheckoutAborted:             {CheckoutPriced},
}

// IsTerminal reports whether a checkout in this state is never executed again.
// ABORTED is an exit but not terminal: nothing was charged, so a new attempt
// may re-price the cart.
func (s CheckoutState) IsTerminal() bool {
	return s == CheckoutConfirmed || s == CheckoutRefunded || s == CheckoutAuthorizationFailed
}

func (s CheckoutState) String() string {
	return string(s)
}

func CanTransitionTo(from, to CheckoutState) bool {
	for _, next := range checkoutTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type SnapshotLine struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// PriceSnapshot is the immutable basis of a payment authorization: totals in
// Currency computed from the cart lines converted once at RateAt.
type PriceSnapshot struct {
	CartID         string          `json:"cart_id"`
	Currency       string          `json:"currency"`
	SourceCurrency string          `json:"source_currency"`
	Rate           decimal.Decimal `json:"rate"`
	RateAt         time.Time       `json:"rate_at"`
	Region         string          `json:"region,omitempty"`
	Lines          []SnapshotLine  `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Shipping       decimal.Decimal `json:"shipping"`
	Total          decimal.Decimal `json:"total"`
	Hash           string          `json:"hash"`
}

// CheckoutSession is the persisted state of the single checkout a cart gets.
type CheckoutSession struct {
	ID              string         `json:"id"`
	CartID          string         `json:"cart_id"`
	OwnerID         string         `json:"owner_id"`
	State           CheckoutState  `json:"state"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Snapshot        *PriceSnapshot `json:"snapshot,omitempty"`
	PaymentMethod   string         `json:"payment_method"`
	ShippingAddress Address        `json:"shipping_address"`
	PaymentRef      string         `json:"payment_ref,omitempty"`
	PaymentStatus   string         `json:"payment_status,omitempty"`
	OrderID         string         `json:"order_id,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	Attempts        int            `json:"attempts"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// SessionPatch carries the fields a transition may set. Empty strings and a
// nil snapshot leave the stored value untouched.
type SessionPatch struct {
	IdempotencyKey string
	Snapshot       *PriceSnapshot
	PaymentRef     string
	PaymentStatus  string
	ErrorCode      string
	ClearError     bool
}

func (p SessionPatch) Apply(s *CheckoutSession) {
	if p.IdempotencyKey != "" {
		s.IdempotencyKey = p.IdempotencyKey
	}
	if p.Snapshot != nil {
		s.Snapshot = p.Snapshot
	}
	if p.PaymentRef != "" {
		s.PaymentRef = p.PaymentRef
	}
	if p.PaymentStatus != "" {
		s.PaymentStatus = p.PaymentStatus
	}
	if p.ClearError {
		s.ErrorCode = ""
	}
	if p.ErrorCode != "" {
		s.ErrorCode = p.ErrorCode
	}
}

// SaleCommit is the unit of work that turns an authorized checkout into an
// order: ledger rows, the order, the consumed cart and the CONFIRMED session
// are written together or not at all.
type SaleCommit struct {
	SessionID    string
	CartID       string
	Order        Order
	Transactions []InventoryTransaction
	Event        OutboxEvent
}

type OutboxEvent struct {
	ID          string    `json:"id"`
	AggregateID string    `json:"aggregate_id"`
	EventType   string    `json:"event_type"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}
