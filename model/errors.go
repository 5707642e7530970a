package model

import "errors"

var (
	ErrInsufficientStock         = errors.New("insufficient stock")
	ErrRateNotFound              = errors.New("currency rate not found")
	ErrRateOverlap               = errors.New("currency rate window overlaps an existing window")
	ErrUnsupportedCurrency       = errors.New("unsupported currency")
	ErrEmptyCart                 = errors.New("cart is empty, nothing to checkout")
	ErrInvalidQuantity           = errors.New("invalid quantity")
	ErrInvalidTransaction        = errors.New("invalid inventory transaction")
	ErrPaymentDeclined           = errors.New("payment declined")
	ErrPaymentGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInventoryCommitFailed     = errors.New("inventory commit failed")
	ErrCompensationFailed        = errors.New("compensation failed, manual reconciliation required")
	ErrProductNotFound           = errors.New("product not found")
	ErrCartNotFound              = errors.New("cart not found")
	ErrCartConsumed              = errors.New("cart already checked out")
	ErrCartExpired               = errors.New("cart expired")
	ErrCartConflict              = errors.New("cart was modified concurrently")
	ErrOrderNotFound             = errors.New("order not found")
	ErrOrderNotPaid              = errors.New("order is not paid")
	ErrCheckoutNotFound          = errors.New("checkout session not found")
	ErrCheckoutExists            = errors.New("checkout session already exists")
	ErrInvalidTransition         = errors.New("illegal transition of checkout state")
	ErrStaleState                = errors.New("checkout state changed concurrently")
	ErrPriceChanged              = errors.New("cart changed since it was priced")
)

// Error codes persisted on checkout sessions. They outlive the process, so
// they are stable strings rather than error values.
// Order matters: the first match wins for errors wrapping several sentinels.
var errorCodes = []struct {
	code string
	err  error
}{
	{"INSUFFICIENT_STOCK", ErrInsufficientStock},
	{"PAYMENT_DECLINED", ErrPaymentDeclined},
	{"PAYMENT_GATEWAY_UNAVAILABLE", ErrPaymentGatewayUnavailable},
	{"RATE_NOT_FOUND", ErrRateNotFound},
	{"EMPTY_CART", ErrEmptyCart},
	{"CART_EXPIRED", ErrCartExpired},
	{"PRICE_CHANGED", ErrPriceChanged},
	{"COMPENSATION_FAILED", ErrCompensationFailed},
	{"INVENTORY_COMMIT_FAILED", ErrInventoryCommitFailed},
}

// ErrorCode maps err to its persisted code, or "" when it has none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// ErrorFromCode is the inverse of ErrorCode.
func ErrorFromCode(code string) error {
	if code == "" {
		return nil
	}
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return errors.New(code)
}
