// Package checkout drives a cart through payment and inventory to an order.
// Every step is persisted as a compare-and-set on the session state, so an
// invocation interrupted anywhere can be resumed by calling Checkout again.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"order-fulfillment/inventory"
	"order-fulfillment/metrics"
	"order-fulfillment/model"
	"order-fulfillment/payment"
	"order-fulfillment/pricing"
)

// maxSteps bounds the state loop of one invocation. A clean run needs six.
const maxSteps = 16

const EventOrderConfirmed = "order.confirmed"

type Store interface {
	GetCart(ctx context.Context, id string) (*model.Cart, error)
	CreateSession(ctx context.Context, s *model.CheckoutSession) error
	GetSession(ctx context.Context, id string) (*model.CheckoutSession, error)
	GetSessionByCart(ctx context.Context, cartID string) (*model.CheckoutSession, error)
	UpdateSession(ctx context.Context, s *model.CheckoutSession, from model.CheckoutState) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
}

type Ledger interface {
	CommitSale(ctx context.Context, sale inventory.Sale) error
}

// CartCache is told when a cart was consumed.
type CartCache interface {
	Invalidate(ctx context.Context, cartID string)
}

type Config struct {
	// PaymentTimeout bounds each authorization attempt and each lookup.
	PaymentTimeout time.Duration
	// AuthorizeAttempts is the number of tries while the gateway reports
	// itself unavailable.
	AuthorizeAttempts int
	RetryBaseDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 5 * time.Second
	}
	if c.AuthorizeAttempts <= 0 {
		c.AuthorizeAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	return c
}

type Request struct {
	CartID          string        `json:"cart_id"`
	Currency        string        `json:"currency,omitempty"`
	PaymentMethod   string        `json:"payment_method"`
	ShippingAddress model.Address `json:"shipping_address"`
}

type Result struct {
	Status    model.CheckoutState  `json:"status"`
	SessionID string               `json:"session_id,omitempty"`
	Order     *model.Order         `json:"order,omitempty"`
	Snapshot  *model.PriceSnapshot `json:"snapshot,omitempty"`
	ErrorCode string               `json:"error_code,omitempty"`
	Err       error                `json:"-"`
}

type Orchestrator struct {
	store   Store
	ledger  Ledger
	gateway payment.Gateway
	rates   pricing.RateSource
	pricer  *pricing.Pricer
	carts   CartCache
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	// per-cart mutexes, cart id -> *sync.Mutex
	locks sync.Map
}

func New(store Store, ledger Ledger, gateway payment.Gateway, rates pricing.RateSource, pricer *pricing.Pricer, carts CartCache, m *metrics.Metrics, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:   store,
		ledger:  ledger,
		gateway: gateway,
		rates:   rates,
		pricer:  pricer,
		carts:   carts,
		metrics: m,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) lockCart(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx.Unlock
}

// PriceCart quotes the cart in code at the current rate without starting a
// checkout.
func (o *Orchestrator) PriceCart(ctx context.Context, cartID, code string) (model.PriceSnapshot, error) {
	c, err := o.activeCart(ctx, cartID)
	if err != nil {
		return model.PriceSnapshot{}, err
	}
	snap, err := o.snapshot(ctx, c, code, c.Region, o.now())
	if err != nil {
		return model.PriceSnapshot{}, err
	}
	return *snap, nil
}

// Session returns the checkout of a cart as last persisted.
func (o *Orchestrator) Session(ctx context.Context, cartID string) (*model.CheckoutSession, error) {
	return o.store.GetSessionByCart(ctx, cartID)
}

// Checkout runs the cart's checkout to a resting state. Terminal sessions
// return their stored outcome without side effects; others resume where they
// stopped.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (Result, error) {
	if req.CartID == "" {
		return Result{Err: model.ErrCartNotFound}, model.ErrCartNotFound
	}
	unlock := o.lockCart(req.CartID)
	defer unlock()

	s, err := o.open(ctx, req)
	if err != nil {
		return Result{Err: err}, err
	}
	res, err := o.run(ctx, s, req.Currency)
	res.Err = err
	o.metrics.CheckoutOutcomes.WithLabelValues(string(res.Status)).Inc()
	if err != nil {
		slog.Info("checkout stopped", "cart_id", req.CartID, "session_id", res.SessionID, "state", res.Status, "error", err)
	}
	return res, err
}

// open loads the cart's session or creates it in DRAFT.
func (o *Orchestrator) open(ctx context.Context, req Request) (*model.CheckoutSession, error) {
	s, err := o.store.GetSessionByCart(ctx, req.CartID)
	if err == nil {
		if s.State == model.CheckoutDraft || s.State == model.CheckoutAborted {
			// nothing was charged yet, so the shopper may still change these
			if req.PaymentMethod != "" {
				s.PaymentMethod = req.PaymentMethod
			}
			if req.ShippingAddress != (model.Address{}) {
				s.ShippingAddress = req.ShippingAddress
			}
		}
		return s, nil
	}
	if !errors.Is(err, model.ErrCheckoutNotFound) {
		return nil, err
	}

	c, err := o.activeCart(ctx, req.CartID)
	if err != nil {
		return nil, err
	}
	now := o.now()
	s = &model.CheckoutSession{
		ID:              uuid.NewString(),
		CartID:          c.ID,
		OwnerID:         c.OwnerID,
		State:           model.CheckoutDraft,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = o.store.CreateSession(ctx, s)
	if errors.Is(err, model.ErrCheckoutExists) {
		return o.store.GetSessionByCart(ctx, req.CartID)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("checkout opened", "cart_id", c.ID, "session_id", s.ID, "owner_id", c.OwnerID)
	return s, nil
}

func (o *Orchestrator) activeCart(ctx context.Context, cartID string) (*model.Cart, error) {
	c, err := o.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CartConsumed {
		return nil, fmt.Errorf("cart %s: %w", cartID, model.ErrCartConsumed)
	}
	if c.Expired(o.now()) {
		return nil, fmt.Errorf("cart %s: %w", cartID, model.ErrCartExpired)
	}
	return c, nil
}

func result(s *model.CheckoutSession) Result {
	return Result{Status: s.State, SessionID: s.ID, Snapshot: s.Snapshot, ErrorCode: s.ErrorCode}
}

func (o *Orchestrator) run(ctx context.Context, s *model.CheckoutSession, target string) (Result, error) {
	// current is set once the snapshot is known to match the cart, either
	// because this invocation priced it or because it was checked.
	current := false
	for i := 0; i < maxSteps; i++ {
		var err error
		switch s.State {
		case model.CheckoutConfirmed:
			return o.confirmed(ctx, s)
		case model.CheckoutRefunded, model.CheckoutAuthorizationFailed:
			return result(s), fmt.Errorf("checkout %s %s: %w", s.ID, s.State, model.ErrorFromCode(s.ErrorCode))
		case model.CheckoutDraft, model.CheckoutAborted:
			err = o.price(ctx, s, target)
			current = err == nil
		case model.CheckoutPriced:
			if !current {
				current = true
				err = o.revalidate(ctx, s, target)
				break
			}
			err = o.authorize(ctx, s)
		case model.CheckoutAuthorizing:
			err = o.authorize(ctx, s)
		case model.CheckoutAuthorized, model.CheckoutCommittingInventory:
			err = o.commit(ctx, s)
		case model.CheckoutCompensating:
			err = o.compensate(ctx, s)
		default:
			err = fmt.Errorf("checkout %s in %q: %w", s.ID, s.State, model.ErrInvalidTransition)
		}

		if errors.Is(err, model.ErrStaleState) {
			fresh, gerr := o.store.GetSession(ctx, s.ID)
			if gerr != nil {
				return result(s), gerr
			}
			slog.Info("checkout state moved underneath, resuming", "session_id", s.ID, "expected", s.State, "found", fresh.State)
			*s = *fresh
			continue
		}
		if err != nil {
			return result(s), err
		}
	}
	return result(s), fmt.Errorf("checkout %s did not settle in %s: %w", s.ID, s.State, model.ErrStaleState)
}

// transition persists s in state to with patch applied, as a compare-and-set
// on the current state. s is updated only when the write succeeds.
func (o *Orchestrator) transition(ctx context.Context, s *model.CheckoutSession, to model.CheckoutState, patch model.SessionPatch) error {
	from := s.State
	if !model.CanTransitionTo(from, to) {
		return fmt.Errorf("checkout %s %s -> %s: %w", s.ID, from, to, model.ErrInvalidTransition)
	}
	next := *s
	next.State = to
	patch.Apply(&next)
	if to == model.CheckoutAuthorizing {
		next.Attempts++
	}
	next.UpdatedAt = o.now()
	if err := o.store.UpdateSession(ctx, &next, from); err != nil {
		return err
	}
	*s = next
	o.observeTransition(s, from, to)
	return nil
}

func (o *Orchestrator) observeTransition(s *model.CheckoutSession, from, to model.CheckoutState) {
	o.metrics.CheckoutTransitions.WithLabelValues(string(from), string(to)).Inc()
	slog.Info("checkout transition", "cart_id", s.CartID, "session_id", s.ID, "from", from, "to", to, "error_code", s.ErrorCode)
}

// price moves DRAFT or ABORTED to PRICED with a snapshot frozen at now. A
// failure leaves the session where it was.
func (o *Orchestrator) price(ctx context.Context, s *model.CheckoutSession, target string) error {
	c, err := o.activeCart(ctx, s.CartID)
	if err != nil {
		return err
	}
	if target == "" && s.Snapshot != nil {
		target = s.Snapshot.Currency
	}
	snap, err := o.snapshot(ctx, c, target, o.region(s, c), o.now())
	if err != nil {
		return err
	}
	return o.transition(ctx, s, model.CheckoutPriced, model.SessionPatch{
		Snapshot:       snap,
		IdempotencyKey: IdempotencyKey(c.ID, snap.Hash),
		ClearError:     true,
	})
}

func (o *Orchestrator) region(s *model.CheckoutSession, c *model.Cart) string {
	if r := s.ShippingAddress.TaxRegion(); r != "" {
		return r
	}
	return c.Region
}

// revalidate re-prices the cart behind a resumed PRICED session. If anything
// the shopper pays for changed, the session is aborted; the run loop then
// prices it afresh.
func (o *Orchestrator) revalidate(ctx context.Context, s *model.CheckoutSession, target string) error {
	if s.Snapshot == nil {
		return o.transition(ctx, s, model.CheckoutAborted, model.SessionPatch{ErrorCode: model.ErrorCode(model.ErrPriceChanged)})
	}
	if target == "" {
		target = s.Snapshot.Currency
	}
	c, err := o.activeCart(ctx, s.CartID)
	var snap *model.PriceSnapshot
	if err == nil {
		snap, err = o.snapshot(ctx, c, target, o.region(s, c), o.now())
	}
	if err != nil {
		if terr := o.transition(ctx, s, model.CheckoutAborted, model.SessionPatch{ErrorCode: model.ErrorCode(err)}); terr != nil {
			return terr
		}
		return err
	}
	if snap.Hash == s.Snapshot.Hash {
		return nil
	}
	slog.Info("cart changed since pricing", "cart_id", s.CartID, "session_id", s.ID)
	return o.transition(ctx, s, model.CheckoutAborted, model.SessionPatch{ErrorCode: model.ErrorCode(model.ErrPriceChanged)})
}

// authorize enters AUTHORIZING and asks the gateway for the charge. A session
// already in AUTHORIZING replays the same idempotency key.
func (o *Orchestrator) authorize(ctx context.Context, s *model.CheckoutSession) error {
	if s.State == model.CheckoutPriced {
		if err := o.transition(ctx, s, model.CheckoutAuthorizing, model.SessionPatch{}); err != nil {
			return err
		}
	}
	ch, err := o.authorizeWithRetry(ctx, s)
	switch {
	case err == nil:
		return o.transition(ctx, s, model.CheckoutAuthorized, model.SessionPatch{PaymentRef: ch.Reference, PaymentStatus: string(ch.Status)})
	case errors.Is(err, model.ErrPaymentDeclined):
		return o.transition(ctx, s, model.CheckoutAuthorizationFailed, model.SessionPatch{
			PaymentRef:    ch.Reference,
			PaymentStatus: string(ch.Status),
			ErrorCode:     model.ErrorCode(model.ErrPaymentDeclined),
		})
	case errors.Is(err, model.ErrPaymentGatewayUnavailable):
		return o.settleUnknown(ctx, s, err)
	}
	return err
}

func (o *Orchestrator) authorizeWithRetry(ctx context.Context, s *model.CheckoutSession) (payment.Charge, error) {
	if s.Snapshot == nil {
		return payment.Charge{}, fmt.Errorf("checkout %s has no snapshot: %w", s.ID, model.ErrInvalidTransition)
	}
	auth := payment.Authorization{
		IdempotencyKey: s.IdempotencyKey,
		Method:         s.PaymentMethod,
		Amount:         s.Snapshot.Total,
		Currency:       s.Snapshot.Currency,
		Description:    "cart " + s.CartID,
	}
	op := func() (payment.Charge, error) {
		actx, cancel := context.WithTimeout(ctx, o.cfg.PaymentTimeout)
		defer cancel()
		ch, err := o.gateway.Authorize(actx, auth)
		o.observePayment("authorize", err)
		if err != nil && !errors.Is(err, model.ErrPaymentGatewayUnavailable) {
			return ch, backoff.Permanent(err)
		}
		return ch, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryBaseDelay
	b.MaxInterval = 10 * o.cfg.RetryBaseDelay
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.cfg.AuthorizeAttempts)))
}

// settleUnknown resolves an authorization whose outcome never arrived. The
// session fails only when the gateway confirms it holds no charge for the key.
func (o *Orchestrator) settleUnknown(ctx context.Context, s *model.CheckoutSession, cause error) error {
	lctx, cancel := context.WithTimeout(ctx, o.cfg.PaymentTimeout)
	defer cancel()
	ch, err := o.gateway.Lookup(lctx, s.IdempotencyKey)
	o.observePayment("lookup", err)
	switch {
	case err == nil && ch.Status == payment.StatusDeclined:
		return o.transition(ctx, s, model.CheckoutAuthorizationFailed, model.SessionPatch{
			PaymentRef:    ch.Reference,
			PaymentStatus: string(ch.Status),
			ErrorCode:     model.ErrorCode(model.ErrPaymentDeclined),
		})
	case err == nil:
		slog.Info("authorization found by lookup", "session_id", s.ID, "payment_ref", ch.Reference)
		return o.transition(ctx, s, model.CheckoutAuthorized, model.SessionPatch{PaymentRef: ch.Reference, PaymentStatus: string(ch.Status)})
	case errors.Is(err, payment.ErrNoCharge):
		return o.transition(ctx, s, model.CheckoutAuthorizationFailed, model.SessionPatch{ErrorCode: model.ErrorCode(cause)})
	}
	slog.Warn("authorization outcome unknown", "session_id", s.ID, "error", cause, "lookup_error", err)
	return fmt.Errorf("checkout %s left authorizing: %w", s.ID, cause)
}

func (o *Orchestrator) observePayment(op string, err error) {
	res := "ok"
	switch {
	case err == nil:
	case errors.Is(err, model.ErrPaymentDeclined):
		res = "declined"
	case errors.Is(err, payment.ErrNoCharge):
		res = "not_found"
	case errors.Is(err, model.ErrPaymentGatewayUnavailable):
		res = "unavailable"
	default:
		res = "error"
	}
	o.metrics.PaymentCalls.WithLabelValues(op, res).Inc()
}

// commit writes the order, the sale rows, the consumed cart and CONFIRMED in
// one unit of work. Running out of stock sends the session to compensation.
func (o *Orchestrator) commit(ctx context.Context, s *model.CheckoutSession) error {
	if s.State == model.CheckoutAuthorized {
		if err := o.transition(ctx, s, model.CheckoutCommittingInventory, model.SessionPatch{}); err != nil {
			return err
		}
	}
	order, err := o.buildOrder(s)
	if err != nil {
		return err
	}
	event, err := orderEvent(order)
	if err != nil {
		return err
	}

	err = o.ledger.CommitSale(ctx, inventory.Sale{SessionID: s.ID, Order: order, Event: event, Actor: "checkout"})
	switch {
	case err == nil:
		from := s.State
		s.State = model.CheckoutConfirmed
		s.OrderID = order.ID
		s.ErrorCode = ""
		s.UpdatedAt = order.CreatedAt
		o.observeTransition(s, from, model.CheckoutConfirmed)
		if o.carts != nil {
			o.carts.Invalidate(ctx, s.CartID)
		}
		return nil
	case errors.Is(err, model.ErrStaleState):
		return err
	case errors.Is(err, model.ErrInsufficientStock):
		slog.Info("stock ran out at commit", "session_id", s.ID, "error", err)
		return o.transition(ctx, s, model.CheckoutCompensating, model.SessionPatch{ErrorCode: model.ErrorCode(model.ErrInsufficientStock)})
	}

	// The sale may have landed from another process before this one failed.
	if fresh, gerr := o.store.GetSession(ctx, s.ID); gerr == nil && fresh.State != s.State {
		*s = *fresh
		return nil
	}
	slog.Error("inventory commit failed", "session_id", s.ID, "cart_id", s.CartID, "error", err)
	if terr := o.transition(ctx, s, model.CheckoutCompensating, model.SessionPatch{ErrorCode: model.ErrorCode(model.ErrInventoryCommitFailed)}); terr != nil {
		return fmt.Errorf("%w: %v", model.ErrInventoryCommitFailed, terr)
	}
	return nil
}

func (o *Orchestrator) buildOrder(s *model.CheckoutSession) (model.Order, error) {
	snap := s.Snapshot
	if snap == nil {
		return model.Order{}, fmt.Errorf("checkout %s has no snapshot: %w", s.ID, model.ErrInvalidTransition)
	}
	now := o.now()
	var paidAt *time.Time
	if paid(payment.Status(s.PaymentStatus)) {
		paidAt = &now
	}
	items := make([]model.OrderItem, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		items = append(items, model.OrderItem{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Currency:  snap.Currency,
		})
	}
	return model.Order{
		ID:              uuid.NewString(),
		OwnerID:         s.OwnerID,
		CartID:          s.CartID,
		CheckoutID:      s.ID,
		Items:           items,
		ShippingAddress: s.ShippingAddress,
		PaymentMethod:   s.PaymentMethod,
		Payment:         model.PaymentResult{Reference: s.PaymentRef, Status: s.PaymentStatus, UpdatedAt: now},
		ItemsPrice:      snap.Subtotal,
		TaxPrice:        snap.Tax,
		ShippingPrice:   snap.Shipping,
		TotalPrice:      snap.Total,
		Currency:        snap.Currency,
		IsPaid:          paidAt != nil,
		PaidAt:          paidAt,
		CreatedAt:       now,
	}, nil
}

// paid reports whether the order's funds are secured. An authorization
// holds them, so an authorized order is paid; Payment.Status tells an
// authorized order from a captured one.
func paid(st payment.Status) bool {
	return st == payment.StatusAuthorized || st == payment.StatusCaptured
}

type orderConfirmed struct {
	OrderID    string            `json:"order_id"`
	OwnerID    string            `json:"owner_id"`
	CartID     string            `json:"cart_id"`
	CheckoutID string            `json:"checkout_id"`
	Total      string            `json:"total"`
	Currency   string            `json:"currency"`
	Items      []model.OrderItem `json:"items"`
}

func orderEvent(o model.Order) (model.OutboxEvent, error) {
	payload, err := json.Marshal(orderConfirmed{
		OrderID:    o.ID,
		OwnerID:    o.OwnerID,
		CartID:     o.CartID,
		CheckoutID: o.CheckoutID,
		Total:      o.TotalPrice.StringFixed(2),
		Currency:   o.Currency,
		Items:      o.Items,
	})
	if err != nil {
		return model.OutboxEvent{}, err
	}
	return model.OutboxEvent{
		ID:          uuid.NewString(),
		AggregateID: o.ID,
		EventType:   EventOrderConfirmed,
		Payload:     payload,
		CreatedAt:   o.CreatedAt,
	}, nil
}

// compensate releases the payment of a checkout whose inventory commit
// failed. When the gateway refuses, the session stays in COMPENSATING and
// the next invocation tries again.
func (o *Orchestrator) compensate(ctx context.Context, s *model.CheckoutSession) error {
	var (
		ch  payment.Charge
		err error
		op  string
	)
	gctx, cancel := context.WithTimeout(ctx, o.cfg.PaymentTimeout)
	defer cancel()
	switch payment.Status(s.PaymentStatus) {
	case payment.StatusAuthorized:
		op = "void"
		ch, err = o.gateway.Void(gctx, s.PaymentRef)
	case payment.StatusCaptured:
		op = "refund"
		ch, err = o.gateway.Refund(gctx, s.PaymentRef)
	case payment.StatusVoided, payment.StatusRefunded:
		ch = payment.Charge{Reference: s.PaymentRef, Status: payment.Status(s.PaymentStatus)}
	default:
		err = fmt.Errorf("payment %s in status %q", s.PaymentRef, s.PaymentStatus)
	}
	if op != "" {
		o.observePayment(op, err)
	}
	if err != nil {
		o.metrics.CompensationFailures.Inc()
		slog.Error("checkout compensation failed",
			"session_id", s.ID,
			"cart_id", s.CartID,
			"payment_ref", s.PaymentRef,
			"payment_status", s.PaymentStatus,
			"error", err,
			"manual_reconciliation", true)
		return fmt.Errorf("checkout %s: %w: %v", s.ID, model.ErrCompensationFailed, err)
	}
	return o.transition(ctx, s, model.CheckoutRefunded, model.SessionPatch{PaymentStatus: string(ch.Status)})
}

func (o *Orchestrator) confirmed(ctx context.Context, s *model.CheckoutSession) (Result, error) {
	res := result(s)
	order, err := o.store.GetOrder(ctx, s.OrderID)
	if err != nil {
		return res, err
	}
	res.Order = &order
	return res, nil
}
