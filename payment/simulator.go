package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"order-fulfillment/model"
)

// Simulator is an in-process Gateway. It deduplicates by idempotency key
// and can be told to decline or fail.
type Simulator struct {
	mu      sync.Mutex
	byKey   map[string]*Charge
	byRef   map[string]*Charge
	calls   map[string]int
	faults  map[string]int
	dropped int

	// DeclineMethods are refused outright, e.g. "card_declined".
	DeclineMethods map[string]bool
	// DeclineAbove refuses amounts strictly greater than it when positive.
	DeclineAbove decimal.Decimal
	// Capture settles the charge at authorization, so compensation refunds
	// instead of voiding.
	Capture bool
	// Latency is waited out before every call, honouring the context.
	Latency time.Duration
}

func NewSimulator() *Simulator {
	return &Simulator{
		byKey:          make(map[string]*Charge),
		byRef:          make(map[string]*Charge),
		calls:          make(map[string]int),
		faults:         make(map[string]int),
		DeclineMethods: map[string]bool{"card_declined": true},
	}
}

// FailNext makes the next n calls of op ("authorize", "lookup", "void",
// "refund") fail as unavailable without side effects.
func (s *Simulator) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] += n
}

// DropNextAuthorizations makes the next n authorizations take effect but
// report unavailable, as if the response was lost on the way back.
func (s *Simulator) DropNextAuthorizations(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped += n
}

// Calls reports how many times op was invoked, failures included.
func (s *Simulator) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter counts the call and applies latency and faults. On success it returns
// with mu held.
func (s *Simulator) enter(ctx context.Context, op string) error {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			s.mu.Lock()
			s.calls[op]++
			s.mu.Unlock()
			return fmt.Errorf("%s: %w: %v", op, model.ErrPaymentGatewayUnavailable, ctx.Err())
		}
	}
	s.mu.Lock()
	s.calls[op]++
	if s.faults[op] > 0 {
		s.faults[op]--
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", op, model.ErrPaymentGatewayUnavailable)
	}
	return nil
}

func (s *Simulator) Authorize(ctx context.Context, a Authorization) (Charge, error) {
	if err := s.enter(ctx, "authorize"); err != nil {
		return Charge{}, err
	}
	defer s.mu.Unlock()

	if ch, ok := s.byKey[a.IdempotencyKey]; ok {
		return s.respond(*ch)
	}
	status := StatusAuthorized
	if s.Capture {
		status = StatusCaptured
	}
	if s.DeclineMethods[strings.ToLower(a.Method)] || (s.DeclineAbove.IsPositive() && a.Amount.GreaterThan(s.DeclineAbove)) {
		status = StatusDeclined
	}
	ch := &Charge{
		Reference:      "sim_" + uuid.NewString(),
		IdempotencyKey: a.IdempotencyKey,
		Status:         status,
		Amount:         a.Amount,
		Currency:       a.Currency,
		UpdatedAt:      time.Now().UTC(),
	}
	s.byKey[a.IdempotencyKey] = ch
	s.byRef[ch.Reference] = ch
	return s.respond(*ch)
}

// respond is called with mu held.
func (s *Simulator) respond(ch Charge) (Charge, error) {
	if s.dropped > 0 {
		s.dropped--
		return Charge{}, fmt.Errorf("authorize: %w: response lost", model.ErrPaymentGatewayUnavailable)
	}
	if ch.Status == StatusDeclined {
		return ch, fmt.Errorf("charge %s: %w", ch.Reference, model.ErrPaymentDeclined)
	}
	return ch, nil
}

func (s *Simulator) Lookup(ctx context.Context, key string) (Charge, error) {
	if err := s.enter(ctx, "lookup"); err != nil {
		return Charge{}, err
	}
	defer s.mu.Unlock()
	ch, ok := s.byKey[key]
	if !ok {
		return Charge{}, ErrNoCharge
	}
	return *ch, nil
}

func (s *Simulator) Void(ctx context.Context, ref string) (Charge, error) {
	return s.settle(ctx, "void", ref, StatusAuthorized, StatusVoided)
}

func (s *Simulator) Refund(ctx context.Context, ref string) (Charge, error) {
	return s.settle(ctx, "refund", ref, StatusCaptured, StatusRefunded)
}

// settle moves a charge from one status to another. Repeating a settled
// operation returns the charge unchanged.
func (s *Simulator) settle(ctx context.Context, op, ref string, from, to Status) (Charge, error) {
	if err := s.enter(ctx, op); err != nil {
		return Charge{}, err
	}
	defer s.mu.Unlock()
	ch, ok := s.byRef[ref]
	if !ok {
		return Charge{}, fmt.Errorf("%s %s: unknown reference", op, ref)
	}
	switch ch.Status {
	case to:
	case from:
		ch.Status = to
		ch.UpdatedAt = time.Now().UTC()
	default:
		return *ch, fmt.Errorf("%s %s: charge is %s", op, ref, ch.Status)
	}
	return *ch, nil
}
