// Package memstore is an in-memory store.Store for tests and local runs. A
// single RWMutex stands in for the database transaction: every write method
// validates everything first and only then mutates.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-fulfillment/model"
)

type Store struct {
	mu sync.RWMutex

	nextProductID int64
	products      map[int64]*model.Product
	ledger        []model.InventoryTransaction
	rates         []model.CurrencyRate
	carts         map[string]*model.Cart
	sessions      map[string]*model.CheckoutSession
	sessionByCart map[string]string
	orders        map[string]model.Order
	orderByCart   map[string]string
	outbox        []outboxRow
}

type outboxRow struct {
	event     model.OutboxEvent
	processed bool
}

func New() *Store {
	return &Store{
		products:      make(map[int64]*model.Product),
		carts:         make(map[string]*model.Cart),
		sessions:      make(map[string]*model.CheckoutSession),
		sessionByCart: make(map[string]string),
		orders:        make(map[string]model.Order),
		orderByCart:   make(map[string]string),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateProduct(_ context.Context, p model.Product) (model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProductID++
	p.ID = s.nextProductID
	p.CountInStock = 0
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	stored := p
	s.products[p.ID] = &stored
	return p, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return model.Product{}, fmt.Errorf("product %d: %w", id, model.ErrProductNotFound)
	}
	return *p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ApplyTransactions(_ context.Context, txs []model.InventoryTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLedger(txs); err != nil {
		return err
	}
	s.applyLedger(txs)
	return nil
}

// checkLedger runs the same per-row checks as the conditional updates, with
// the deltas of earlier rows for the same product already counted.
func (s *Store) checkLedger(txs []model.InventoryTransaction) error {
	pending := make(map[int64]int)
	sorted := append([]model.InventoryTransaction(nil), txs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })
	for _, t := range sorted {
		p, ok := s.products[t.ProductID]
		if !ok {
			return fmt.Errorf("product %d: %w", t.ProductID, model.ErrProductNotFound)
		}
		count := p.CountInStock + pending[t.ProductID]
		if t.Quantity < 0 && count < -t.Quantity {
			return fmt.Errorf("product %d needs %d: %w", t.ProductID, -t.Quantity, model.ErrInsufficientStock)
		}
		pending[t.ProductID] += t.Quantity
	}
	return nil
}

func (s *Store) applyLedger(txs []model.InventoryTransaction) {
	for _, t := range txs {
		s.products[t.ProductID].CountInStock += t.Quantity
		s.ledger = append(s.ledger, t)
	}
}

func (s *Store) ListTransactions(_ context.Context, productID int64, limit int) ([]model.InventoryTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.InventoryTransaction{}
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].ProductID != productID {
			continue
		}
		out = append(out, s.ledger[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ledgerSums() map[int64]int {
	sums := make(map[int64]int)
	for _, t := range s.ledger {
		sums[t.ProductID] += t.Quantity
	}
	return sums
}

func (s *Store) StockLevel(_ context.Context, productID int64) (model.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return model.StockLevel{ProductID: productID}, fmt.Errorf("product %d: %w", productID, model.ErrProductNotFound)
	}
	return model.StockLevel{ProductID: productID, CountInStock: p.CountInStock, LedgerSum: s.ledgerSums()[productID]}, nil
}

func (s *Store) StockDrift(_ context.Context) ([]model.StockDrift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := s.ledgerSums()
	out := []model.StockDrift{}
	for id, p := range s.products {
		if p.CountInStock != sums[id] {
			out = append(out, model.StockDrift{ProductID: id, CountInStock: p.CountInStock, LedgerSum: sums[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Store) CommitSale(_ context.Context, sale model.SaleCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[sale.SessionID]
	if !ok || cs.State != model.CheckoutCommittingInventory {
		return fmt.Errorf("session %s: %w", sale.SessionID, model.ErrStaleState)
	}
	c, ok := s.carts[sale.CartID]
	if !ok || c.Status != model.CartActive {
		return fmt.Errorf("cart %s: %w", sale.CartID, model.ErrCartConsumed)
	}
	if _, dup := s.orderByCart[sale.CartID]; dup {
		return fmt.Errorf("order for cart %s: %w", sale.CartID, model.ErrCartConsumed)
	}
	if err := s.checkLedger(sale.Transactions); err != nil {
		return err
	}

	cs.State = model.CheckoutConfirmed
	cs.OrderID = sale.Order.ID
	cs.ErrorCode = ""
	cs.UpdatedAt = sale.Order.CreatedAt
	c.Status = model.CartConsumed
	c.Version++
	c.UpdatedAt = sale.Order.CreatedAt
	s.applyLedger(sale.Transactions)
	s.orders[sale.Order.ID] = cloneOrder(sale.Order)
	s.orderByCart[sale.CartID] = sale.Order.ID
	s.outbox = append(s.outbox, outboxRow{event: sale.Event})
	return nil
}

func (s *Store) FindRate(_ context.Context, from, to string, at time.Time) (model.CurrencyRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rates {
		if r.From == from && r.To == to && r.Covers(at) {
			return r, nil
		}
	}
	return model.CurrencyRate{}, model.ErrRateNotFound
}

func (s *Store) AddRate(_ context.Context, rate model.CurrencyRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := -1
	for i, r := range s.rates {
		if r.From == rate.From && r.To == rate.To && r.ValidUntil == nil {
			open = i
		}
	}
	if open >= 0 {
		if !rate.ValidFrom.After(s.rates[open].ValidFrom) {
			return fmt.Errorf("%s->%s from %s: %w", rate.From, rate.To, rate.ValidFrom.Format(time.RFC3339), model.ErrRateOverlap)
		}
		until := rate.ValidFrom
		s.rates[open].ValidUntil = &until
	}
	rate.ValidUntil = nil
	s.rates = append(s.rates, rate)
	return nil
}

func (s *Store) ListRates(_ context.Context, from, to string) ([]model.CurrencyRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.CurrencyRate{}
	for _, r := range s.rates {
		if r.From == from && r.To == to {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out, nil
}

func (s *Store) CreateCart(_ context.Context, c *model.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.carts[c.ID]; ok {
		return fmt.Errorf("cart %s already exists", c.ID)
	}
	s.carts[c.ID] = c.Clone()
	return nil
}

func (s *Store) GetCart(_ context.Context, id string) (*model.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carts[id]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", id, model.ErrCartNotFound)
	}
	return c.Clone(), nil
}

func (s *Store) ActiveCartByOwner(_ context.Context, ownerID string) (*model.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *model.Cart
	for _, c := range s.carts {
		if c.OwnerID == ownerID && c.Status == model.CartActive {
			if found == nil || c.CreatedAt.After(found.CreatedAt) {
				found = c
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("owner %s: %w", ownerID, model.ErrCartNotFound)
	}
	return found.Clone(), nil
}

func (s *Store) SaveCart(_ context.Context, c *model.Cart, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.carts[c.ID]
	if !ok || cur.Version != expectedVersion || cur.Status != model.CartActive {
		return fmt.Errorf("cart %s at version %d: %w", c.ID, expectedVersion, model.ErrCartConflict)
	}
	next := c.Clone()
	next.Status = cur.Status
	next.CreatedAt = cur.CreatedAt
	s.carts[c.ID] = next
	return nil
}

func (s *Store) DeleteExpiredCarts(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.carts {
		if c.Status != model.CartActive || !c.Expired(now) {
			continue
		}
		if _, ok := s.sessionByCart[id]; ok {
			continue
		}
		delete(s.carts, id)
		n++
	}
	return n, nil
}

func cloneSession(cs *model.CheckoutSession) *model.CheckoutSession {
	out := *cs
	if cs.Snapshot != nil {
		snap := *cs.Snapshot
		snap.Lines = append([]model.SnapshotLine(nil), cs.Snapshot.Lines...)
		out.Snapshot = &snap
	}
	return &out
}

func (s *Store) CreateSession(_ context.Context, cs *model.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessionByCart[cs.CartID]; ok {
		return fmt.Errorf("cart %s: %w", cs.CartID, model.ErrCheckoutExists)
	}
	s.sessions[cs.ID] = cloneSession(cs)
	s.sessionByCart[cs.CartID] = cs.ID
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*model.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, model.ErrCheckoutNotFound)
	}
	return cloneSession(cs), nil
}

func (s *Store) GetSessionByCart(_ context.Context, cartID string) (*model.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessionByCart[cartID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", cartID, model.ErrCheckoutNotFound)
	}
	return cloneSession(s.sessions[id]), nil
}

func (s *Store) UpdateSession(_ context.Context, cs *model.CheckoutSession, from model.CheckoutState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[cs.ID]
	if !ok || cur.State != from {
		return fmt.Errorf("session %s no longer %s: %w", cs.ID, from, model.ErrStaleState)
	}
	next := cloneSession(cs)
	// order_id is written only by CommitSale
	next.OrderID = cur.OrderID
	s.sessions[cs.ID] = next
	return nil
}

func cloneOrder(o model.Order) model.Order {
	o.Items = append([]model.OrderItem(nil), o.Items...)
	return o
}

func (s *Store) GetOrder(_ context.Context, id string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	return cloneOrder(o), nil
}

func (s *Store) ListOrdersByOwner(_ context.Context, ownerID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Order{}
	for _, o := range s.orders {
		if o.OwnerID == ownerID {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkOrderDelivered(_ context.Context, id string, at time.Time) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	if !o.IsPaid {
		return model.Order{}, fmt.Errorf("order %s: %w", id, model.ErrOrderNotPaid)
	}
	if !o.IsDelivered {
		o.IsDelivered = true
		o.DeliveredAt = &at
		s.orders[id] = o
	}
	return cloneOrder(o), nil
}

func (s *Store) PendingEvents(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.OutboxEvent{}
	for _, row := range s.outbox {
		if row.processed {
			continue
		}
		out = append(out, row.event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkEventsProcessed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := make(map[string]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	for i := range s.outbox {
		if done[s.outbox[i].event.ID] {
			s.outbox[i].processed = true
		}
	}
	return nil
}
