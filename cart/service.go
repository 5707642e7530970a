package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"order-fulfillment/currency"
	"order-fulfillment/metrics"
	"order-fulfillment/model"
)

type Store interface {
	CreateCart(ctx context.Context, c *model.Cart) error
	GetCart(ctx context.Context, id string) (*model.Cart, error)
	ActiveCartByOwner(ctx context.Context, ownerID string) (*model.Cart, error)
	SaveCart(ctx context.Context, c *model.Cart, expectedVersion int) error
	DeleteExpiredCarts(ctx context.Context, now time.Time) (int64, error)
}

// Service loads and saves carts around Aggregate mutations. Mutations of
// one cart are serialised in-process; SaveCart's version check catches
// writers in other processes.
type Service struct {
	store   Store
	agg     *Aggregate
	cache   Cache
	metrics *metrics.Metrics
	ttl     time.Duration
	now     func() time.Time

	// per-cart mutexes, cart id -> *sync.Mutex
	locks sync.Map
	sfg   singleflight.Group
	// cart id -> *atomic.Uint64, bumped by every Invalidate
	gens sync.Map
}

func NewService(store Store, agg *Aggregate, cache Cache, m *metrics.Metrics, ttl time.Duration) *Service {
	if cache == nil {
		cache = noCache{}
	}
	return &Service{
		store:   store,
		agg:     agg,
		cache:   cache,
		metrics: m,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) lockCart(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx.Unlock
}

// Create opens an empty active cart for owner.
func (s *Service) Create(ctx context.Context, ownerID, code, region string) (*model.Cart, error) {
	cur, err := currency.Normalize(code)
	if err != nil {
		return nil, err
	}
	now := s.now()
	c := &model.Cart{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Items:     []model.CartItem{},
		Currency:  cur,
		Status:    model.CartActive,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	c, err = s.agg.SetRegion(ctx, c, region)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateCart(ctx, c); err != nil {
		return nil, err
	}
	slog.Info("cart created", "cart_id", c.ID, "owner_id", ownerID, "currency", cur)
	return c, nil
}

// Get reads through the cache. Concurrent misses for one cart share a single
// store read.
func (s *Service) Get(ctx context.Context, id string) (*model.Cart, error) {
	v, err, _ := s.sfg.Do(id, func() (interface{}, error) {
		c, err := s.cache.Get(ctx, id)
		if err == nil {
			s.metrics.CartCache.WithLabelValues("hit").Inc()
			return c, nil
		}
		if errors.Is(err, ErrCacheMiss) {
			s.metrics.CartCache.WithLabelValues("miss").Inc()
		} else {
			s.metrics.CartCache.WithLabelValues("error").Inc()
			slog.Warn("cart cache get failed", "cart_id", id, "error", err)
		}

		gen := s.generation(id)
		seen := gen.Load()
		c, err = s.store.GetCart(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.Status == model.CartActive && gen.Load() == seen {
			if err := s.cache.Set(ctx, c); err != nil {
				slog.Warn("cart cache set failed", "cart_id", id, "error", err)
			}
			// an invalidate between the check and the write
			if gen.Load() != seen {
				s.dropCached(ctx, id)
			}
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	c := v.(*model.Cart).Clone()
	if c.Status == model.CartActive && c.Expired(s.now()) {
		return nil, fmt.Errorf("cart %s: %w", id, model.ErrCartExpired)
	}
	return c, nil
}

// ForOwner returns the owner's active cart, creating one when there is none
// or the last one expired.
func (s *Service) ForOwner(ctx context.Context, ownerID, code, region string) (*model.Cart, error) {
	c, err := s.store.ActiveCartByOwner(ctx, ownerID)
	switch {
	case errors.Is(err, model.ErrCartNotFound):
		return s.Create(ctx, ownerID, code, region)
	case err != nil:
		return nil, err
	case c.Expired(s.now()):
		return s.Create(ctx, ownerID, code, region)
	}
	return c, nil
}

func (s *Service) AddItem(ctx context.Context, cartID string, productID int64, qty int) (*model.Cart, error) {
	return s.mutate(ctx, cartID, func(c *model.Cart) (*model.Cart, error) {
		return s.agg.AddItem(ctx, c, productID, qty)
	})
}

func (s *Service) UpdateQuantity(ctx context.Context, cartID string, productID int64, qty int) (*model.Cart, error) {
	return s.mutate(ctx, cartID, func(c *model.Cart) (*model.Cart, error) {
		return s.agg.UpdateQuantity(ctx, c, productID, qty)
	})
}

func (s *Service) RemoveItem(ctx context.Context, cartID string, productID int64) (*model.Cart, error) {
	return s.mutate(ctx, cartID, func(c *model.Cart) (*model.Cart, error) {
		return s.agg.RemoveItem(ctx, c, productID)
	})
}

func (s *Service) SetCurrency(ctx context.Context, cartID, code string) (*model.Cart, error) {
	return s.mutate(ctx, cartID, func(c *model.Cart) (*model.Cart, error) {
		return s.agg.SetCurrency(ctx, c, code)
	})
}

func (s *Service) SetRegion(ctx context.Context, cartID, region string) (*model.Cart, error) {
	return s.mutate(ctx, cartID, func(c *model.Cart) (*model.Cart, error) {
		return s.agg.SetRegion(ctx, c, region)
	})
}

// mutate loads the cart from the store, never the cache, applies fn and
// saves the result as the next version. Each mutation extends the expiry.
func (s *Service) mutate(ctx context.Context, cartID string, fn func(*model.Cart) (*model.Cart, error)) (*model.Cart, error) {
	unlock := s.lockCart(cartID)
	defer unlock()

	c, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if c.Status == model.CartConsumed {
		return nil, fmt.Errorf("cart %s: %w", cartID, model.ErrCartConsumed)
	}
	if c.Expired(now) {
		return nil, fmt.Errorf("cart %s: %w", cartID, model.ErrCartExpired)
	}

	next, err := fn(c)
	if err != nil {
		return nil, err
	}
	next.Version = c.Version + 1
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(s.ttl)
	if err := s.store.SaveCart(ctx, next, c.Version); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, cartID)
	return next, nil
}

// Invalidate drops the cached copy. Checkout calls it after consuming a cart.
// A read that started before it will not put its copy back.
func (s *Service) Invalidate(ctx context.Context, cartID string) {
	s.generation(cartID).Add(1)
	s.dropCached(ctx, cartID)
}

func (s *Service) dropCached(ctx context.Context, cartID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, cartID); err != nil {
		slog.Warn("cart cache invalidate failed", "cart_id", cartID, "error", err)
	}
}

func (s *Service) generation(cartID string) *atomic.Uint64 {
	v, _ := s.gens.LoadOrStore(cartID, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// ReapExpired deletes active carts past their expiry that never reached
// checkout.
func (s *Service) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.store.DeleteExpiredCarts(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.CartsReaped.Add(float64(n))
		slog.Info("expired carts reaped", "count", n)
	}
	return n, nil
}

// RunReaper calls ReapExpired every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.ReapExpired(ctx, s.now()); err != nil {
				slog.Error("cart reaper failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
