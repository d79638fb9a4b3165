package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/repository"
)

// Registry maps cart ids to their live sessions within one server process.
type Registry struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg Config, deps Deps) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		deps:     deps.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Connect binds userID to the cart, creating the session if needed. An
// open snapshot persisted by a previous process is restored.
func (r *Registry) Connect(ctx context.Context, marketID, cartID, userID string) (*Session, error) {
	r.mu.Lock()
	s, _, err := r.liveLocked(marketID, cartID, userID)
	r.mu.Unlock()
	if s != nil || err != nil {
		return s, err
	}

	// loaded without the lock: a slow store must not stall Get for every
	// other cart
	restored, err := r.restore(ctx, marketID, cartID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, freed, err := r.liveLocked(marketID, cartID, userID)
	if s != nil || err != nil {
		// another Connect won the race while the snapshot loaded
		return s, err
	}
	if freed {
		// a session finished in the meantime; what was loaded predates it
		restored = nil
	}

	s = newSession(cartID, marketID, userID, restored, r.cfg, r.deps)
	r.sessions[cartID] = s
	r.deps.Metrics.SessionOpened()
	r.deps.Log.WithField("cart_id", cartID).WithField("restored", restored != nil).Info("cart session connected")
	return s, nil
}

// liveLocked returns the open session of the cart after checking it is
// bound to the same market and shopper. A closed session is dropped and
// reported as freed.
func (r *Registry) liveLocked(marketID, cartID, userID string) (*Session, bool, error) {
	s, ok := r.sessions[cartID]
	if !ok {
		return nil, false, nil
	}
	if s.View().Phase != domain.PhaseClosed {
		if s.marketID != marketID {
			return nil, false, ErrMarketMismatch
		}
		if s.userID != userID {
			return nil, false, ErrCartInUse
		}
		s.Touch()
		return s, false, nil
	}
	// a finished session frees the physical cart for the next shopper
	s.Stop()
	delete(r.sessions, cartID)
	r.deps.Metrics.SessionClosed()
	return nil, true, nil
}

func (r *Registry) restore(ctx context.Context, marketID, cartID string) (*domain.Snapshot, error) {
	if r.deps.Store == nil {
		return nil, nil
	}
	snap, err := r.deps.Store.LoadSnapshot(ctx, cartID)
	if errors.Is(err, repository.ErrSnapshotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for cart %s: %w", cartID, err)
	}
	if snap.Status.IsTerminal() {
		return nil, nil
	}
	if snap.MarketID != marketID {
		return nil, ErrMarketMismatch
	}
	return snap, nil
}

func (r *Registry) Get(cartID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[cartID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Reap abandons open sessions idle for longer than idle with no attached
// client, and drops closed sessions idle for as long. Sessions waiting on
// a payment are left alone. It returns the number of sessions removed.
func (r *Registry) Reap(ctx context.Context, idle time.Duration, attached func(cartID string) bool) int {
	now := r.deps.Now()

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		v := s.View()
		if now.Sub(v.LastActivity) < idle {
			continue
		}
		if v.Phase == domain.PhaseCheckoutPending {
			continue
		}
		if v.Phase != domain.PhaseClosed && attached != nil && attached(id) {
			continue
		}
		stale = append(stale, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range stale {
		if s.View().Phase != domain.PhaseClosed {
			if _, err := s.Abandon(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
				r.deps.Log.WithError(err).WithField("cart_id", s.cartID).Warn("abandon idle session failed")
			}
		}
		s.Stop()
		r.deps.Metrics.SessionClosed()
	}
	return len(stale)
}

// Run reaps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, idle time.Duration, attached func(cartID string) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(ctx, idle, attached); n > 0 {
				r.deps.Log.WithField("reaped", n).Info("idle cart sessions reaped")
			}
		}
	}
}

func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
		r.deps.Metrics.SessionClosed()
	}
}
