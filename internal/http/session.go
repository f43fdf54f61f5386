package http

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/checkout"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	HeaderSession = "X-Session-ID"
	HeaderUser    = "X-User-ID"
)

type identityKey struct{}

// SessionMiddleware reads the device session and the authenticated user from
// request headers. Token validation happens upstream; a request without a
// session id is given a fresh one, echoed back in the response.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := checkout.Identity{
			SessionID: strings.TrimSpace(r.Header.Get(HeaderSession)),
			UserID:    strings.TrimSpace(r.Header.Get(HeaderUser)),
		}
		if id.SessionID == "" {
			id.SessionID = uuid.NewString()
		}
		w.Header().Set(HeaderSession, id.SessionID)

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) checkout.Identity {
	id, _ := ctx.Value(identityKey{}).(checkout.Identity)
	return id
}

// SessionDeps are the collaborators every session is built from.
type SessionDeps struct {
	Backend  cart.Backend
	Guests   cart.GuestStore
	Merger   *cart.Merger
	Checkout checkout.Deps
	Log      *zap.Logger
}

// Sessions hands out the cart store and checkout of each buyer. A user's
// server cart store is shared by all of their sessions so every tab writes
// through the same per-line serialization.
type Sessions struct {
	deps SessionDeps

	mu        sync.Mutex
	carts     map[string]*cart.Store
	checkouts map[string]*checkout.Orchestrator
}

func NewSessions(d SessionDeps) *Sessions {
	if d.Checkout.Guard == nil {
		d.Checkout.Guard = checkout.NewGuard()
	}
	if d.Checkout.Log == nil {
		d.Checkout.Log = d.Log
	}
	return &Sessions{
		deps:      d,
		carts:     make(map[string]*cart.Store),
		checkouts: make(map[string]*checkout.Orchestrator),
	}
}

func cartKey(id checkout.Identity) string {
	if id.UserID != "" {
		return "user:" + id.UserID
	}
	return "guest:" + id.SessionID
}

func checkoutKey(id checkout.Identity) string {
	return id.SessionID + "|" + id.UserID
}

// Cart returns the store for id, creating it on first use.
func (s *Sessions) Cart(id checkout.Identity) *cart.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cartLocked(id)
}

func (s *Sessions) cartLocked(id checkout.Identity) *cart.Store {
	key := cartKey(id)
	if st, ok := s.carts[key]; ok {
		return st
	}
	var st *cart.Store
	if id.UserID != "" {
		st = cart.NewServer(s.deps.Backend, id.UserID, s.deps.Log)
	} else {
		st = cart.NewGuest(s.deps.Guests, id.SessionID, s.deps.Log)
	}
	s.carts[key] = st
	return st
}

// Checkout returns the session's orchestrator, creating it on first use.
func (s *Sessions) Checkout(id checkout.Identity) *checkout.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkoutKey(id)
	if o, ok := s.checkouts[key]; ok {
		return o
	}
	o := checkout.New(s.deps.Checkout, id, s.cartLocked(id))
	s.checkouts[key] = o
	return o
}

// CloseCheckout ends the session's checkout and forgets it.
func (s *Sessions) CloseCheckout(ctx context.Context, id checkout.Identity) {
	s.mu.Lock()
	o, ok := s.checkouts[checkoutKey(id)]
	delete(s.checkouts, checkoutKey(id))
	s.mu.Unlock()
	if ok {
		o.Close(ctx)
	}
}

// Login folds the session's guest cart into the user's server cart. The
// transition id makes a replayed login a no-op.
func (s *Sessions) Login(ctx context.Context, sessionID, userID, transitionID string) (*cart.MergeResult, error) {
	guest := checkout.Identity{SessionID: sessionID}
	if transitionID == "" {
		transitionID = sessionID + ":" + userID
	}

	res, err := s.deps.Merger.Merge(ctx, transitionID, userID, sessionID)
	if err != nil {
		return nil, err
	}

	s.CloseCheckout(ctx, guest)
	s.mu.Lock()
	delete(s.carts, cartKey(guest))
	user := s.cartLocked(checkout.Identity{SessionID: sessionID, UserID: userID})
	s.mu.Unlock()

	// Other tabs may have written since the merge response was built.
	if _, err := user.Refresh(ctx); err != nil {
		s.deps.Log.Warn("refresh cart after login", zap.String("user_id", userID), zap.Error(err))
	}
	return res, nil
}

// Logout drops the session's checkout. The server cart stays with the user
// and the device starts over with an empty guest cart.
func (s *Sessions) Logout(ctx context.Context, sessionID, userID string) {
	s.CloseCheckout(ctx, checkout.Identity{SessionID: sessionID, UserID: userID})
	s.mu.Lock()
	delete(s.carts, cartKey(checkout.Identity{SessionID: sessionID}))
	s.mu.Unlock()
}
