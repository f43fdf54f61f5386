package cart

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGuestStore_AddDeduplicatesByKey(t *testing.T) {
	guests := newMockGuestStore()
	s := NewGuest(guests, "g1", zap.NewNop())
	ctx := context.Background()

	_, err := s.Add(ctx, variantLine("p1", "v1", "10"), 2)
	require.NoError(t, err)
	c, err := s.Add(ctx, variantLine("p1", "v1", "10"), 1)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, 3, c.Lines[0].Quantity)
	assert.NotEmpty(t, c.Lines[0].ID)

	// Same product, different variant: distinct line.
	c, err = s.Add(ctx, variantLine("p1", "v2", "10"), 1)
	require.NoError(t, err)
	assert.Len(t, c.Lines, 2)

	// Persisted with the bumped version.
	stored, err := guests.Load(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Version)
	assert.Len(t, stored.Lines, 2)
}

func TestGuestStore_RejectsInvalidInput(t *testing.T) {
	s := NewGuest(newMockGuestStore(), "g1", zap.NewNop())
	ctx := context.Background()

	_, err := s.Add(ctx, variantLine("p1", "v1", "10"), 0)
	var mErr *MutationError
	require.ErrorAs(t, err, &mErr)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	assert.False(t, mErr.Retryable)

	_, err = s.Add(ctx, domain.CartLine{Kind: domain.LineVariant, ProductID: "p1"}, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidLine)

	_, err = s.Increase(ctx, "nope", 1)
	assert.ErrorIs(t, err, ErrLineNotFound)
}

func TestGuestStore_PersistFailureRestoresSnapshot(t *testing.T) {
	guests := newMockGuestStore()
	s := NewGuest(guests, "g1", zap.NewNop())
	ctx := context.Background()

	c, err := s.Add(ctx, plainLine("mug", "8"), 1)
	require.NoError(t, err)
	lineID := c.Lines[0].ID

	guests.saveErr = errUnavailable
	_, err = s.Increase(ctx, lineID, 4)
	var mErr *MutationError
	require.ErrorAs(t, err, &mErr)
	assert.True(t, mErr.Retryable)
	assert.Equal(t, "increase", mErr.Op)
	assert.Equal(t, lineID, mErr.LineID)

	snap := s.Snapshot()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 1, snap.Lines[0].Quantity)
	assert.Equal(t, int64(1), snap.Version)
}

func TestGuestStore_QuantityIsNetSum(t *testing.T) {
	s := NewGuest(newMockGuestStore(), "g1", zap.NewNop())
	ctx := context.Background()

	c, err := s.Add(ctx, plainLine("mug", "8"), 5)
	require.NoError(t, err)
	lineID := c.Lines[0].ID

	rng := rand.New(rand.NewSource(7))
	want := 5
	for i := 0; i < 200; i++ {
		delta := rng.Intn(3) + 1
		if rng.Intn(2) == 0 {
			_, err = s.Increase(ctx, lineID, delta)
			require.NoError(t, err)
			want += delta
			continue
		}
		if want-delta < 1 {
			continue
		}
		_, err = s.Decrease(ctx, lineID, delta)
		require.NoError(t, err)
		want -= delta
	}

	snap := s.Snapshot()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, want, snap.Lines[0].Quantity)
	assert.GreaterOrEqual(t, snap.Lines[0].Quantity, 1)
}

func TestGuestStore_DecreaseBelowOneRemovesLine(t *testing.T) {
	s := NewGuest(newMockGuestStore(), "g1", zap.NewNop())
	ctx := context.Background()

	c, err := s.Add(ctx, plainLine("mug", "8"), 2)
	require.NoError(t, err)

	c, err = s.Decrease(ctx, c.Lines[0].ID, 5)
	require.NoError(t, err)
	assert.Empty(t, c.Lines)
}

func TestGuestStore_ResetDeletesPersistedCart(t *testing.T) {
	guests := newMockGuestStore()
	s := NewGuest(guests, "g1", zap.NewNop())
	ctx := context.Background()

	_, err := s.Add(ctx, plainLine("mug", "8"), 2)
	require.NoError(t, err)

	c, err := s.Reset(ctx)
	require.NoError(t, err)
	assert.Empty(t, c.Lines)
	_, err = guests.Load(ctx, "g1")
	assert.ErrorIs(t, err, ErrGuestCartNotFound)
}

func TestGuestStore_PersistDoesNotBlockReaders(t *testing.T) {
	guests := newMockGuestStore()
	s := NewGuest(guests, "g1", zap.NewNop())
	ctx := context.Background()

	c, err := s.Add(ctx, plainLine("mug", "8"), 1)
	require.NoError(t, err)
	mugID := c.Lines[0].ID

	guests.saving = make(chan struct{}, 1)
	guests.saveGate = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Increase(ctx, mugID, 1)
		assert.NoError(t, err)
	}()
	<-guests.saving

	snapped := make(chan *domain.Cart)
	go func() { snapped <- s.Snapshot() }()
	select {
	case snap := <-snapped:
		assert.Equal(t, 1, snap.Lines[0].Quantity, "unconfirmed write is not visible")
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked on a guest cart write")
	}

	_, err = s.Decrease(ctx, mugID, 1)
	assert.ErrorIs(t, err, ErrLineBusy)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Add(ctx, plainLine("pen", "2"), 1)
		assert.NoError(t, err)
	}()

	close(guests.saveGate)
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Lines[snap.FindLine(mugID)].Quantity)
	assert.Equal(t, 1, snap.Lines[snap.FindKey("p:pen")].Quantity)
	assert.Equal(t, int64(3), snap.Version)
}

func TestServerStore_AddReconcilesToBackendCart(t *testing.T) {
	backend := newMockBackend()
	s := NewServer(backend, "u1", zap.NewNop())
	ctx := context.Background()

	_, err := s.Add(ctx, variantLine("p1", "v1", "10"), 1)
	require.NoError(t, err)
	c, err := s.Add(ctx, variantLine("p1", "v1", "10"), 2)
	require.NoError(t, err)

	require.Len(t, c.Lines, 1)
	assert.Equal(t, 3, c.Lines[0].Quantity)
	assert.Equal(t, int64(2), c.Version)

	server, err := backend.CurrentCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, server.Lines, c.Lines)
}

func TestServerStore_SnapshotUnchangedUntilConfirmed(t *testing.T) {
	backend := newMockBackend()
	seeded := backend.seed("u1", domain.CartLine{ID: "l1", Kind: domain.LinePlain, ProductID: "mug", Quantity: 1})
	s := NewServer(backend, "u1", zap.NewNop())
	ctx := context.Background()
	_, err := s.Refresh(ctx)
	require.NoError(t, err)

	backend.started = make(chan string, 1)
	backend.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Increase(ctx, "l1", 2)
		done <- err
	}()
	<-backend.started

	assert.Equal(t, 1, s.Snapshot().Lines[0].Quantity, "local view must not change before the backend answers")

	close(backend.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 3, s.Snapshot().Lines[0].Quantity)
	assert.Equal(t, seeded.ID, s.Snapshot().ID)
}

func TestServerStore_SameLineIsBusyOtherLinesProceed(t *testing.T) {
	backend := newMockBackend()
	backend.seed("u1",
		domain.CartLine{ID: "l1", Kind: domain.LinePlain, ProductID: "mug", Quantity: 1},
		domain.CartLine{ID: "l2", Kind: domain.LinePlain, ProductID: "pen", Quantity: 1},
	)
	s := NewServer(backend, "u1", zap.NewNop())
	ctx := context.Background()
	_, err := s.Refresh(ctx)
	require.NoError(t, err)

	backend.started = make(chan string, 2)
	backend.gate = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Increase(ctx, "l1", 1)
		assert.NoError(t, err)
	}()
	<-backend.started

	_, err = s.Decrease(ctx, "l1", 1)
	assert.ErrorIs(t, err, ErrLineBusy)
	var mErr *MutationError
	require.ErrorAs(t, err, &mErr)
	assert.True(t, mErr.Retryable)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Increase(ctx, "l2", 1)
		assert.NoError(t, err)
	}()
	<-backend.started

	close(backend.gate)
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Lines[snap.FindLine("l1")].Quantity)
	assert.Equal(t, 2, snap.Lines[snap.FindLine("l2")].Quantity)
	assert.Equal(t, 2, backend.calls)
}

func TestServerStore_FailureLeavesSnapshot(t *testing.T) {
	backend := newMockBackend()
	backend.seed("u1", domain.CartLine{ID: "l1", Kind: domain.LinePlain, ProductID: "mug", Quantity: 2})
	s := NewServer(backend, "u1", zap.NewNop())
	ctx := context.Background()
	before, err := s.Refresh(ctx)
	require.NoError(t, err)

	backend.failNext(errUnavailable)
	_, err = s.Remove(ctx, "l1")
	var mErr *MutationError
	require.ErrorAs(t, err, &mErr)
	assert.True(t, mErr.Retryable)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, before, s.Snapshot())

	// The line is released after the failure.
	_, err = s.Remove(ctx, "l1")
	require.NoError(t, err)
	assert.True(t, s.Snapshot().IsEmpty())
}

func TestServerStore_NotFoundIsNotRetryable(t *testing.T) {
	backend := newMockBackend()
	backend.seed("u1", domain.CartLine{ID: "l1", Kind: domain.LinePlain, ProductID: "mug", Quantity: 2})
	s := NewServer(backend, "u1", zap.NewNop())
	ctx := context.Background()
	_, err := s.Refresh(ctx)
	require.NoError(t, err)

	backend.failNext(ErrLineNotFound)
	_, err = s.Increase(ctx, "l1", 1)
	var mErr *MutationError
	require.ErrorAs(t, err, &mErr)
	assert.False(t, mErr.Retryable)
}

func TestServerStore_DropsOlderResponse(t *testing.T) {
	s := NewServer(newMockBackend(), "u1", zap.NewNop())
	s.cart = &domain.Cart{ID: "c1", Version: 5, Lines: []domain.CartLine{{ID: "l1", Quantity: 4}}}

	s.reconcile(&domain.Cart{ID: "c1", Version: 4, Lines: []domain.CartLine{{ID: "l1", Quantity: 3}}})
	assert.Equal(t, 4, s.Snapshot().Lines[0].Quantity)

	s.reconcile(&domain.Cart{ID: "c2", Version: 0})
	assert.Equal(t, "c2", s.Snapshot().ID)
}

func TestServerStore_ResetRotatesCart(t *testing.T) {
	backend := newMockBackend()
	old := backend.seed("u1", domain.CartLine{ID: "l1", Kind: domain.LinePlain, ProductID: "mug", Quantity: 2})
	s := NewServer(backend, "u1", zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	fresh, err := s.Reset(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.True(t, fresh.IsEmpty())
	assert.Equal(t, fresh.ID, s.Snapshot().ID)
}
