package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry() *Registry {
	return NewRegistry(NewSigner("test-secret"), zap.NewNop())
}

func session(ref string) PaymentSession {
	return PaymentSession{OrderRef: ref, Amount: decimal.RequireFromString("42.50"), Currency: "USD"}
}

func TestSigner(t *testing.T) {
	s := NewSigner("secret")
	sig := s.Sign("order_1", "pay_1")

	assert.True(t, s.Verify("order_1", "pay_1", sig))
	assert.False(t, s.Verify("order_1", "pay_2", sig))
	assert.False(t, s.Verify("order_1", "pay_1", "not-hex"))
	assert.False(t, NewSigner("other").Verify("order_1", "pay_1", sig))
}

func TestRegistry_SuccessIsSigned(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	ref, err := r.CreateOrder(ctx, decimal.RequireFromString("42.50"), "USD", "checkout-1")
	require.NoError(t, err)

	ch, err := r.Open(ctx, session(ref))
	require.NoError(t, err)

	_, err = r.Resolve(ref, Outcome{Kind: "success"})
	require.NoError(t, err)

	res, ok := (<-ch).(Success)
	require.True(t, ok)
	assert.Equal(t, ref, res.OrderRef)
	assert.True(t, r.signer.Verify(ref, res.TransactionID, res.Signature))

	o, _ := r.Order(ref)
	assert.Equal(t, OrderPaid, o.Status)

	_, err = r.Open(ctx, session(ref))
	assert.ErrorIs(t, err, ErrOrderPaid)
}

func TestRegistry_DismissThenReopenSameOrder(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	ref, err := r.CreateOrder(ctx, decimal.RequireFromString("42.50"), "USD", "checkout-1")
	require.NoError(t, err)

	ch, err := r.Open(ctx, session(ref))
	require.NoError(t, err)
	_, err = r.Open(ctx, session(ref))
	assert.ErrorIs(t, err, ErrSessionActive)

	_, err = r.Resolve(ref, Outcome{Kind: "dismissed"})
	require.NoError(t, err)
	assert.IsType(t, Dismissed{}, <-ch)

	ch, err = r.Open(ctx, session(ref))
	require.NoError(t, err)
	_, err = r.Resolve(ref, Outcome{Kind: "declined"})
	require.NoError(t, err)
	declined, ok := (<-ch).(Declined)
	require.True(t, ok)
	assert.NotEmpty(t, declined.Reason)

	o, _ := r.Order(ref)
	assert.Equal(t, 2, o.Attempts)
}

func TestRegistry_Errors(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.CreateOrder(ctx, decimal.Zero, "USD", "x")
	assert.Error(t, err)

	_, err = r.Open(ctx, session("order_missing"))
	assert.ErrorIs(t, err, ErrUnknownOrder)

	ref, err := r.CreateOrder(ctx, decimal.RequireFromString("42.50"), "USD", "x")
	require.NoError(t, err)
	_, err = r.Resolve(ref, Outcome{Kind: "success"})
	assert.ErrorIs(t, err, ErrNoSession)

	wrong := session(ref)
	wrong.Amount = decimal.RequireFromString("1.00")
	_, err = r.Open(ctx, wrong)
	assert.Error(t, err)

	_, err = r.Open(ctx, session(ref))
	require.NoError(t, err)
	_, err = r.Resolve(ref, Outcome{Kind: "teleported"})
	assert.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestRegistry_ContextEndClosesSession(t *testing.T) {
	r := newTestRegistry()
	ref, err := r.CreateOrder(context.Background(), decimal.RequireFromString("42.50"), "USD", "x")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Open(ctx, session(ref))
	require.NoError(t, err)
	cancel()

	select {
	case res, ok := <-ch:
		assert.False(t, ok)
		assert.Nil(t, res)
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}

	// The order can be paid in a new session.
	require.Eventually(t, func() bool {
		_, err := r.Open(context.Background(), session(ref))
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRoutes_Callback(t *testing.T) {
	r := newTestRegistry()
	srv := httptest.NewServer(r.Routes())
	defer srv.Close()

	ref, err := r.CreateOrder(context.Background(), decimal.RequireFromString("42.50"), "USD", "x")
	require.NoError(t, err)
	ch, err := r.Open(context.Background(), session(ref))
	require.NoError(t, err)

	body, _ := json.Marshal(Outcome{Kind: "success"})
	resp, err := http.Post(srv.URL+"/orders/"+ref+"/callback", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.IsType(t, Success{}, <-ch)

	resp2, err := http.Post(srv.URL+"/orders/"+ref+"/callback", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)

	resp3, err := http.Get(srv.URL + "/orders/order_missing")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestClient_WaitUntilReady(t *testing.T) {
	r := newTestRegistry()
	r.SetReady(false)
	srv := httptest.NewServer(r.Routes())
	defer srv.Close()

	c := NewClient(r, srv.URL, "key_test", 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitUntilReady(ctx), ErrGatewayNotReady)

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.SetReady(true)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, c.WaitUntilReady(ctx2))
}

func TestClient_OpenFillsKeyID(t *testing.T) {
	r := newTestRegistry()
	c := NewClient(r, "http://unused", "key_test", 0, zap.NewNop())
	ctx := context.Background()

	ref, err := c.CreateOrder(ctx, decimal.RequireFromString("42.50"), "USD", "x")
	require.NoError(t, err)
	_, err = c.Open(ctx, session(ref))
	require.NoError(t, err)
	assert.Equal(t, "key_test", c.KeyID())
}
