package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"almacenpos/terminal/internal/cart"
	"almacenpos/terminal/internal/domain"
	"almacenpos/terminal/internal/state"
)

type scriptedAPI struct {
	mu       sync.Mutex
	replies  []domain.Envelope[json.RawMessage]
	err      error
	requests []domain.SaleCreateRequest
	block    chan struct{}
	entered  chan struct{}
}

func (a *scriptedAPI) CreateSale(_ context.Context, req domain.SaleCreateRequest) (domain.Envelope[json.RawMessage], error) {
	if a.entered != nil {
		a.entered <- struct{}{}
	}
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.err != nil {
		return domain.Envelope[json.RawMessage]{}, a.err
	}
	reply := a.replies[0]
	a.replies = a.replies[1:]
	return reply, nil
}

func twoLineCart(t *testing.T) *cart.Engine {
	t.Helper()
	ctx := context.Background()
	c := cart.New(ctx, state.NewMemoryStore(), cart.DefaultKey, zap.NewNop())
	require.NoError(t, c.AddOrMerge(ctx, domain.Product{ID: 1, Barcode: "001", Name: "leche", SalePrice: 1000}, 2))
	require.NoError(t, c.AddOrMerge(ctx, domain.Product{ID: 2, Barcode: "002", Name: "pan", SalePrice: 500}, 1))
	return c
}

func TestBuildRequestCarriesNoPrices(t *testing.T) {
	lines := []domain.SaleLineItem{
		{Product: domain.Product{ID: 4, SalePrice: 900}, Quantity: 3, Total: 2700},
		{Product: domain.Product{ID: 7, SalePrice: 100}, Quantity: 1, Total: 100},
	}
	req := BuildRequest(lines, false)

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"products":[{"id":4,"quantity":3},{"id":7,"quantity":1}],"isCash":false}`, string(raw))
}

func TestFailedSubmissionPreservesCartThenRetrySucceeds(t *testing.T) {
	c := twoLineCart(t)
	before := c.Lines()
	api := &scriptedAPI{replies: []domain.Envelope[json.RawMessage]{
		{Success: false, Error: &domain.APIError{Name: "SaleError", Cause: "stock insuficiente"}},
		{Success: true, Data: json.RawMessage(`"venta 12 registrada"`)},
	}}
	s := New(api, c, zap.NewNop())
	s.SetCash(false)
	ctx := context.Background()

	res, err := s.Submit(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "stock insuficiente", res.Cause)
	assert.Equal(t, before, c.Lines())
	assert.False(t, s.IsCash(), "failure keeps the payment choice")

	res, err = s.Submit(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "venta 12 registrada", res.Message)
	assert.Zero(t, c.Len())
	assert.True(t, s.IsCash(), "success resets to cash")

	require.Len(t, api.requests, 2)
	assert.Equal(t, api.requests[0], api.requests[1], "retry reuses the same cart")
	assert.False(t, api.requests[0].IsCash)
}

func TestTransportFailureIsAResult(t *testing.T) {
	c := twoLineCart(t)
	s := New(&scriptedAPI{err: errors.New("connection refused")}, c, zap.NewNop())

	res, err := s.Submit(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Cause, "connection refused")
	assert.Equal(t, 2, c.Len())
}

func TestSuccessWithoutMessageUsesDefault(t *testing.T) {
	c := twoLineCart(t)
	s := New(&scriptedAPI{replies: []domain.Envelope[json.RawMessage]{{Success: true, Data: json.RawMessage(`{"id":3}`)}}}, c, zap.NewNop())

	res, err := s.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultSuccessMessage, res.Message)
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	c := twoLineCart(t)
	api := &scriptedAPI{
		replies: []domain.Envelope[json.RawMessage]{{Success: true}},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	s := New(api, c, zap.NewNop())

	done := make(chan Result, 1)
	go func() {
		res, _ := s.Submit(context.Background())
		done <- res
	}()
	<-api.entered
	assert.True(t, s.InFlight())

	_, err := s.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSubmissionInFlight)

	close(api.block)
	res := <-done
	assert.True(t, res.Success)
	assert.False(t, s.InFlight())
	assert.Len(t, api.requests, 1)
}

func TestScanDuringSubmissionIsKept(t *testing.T) {
	c := twoLineCart(t)
	api := &scriptedAPI{
		replies: []domain.Envelope[json.RawMessage]{{Success: true}},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	s := New(api, c, zap.NewNop())
	ctx := context.Background()

	done := make(chan Result, 1)
	go func() {
		res, _ := s.Submit(ctx)
		done <- res
	}()
	<-api.entered

	queso := domain.Product{ID: 3, Barcode: "003", Name: "queso", SalePrice: 3200}
	require.NoError(t, c.AddOrMerge(ctx, queso, 1))
	require.NoError(t, c.AddOrMerge(ctx, domain.Product{ID: 1, Barcode: "001", Name: "leche", SalePrice: 1000}, 1))

	close(api.block)
	res := <-done
	require.True(t, res.Success)

	require.Len(t, api.requests, 1)
	assert.Equal(t, []domain.SaleItemRef{{ID: 1, Quantity: 2}, {ID: 2, Quantity: 1}}, api.requests[0].Products)

	lines := c.Lines()
	require.Len(t, lines, 2, "units added while the sale was pending stay in the cart")
	assert.Equal(t, int64(1), lines[0].Product.ID)
	assert.Equal(t, 1, lines[0].Quantity)
	assert.Equal(t, queso.ID, lines[1].Product.ID)
	assert.Equal(t, int64(4200), c.Total())
}
