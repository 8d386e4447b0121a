// Package checkout submits the sale in progress to the shop API.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"almacenpos/terminal/internal/apiclient"
	"almacenpos/terminal/internal/domain"
)

const DefaultSuccessMessage = "sale registered"

var ErrSubmissionInFlight = errors.New("a sale submission is already in progress")

type SaleCreator interface {
	CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Envelope[json.RawMessage], error)
}

// Cart is the part of the cart engine a submission needs.
type Cart interface {
	Lines() []domain.SaleLineItem
	Settle(ctx context.Context, sold []domain.SaleLineItem) error
}

// Result is what the operator is shown after a submission attempt.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

type Submitter struct {
	api    SaleCreator
	cart   Cart
	logger *zap.Logger

	mu       sync.Mutex
	isCash   bool
	inFlight bool
}

func New(api SaleCreator, cart Cart, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{api: api, cart: cart, logger: logger, isCash: true}
}

func (s *Submitter) IsCash() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCash
}

func (s *Submitter) SetCash(isCash bool) {
	s.mu.Lock()
	s.isCash = isCash
	s.mu.Unlock()
}

func (s *Submitter) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// BuildRequest maps cart lines to the sale creation body.
func BuildRequest(lines []domain.SaleLineItem, isCash bool) domain.SaleCreateRequest {
	refs := make([]domain.SaleItemRef, 0, len(lines))
	for _, line := range lines {
		refs = append(refs, domain.SaleItemRef{ID: line.Product.ID, Quantity: line.Quantity})
	}
	return domain.SaleCreateRequest{Products: refs, IsCash: isCash}
}

// Submit sends the current cart. Only one submission runs at a time; a call
// made while another is pending returns ErrSubmissionInFlight. A failed
// submission leaves the cart and the payment flag as they were. A registered
// sale takes exactly the submitted units out of the cart, so lines scanned
// while the request was pending are kept for the next sale.
func (s *Submitter) Submit(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return Result{}, ErrSubmissionInFlight
	}
	s.inFlight = true
	isCash := s.isCash
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	lines := s.cart.Lines()
	req := BuildRequest(lines, isCash)

	env, err := s.api.CreateSale(ctx, req)
	if err != nil {
		s.logger.Warn("sale submission failed", zap.Int("lines", len(lines)), zap.Error(err))
		return Result{Success: false, Cause: err.Error()}, nil
	}
	if err := env.Err(); err != nil {
		cause := err.Error()
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) && apiErr.Cause != "" {
			cause = apiErr.Cause
		}
		s.logger.Warn("sale rejected by shop api", zap.Int("lines", len(lines)), zap.String("cause", cause))
		return Result{Success: false, Cause: cause}, nil
	}

	if err := s.cart.Settle(ctx, lines); err != nil {
		s.logger.Error("sale registered but cart snapshot not updated", zap.Error(err))
	}
	s.mu.Lock()
	s.isCash = true
	s.mu.Unlock()

	msg := apiclient.Message(env.Data, DefaultSuccessMessage)
	s.logger.Info("sale registered", zap.Int("lines", len(lines)), zap.Bool("is_cash", isCash), zap.String("message", msg))
	return Result{Success: true, Message: msg}, nil
}
