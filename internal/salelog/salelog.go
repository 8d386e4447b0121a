// Package salelog holds the list of completed sales and its date filter.
package salelog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"almacenpos/terminal/internal/domain"
)

// grace extends the upper bound so the whole final day is included.
const grace = 24 * time.Hour

type Source interface {
	ListSales(ctx context.Context, page int) (domain.Envelope[[]domain.Sale], error)
	DeleteSale(ctx context.Context, id int64) (domain.Envelope[json.RawMessage], error)
}

// FilterByDate keeps sales created between r.InitDate and one day past
// r.FinalDate, both inclusive. all is not modified.
func FilterByDate(all []domain.Sale, r domain.DateRange) []domain.Sale {
	lower := r.InitDate
	upper := r.FinalDate.Add(grace)

	out := make([]domain.Sale, 0, len(all))
	for _, sale := range all {
		if sale.CreatedAt.Before(lower) || sale.CreatedAt.After(upper) {
			continue
		}
		out = append(out, sale)
	}
	return out
}

type Summary struct {
	Count     int   `json:"count"`
	Total     int64 `json:"total"`
	CashTotal int64 `json:"cashTotal"`
	CardTotal int64 `json:"cardTotal"`
}

func Summarize(sales []domain.Sale) Summary {
	var sum Summary
	for _, sale := range sales {
		sum.Count++
		sum.Total += sale.Total
		if sale.IsCash {
			sum.CashTotal += sale.Total
		} else {
			sum.CardTotal += sale.Total
		}
	}
	return sum
}

// PaymentLabel is the label shown in the method column.
func PaymentLabel(isCash bool) string {
	if isCash {
		return "Efectivo"
	}
	return "Tarjeta"
}

// Log keeps the fetched sales and the currently displayed subset.
type Log struct {
	source Source
	page   int
	logger *zap.Logger

	mu     sync.RWMutex
	all    []domain.Sale
	view   []domain.Sale
	active *domain.DateRange
}

func New(source Source, page int, logger *zap.Logger) *Log {
	if page < 1 {
		page = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{source: source, page: page, logger: logger}
}

// Refresh refetches the sale list. An active date filter is applied again to
// the new list; without one the view shows every sale.
func (l *Log) Refresh(ctx context.Context) error {
	env, err := l.source.ListSales(ctx, l.page)
	if err != nil {
		return err
	}
	if err := env.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.all = append([]domain.Sale(nil), env.Data...)
	if l.active != nil {
		l.view = FilterByDate(l.all, *l.active)
	} else {
		l.view = append([]domain.Sale(nil), l.all...)
	}
	l.mu.Unlock()

	l.logger.Debug("sale log refreshed", zap.Int("sales", len(env.Data)))
	return nil
}

func (l *Log) Filter(r domain.DateRange) []domain.Sale {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = &r
	l.view = FilterByDate(l.all, r)
	return append([]domain.Sale(nil), l.view...)
}

func (l *Log) Reset() []domain.Sale {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = nil
	l.view = append([]domain.Sale(nil), l.all...)
	return append([]domain.Sale(nil), l.view...)
}

// Range returns the active date filter, if any.
func (l *Log) Range() (domain.DateRange, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active == nil {
		return domain.DateRange{}, false
	}
	return *l.active, true
}

func (l *Log) View() []domain.Sale {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.Sale(nil), l.view...)
}

func (l *Log) All() []domain.Sale {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.Sale(nil), l.all...)
}

// Delete removes a sale remotely and, once the server confirms, from both
// the full list and the current view.
func (l *Log) Delete(ctx context.Context, id int64) error {
	env, err := l.source.DeleteSale(ctx, id)
	if err != nil {
		return err
	}
	if err := env.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.all = without(l.all, id)
	l.view = without(l.view, id)
	l.mu.Unlock()

	l.logger.Info("sale deleted", zap.Int64("sale_id", id))
	return nil
}

func without(sales []domain.Sale, id int64) []domain.Sale {
	out := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		if sale.ID != id {
			out = append(out, sale)
		}
	}
	return out
}
