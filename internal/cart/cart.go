// Package cart holds the sale in progress: an ordered set of line items, at
// most one per product, plus the line currently selected for editing.
//
// Every change to the lines is written through to a state.Store so a
// restarted terminal picks the sale up where it was left.
package cart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"almacenpos/terminal/internal/domain"
	"almacenpos/terminal/internal/state"
)

const DefaultKey = "detail"

// MaxQuantity bounds a single line. Larger quantities are typing mistakes.
const MaxQuantity = 100000

var (
	ErrInvalidQuantity  = errors.New("quantity must be at least 1")
	ErrQuantityRejected = errors.New("quantity input rejected")
	ErrUnknownProduct   = errors.New("product id required")
	ErrLineNotFound     = errors.New("line not found")
	ErrNotSelected      = errors.New("line is not selected for editing")
	ErrNoSelection      = errors.New("no line selected")
	ErrQuantityTooLarge = errors.New("quantity exceeds the line limit")
)

// ErrPersist marks a mutation that was applied in memory but not stored.
var ErrPersist = errors.New("cart snapshot not saved")

type Engine struct {
	mu       sync.Mutex
	store    state.Store
	key      string
	logger   *zap.Logger
	lines    []domain.SaleLineItem
	selected int64
}

// Snapshot is a consistent read of the engine. SelectedID is 0 when no line
// is selected.
type Snapshot struct {
	Lines      []domain.SaleLineItem `json:"lines"`
	SelectedID int64                 `json:"selectedId"`
	Total      int64                 `json:"total"`
	ItemCount  int                   `json:"itemCount"`
}

// New restores the cart stored under key. Missing, unreadable or invalid
// snapshots start an empty cart.
func New(ctx context.Context, store state.Store, key string, logger *zap.Logger) *Engine {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{store: store, key: key, logger: logger}
	e.lines = e.restore(ctx)
	return e
}

func (e *Engine) restore(ctx context.Context) []domain.SaleLineItem {
	raw, ok, err := e.store.Get(ctx, e.key)
	if err != nil {
		e.logger.Warn("cart snapshot unreadable, starting empty", zap.String("key", e.key), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	lines, err := Decode(raw)
	if err != nil {
		e.logger.Warn("cart snapshot discarded", zap.String("key", e.key), zap.Error(err))
		return nil
	}
	e.logger.Debug("cart restored", zap.String("key", e.key), zap.Int("lines", len(lines)))
	return lines
}

// AddOrMerge adds delta units of product. A product already in the cart keeps
// the snapshot it was first added with.
func (e *Engine) AddOrMerge(ctx context.Context, product domain.Product, delta int) error {
	if product.ID == 0 {
		return ErrUnknownProduct
	}
	if delta < 1 {
		return ErrInvalidQuantity
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.indexOf(product.ID)
	line := domain.SaleLineItem{Product: product}
	if idx >= 0 {
		line = e.lines[idx]
	}
	if delta > MaxQuantity-line.Quantity {
		return ErrQuantityTooLarge
	}
	line.Quantity += delta
	if err := e.fits(idx, line); err != nil {
		return err
	}
	recompute(&line)

	if idx >= 0 {
		e.lines[idx] = line
	} else {
		e.lines = append(e.lines, line)
	}
	return e.persist(ctx)
}

// Select toggles the edit selection: selecting the selected line clears it,
// selecting another line moves it.
func (e *Engine) Select(productID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.indexOf(productID) < 0 {
		return ErrLineNotFound
	}
	if e.selected == productID {
		e.selected = 0
		return nil
	}
	e.selected = productID
	return nil
}

func (e *Engine) Deselect() {
	e.mu.Lock()
	e.selected = 0
	e.mu.Unlock()
}

// SetQuantity commits raw as the new absolute quantity of the selected line.
// Input that is empty, not an integer, below 1 or too large to price returns
// ErrQuantityRejected and leaves the line and the selection as they were.
func (e *Engine) SetQuantity(ctx context.Context, productID int64, raw string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.selected == 0 || e.selected != productID {
		return ErrNotSelected
	}
	idx := e.indexOf(productID)
	if idx < 0 {
		e.selected = 0
		return ErrLineNotFound
	}

	qty, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || qty < 1 {
		return ErrQuantityRejected
	}
	line := e.lines[idx]
	line.Quantity = qty
	if err := e.fits(idx, line); err != nil {
		return fmt.Errorf("%w: %w", ErrQuantityRejected, err)
	}

	recompute(&line)
	e.lines[idx] = line
	e.selected = 0

	return e.persist(ctx)
}

func (e *Engine) DeleteSelected(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.selected == 0 {
		return ErrNoSelection
	}
	idx := e.indexOf(e.selected)
	e.selected = 0
	if idx < 0 {
		return ErrLineNotFound
	}
	e.lines = append(e.lines[:idx], e.lines[idx+1:]...)

	return e.persist(ctx)
}

// Settle takes sold quantities out of the cart after a sale is registered.
// Lines left without units are removed; anything added after the sale was
// built stays.
func (e *Engine) Settle(ctx context.Context, sold []domain.SaleLineItem) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range sold {
		idx := e.indexOf(s.Product.ID)
		if idx < 0 {
			continue
		}
		remaining := e.lines[idx].Quantity - s.Quantity
		if remaining > 0 {
			e.lines[idx].Quantity = remaining
			recompute(&e.lines[idx])
			continue
		}
		if e.selected == s.Product.ID {
			e.selected = 0
		}
		e.lines = append(e.lines[:idx], e.lines[idx+1:]...)
	}
	if len(e.lines) == 0 {
		e.lines = nil
	}
	return e.persist(ctx)
}

func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lines = nil
	e.selected = 0
	return e.persist(ctx)
}

func (e *Engine) Total() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return totalOf(e.lines)
}

func (e *Engine) Lines() []domain.SaleLineItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneLines(e.lines)
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lines)
}

func (e *Engine) Selection() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected, e.selected != 0
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	items := 0
	for _, line := range e.lines {
		items += line.Quantity
	}
	return Snapshot{
		Lines:      cloneLines(e.lines),
		SelectedID: e.selected,
		Total:      totalOf(e.lines),
		ItemCount:  items,
	}
}

func (e *Engine) indexOf(productID int64) int {
	for i := range e.lines {
		if e.lines[i].Product.ID == productID {
			return i
		}
	}
	return -1
}

// persist must be called with mu held.
func (e *Engine) persist(ctx context.Context) error {
	payload, err := Encode(e.lines)
	if err != nil {
		return err
	}
	if err := e.store.Set(ctx, e.key, payload); err != nil {
		e.logger.Error("cart snapshot write failed", zap.String("key", e.key), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// fits reports whether line can replace the line at idx (or be appended when
// idx is -1) without its total or the cart total overflowing. mu must be held.
func (e *Engine) fits(idx int, line domain.SaleLineItem) error {
	lineTotal, ok := priceLine(line.Quantity, line.Product.SalePrice)
	if !ok {
		return ErrQuantityTooLarge
	}
	total := lineTotal
	for i, other := range e.lines {
		if i == idx {
			continue
		}
		if total > math.MaxInt64-other.Total {
			return ErrQuantityTooLarge
		}
		total += other.Total
	}
	return nil
}

// priceLine multiplies quantity by price, reporting false when the quantity
// is out of range or the product does not fit in an int64.
func priceLine(qty int, price int64) (int64, bool) {
	if qty < 1 || qty > MaxQuantity || price < 0 {
		return 0, false
	}
	if price > 0 && int64(qty) > math.MaxInt64/price {
		return 0, false
	}
	return int64(qty) * price, true
}

// recompute is the only place a line total is derived.
func recompute(line *domain.SaleLineItem) {
	line.Total = int64(line.Quantity) * line.Product.SalePrice
}

func totalOf(lines []domain.SaleLineItem) int64 {
	total := int64(0)
	for _, line := range lines {
		total += line.Total
	}
	return total
}

func cloneLines(lines []domain.SaleLineItem) []domain.SaleLineItem {
	out := make([]domain.SaleLineItem, len(lines))
	copy(out, lines)
	return out
}

// Encode serializes lines in the stored snapshot format.
func Encode(lines []domain.SaleLineItem) ([]byte, error) {
	if lines == nil {
		lines = []domain.SaleLineItem{}
	}
	return json.Marshal(lines)
}

// Decode parses a stored snapshot. Unknown fields, trailing data and lines
// that break the cart invariants are errors.
func Decode(raw []byte) ([]domain.SaleLineItem, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	var lines []domain.SaleLineItem
	if err := decoder.Decode(&lines); err != nil {
		return nil, fmt.Errorf("decode cart snapshot: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode cart snapshot: trailing data")
	}

	seen := make(map[int64]struct{}, len(lines))
	sum := int64(0)
	for i, line := range lines {
		if line.Product.ID == 0 {
			return nil, fmt.Errorf("line %d: %w", i, ErrUnknownProduct)
		}
		if _, dup := seen[line.Product.ID]; dup {
			return nil, fmt.Errorf("line %d: duplicate product %d", i, line.Product.ID)
		}
		seen[line.Product.ID] = struct{}{}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("line %d: %w", i, ErrInvalidQuantity)
		}
		total, ok := priceLine(line.Quantity, line.Product.SalePrice)
		if !ok || sum > math.MaxInt64-total {
			return nil, fmt.Errorf("line %d: %w", i, ErrQuantityTooLarge)
		}
		if line.Total != total {
			return nil, fmt.Errorf("line %d: total %d does not match quantity", i, line.Total)
		}
		sum += total
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return lines, nil
}
