// Package directory keeps the session's copy of the product catalog for
// lookups that do not need a round trip to the shop API.
package directory

import (
	"context"
	"strings"
	"sync"

	"almacenpos/terminal/internal/domain"
)

// MinNameQuery is the shortest name query that produces matches.
const MinNameQuery = 2

type Source interface {
	ListProducts(ctx context.Context) (domain.Envelope[[]domain.Product], error)
}

type Directory struct {
	mu       sync.RWMutex
	products []domain.Product
}

func New(products []domain.Product) *Directory {
	d := &Directory{}
	d.Replace(products)
	return d
}

// Load replaces the contents with the catalog from source. On failure the
// current contents stay as they are.
func (d *Directory) Load(ctx context.Context, source Source) error {
	env, err := source.ListProducts(ctx)
	if err != nil {
		return err
	}
	if err := env.Err(); err != nil {
		return err
	}
	d.Replace(env.Data)
	return nil
}

func (d *Directory) Replace(products []domain.Product) {
	list := make([]domain.Product, 0, len(products))
	for _, p := range products {
		list = append(list, domain.NormalizeProduct(p))
	}
	d.mu.Lock()
	d.products = list
	d.mu.Unlock()
}

func (d *Directory) All() []domain.Product {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.Product(nil), d.products...)
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.products)
}

func (d *Directory) FindByID(id int64) (domain.Product, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.products {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Product{}, false
}

func (d *Directory) FindByBarcode(code string) (domain.Product, bool) {
	code = domain.NormalizeBarcode(code)
	if code == "" {
		return domain.Product{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.products {
		if p.Barcode == code {
			return p, true
		}
	}
	return domain.Product{}, false
}

// FindByName returns products whose name contains text, in catalog order.
// Queries shorter than MinNameQuery return nothing.
func (d *Directory) FindByName(text string) []domain.Product {
	text = domain.NormalizeName(text)
	if len([]rune(text)) < MinNameQuery {
		return []domain.Product{}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	matches := make([]domain.Product, 0)
	for _, p := range d.products {
		if strings.Contains(p.Name, text) {
			matches = append(matches, p)
		}
	}
	return matches
}

// Upsert replaces the product with the same id or appends it.
func (d *Directory) Upsert(p domain.Product) {
	p = domain.NormalizeProduct(p)

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.products {
		if d.products[i].ID == p.ID {
			d.products[i] = p
			return
		}
	}
	d.products = append(d.products, p)
}

func (d *Directory) Remove(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.products {
		if d.products[i].ID == id {
			d.products = append(d.products[:i], d.products[i+1:]...)
			return true
		}
	}
	return false
}
