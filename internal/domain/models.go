package domain

import (
	"strings"
	"time"
)

// Product is a catalog entry as served by the shop API. ID 0 marks a product
// that has not been created yet.
type Product struct {
	ID        int64  `json:"id"`
	Barcode   string `json:"barcode"`
	Name      string `json:"name"`
	Stock     int    `json:"stock"`
	CostPrice int64  `json:"costPrice"`
	SalePrice int64  `json:"salePrice"`
}

// ProductInput is the product form submitted by the operator.
type ProductInput struct {
	ID        int64  `json:"id"`
	Barcode   string `json:"barcode" validate:"required,max=64"`
	Name      string `json:"name" validate:"required,max=120"`
	Stock     int    `json:"stock" validate:"gte=0"`
	CostPrice int64  `json:"costPrice" validate:"gte=0"`
	SalePrice int64  `json:"salePrice" validate:"gte=0"`
}

func (in ProductInput) Product() Product {
	return NormalizeProduct(Product{
		ID:        in.ID,
		Barcode:   in.Barcode,
		Name:      in.Name,
		Stock:     in.Stock,
		CostPrice: in.CostPrice,
		SalePrice: in.SalePrice,
	})
}

// ProductCreateRequest is the create body: every product field except id.
type ProductCreateRequest struct {
	Barcode   string `json:"barcode"`
	Name      string `json:"name"`
	Stock     int    `json:"stock"`
	CostPrice int64  `json:"costPrice"`
	SalePrice int64  `json:"salePrice"`
}

func NormalizeBarcode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func NormalizeProduct(p Product) Product {
	p.Barcode = NormalizeBarcode(p.Barcode)
	p.Name = NormalizeName(p.Name)
	return p
}

// SaleLineItem is one row of the sale in progress. Product is a snapshot
// taken when the product was first added; Total is Quantity * Product.SalePrice.
type SaleLineItem struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
	Total    int64   `json:"total"`
}

type SaleItemRef struct {
	ID       int64 `json:"id"`
	Quantity int   `json:"quantity"`
}

// SaleCreateRequest carries no prices; the server prices the sale itself.
type SaleCreateRequest struct {
	Products []SaleItemRef `json:"products"`
	IsCash   bool          `json:"isCash"`
}

type SaleProduct struct {
	ID        int64  `json:"id"`
	Barcode   string `json:"barcode,omitempty"`
	Name      string `json:"name"`
	SalePrice int64  `json:"salePrice,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
}

// Sale is a completed sale as listed in the sale log.
type Sale struct {
	ID        int64         `json:"id"`
	Total     int64         `json:"total"`
	IsCash    bool          `json:"isCash"`
	CreatedAt time.Time     `json:"createdAt"`
	Products  []SaleProduct `json:"products"`
}

// DateRange bounds are local midnights.
type DateRange struct {
	InitDate  time.Time `json:"initDate"`
	FinalDate time.Time `json:"finalDate"`
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func NewDateRange(init time.Time, final time.Time) DateRange {
	return DateRange{InitDate: StartOfDay(init), FinalDate: StartOfDay(final)}
}

func DefaultDateRange(now time.Time) DateRange {
	return NewDateRange(now, now)
}

func (r DateRange) InitMillis() int64 {
	return r.InitDate.UnixMilli()
}

func (r DateRange) FinalMillis() int64 {
	return r.FinalDate.UnixMilli()
}

// Envelope wraps every shop API response.
type Envelope[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// Err returns nil for a successful envelope and the server error otherwise.
func (e Envelope[T]) Err() error {
	if e.Success {
		return nil
	}
	if e.Error != nil {
		return e.Error
	}
	return &APIError{Name: UnknownErrorName, Cause: "request failed"}
}

const (
	NotFoundErrorName   = "NotFoundError"
	ValidationErrorName = "ValidationError"
	UnknownErrorName    = "UnknownError"
)

type APIError struct {
	Name  string `json:"name"`
	Cause string `json:"cause"`
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return e.Cause
	}
	return e.Name + ": " + e.Cause
}

func (e *APIError) IsNotFound() bool {
	return e != nil && e.Name == NotFoundErrorName
}
