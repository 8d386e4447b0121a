// Package apifake is an in-memory shop API speaking the same envelope
// protocol as the real server. It backs cmd/devapi and the HTTP tests.
package apifake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"almacenpos/terminal/internal/domain"
)

const SalesPageSize = 50

type Server struct {
	mu            sync.Mutex
	products      []domain.Product
	sales         []domain.Sale
	nextProductID int64
	nextSaleID    int64
	now           func() time.Time
	failNextSale  string
	saleRequests  []domain.SaleCreateRequest
}

func New() *Server {
	return &Server{nextProductID: 1, nextSaleID: 1, now: time.Now}
}

func NewSeeded() *Server {
	s := New()
	for _, p := range []domain.Product{
		{Barcode: "001", Name: "leche entera 1l", Stock: 40, CostPrice: 750, SalePrice: 1000},
		{Barcode: "002", Name: "pan marraqueta", Stock: 120, CostPrice: 300, SalePrice: 500},
		{Barcode: "003", Name: "queso gauda 250g", Stock: 15, CostPrice: 2100, SalePrice: 3200},
		{Barcode: "004", Name: "bebida cola 1.5l", Stock: 36, CostPrice: 1100, SalePrice: 1790},
		{Barcode: "005", Name: "arroz grado 1 1kg", Stock: 25, CostPrice: 900, SalePrice: 1390},
		{Barcode: "006", Name: "galletas de chocolate", Stock: 60, CostPrice: 500, SalePrice: 800},
		{Barcode: "007", Name: "helado de vainilla 1l", Stock: 8, CostPrice: 2500, SalePrice: 3990},
	} {
		s.AddProduct(p)
	}
	return s
}

// SetClock replaces the clock used to stamp new sales.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Server) AddProduct(p domain.Product) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = domain.NormalizeProduct(p)
	p.ID = s.nextProductID
	s.nextProductID++
	s.products = append(s.products, p)
	return p
}

// AddSale stores a sale as-is apart from assigning its id.
func (s *Server) AddSale(sale domain.Sale) domain.Sale {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale.ID = s.nextSaleID
	s.nextSaleID++
	s.sales = append(s.sales, sale)
	return sale
}

// FailNextSale makes the next sale creation answer success:false with cause.
func (s *Server) FailNextSale(cause string) {
	s.mu.Lock()
	s.failNextSale = cause
	s.mu.Unlock()
}

func (s *Server) Products() []domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Product(nil), s.products...)
}

func (s *Server) Sales() []domain.Sale {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Sale(nil), s.sales...)
}

func (s *Server) SaleRequests() []domain.SaleCreateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SaleCreateRequest(nil), s.saleRequests...)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/product/find/all", s.handleListProducts)
	mux.HandleFunc("GET /api/product/find/barcode/{barcode}", s.handleFindBarcode)
	mux.HandleFunc("GET /api/product/find/name/{name}", s.handleFindName)
	mux.HandleFunc("POST /api/product/create", s.handleCreateProduct)
	mux.HandleFunc("PUT /api/product/update", s.handleUpdateProduct)
	mux.HandleFunc("DELETE /api/product/delete/id/{id}", s.handleDeleteProduct)
	mux.HandleFunc("GET /api/sale/find/all/{page}", s.handleListSales)
	mux.HandleFunc("DELETE /api/sale/delete/id/{id}", s.handleDeleteSale)
	mux.HandleFunc("POST /api/sale/create", s.handleCreateSale)

	return mux
}

func (s *Server) handleListProducts(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.Products())
}

func (s *Server) handleFindBarcode(w http.ResponseWriter, r *http.Request) {
	code := domain.NormalizeBarcode(r.PathValue("barcode"))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.products {
		if p.Barcode == code {
			writeData(w, http.StatusOK, p)
			return
		}
	}
	writeFailure(w, http.StatusNotFound, domain.NotFoundErrorName, fmt.Sprintf("product with barcode %s not found", code))
}

func (s *Server) handleFindName(w http.ResponseWriter, r *http.Request) {
	name := domain.NormalizeName(r.PathValue("name"))

	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]domain.Product, 0)
	for _, p := range s.products {
		if strings.Contains(p.Name, name) {
			matches = append(matches, p)
		}
	}
	writeData(w, http.StatusOK, matches)
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, err.Error())
		return
	}
	p := domain.NormalizeProduct(domain.Product{
		Barcode:   req.Barcode,
		Name:      req.Name,
		Stock:     req.Stock,
		CostPrice: req.CostPrice,
		SalePrice: req.SalePrice,
	})
	if cause := s.validateProduct(p); cause != "" {
		writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, cause)
		return
	}
	writeData(w, http.StatusCreated, s.AddProduct(p))
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var p domain.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, err.Error())
		return
	}
	p = domain.NormalizeProduct(p)
	if cause := s.validateProduct(p); cause != "" {
		writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, cause)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.products {
		if s.products[i].ID == p.ID {
			s.products[i] = p
			writeData(w, http.StatusOK, p)
			return
		}
	}
	writeFailure(w, http.StatusNotFound, domain.NotFoundErrorName, fmt.Sprintf("product %d not found", p.ID))
}

func (s *Server) validateProduct(p domain.Product) string {
	if p.Barcode == "" || p.Name == "" {
		return "barcode and name are required"
	}
	if p.Stock < 0 || p.CostPrice < 0 || p.SalePrice < 0 {
		return "stock and prices must not be negative"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.products {
		if existing.Barcode == p.Barcode && existing.ID != p.ID {
			return fmt.Sprintf("barcode %s already exists", p.Barcode)
		}
	}
	return ""
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, "invalid product id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.products {
		if s.products[i].ID == id {
			s.products = append(s.products[:i], s.products[i+1:]...)
			writeData(w, http.StatusOK, "product deleted")
			return
		}
	}
	writeFailure(w, http.StatusNotFound, domain.NotFoundErrorName, fmt.Sprintf("product %d not found", id))
}

func (s *Server) handleListSales(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil || page < 1 {
		writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, "invalid page")
		return
	}

	sales := s.Sales()
	sort.SliceStable(sales, func(i, j int) bool {
		return sales[i].CreatedAt.After(sales[j].CreatedAt)
	})

	start := (page - 1) * SalesPageSize
	if start > len(sales) {
		start = len(sales)
	}
	end := start + SalesPageSize
	if end > len(sales) {
		end = len(sales)
	}
	writeData(w, http.StatusOK, sales[start:end])
}

func (s *Server) handleDeleteSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, "invalid sale id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sales {
		if s.sales[i].ID == id {
			s.sales = append(s.sales[:i], s.sales[i+1:]...)
			writeData(w, http.StatusOK, "sale deleted")
			return
		}
	}
	writeFailure(w, http.StatusNotFound, domain.NotFoundErrorName, fmt.Sprintf("sale %d not found", id))
}

// handleCreateSale prices the sale from the catalog and takes the sold units
// out of stock. The whole sale is rejected if any line is invalid.
func (s *Server) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.saleRequests = append(s.saleRequests, req)
	if s.failNextSale != "" {
		cause := s.failNextSale
		s.failNextSale = ""
		writeFailure(w, http.StatusInternalServerError, "SaleError", cause)
		return
	}
	if len(req.Products) == 0 {
		writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, "sale has no products")
		return
	}

	index := make(map[int64]int, len(s.products))
	for i, p := range s.products {
		index[p.ID] = i
	}

	total := int64(0)
	lines := make([]domain.SaleProduct, 0, len(req.Products))
	for _, item := range req.Products {
		idx, ok := index[item.ID]
		if !ok {
			writeFailure(w, http.StatusNotFound, domain.NotFoundErrorName, fmt.Sprintf("product %d not found", item.ID))
			return
		}
		p := s.products[idx]
		if item.Quantity < 1 {
			writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, fmt.Sprintf("invalid quantity for %s", p.Name))
			return
		}
		if p.Stock < item.Quantity {
			writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, fmt.Sprintf("insufficient stock for %s", p.Name))
			return
		}
		total += int64(item.Quantity) * p.SalePrice
		lines = append(lines, domain.SaleProduct{ID: p.ID, Barcode: p.Barcode, Name: p.Name, SalePrice: p.SalePrice, Quantity: item.Quantity})
	}
	for _, item := range req.Products {
		s.products[index[item.ID]].Stock -= item.Quantity
	}

	sale := domain.Sale{
		ID:        s.nextSaleID,
		Total:     total,
		IsCash:    req.IsCash,
		CreatedAt: s.now().UTC(),
		Products:  lines,
	}
	s.nextSaleID++
	s.sales = append(s.sales, sale)

	writeData(w, http.StatusCreated, fmt.Sprintf("sale %d registered", sale.ID))
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func writeFailure(w http.ResponseWriter, status int, name string, cause string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   domain.APIError{Name: name, Cause: cause},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
