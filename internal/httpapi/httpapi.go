package httpapi

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"almacenpos/terminal/internal/apiclient"
	"almacenpos/terminal/internal/cart"
	"almacenpos/terminal/internal/checkout"
	"almacenpos/terminal/internal/domain"
	"almacenpos/terminal/internal/format"
	"almacenpos/terminal/internal/salelog"
	"almacenpos/terminal/internal/service"
)

const (
	RequestIDHeader = "X-Request-ID"
	saleFailedName  = "SaleFailed"
	authErrorName   = "AuthError"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	location      *time.Location
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		location:      time.Local,
		logger:        logger,
	}
}

// attemptLimiter counts login attempts per client in fixed windows. A client
// that used up its budget waits until its window started more than window ago.
type attemptLimiter struct {
	mu      sync.Mutex
	budget  int
	window  time.Duration
	now     func() time.Time
	clients map[string]*attemptWindow
}

type attemptWindow struct {
	opened time.Time
	used   int
}

func newAttemptLimiter(budget int, window time.Duration) *attemptLimiter {
	return &attemptLimiter{
		budget:  max(budget, 1),
		window:  cmp.Or(max(window, 0), time.Minute),
		now:     time.Now,
		clients: make(map[string]*attemptWindow),
	}
}

// Allow spends one attempt for key and reports whether it was within budget.
// A nil limiter allows everything.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	at := l.now()
	l.forgetExpired(at)

	w, ok := l.clients[key]
	if !ok {
		l.clients[key] = &attemptWindow{opened: at, used: 1}
		return true
	}
	if w.used >= l.budget {
		return false
	}
	w.used++
	return true
}

func (l *attemptLimiter) forgetExpired(at time.Time) {
	for key, w := range l.clients {
		if at.Sub(w.opened) >= l.window {
			delete(l.clients, key)
		}
	}
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions))

	mux.HandleFunc("/api/v1/cart", a.requireAuth(a.handleCart))
	mux.HandleFunc("/api/v1/cart/scan", a.requireAuth(a.handleCartScan))
	mux.HandleFunc("/api/v1/cart/items", a.requireAuth(a.handleCartItems))
	mux.HandleFunc("/api/v1/cart/select", a.requireAuth(a.handleCartSelect))
	mux.HandleFunc("/api/v1/cart/deselect", a.requireAuth(a.handleCartDeselect))
	mux.HandleFunc("/api/v1/cart/quantity", a.requireAuth(a.handleCartQuantity))
	mux.HandleFunc("/api/v1/cart/selected", a.requireAuth(a.handleCartSelected))
	mux.HandleFunc("/api/v1/cart/payment", a.requireAuth(a.handleCartPayment))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeFailure(w, http.StatusUnauthorized, authErrorName, "missing bearer token")
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		if _, err := a.auth.ParseToken(token); err != nil {
			writeFailure(w, http.StatusUnauthorized, authErrorName, err.Error())
			return
		}
		next(w, r)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeFailure(w, http.StatusTooManyRequests, authErrorName, "too many login attempts")
		return
	}

	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, authErrorName, err.Error())
		return
	}
	writeData(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeData(w, http.StatusOK, a.service.Products())
	case http.MethodPost:
		var input domain.ProductInput
		if err := decodeJSON(r, &input); err != nil {
			writeBadRequest(w, err)
			return
		}

		product, err := a.service.SaveProduct(r.Context(), input)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		status := http.StatusOK
		if input.ID == 0 {
			status = http.StatusCreated
		}
		writeData(w, status, product)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/products/"), "/")
	if tail == "" {
		writeBadRequest(w, errors.New("product id required"))
		return
	}

	switch {
	case tail == "search":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		writeData(w, http.StatusOK, a.service.SearchByName(r.URL.Query().Get("name")))
	case strings.HasPrefix(tail, "barcode/"):
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		code := strings.TrimPrefix(tail, "barcode/")
		product, ok, err := a.service.LookupProductByBarcode(r.Context(), code)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		if !ok {
			writeFailure(w, http.StatusOK, domain.NotFoundErrorName, fmt.Sprintf("product with barcode %s not found", code))
			return
		}
		writeData(w, http.StatusOK, product)
	default:
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w)
			return
		}
		id, err := parseID(tail)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		if err := a.service.DeleteProduct(r.Context(), id); err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"id": id})
	}
}

type cartView struct {
	Lines        []lineView `json:"lines"`
	SelectedID   int64      `json:"selectedId"`
	Total        int64      `json:"total"`
	TotalDisplay string     `json:"totalDisplay"`
	ItemCount    int        `json:"itemCount"`
	IsCash       bool       `json:"isCash"`
	Payment      string     `json:"payment"`
	Rejected     bool       `json:"rejected,omitempty"`
	Unsaved      bool       `json:"unsaved,omitempty"`
}

type lineView struct {
	Product      domain.Product `json:"product"`
	Quantity     int            `json:"quantity"`
	Total        int64          `json:"total"`
	TotalDisplay string         `json:"totalDisplay"`
	Selected     bool           `json:"selected"`
}

func (a *API) cartView() cartView {
	snap := a.service.Cart()
	isCash := a.service.IsCash()

	lines := make([]lineView, 0, len(snap.Lines))
	for _, line := range snap.Lines {
		lines = append(lines, lineView{
			Product:      line.Product,
			Quantity:     line.Quantity,
			Total:        line.Total,
			TotalDisplay: format.Currency(line.Total),
			Selected:     line.Product.ID == snap.SelectedID,
		})
	}
	return cartView{
		Lines:        lines,
		SelectedID:   snap.SelectedID,
		Total:        snap.Total,
		TotalDisplay: format.Currency(snap.Total),
		ItemCount:    snap.ItemCount,
		IsCash:       isCash,
		Payment:      salelog.PaymentLabel(isCash),
	}
}

// writeCart answers a cart mutation. A mutation that only failed to persist
// still reports the cart, flagged as unsaved.
func (a *API) writeCart(w http.ResponseWriter, err error) {
	view := a.cartView()
	switch {
	case err == nil:
	case errors.Is(err, cart.ErrPersist):
		a.logger.Warn("cart change not persisted", zap.Error(err))
		view.Unsaved = true
	case errors.Is(err, cart.ErrQuantityRejected):
		view.Rejected = true
	default:
		a.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

type productRef struct {
	ProductID int64 `json:"productId"`
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeData(w, http.StatusOK, a.cartView())
	case http.MethodDelete:
		a.writeCart(w, a.service.ClearCart(r.Context()))
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req struct {
		Barcode string `json:"barcode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	_, err := a.service.ScanBarcode(r.Context(), req.Barcode)
	if errors.Is(err, service.ErrProductNotFound) {
		writeFailure(w, http.StatusOK, domain.NotFoundErrorName,
			fmt.Sprintf("product with barcode %s not found", domain.NormalizeBarcode(req.Barcode)))
		return
	}
	a.writeCart(w, err)
}

func (a *API) handleCartItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req productRef
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	_, err := a.service.AddProduct(r.Context(), req.ProductID)
	a.writeCart(w, err)
}

func (a *API) handleCartSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req productRef
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	a.writeCart(w, a.service.SelectLine(req.ProductID))
}

func (a *API) handleCartDeselect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a.service.Deselect()
	a.writeCart(w, nil)
}

func (a *API) handleCartQuantity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeMethodNotAllowed(w)
		return
	}
	var req struct {
		ProductID int64  `json:"productId"`
		Value     string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	a.writeCart(w, a.service.SetQuantity(r.Context(), req.ProductID, req.Value))
}

func (a *API) handleCartSelected(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	a.writeCart(w, a.service.DeleteSelected(r.Context()))
}

func (a *API) handleCartPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeMethodNotAllowed(w)
		return
	}
	var req struct {
		IsCash *bool `json:"isCash"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.IsCash == nil {
		writeBadRequest(w, errors.New("isCash is required"))
		return
	}
	a.service.SetCash(*req.IsCash)
	a.writeCart(w, nil)
}

type saleView struct {
	domain.Sale
	TotalDisplay     string `json:"totalDisplay"`
	Payment          string `json:"payment"`
	CreatedAtDisplay string `json:"createdAtDisplay"`
}

type summaryView struct {
	salelog.Summary
	TotalDisplay string `json:"totalDisplay"`
}

type salesView struct {
	Sales   []saleView  `json:"sales"`
	Summary summaryView `json:"summary"`
}

func (a *API) salesView(sales []domain.Sale) salesView {
	views := make([]saleView, 0, len(sales))
	for _, sale := range sales {
		views = append(views, saleView{
			Sale:             sale,
			TotalDisplay:     format.Currency(sale.Total),
			Payment:          salelog.PaymentLabel(sale.IsCash),
			CreatedAtDisplay: format.DateTime(sale.CreatedAt.In(a.location)),
		})
	}
	summary := salelog.Summarize(sales)
	return salesView{
		Sales:   views,
		Summary: summaryView{Summary: summary, TotalDisplay: format.Currency(summary.Total)},
	}
}

// handleSales answers the current view, or filters it when a from or to day
// is given. A single bound is used for both ends.
func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	if from == "" && to == "" {
		writeData(w, http.StatusOK, a.salesView(a.service.Sales()))
		return
	}
	if from == "" {
		from = to
	}
	if to == "" {
		to = from
	}

	initDate, err := format.ParseDay(from, a.location)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid from date: %w", err))
		return
	}
	finalDate, err := format.ParseDay(to, a.location)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid to date: %w", err))
		return
	}
	writeData(w, http.StatusOK, a.salesView(a.service.FilterSales(domain.NewDateRange(initDate, finalDate))))
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sales/"), "/")

	switch tail {
	case "submit":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		a.handleSubmit(w, r)
	case "refresh":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		sales, err := a.service.RefreshSales(r.Context())
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, a.salesView(sales))
	case "reset":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		writeData(w, http.StatusOK, a.salesView(a.service.ResetSales()))
	default:
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w)
			return
		}
		id, err := parseID(tail)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		if err := a.service.DeleteSale(r.Context(), id); err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, a.salesView(a.service.Sales()))
	}
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	res, err := a.service.SubmitSale(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if !res.Success {
		writeFailure(w, http.StatusBadGateway, saleFailedName, res.Cause)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"message": res.Message,
		"cart":    a.cartView(),
	})
}

// writeServiceError maps service, cart and remote failures to responses.
// A product that does not exist is an ordinary answer, not an HTTP error.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var apiErr *domain.APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.IsNotFound() {
			writeFailure(w, http.StatusOK, apiErr.Name, apiErr.Cause)
			return
		}
		writeFailure(w, http.StatusBadGateway, apiErr.Name, apiErr.Cause)
	case errors.Is(err, service.ErrProductNotFound), errors.Is(err, cart.ErrLineNotFound):
		writeFailure(w, http.StatusOK, domain.NotFoundErrorName, err.Error())
	case errors.Is(err, service.ErrInvalidProduct),
		errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrQuantityTooLarge),
		errors.Is(err, cart.ErrUnknownProduct),
		errors.Is(err, cart.ErrNotSelected),
		errors.Is(err, cart.ErrNoSelection):
		writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, err.Error())
	case errors.Is(err, checkout.ErrSubmissionInFlight):
		writeFailure(w, http.StatusConflict, domain.ValidationErrorName, err.Error())
	case errors.Is(err, apiclient.ErrTransport):
		a.logger.Warn("shop API unreachable", zap.Error(err))
		writeFailure(w, http.StatusBadGateway, domain.UnknownErrorName, err.Error())
	default:
		a.logger.Error("request failed", zap.Error(err))
		writeFailure(w, http.StatusInternalServerError, domain.UnknownErrorName, "internal server error")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeFailure(w, http.StatusMethodNotAllowed, domain.ValidationErrorName, "method not allowed")
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeFailure(w, http.StatusBadRequest, domain.ValidationErrorName, err.Error())
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, domain.Envelope[any]{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, name string, cause string) {
	writeJSON(w, status, domain.Envelope[any]{Success: false, Error: &domain.APIError{Name: name, Cause: cause}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
