package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"almacenpos/terminal/internal/apiclient"
	"almacenpos/terminal/internal/apifake"
	"almacenpos/terminal/internal/cart"
	"almacenpos/terminal/internal/checkout"
	"almacenpos/terminal/internal/directory"
	"almacenpos/terminal/internal/domain"
	"almacenpos/terminal/internal/salelog"
	"almacenpos/terminal/internal/service"
	"almacenpos/terminal/internal/state"
)

const testPIN = "4821"

// newTestAPI builds the full request path: real service, cart and auth in
// front of the in-memory shop API served over httptest.
func newTestAPI(t *testing.T) (*API, *apifake.Server) {
	t.Helper()

	fake := apifake.NewSeeded()
	server := httptest.NewServer(fake.Handler())
	t.Cleanup(server.Close)

	client := apiclient.New(server.URL+"/api", 5*time.Second, nil)
	engine := cart.New(context.Background(), state.NewMemoryStore(), cart.DefaultKey, nil)
	svc := service.New(
		client,
		directory.New(nil),
		engine,
		checkout.New(client, engine, nil),
		salelog.New(client, 1, nil),
		nil,
	)
	require.NoError(t, svc.Start(context.Background()))

	api := New(svc, NewAuthManager(testSecret, time.Hour, testPIN), "*", nil)
	api.location = time.UTC
	return api, fake
}

func loginOperator(t *testing.T, handler http.Handler) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{PIN: testPIN})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope[LoginResponse](t, rec)
	require.NotEmpty(t, env.Data.AccessToken)
	return env.Data.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	reader := bytes.NewReader(nil)
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope[T any](t *testing.T, rec *httptest.ResponseRecorder) domain.Envelope[T] {
	t.Helper()

	var env domain.Envelope[T]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
}

func TestHandleLogin_InvalidPIN(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", LoginRequest{PIN: "0000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, handler, http.MethodGet, "/api/v1/products", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, handler, http.MethodGet, "/api/v1/cart", "not-a-token", nil).Code)
}

func TestHandleProducts_ListSearchAndLookup(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginOperator(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeEnvelope[[]domain.Product](t, rec).Data, 7)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/search?name=de", token, nil)
	assert.Len(t, decodeEnvelope[[]domain.Product](t, rec).Data, 2)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/barcode/003", token, nil)
	found := decodeEnvelope[domain.Product](t, rec)
	assert.True(t, found.Success)
	assert.Equal(t, int64(3200), found.Data.SalePrice)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/barcode/999", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, "not found lookup answers 200")
	env := decodeEnvelope[domain.Product](t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, domain.NotFoundErrorName, env.Error.Name)
}

func TestHandleProducts_SaveAndDelete(t *testing.T) {
	api, fake := newTestAPI(t)
	handler := api.Handler()
	token := loginOperator(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", token, domain.ProductInput{
		Barcode: "200", Name: "Te Verde", Stock: 20, CostPrice: 600, SalePrice: 990,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeEnvelope[domain.Product](t, rec).Data
	assert.NotZero(t, created.ID)
	assert.Equal(t, "te verde", created.Name)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", token, domain.ProductInput{
		Barcode: "201", Name: "", SalePrice: 10,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "invalid product")

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", token, domain.ProductInput{
		Barcode: "001", Name: "duplicado", SalePrice: 10,
	})
	require.Equal(t, http.StatusBadGateway, rec.Code, "server-side rejection")
	rejected := decodeEnvelope[any](t, rec)
	require.NotNil(t, rejected.Error)
	assert.Equal(t, domain.ValidationErrorName, rejected.Error.Name, "server error name passes through")

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/products/"+itoa(created.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, fake.Products(), 7)

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/products/abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCart_ScanEditAndTotals(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginOperator(t, handler)

	for _, code := range []string{"001", "001", "002"} {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/cart/scan", token, map[string]string{"barcode": code})
		require.Equal(t, http.StatusOK, rec.Code, "scan %s: %s", code, rec.Body.String())
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/cart", token, nil)
	view := decodeEnvelope[cartView](t, rec).Data
	assert.Equal(t, int64(2500), view.Total)
	assert.Equal(t, "$2.500", view.TotalDisplay)
	require.Len(t, view.Lines, 2)
	assert.True(t, view.IsCash, "cart defaults to cash")
	assert.Equal(t, "Efectivo", view.Payment)

	lecheID := view.Lines[0].Product.ID
	rec = doJSON(t, handler, http.MethodPut, "/api/v1/cart/quantity", token, map[string]any{"productId": lecheID, "value": "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "editing without selection")

	doJSON(t, handler, http.MethodPost, "/api/v1/cart/select", token, productRef{ProductID: lecheID})
	rec = doJSON(t, handler, http.MethodPut, "/api/v1/cart/quantity", token, map[string]any{"productId": lecheID, "value": "abc"})
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeEnvelope[cartView](t, rec).Data
	assert.True(t, view.Rejected)
	assert.Equal(t, int64(2500), view.Total)
	assert.Equal(t, lecheID, view.SelectedID, "selection survives a rejected edit")

	rec = doJSON(t, handler, http.MethodPut, "/api/v1/cart/quantity", token, map[string]any{"productId": lecheID, "value": "5"})
	view = decodeEnvelope[cartView](t, rec).Data
	assert.Equal(t, int64(5500), view.Total)
	assert.Zero(t, view.SelectedID)

	doJSON(t, handler, http.MethodPost, "/api/v1/cart/select", token, productRef{ProductID: lecheID})
	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/cart/selected", token, nil)
	view = decodeEnvelope[cartView](t, rec).Data
	assert.Equal(t, int64(500), view.Total)
	assert.Len(t, view.Lines, 1)

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/cart/selected", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "delete without selection")
}

func TestHandleCart_HugeQuantityRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginOperator(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/cart/scan", token, map[string]string{"barcode": "002"})
	lineID := decodeEnvelope[cartView](t, rec).Data.Lines[0].Product.ID
	doJSON(t, handler, http.MethodPost, "/api/v1/cart/select", token, productRef{ProductID: lineID})

	for _, value := range []string{"9223372036854775807", strconv.Itoa(cart.MaxQuantity + 1)} {
		rec = doJSON(t, handler, http.MethodPut, "/api/v1/cart/quantity", token, map[string]any{"productId": lineID, "value": value})
		require.Equal(t, http.StatusOK, rec.Code)
		view := decodeEnvelope[cartView](t, rec).Data
		assert.True(t, view.Rejected, value)
		assert.Equal(t, int64(500), view.Total, value)
	}
}

func TestHandleCart_ScanUnknownBarcode(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginOperator(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/cart/scan", token, map[string]string{"barcode": "555"})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope[cartView](t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, domain.NotFoundErrorName, env.Error.Name)
}

func TestHandleSales_SubmitAndFilter(t *testing.T) {
	api, fake := newTestAPI(t)
	handler := api.Handler()
	token := loginOperator(t, handler)
	fake.SetClock(func() time.Time { return time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC) })

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales/submit", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty cart submit")

	doJSON(t, handler, http.MethodPost, "/api/v1/cart/scan", token, map[string]string{"barcode": "003"})
	doJSON(t, handler, http.MethodPut, "/api/v1/cart/payment", token, map[string]bool{"isCash": false})

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales/submit", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reqs := fake.SaleRequests()
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].IsCash)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/cart", token, nil)
	cartAfter := decodeEnvelope[cartView](t, rec).Data
	assert.Zero(t, cartAfter.ItemCount, "cart empty after sale")
	assert.True(t, cartAfter.IsCash, "payment back to cash")

	fake.AddSale(domain.Sale{Total: 1000, IsCash: true, CreatedAt: time.Date(2024, 5, 11, 23, 59, 59, 0, time.UTC)})
	doJSON(t, handler, http.MethodPost, "/api/v1/sales/refresh", token, nil)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales?from=2024-05-10&to=2024-05-10", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeEnvelope[salesView](t, rec).Data
	require.Len(t, view.Sales, 1)
	assert.Equal(t, "Tarjeta", view.Sales[0].Payment)
	assert.Equal(t, "$3.200", view.Sales[0].TotalDisplay)
	assert.Equal(t, "10/05/2024, 15:30", view.Sales[0].CreatedAtDisplay)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales?from=2024-05-11", token, nil)
	view = decodeEnvelope[salesView](t, rec).Data
	require.Len(t, view.Sales, 1, "end of day sale matches its own day")
	assert.Equal(t, int64(1000), view.Sales[0].Total)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales/reset", token, nil)
	view = decodeEnvelope[salesView](t, rec).Data
	assert.Equal(t, 2, view.Summary.Count)
	assert.Equal(t, int64(4200), view.Summary.Total)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales?from=10-05-2024", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "bad date")
}

func TestHandleSales_FilterSurvivesNextSale(t *testing.T) {
	api, fake := newTestAPI(t)
	handler := api.Handler()
	token := loginOperator(t, handler)
	fake.SetClock(func() time.Time { return time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC) })

	fake.AddSale(domain.Sale{Total: 1000, IsCash: true, CreatedAt: time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)})
	doJSON(t, handler, http.MethodPost, "/api/v1/sales/refresh", token, nil)
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/sales?from=2024-05-10", token, nil)
	assert.Empty(t, decodeEnvelope[salesView](t, rec).Data.Sales)

	doJSON(t, handler, http.MethodPost, "/api/v1/cart/scan", token, map[string]string{"barcode": "002"})
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales/submit", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales", token, nil)
	view := decodeEnvelope[salesView](t, rec).Data
	require.Len(t, view.Sales, 1, "the May 8 sale stays filtered out")
	assert.Equal(t, int64(500), view.Sales[0].Total)
}

func TestHandleSales_SubmitFailureKeepsCart(t *testing.T) {
	api, fake := newTestAPI(t)
	handler := api.Handler()
	token := loginOperator(t, handler)

	doJSON(t, handler, http.MethodPost, "/api/v1/cart/scan", token, map[string]string{"barcode": "002"})
	fake.FailNextSale("sin conexion con caja")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales/submit", token, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	env := decodeEnvelope[any](t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "sin conexion con caja", env.Error.Cause)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/cart", token, nil)
	assert.Equal(t, int64(500), decodeEnvelope[cartView](t, rec).Data.Total, "cart kept after failure")
}

func TestHandleSales_Delete(t *testing.T) {
	api, fake := newTestAPI(t)
	handler := api.Handler()
	token := loginOperator(t, handler)

	sale := fake.AddSale(domain.Sale{Total: 1000, IsCash: true, CreatedAt: time.Now().UTC()})
	doJSON(t, handler, http.MethodPost, "/api/v1/sales/refresh", token, nil)

	rec := doJSON(t, handler, http.MethodDelete, "/api/v1/sales/"+itoa(sale.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decodeEnvelope[salesView](t, rec).Data.Sales)

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/sales/"+itoa(sale.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope[any](t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, domain.NotFoundErrorName, env.Error.Name)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
