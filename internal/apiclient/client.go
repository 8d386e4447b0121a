// Package apiclient talks to the shop API. Every call returns the response
// envelope as sent by the server; the error return is reserved for requests
// that never produced an envelope.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"almacenpos/terminal/internal/domain"
)

const DefaultBaseURL = "http://localhost:3000/api"

const maxResponseBytes = 4 << 20

var ErrTransport = errors.New("shop api unreachable")

type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) ListProducts(ctx context.Context) (domain.Envelope[[]domain.Product], error) {
	return call[[]domain.Product](ctx, c, http.MethodGet, "/product/find/all", nil)
}

func (c *Client) FindProductByBarcode(ctx context.Context, barcode string) (domain.Envelope[domain.Product], error) {
	return call[domain.Product](ctx, c, http.MethodGet, "/product/find/barcode/"+url.PathEscape(barcode), nil)
}

func (c *Client) FindProductsByName(ctx context.Context, name string) (domain.Envelope[[]domain.Product], error) {
	return call[[]domain.Product](ctx, c, http.MethodGet, "/product/find/name/"+url.PathEscape(name), nil)
}

func (c *Client) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Envelope[json.RawMessage], error) {
	return call[json.RawMessage](ctx, c, http.MethodPost, "/product/create", req)
}

func (c *Client) UpdateProduct(ctx context.Context, product domain.Product) (domain.Envelope[json.RawMessage], error) {
	return call[json.RawMessage](ctx, c, http.MethodPut, "/product/update", product)
}

func (c *Client) DeleteProduct(ctx context.Context, id int64) (domain.Envelope[json.RawMessage], error) {
	return call[json.RawMessage](ctx, c, http.MethodDelete, "/product/delete/id/"+strconv.FormatInt(id, 10), nil)
}

func (c *Client) ListSales(ctx context.Context, page int) (domain.Envelope[[]domain.Sale], error) {
	if page < 1 {
		page = 1
	}
	return call[[]domain.Sale](ctx, c, http.MethodGet, "/sale/find/all/"+strconv.Itoa(page), nil)
}

func (c *Client) DeleteSale(ctx context.Context, id int64) (domain.Envelope[json.RawMessage], error) {
	return call[json.RawMessage](ctx, c, http.MethodDelete, "/sale/delete/id/"+strconv.FormatInt(id, 10), nil)
}

func (c *Client) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Envelope[json.RawMessage], error) {
	return call[json.RawMessage](ctx, c, http.MethodPost, "/sale/create", req)
}

func call[T any](ctx context.Context, c *Client, method string, path string, body any) (domain.Envelope[T], error) {
	var envelope domain.Envelope[T]

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return envelope, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return envelope, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startedAt := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("shop api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err))
		return envelope, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return envelope, fmt.Errorf("%w: read %s %s: %v", ErrTransport, method, path, err)
	}

	c.logger.Debug("shop api",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", requestID),
		zap.Duration("elapsed", time.Since(startedAt)))

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return envelope, fmt.Errorf("%w: %s %s: status %d: invalid envelope: %v", ErrTransport, method, path, resp.StatusCode, err)
	}
	if !envelope.Success && envelope.Error == nil && resp.StatusCode >= http.StatusBadRequest {
		envelope.Error = &domain.APIError{Name: domain.UnknownErrorName, Cause: http.StatusText(resp.StatusCode)}
	}
	return envelope, nil
}

// Message extracts a display string from an envelope data payload. Non-string
// payloads yield fallback.
func Message(data json.RawMessage, fallback string) string {
	var msg string
	if len(data) > 0 && json.Unmarshal(data, &msg) == nil && strings.TrimSpace(msg) != "" {
		return msg
	}
	return fallback
}
