package orderbook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client talks to the order book REST API rooted at baseURL, e.g.
// https://api.cow.fi/mainnet.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// APIError is a non-2xx answer from the order book. ErrorType carries the
// service error code when the body could be decoded.
type APIError struct {
	Status      int    `json:"-"`
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Body        string `json:"-"`
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("http %d: %s: %s", e.Status, e.ErrorType, e.Description)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrorType extracts the order book error code from err, if any.
func ErrorType(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorType
	}
	return ""
}

func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	var out QuoteResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/quote", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostOrder submits a signed order and returns the UID assigned by the
// service.
func (c *Client) PostOrder(ctx context.Context, order OrderCreation) (string, error) {
	var uid string
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", order, &uid); err != nil {
		return "", err
	}
	if uid == "" {
		return "", errors.New("empty order uid")
	}
	return uid, nil
}

func (c *Client) Order(ctx context.Context, uid string) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(uid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelOrders(ctx context.Context, cancel Cancellation) error {
	if len(cancel.OrderUIDs) == 0 {
		return errors.New("no orders to cancel")
	}
	return c.do(ctx, http.MethodDelete, "/api/v1/orders", cancel, nil)
}

// AccountOrders lists orders owned by owner, newest first.
func (c *Client) AccountOrders(ctx context.Context, owner string, offset, limit int) ([]Order, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/account/" + url.PathEscape(owner) + "/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []Order
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NativePrice returns the price of one token atom in native-token atoms.
func (c *Client) NativePrice(ctx context.Context, token string) (decimal.Decimal, error) {
	var out struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/token/"+url.PathEscape(token)+"/native_price", nil, &out); err != nil {
		return decimal.Zero, err
	}
	if !out.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid native price for %s", token)
	}
	return out.Price, nil
}

func (c *Client) do(ctx context.Context, method, path string, req, out interface{}) error {
	var body io.Reader
	if req != nil {
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		apiErr := &APIError{Status: resp.StatusCode, Body: string(raw)}
		_ = json.Unmarshal(raw, apiErr)
		c.log.Debug("order book request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("error_type", apiErr.ErrorType),
		)
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ParseAmount decodes a decimal atom string as returned by the service.
func ParseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}
