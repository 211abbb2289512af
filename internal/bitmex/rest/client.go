package rest

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
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mm-hedge-bot/internal/bitmex"
	"mm-hedge-bot/internal/market"
)

type Client struct {
	baseURL   string
	http      *http.Client
	creds     bitmex.Credentials
	expiryTTL time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func New(baseURL string, timeout time.Duration, creds bitmex.Credentials, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = bitmex.DefaultRESTURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		creds:     creds,
		expiryTTL: 30 * time.Second,
		log:       log,
		now:       time.Now,
	}
}

// APIError is a non-2xx answer from the exchange.
type APIError struct {
	Status  int
	Name    string
	Message string
}

func (e *APIError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("bitmex http %d %s: %s", e.Status, e.Name, e.Message)
	}
	return fmt.Sprintf("bitmex http %d: %s", e.Status, e.Message)
}

// Retryable reports overload, rate limit and server side failures.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (e *APIError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

const execInstPostOnly = "ParticipateDoNotInitiate"

type orderWire struct {
	Symbol   string      `json:"symbol"`
	Side     string      `json:"side,omitempty"`
	OrdType  string      `json:"ordType,omitempty"`
	OrderQty json.Number `json:"orderQty"`
	Price    json.Number `json:"price,omitempty"`
	ClOrdID  string      `json:"clOrdID,omitempty"`
	ExecInst string      `json:"execInst,omitempty"`
}

// toWire renders numbers through decimal so the body carries the shortest
// exact representation of each float.
func toWire(req market.OrderRequest) orderWire {
	w := orderWire{
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		OrdType:  string(req.Type),
		OrderQty: formatNumber(req.Quantity),
		ClOrdID:  req.ClientID,
	}
	if req.Type != market.OrderTypeMarket && req.Price > 0 {
		w.Price = formatNumber(req.Price)
	}
	if req.PostOnly && req.Type != market.OrderTypeMarket {
		w.ExecInst = execInstPostOnly
	}
	return w
}

func formatNumber(v float64) json.Number {
	return json.Number(decimal.NewFromFloat(v).String())
}

func (c *Client) PlaceOrder(ctx context.Context, req market.OrderRequest) (market.Order, error) {
	var row map[string]any
	if err := c.do(ctx, http.MethodPost, "/order", nil, toWire(req), &row); err != nil {
		return market.Order{}, err
	}
	order, ok := market.ParseOrder(row)
	if !ok {
		return market.Order{}, errors.New("order response missing orderID")
	}
	return order, nil
}

func (c *Client) PlaceOrdersBulk(ctx context.Context, reqs []market.OrderRequest) ([]market.Order, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	wires := make([]orderWire, 0, len(reqs))
	for _, req := range reqs {
		wires = append(wires, toWire(req))
	}
	var rows []map[string]any
	if err := c.do(ctx, http.MethodPost, "/order/bulk", nil, map[string]any{"orders": wires}, &rows); err != nil {
		return nil, err
	}
	return parseOrders(rows)
}

// CancelOrder returns the exchange's view of the order after the cancel
// request. An order that was already filled comes back with its final state.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (market.Order, error) {
	var rows []map[string]any
	if err := c.do(ctx, http.MethodDelete, "/order", nil, map[string]any{"orderID": orderID}, &rows); err != nil {
		return market.Order{}, err
	}
	orders, err := parseOrders(rows)
	if err != nil {
		return market.Order{}, err
	}
	if len(orders) == 0 {
		return market.Order{}, fmt.Errorf("cancel %s: empty response", orderID)
	}
	return orders[0], nil
}

func (c *Client) AmendOrder(ctx context.Context, orderID string, qty, price float64) (market.Order, error) {
	req := map[string]any{"orderID": orderID, "price": formatNumber(price)}
	if qty > 0 {
		req["orderQty"] = formatNumber(qty)
	}
	var row map[string]any
	if err := c.do(ctx, http.MethodPut, "/order", nil, req, &row); err != nil {
		return market.Order{}, err
	}
	order, ok := market.ParseOrder(row)
	if !ok {
		return market.Order{}, errors.New("amend response missing orderID")
	}
	return order, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	req := map[string]any{"symbol": symbol, "leverage": formatNumber(leverage)}
	var row map[string]any
	return c.do(ctx, http.MethodPost, "/position/leverage", nil, req, &row)
}

// Order looks an order up by id. ok is false when the exchange has no record.
func (c *Client) Order(ctx context.Context, symbol, orderID string) (market.Order, bool, error) {
	filter, err := json.Marshal(map[string]string{"orderID": orderID})
	if err != nil {
		return market.Order{}, false, err
	}
	q := url.Values{}
	q.Set("filter", string(filter))
	q.Set("count", "1")
	q.Set("reverse", "true")
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	var rows []map[string]any
	if err := c.do(ctx, http.MethodGet, "/order", q, nil, &rows); err != nil {
		return market.Order{}, false, err
	}
	orders, err := parseOrders(rows)
	if err != nil {
		return market.Order{}, false, err
	}
	for _, o := range orders {
		if o.ID == orderID {
			return o, true, nil
		}
	}
	return market.Order{}, false, nil
}

func (c *Client) OrderBookL2(ctx context.Context, symbol string, depth int) (market.BookSnapshot, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("depth", strconv.Itoa(depth))
	var rows []map[string]any
	if err := c.do(ctx, http.MethodGet, "/orderBook/L2", q, nil, &rows); err != nil {
		return market.BookSnapshot{}, err
	}
	return market.BookFromL2(symbol, rows, depth, c.now()), nil
}

func parseOrders(rows []map[string]any) ([]market.Order, error) {
	out := make([]market.Order, 0, len(rows))
	for _, row := range rows {
		order, ok := market.ParseOrder(row)
		if !ok {
			return nil, errors.New("order row missing orderID")
		}
		out = append(out, order)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, req any, out any) error {
	var body []byte
	if req != nil {
		var err error
		body, err = json.Marshal(req)
		if err != nil {
			return err
		}
	}
	signedPath := bitmex.APIPrefix + path
	if len(query) > 0 {
		signedPath += "?" + query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+signedPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if !c.creds.Empty() {
		expires := bitmex.Expires(c.now(), c.expiryTTL)
		httpReq.Header.Set("api-expires", strconv.FormatInt(expires, 10))
		httpReq.Header.Set("api-key", c.creds.Key)
		httpReq.Header.Set("api-signature", bitmex.Sign(c.creds.Secret, method, signedPath, expires, body))
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		apiErr := parseAPIError(resp.StatusCode, payload)
		c.log.Debug("bitmex request failed", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode), zap.String("name", apiErr.Name))
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseAPIError(status int, payload []byte) *APIError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Name    string `json:"name"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Name = envelope.Error.Name
		apiErr.Message = envelope.Error.Message
		return apiErr
	}
	apiErr.Message = string(payload)
	return apiErr
}
