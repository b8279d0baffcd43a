package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deribit-grid-bot/internal/grid"

	"go.uber.org/zap"
)

// VenueError is a venue-side rejection (insufficient margin, rate limit,
// bad params). It is isolated per call and must never silently vanish.
type VenueError struct {
	Code    int
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Message)
}

// not_open_order: cancel targeting an order the venue no longer holds open.
const codeNotOpenOrder = 11044

// IsAlreadyCancelled reports whether err is a venue rejection that means
// the order is already gone, which callers treat as a successful cancel.
func IsAlreadyCancelled(err error) bool {
	var ve *VenueError
	if !errors.As(err, &ve) {
		return false
	}
	if ve.Code == codeNotOpenOrder {
		return true
	}
	msg := strings.ToLower(ve.Message)
	return strings.Contains(msg, "not_open") || strings.Contains(msg, "not_found")
}

// TokenSource yields the current bearer token. The streaming session owns
// authentication; the gateway only borrows its token.
type TokenSource interface {
	Token() (string, error)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Client issues authenticated JSON-RPC calls to the venue's synchronous API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, tokens TokenSource, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		log:     log,
	}
}

// PlaceRequest describes one conditional order to rest on the book.
type PlaceRequest struct {
	Instrument   string
	Direction    grid.Direction
	Amount       float64
	TriggerPrice float64
	Label        string
	CurrentPrice float64
}

// PlacedOrder is the venue's confirmation of a placement.
type PlacedOrder struct {
	OrderID   string
	OrderType string
}

// OrderType selects limit vs stop_limit for a placement. A resting limit
// order is only valid on the side of the book it will not cross: sell above
// the current price, buy below it. Everything else rests as a stop.
func OrderType(direction grid.Direction, triggerPrice, currentPrice float64) string {
	useLimit := (direction == grid.Sell && triggerPrice > currentPrice) ||
		(direction == grid.Buy && triggerPrice < currentPrice)
	if useLimit {
		return "limit"
	}
	return "stop_limit"
}

// PlaceOrder places one conditional order via private/buy or private/sell.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceRequest) (PlacedOrder, error) {
	orderType := OrderType(req.Direction, req.TriggerPrice, req.CurrentPrice)
	params := map[string]any{
		"instrument_name": req.Instrument,
		"amount":          req.Amount,
		"type":            orderType,
		"price":           req.TriggerPrice,
		"time_in_force":   "good_til_cancelled",
		"label":           req.Label,
	}
	if orderType == "stop_limit" {
		params["trigger_price"] = req.TriggerPrice
		params["trigger"] = "last_price"
	} else {
		params["post_only"] = true
	}
	if c.log != nil {
		c.log.Info("placing order",
			zap.String("direction", string(req.Direction)),
			zap.String("type", orderType),
			zap.Float64("trigger", req.TriggerPrice),
			zap.Float64("current", req.CurrentPrice),
			zap.String("label", req.Label),
		)
	}
	result, err := c.call(ctx, "private/"+string(req.Direction), params, true)
	if err != nil {
		return PlacedOrder{}, err
	}
	var payload struct {
		Order struct {
			OrderID   string `json:"order_id"`
			OrderType string `json:"order_type"`
		} `json:"order"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return PlacedOrder{}, err
	}
	if payload.Order.OrderID == "" {
		return PlacedOrder{}, errors.New("place response missing order id")
	}
	return PlacedOrder{OrderID: payload.Order.OrderID, OrderType: payload.Order.OrderType}, nil
}

// Cancel cancels by venue order id. An already-gone order is not an error.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	_, err := c.call(ctx, "private/cancel", map[string]any{"order_id": orderID}, true)
	if err != nil && IsAlreadyCancelled(err) {
		if c.log != nil {
			c.log.Info("cancel target already gone", zap.String("order_id", orderID))
		}
		return nil
	}
	return err
}

// LastPrice returns the instrument's last traded price.
func (c *Client) LastPrice(ctx context.Context, instrument string) (float64, error) {
	result, err := c.call(ctx, "public/ticker", map[string]any{"instrument_name": instrument}, false)
	if err != nil {
		return 0, err
	}
	var payload struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return 0, err
	}
	if payload.LastPrice <= 0 {
		return 0, errors.New("ticker returned no last price")
	}
	return payload.LastPrice, nil
}

// OpenOrder is one venue-side resting order, used for startup verification.
type OpenOrder struct {
	OrderID      string  `json:"order_id"`
	Direction    string  `json:"direction"`
	Price        float64 `json:"price"`
	TriggerPrice float64 `json:"trigger_price"`
	Label        string  `json:"label"`
	OrderType    string  `json:"order_type"`
}

// OpenOrders lists the venue's open orders for the instrument.
func (c *Client) OpenOrders(ctx context.Context, instrument string) ([]OpenOrder, error) {
	result, err := c.call(ctx, "private/get_open_orders_by_instrument", map[string]any{"instrument_name": instrument}, true)
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(result, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *Client) call(ctx context.Context, method string, params any, private bool) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.retry(ctx, func() error {
		var err error
		result, err = c.post(ctx, method, params, private)
		return err
	})
	return result, err
}

func (c *Client) post(ctx context.Context, method string, params any, private bool) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      time.Now().UnixMilli(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	url := c.baseURL + "/api/v2/" + method
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if private {
		if c.tokens == nil {
			return nil, errors.New("token source is required for private calls")
		}
		token, err := c.tokens.Token()
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if rpcResp.Error != nil {
		return nil, &VenueError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return rpcResp.Result, nil
}

// retry covers transport-level failures only. Venue rejections are final
// and belong to the caller's isolated-failure path.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	const attempts = 3
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var ve *VenueError
		if errors.As(err, &ve) {
			return err
		}
		if attempt == attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
