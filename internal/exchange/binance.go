package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// BinanceBaseURL is the production USD-M futures API URL.
	BinanceBaseURL = "https://fapi.binance.com"
	// BinanceTestnetURL is the futures testnet API URL.
	BinanceTestnetURL = "https://testnet.binancefuture.com"

	attemptTimeout = 10 * time.Second
	maxAttempts    = 3
	recvWindowMS   = "10000"
)

// BinanceClient implements Client against the Binance USD-M futures REST API.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewBinanceClient creates a futures REST client. Keys are trimmed because
// stray whitespace breaks signature generation.
func NewBinanceClient(apiKey, secretKey string, testnet bool, logger zerolog.Logger) *BinanceClient {
	baseURL := BinanceBaseURL
	if testnet {
		baseURL = BinanceTestnetURL
	}
	return &BinanceClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: attemptTimeout},
		logger:     logger.With().Str("component", "BinanceClient").Logger(),
	}
}

// ==================== EXCHANGE INFO ====================

type binanceFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinQty      string `json:"minQty,omitempty"`
	MinNotional string `json:"notional,omitempty"`
}

type binanceSymbol struct {
	Symbol  string          `json:"symbol"`
	Status  string          `json:"status"`
	Filters []binanceFilter `json:"filters"`
}

type binanceExchangeInfo struct {
	Symbols []binanceSymbol `json:"symbols"`
}

// LoadSymbolInfo fetches exchange info and flattens the venue filters.
func (c *BinanceClient) LoadSymbolInfo(ctx context.Context) (map[string]SymbolInfo, error) {
	body, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var info binanceExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}

	symbols := make(map[string]SymbolInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		si := SymbolInfo{Symbol: s.Symbol, Status: s.Status}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				si.PriceTick = parseFloat(f.TickSize)
			case "LOT_SIZE":
				si.QtyStep = parseFloat(f.StepSize)
				si.MinQty = parseFloat(f.MinQty)
			case "MIN_NOTIONAL":
				si.MinNotional = parseFloat(f.MinNotional)
			}
		}
		symbols[s.Symbol] = si
	}

	c.logger.Info().Int("symbols", len(symbols)).Msg("Loaded exchange info")
	return symbols, nil
}

// ==================== TRADING ====================

type binanceOrder struct {
	OrderID      int64   `json:"orderId"`
	Symbol       string  `json:"symbol"`
	Status       string  `json:"status"`
	Side         string  `json:"side"`
	PositionSide string  `json:"positionSide"`
	Type         string  `json:"type"`
	Price        float64 `json:"price,string"`
	StopPrice    float64 `json:"stopPrice,string"`
	AvgPrice     float64 `json:"avgPrice,string"`
	OrigQty      float64 `json:"origQty,string"`
	ExecutedQty  float64 `json:"executedQty,string"`
	UpdateTime   int64   `json:"updateTime"`
}

func (o binanceOrder) toOrder() Order {
	return Order{
		OrderID:      strconv.FormatInt(o.OrderID, 10),
		Symbol:       o.Symbol,
		Side:         Side(o.Side),
		PositionSide: PositionSide(o.PositionSide),
		Type:         OrderType(o.Type),
		Status:       OrderStatus(o.Status),
		Price:        o.Price,
		StopPrice:    o.StopPrice,
		OrigQty:      o.OrigQty,
		FilledQty:    o.ExecutedQty,
		AvgFillPrice: o.AvgPrice,
		UpdateTime:   o.UpdateTime,
	}
}

// PlaceOrder submits a new order. ReduceOnly is never sent: PositionSide is
// always present and the venue rejects the combination in hedge mode.
func (c *BinanceClient) PlaceOrder(ctx context.Context, params OrderParams) (*OrderAck, error) {
	req := map[string]string{
		"symbol":       params.Symbol,
		"side":         string(params.Side),
		"positionSide": string(params.PositionSide),
		"type":         string(params.Type),
		"quantity":     strconv.FormatFloat(params.Quantity, 'f', -1, 64),
	}
	if params.Price > 0 {
		req["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}
	if params.StopPrice > 0 {
		req["stopPrice"] = strconv.FormatFloat(params.StopPrice, 'f', -1, 64)
	}
	if params.TimeInForce != "" && params.Type == OrderTypeLimit {
		req["timeInForce"] = string(params.TimeInForce)
	}
	if params.ClientOrderID != "" {
		req["newClientOrderId"] = params.ClientOrderID
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", req)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var resp binanceOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	c.logger.Info().
		Str("symbol", params.Symbol).
		Str("side", string(params.Side)).
		Str("position_side", string(params.PositionSide)).
		Str("type", string(params.Type)).
		Float64("quantity", params.Quantity).
		Int64("order_id", resp.OrderID).
		Str("status", resp.Status).
		Msg("Order placed")

	return &OrderAck{
		OrderID:      strconv.FormatInt(resp.OrderID, 10),
		Status:       OrderStatus(resp.Status),
		FilledQty:    resp.ExecutedQty,
		AvgFillPrice: resp.AvgPrice,
	}, nil
}

// CancelOrder cancels an order. An already-gone order is success.
func (c *BinanceClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	req := map[string]string{"symbol": symbol, "orderId": orderID}
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", req)
	if err != nil {
		if IsOrderGone(err) {
			c.logger.Debug().Str("symbol", symbol).Str("order_id", orderID).
				Msg("Cancel target already gone, treating as success")
			return nil
		}
		return fmt.Errorf("error cancelling order %s: %w", orderID, err)
	}
	return nil
}

// QueryOrder fetches the state of an order.
func (c *BinanceClient) QueryOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	req := map[string]string{"symbol": symbol, "orderId": orderID}
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", req)
	if err != nil {
		if IsOrderGone(err) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("error querying order %s: %w", orderID, err)
	}

	var resp binanceOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	order := resp.toOrder()
	return &order, nil
}

// ListOpenOrders returns the open orders for a symbol.
func (c *BinanceClient) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	req := map[string]string{"symbol": symbol}
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", req)
	if err != nil {
		return nil, fmt.Errorf("error listing open orders: %w", err)
	}

	var raw []binanceOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}
	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, o.toOrder())
	}
	return orders, nil
}

// VerifyHedgeMode reports whether dual-side position mode is active.
func (c *BinanceClient) VerifyHedgeMode(ctx context.Context) (bool, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil)
	if err != nil {
		return false, fmt.Errorf("error fetching position mode: %w", err)
	}

	var resp struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("error parsing position mode: %w", err)
	}
	return resp.DualSidePosition, nil
}

// ==================== ACCOUNT & MARKET DATA ====================

// AccountInfo returns the futures account snapshot.
func (c *BinanceClient) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}

	var resp struct {
		TotalWalletBalance float64 `json:"totalWalletBalance,string"`
		TotalUnrealized    float64 `json:"totalUnrealizedProfit,string"`
		AvailableBalance   float64 `json:"availableBalance,string"`
		Assets             []struct {
			Asset            string  `json:"asset"`
			WalletBalance    float64 `json:"walletBalance,string"`
			AvailableBalance float64 `json:"availableBalance,string"`
			UnrealizedProfit float64 `json:"unrealizedProfit,string"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}

	info := &AccountInfo{
		TotalWalletBalance: resp.TotalWalletBalance,
		TotalUnrealizedPnL: resp.TotalUnrealized,
		AvailableBalance:   resp.AvailableBalance,
	}
	for _, a := range resp.Assets {
		info.Assets = append(info.Assets, AssetBalance{
			Asset:            a.Asset,
			WalletBalance:    a.WalletBalance,
			AvailableBalance: a.AvailableBalance,
			UnrealizedPnL:    a.UnrealizedProfit,
		})
	}
	return info, nil
}

// CurrentPrice returns the last traded price for a symbol.
func (c *BinanceClient) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.publicGet(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("error fetching price for %s: %w", symbol, err)
	}

	var resp struct {
		Price float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return resp.Price, nil
}

// ==================== TRANSPORT ====================

func (c *BinanceClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func buildQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	return values.Encode()
}

// retrySchedule returns the venue retry policy: 1s, 2s, 4s between the
// three attempts, no jitter beyond the library default.
func retrySchedule(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 4 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)
}

// publicGet performs an unauthenticated GET with retry on transient errors.
func (c *BinanceClient) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	var body []byte
	op := func() error {
		reqURL := c.baseURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + buildQuery(params)
		}
		var err error
		body, err = c.do(ctx, http.MethodGet, reqURL, false)
		return err
	}
	if err := backoff.Retry(c.permanentWrap(op, endpoint), retrySchedule(ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// signedRequest performs an authenticated request, re-signing with a fresh
// timestamp on every attempt.
func (c *BinanceClient) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	var body []byte
	op := func() error {
		signed := make(map[string]string, len(params)+2)
		for k, v := range params {
			signed[k] = v
		}
		signed["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		signed["recvWindow"] = recvWindowMS
		query := buildQuery(signed)
		query += "&signature=" + c.sign(query)

		var err error
		body, err = c.do(ctx, method, c.baseURL+endpoint+"?"+query, true)
		return err
	}
	if err := backoff.Retry(c.permanentWrap(op, endpoint), retrySchedule(ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// permanentWrap stops the backoff loop on non-retryable venue errors.
func (c *BinanceClient) permanentWrap(op func() error, endpoint string) func() error {
	return func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Transient venue error, retrying")
		return err
	}
}

func (c *BinanceClient) do(ctx context.Context, method, reqURL string, signed bool) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return nil, apiErr
	}
	return body, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
