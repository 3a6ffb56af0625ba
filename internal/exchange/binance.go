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
	"sync"
	"time"

	"ladder-trading-bot/internal/precision"
)

const (
	// FuturesBaseURL is the production Binance USD-M Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance USD-M Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	// instrumentCacheTTL bounds how long exchange filters are reused before
	// being refetched.
	instrumentCacheTTL = 6 * time.Hour
)

// BinanceClient implements Client against Binance USD-M futures.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client

	instMu    sync.RWMutex
	instCache map[string]cachedInstrument
}

type cachedInstrument struct {
	inst      Instrument
	fetchedAt time.Time
}

// NewBinanceClient creates a Binance futures client. Keys are trimmed:
// stray whitespace breaks signature generation.
func NewBinanceClient(apiKey, secretKey string, testnet bool) *BinanceClient {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}
	return &BinanceClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		instCache:  make(map[string]cachedInstrument),
	}
}

// ==================== MARKET DATA ====================

func (c *BinanceClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	mark, err := c.publicGet(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching mark price: %w", err)
	}
	var premium struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(mark, &premium); err != nil {
		return nil, fmt.Errorf("error parsing mark price: %w", err)
	}

	stats, err := c.publicGet(ctx, "/fapi/v1/ticker/24hr", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching 24hr ticker: %w", err)
	}
	var t24 struct {
		LastPrice string `json:"lastPrice"`
		HighPrice string `json:"highPrice"`
		LowPrice  string `json:"lowPrice"`
	}
	if err := json.Unmarshal(stats, &t24); err != nil {
		return nil, fmt.Errorf("error parsing 24hr ticker: %w", err)
	}

	return &Ticker{
		Symbol:    symbol,
		MarkPrice: parseFloat(premium.MarkPrice),
		LastPrice: parseFloat(t24.LastPrice),
		High24h:   parseFloat(t24.HighPrice),
		Low24h:    parseFloat(t24.LowPrice),
		UpdatedAt: time.Now(),
	}, nil
}

func (c *BinanceClient) GetInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	c.instMu.RLock()
	if cached, ok := c.instCache[symbol]; ok && time.Since(cached.fetchedAt) < instrumentCacheTTL {
		c.instMu.RUnlock()
		inst := cached.inst
		return &inst, nil
	}
	c.instMu.RUnlock()

	resp, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}

	for _, sym := range info.Symbols {
		if sym.Symbol != symbol {
			continue
		}
		inst := Instrument{Symbol: symbol}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				inst.QtyStep = parseFloat(f.StepSize)
				inst.MinOrderQty = parseFloat(f.MinQty)
			case "MIN_NOTIONAL":
				inst.MinNotional = parseFloat(f.Notional)
			}
		}
		c.instMu.Lock()
		c.instCache[symbol] = cachedInstrument{inst: inst, fetchedAt: time.Now()}
		c.instMu.Unlock()
		return &inst, nil
	}
	return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

// ==================== TRADING ====================

func (c *BinanceClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	inst, err := c.GetInstrument(ctx, req.Symbol)
	if err != nil {
		return "", err
	}

	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             req.Side,
		"type":             req.Kind,
		"quantity":         formatQty(req.Quantity, inst.QtyStep),
		"newClientOrderId": req.ClientOrderID,
	}
	if req.Kind == "LIMIT" {
		params["price"] = formatPrice(req.Price, inst.TickSize)
		params["timeInForce"] = "GTC"
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	resp, err := c.signedPost(ctx, "/fapi/v1/order", params)
	if err != nil {
		// Resubmission of an id the exchange already accepted: recover the
		// existing order instead of failing the leg.
		if existing, lookupErr := c.getOrderByClientID(ctx, req.Symbol, req.ClientOrderID); lookupErr == nil {
			return existing.ExchangeOrderID, nil
		}
		return "", fmt.Errorf("error placing order: %w", err)
	}

	var placed struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(resp, &placed); err != nil {
		return "", fmt.Errorf("error parsing order response: %w", err)
	}
	return strconv.FormatInt(placed.OrderID, 10), nil
}

func (c *BinanceClient) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*Order, error) {
	resp, err := c.signedGet(ctx, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": exchangeOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching order %s: %w", exchangeOrderID, err)
	}
	return parseOrder(resp)
}

func (c *BinanceClient) getOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	resp, err := c.signedGet(ctx, "/fapi/v1/order", map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	})
	if err != nil {
		return nil, err
	}
	return parseOrder(resp)
}

func (c *BinanceClient) CancelOrdersByClientIDPrefix(ctx context.Context, symbol, prefix string) ([]string, error) {
	resp, err := c.signedGet(ctx, "/fapi/v1/openOrders", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}

	var open []struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
	}
	if err := json.Unmarshal(resp, &open); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	var cancelled []string
	for _, o := range open {
		if !strings.HasPrefix(o.ClientOrderID, prefix) {
			continue
		}
		_, err := c.signedDelete(ctx, "/fapi/v1/order", map[string]string{
			"symbol":  symbol,
			"orderId": strconv.FormatInt(o.OrderID, 10),
		})
		if err != nil {
			// Already gone counts as cancelled for our purposes.
			if strings.Contains(err.Error(), "-2011") {
				cancelled = append(cancelled, strconv.FormatInt(o.OrderID, 10))
				continue
			}
			return cancelled, fmt.Errorf("error cancelling order %d: %w", o.OrderID, err)
		}
		cancelled = append(cancelled, strconv.FormatInt(o.OrderID, 10))
	}
	return cancelled, nil
}

// ==================== PROTECTION ====================

func (c *BinanceClient) SetProtectiveStop(ctx context.Context, symbol string, side Side, stopPrice, qty float64, clientOrderID string) error {
	inst, err := c.GetInstrument(ctx, symbol)
	if err != nil {
		return err
	}

	// Replace semantics: drop any previous stop carrying this client id.
	if _, err := c.CancelOrdersByClientIDPrefix(ctx, symbol, clientOrderID); err != nil {
		return fmt.Errorf("error clearing previous stop: %w", err)
	}

	params := map[string]string{
		"symbol":           symbol,
		"side":             side.Opposite().OrderSide(),
		"type":             "STOP_MARKET",
		"stopPrice":        formatPrice(stopPrice, inst.TickSize),
		"quantity":         formatQty(qty, inst.QtyStep),
		"reduceOnly":       "true",
		"newClientOrderId": clientOrderID,
	}
	if _, err := c.signedPost(ctx, "/fapi/v1/order", params); err != nil {
		return fmt.Errorf("error placing protective stop: %w", err)
	}
	return nil
}

func (c *BinanceClient) PlaceTakeProfitLadder(ctx context.Context, symbol string, side Side, targets []TPTarget, clientIDPrefix string) error {
	inst, err := c.GetInstrument(ctx, symbol)
	if err != nil {
		return err
	}
	for i, target := range targets {
		params := map[string]string{
			"symbol":           symbol,
			"side":             side.Opposite().OrderSide(),
			"type":             "LIMIT",
			"timeInForce":      "GTC",
			"price":            formatPrice(target.Price, inst.TickSize),
			"quantity":         formatQty(target.Quantity, inst.QtyStep),
			"reduceOnly":       "true",
			"newClientOrderId": fmt.Sprintf("%sTP%d", clientIDPrefix, i+1),
		}
		if _, err := c.signedPost(ctx, "/fapi/v1/order", params); err != nil {
			return fmt.Errorf("error placing take-profit %d/%d: %w", i+1, len(targets), err)
		}
	}
	return nil
}

func (c *BinanceClient) ClosePositionMarket(ctx context.Context, symbol string, side Side, qty float64) error {
	inst, err := c.GetInstrument(ctx, symbol)
	if err != nil {
		return err
	}
	params := map[string]string{
		"symbol":     symbol,
		"side":       side.Opposite().OrderSide(),
		"type":       "MARKET",
		"quantity":   formatQty(qty, inst.QtyStep),
		"reduceOnly": "true",
	}
	if _, err := c.signedPost(ctx, "/fapi/v1/order", params); err != nil {
		return fmt.Errorf("error closing position: %w", err)
	}
	return nil
}

// ==================== HTTP PLUMBING ====================

func (c *BinanceClient) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, encodeParams(params))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *BinanceClient) signedGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodGet, endpoint, params)
}

func (c *BinanceClient) signedPost(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodPost, endpoint, params)
}

func (c *BinanceClient) signedDelete(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(ctx, http.MethodDelete, endpoint, params)
}

func (c *BinanceClient) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	// Fresh timestamp per request; recvWindow tolerates clock skew.
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = "10000"
	query := c.signParams(params)
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, query)

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req)
}

func (c *BinanceClient) do(req *http.Request) ([]byte, error) {
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
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// signParams builds the sorted query string and appends the HMAC-SHA256
// signature Binance requires on authenticated endpoints.
func (c *BinanceClient) signParams(params map[string]string) string {
	query := encodeParams(params)
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	signature := hex.EncodeToString(mac.Sum(nil))
	return query + "&signature=" + signature
}

func encodeParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

func parseOrder(resp []byte) (*Order, error) {
	var raw struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		AvgPrice      string `json:"avgPrice"`
		ExecutedQty   string `json:"executedQty"`
		UpdateTime    int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	return &Order{
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		ClientOrderID:   raw.ClientOrderID,
		Symbol:          raw.Symbol,
		Status:          OrderStatus(raw.Status),
		AvgFillPrice:    parseFloat(raw.AvgPrice),
		FilledQty:       parseFloat(raw.ExecutedQty),
		UpdatedAt:       time.UnixMilli(raw.UpdateTime),
	}, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatQty(qty, step float64) string {
	return strconv.FormatFloat(qty, 'f', precision.StepDecimals(step), 64)
}

func formatPrice(price, tick float64) string {
	return strconv.FormatFloat(price, 'f', precision.StepDecimals(tick), 64)
}

// compile-time interface check
var _ Client = (*BinanceClient)(nil)
