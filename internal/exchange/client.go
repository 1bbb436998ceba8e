package exchange

import (
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
	"time"
)

// Kline represents a single OHLCV candlestick.
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open,string"`
	High      float64 `json:"high,string"`
	Low       float64 `json:"low,string"`
	Close     float64 `json:"close,string"`
	Volume    float64 `json:"volume,string"`
	CloseTime int64   `json:"closeTime"`
}

// OrderResponse represents the exchange's answer to a market order.
type OrderResponse struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	TransactTime  int64   `json:"transactTime"`
	ExecutedQty   float64 `json:"executedQty,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	Status        string  `json:"status"`
	Side          string  `json:"side"`
}

// Filled reports whether the order reached a terminal filled state.
func (o *OrderResponse) Filled() bool {
	return o != nil && o.Status == "FILLED"
}

// MarketClient is the surface the engine needs from the exchange:
// candle history, spot price, and market order placement.
type MarketClient interface {
	GetKlines(symbol, interval string, limit int) ([]Kline, error)
	GetCurrentPrice(symbol string) (float64, error)
	PlaceMarketOrder(symbol, side string, quantity float64, clientOrderID string) (*OrderResponse, error)
}

// Client is a REST market-data and order client. All fetches go through
// a bounded exponential-backoff retry (see retry.go); order placement is
// attempted exactly once so a timeout can never double-fill.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	retry      *RetryConfig
}

func NewClient(apiKey, secretKey, baseURL string) *Client {
	return &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      DefaultRetryConfig(),
	}
}

// GetKlines fetches candlestick history, most recent candle last.
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())

	var klines []Kline
	err := WithRetry(c.retry, "klines "+symbol, func() error {
		body, err := c.get(endpoint)
		if err != nil {
			return err
		}

		var raw [][]interface{}
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("error parsing klines: %w", err)
		}

		klines = make([]Kline, len(raw))
		for i, r := range raw {
			if len(r) < 7 {
				return fmt.Errorf("malformed kline row for %s", symbol)
			}
			klines[i] = Kline{
				OpenTime:  int64(r[0].(float64)),
				Open:      parseFloat(r[1]),
				High:      parseFloat(r[2]),
				Low:       parseFloat(r[3]),
				Close:     parseFloat(r[4]),
				Volume:    parseFloat(r[5]),
				CloseTime: int64(r[6].(float64)),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return klines, nil
}

// GetCurrentPrice fetches the latest trade price for a symbol.
func (c *Client) GetCurrentPrice(symbol string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, symbol)

	var price float64
	err := WithRetry(c.retry, "ticker "+symbol, func() error {
		body, err := c.get(endpoint)
		if err != nil {
			return err
		}

		var ticker struct {
			Symbol string `json:"symbol"`
			Price  string `json:"price"`
		}
		if err := json.Unmarshal(body, &ticker); err != nil {
			return fmt.Errorf("error parsing ticker: %w", err)
		}

		price, err = strconv.ParseFloat(ticker.Price, 64)
		if err != nil {
			return fmt.Errorf("invalid ticker price %q: %w", ticker.Price, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return price, nil
}

// PlaceMarketOrder submits a signed MARKET order. Not retried: an ambiguous
// failure must surface to the caller rather than risk a duplicate fill.
func (c *Client) PlaceMarketOrder(symbol, side string, quantity float64, clientOrderID string) (*OrderResponse, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             side,
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(quantity, 'f', -1, 64),
		"newClientOrderId": clientOrderID,
		"timestamp":        strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	params["signature"] = c.sign(params)

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/v3/order", nil)
	if err != nil {
		return nil, fmt.Errorf("error building order request: %w", err)
	}
	req.URL.RawQuery = form.Encode()
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading order response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("order API error (%d): %s", resp.StatusCode, string(body))
	}

	var order OrderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &order, nil
}

func (c *Client) get(endpoint string) ([]byte, error) {
	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// sign produces the HMAC-SHA256 signature over the sorted query string.
func (c *Client) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	query := ""
	for i, k := range keys {
		if i > 0 {
			query += "&"
		}
		query += k + "=" + params[k]
	}

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseFloat(v interface{}) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case float64:
		return val
	default:
		return 0
	}
}
