// Package binance implements the Binance spot venue adapter. Markets are keyed
// by lowercase symbol; price and amount precision are derived from the
// PRICE_FILTER tick size and LOT_SIZE step size.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/exchange"
	"github.com/koinkuexchange/arke/internal/orderbook"
	"github.com/koinkuexchange/arke/internal/precision"
)

const (
	defaultRESTHost = "https://api.binance.com"
	defaultWSHost   = "wss://stream.binance.com:9443"
)

func init() {
	exchange.Register("binance", func(opts exchange.Options) (exchange.Exchange, error) {
		return NewAdapter(opts), nil
	})
}

// Adapter is the Binance implementation of exchange.Exchange.
type Adapter struct {
	name       string
	restURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *slog.Logger

	metaMu  sync.RWMutex
	markets map[string]domain.Market // lowercase symbol -> market
	symbol  map[string]string        // lowercase symbol -> venue symbol

	trades chan domain.Trade
	stream *stream
}

// NewAdapter builds a Binance adapter from generic venue options.
func NewAdapter(opts exchange.Options) *Adapter {
	restURL := opts.Host
	if restURL == "" {
		restURL = defaultRESTHost
	}
	wsURL := opts.WSHost
	if wsURL == "" {
		wsURL = defaultWSHost
	}
	return &Adapter{
		name:       opts.Name,
		restURL:    strings.TrimSuffix(restURL, "/"),
		wsURL:      strings.TrimSuffix(wsURL, "/"),
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     opts.Logger,
		trades:     make(chan domain.Trade, exchange.TradeBufferSize),
	}
}

func (a *Adapter) Name() string { return a.name }
func (a *Adapter) Trades() <-chan domain.Trade { return a.trades }

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
			MinPrice   string `json:"minPrice"`
			MaxPrice   string `json:"maxPrice"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (a *Adapter) ensureSymbols(ctx context.Context) error {
	a.metaMu.RLock()
	loaded := a.markets != nil
	a.metaMu.RUnlock()
	if loaded {
		return nil
	}

	raw, err := a.get(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return fmt.Errorf("binance: exchange info: %w", domain.ErrMetadataUnavailable)
	}
	var info exchangeInfo
	if err := json.Unmarshal(raw, &info); err != nil || len(info.Symbols) == 0 {
		return fmt.Errorf("binance: exchange info malformed: %w", domain.ErrMetadataUnavailable)
	}

	markets := make(map[string]domain.Market, len(info.Symbols))
	symbol := make(map[string]string, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		m := domain.Market{
			ID:        s.Symbol,
			BaseUnit:  s.BaseAsset,
			QuoteUnit: s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.PricePrecision = stepPrecision(f.TickSize)
				m.MinPrice, _ = strconv.ParseFloat(f.MinPrice, 64)
				m.MaxPrice, _ = strconv.ParseFloat(f.MaxPrice, 64)
			case "LOT_SIZE":
				m.AmountPrecision = stepPrecision(f.StepSize)
				m.MinAmount, _ = strconv.ParseFloat(f.MinQty, 64)
			}
		}
		key := strings.ToLower(s.Symbol)
		markets[key] = m
		symbol[key] = s.Symbol
	}

	a.metaMu.Lock()
	a.markets = markets
	a.symbol = symbol
	a.metaMu.Unlock()
	return nil
}

// stepPrecision converts a venue step size like "0.01000000" into a decimal
// place count.
func stepPrecision(step string) int32 {
	v, err := strconv.ParseFloat(step, 64)
	if err != nil || v <= 0 {
		return 0
	}
	if n := precision.ValuePrecision(v); n > 0 {
		return int32(n)
	}
	return 0
}

// Markets resolves the venue symbol list, cached after the first call.
func (a *Adapter) Markets(ctx context.Context) ([]domain.Market, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return nil, err
	}
	a.metaMu.RLock()
	defer a.metaMu.RUnlock()
	out := make([]domain.Market, 0, len(a.markets))
	for _, m := range a.markets {
		out = append(out, m)
	}
	return out, nil
}

// MarketConfig returns the market whose lowercase symbol matches id.
func (a *Adapter) MarketConfig(ctx context.Context, id string) (domain.Market, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return domain.Market{}, err
	}
	a.metaMu.RLock()
	m, ok := a.markets[strings.ToLower(id)]
	a.metaMu.RUnlock()
	if !ok {
		return domain.Market{}, fmt.Errorf("binance: symbol %s: %w", id, domain.ErrMarketNotFound)
	}
	return m, nil
}

// Reset drops the cached metadata so the next call re-fetches it.
func (a *Adapter) Reset() {
	a.metaMu.Lock()
	a.markets = nil
	a.symbol = nil
	a.metaMu.Unlock()
}

// UpdateOrderbook builds a fresh book from a REST depth snapshot. An empty
// payload yields an empty book and a nil error.
func (a *Adapter) UpdateOrderbook(ctx context.Context, marketID string) (*orderbook.Book, error) {
	book := orderbook.New(marketID)
	raw, err := a.get(ctx, "/api/v3/depth", url.Values{
		"symbol": {strings.ToUpper(marketID)},
		"limit":  {"100"},
	})
	if err != nil {
		return nil, fmt.Errorf("binance: depth %s: %w", marketID, err)
	}
	var depth struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(raw, &depth); err != nil {
		return nil, fmt.Errorf("binance: depth %s: decode: %w", marketID, err)
	}
	book.Replace(domain.SideBuy, parseLevels(depth.Bids))
	book.Replace(domain.SideSell, parseLevels(depth.Asks))
	return book, nil
}

func parseLevels(rows [][]string) []orderbook.PriceLevel {
	levels := make([]orderbook.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(row[0], 64)
		volume, err2 := strconv.ParseFloat(row[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, orderbook.PriceLevel{Price: price, Volume: volume})
	}
	return levels
}

// PlaceOrder submits a limit GTC order and returns the venue order id.
func (a *Adapter) PlaceOrder(ctx context.Context, o domain.Order) (string, error) {
	params := url.Values{
		"symbol":      {strings.ToUpper(o.Market)},
		"side":        {strings.ToUpper(string(o.Side))},
		"type":        {"LIMIT"},
		"timeInForce": {"GTC"},
		"price":       {strconv.FormatFloat(o.Price, 'f', -1, 64)},
		"quantity":    {strconv.FormatFloat(o.Volume, 'f', -1, 64)},
	}
	raw, err := a.signed(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return "", fmt.Errorf("binance: place order: %w: %w", domain.ErrOrderRejected, err)
	}
	var result struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.OrderID == 0 {
		return "", fmt.Errorf("binance: place order: no order id: %w", domain.ErrOrderRejected)
	}
	return strconv.FormatInt(result.OrderID, 10), nil
}

// CancelOrder cancels one order by venue id.
func (a *Adapter) CancelOrder(ctx context.Context, marketID, orderID string) error {
	params := url.Values{
		"symbol":  {strings.ToUpper(marketID)},
		"orderId": {orderID},
	}
	if _, err := a.signed(ctx, http.MethodDelete, "/api/v3/order", params); err != nil {
		return fmt.Errorf("binance: cancel %s: %w: %w", orderID, domain.ErrCancelFailed, err)
	}
	return nil
}

// OpenOrders returns the venue's current open orders for one market.
func (a *Adapter) OpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	raw, err := a.signed(ctx, http.MethodGet, "/api/v3/openOrders", url.Values{
		"symbol": {strings.ToUpper(marketID)},
	})
	if err != nil {
		return nil, fmt.Errorf("binance: open orders: %w", err)
	}
	var rows []struct {
		OrderID     int64  `json:"orderId"`
		Price       string `json:"price"`
		OrigQty     string `json:"origQty"`
		ExecutedQty string `json:"executedQty"`
		Side        string `json:"side"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("binance: open orders: decode: %w", err)
	}
	out := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		price, _ := strconv.ParseFloat(r.Price, 64)
		orig, _ := strconv.ParseFloat(r.OrigQty, 64)
		done, _ := strconv.ParseFloat(r.ExecutedQty, 64)
		out = append(out, domain.Order{
			Market: marketID,
			Price:  price,
			Volume: orig - done,
			Side:   domain.Side(strings.ToLower(r.Side)),
			ID:     strconv.FormatInt(r.OrderID, 10),
		})
	}
	return out, nil
}

// Close shuts down the stream session, if any.
func (a *Adapter) Close() error {
	if a.stream != nil {
		return a.stream.close()
	}
	return nil
}

func (a *Adapter) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := a.restURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return a.do(req)
}

// signed executes an authenticated request; Binance signs the query string
// with HMAC-SHA256 and carries the key in the X-MBX-APIKEY header.
func (a *Adapter) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if a.apiKey == "" || a.apiSecret == "" {
		return nil, fmt.Errorf("binance: missing api credentials")
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, a.restURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", a.apiKey)
	return a.do(req)
}

func (a *Adapter) do(req *http.Request) ([]byte, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return nil, fmt.Errorf("binance: %s: %w", req.URL.Path, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("binance: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("binance: %s: read body: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Msg != "" {
			return nil, fmt.Errorf("binance: %s: %s (code %d)", req.URL.Path, apiErr.Msg, apiErr.Code)
		}
		return nil, fmt.Errorf("binance: %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return payload, nil
}
