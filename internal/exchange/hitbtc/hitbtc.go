// Package hitbtc implements the HitBTC v2 venue adapter. REST uses HTTP Basic
// auth for trading endpoints; the trade stream is JSON-RPC over websocket.
package hitbtc

import (
	"context"
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

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/exchange"
	"github.com/koinkuexchange/arke/internal/orderbook"
	"github.com/koinkuexchange/arke/internal/precision"
)

const (
	defaultRESTHost = "https://api.hitbtc.com"
	defaultWSHost   = "wss://api.hitbtc.com/api/2/ws"
)

func init() {
	exchange.Register("hitbtc", func(opts exchange.Options) (exchange.Exchange, error) {
		return NewAdapter(opts), nil
	})
}

// Adapter is the HitBTC implementation of exchange.Exchange.
type Adapter struct {
	name       string
	restURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *slog.Logger

	metaMu  sync.RWMutex
	markets map[string]domain.Market // uppercase symbol id -> market

	trades chan domain.Trade
	stream *stream
}

// NewAdapter builds a HitBTC adapter from generic venue options.
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
		wsURL:      wsURL,
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     opts.Logger,
		trades:     make(chan domain.Trade, exchange.TradeBufferSize),
	}
}

func (a *Adapter) Name() string { return a.name }
func (a *Adapter) Trades() <-chan domain.Trade { return a.trades }

// symbolInfo is one /api/2/public/symbol entry.
type symbolInfo struct {
	ID                string `json:"id"`
	BaseCurrency      string `json:"baseCurrency"`
	QuoteCurrency     string `json:"quoteCurrency"`
	QuantityIncrement string `json:"quantityIncrement"`
	TickSize          string `json:"tickSize"`
}

func (a *Adapter) ensureSymbols(ctx context.Context) error {
	a.metaMu.RLock()
	loaded := a.markets != nil
	a.metaMu.RUnlock()
	if loaded {
		return nil
	}

	raw, err := a.get(ctx, "/api/2/public/symbol", nil)
	if err != nil {
		return fmt.Errorf("hitbtc: symbols: %w", domain.ErrMetadataUnavailable)
	}
	var symbols []symbolInfo
	if err := json.Unmarshal(raw, &symbols); err != nil || len(symbols) == 0 {
		return fmt.Errorf("hitbtc: symbols malformed: %w", domain.ErrMetadataUnavailable)
	}

	markets := make(map[string]domain.Market, len(symbols))
	for _, s := range symbols {
		minAmount, _ := strconv.ParseFloat(s.QuantityIncrement, 64)
		markets[strings.ToUpper(s.ID)] = domain.Market{
			ID:              strings.ToUpper(s.ID),
			BaseUnit:        strings.ToLower(s.BaseCurrency),
			QuoteUnit:       strings.ToLower(s.QuoteCurrency),
			AmountPrecision: incrementPrecision(s.QuantityIncrement),
			PricePrecision:  incrementPrecision(s.TickSize),
			MinAmount:       minAmount,
		}
	}

	a.metaMu.Lock()
	a.markets = markets
	a.metaMu.Unlock()
	return nil
}

// incrementPrecision turns an increment like "0.001" into a decimal-places
// count.
func incrementPrecision(increment string) int32 {
	v, err := strconv.ParseFloat(increment, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return int32(precision.ValuePrecision(v))
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

// MarketConfig returns the market whose symbol id matches id.
func (a *Adapter) MarketConfig(ctx context.Context, id string) (domain.Market, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return domain.Market{}, err
	}
	a.metaMu.RLock()
	m, ok := a.markets[strings.ToUpper(id)]
	a.metaMu.RUnlock()
	if !ok {
		return domain.Market{}, fmt.Errorf("hitbtc: symbol %s: %w", id, domain.ErrMarketNotFound)
	}
	return m, nil
}

// Reset drops the cached metadata so the next call re-fetches it.
func (a *Adapter) Reset() {
	a.metaMu.Lock()
	a.markets = nil
	a.metaMu.Unlock()
}

// bookEntry is one side entry of the public orderbook payload.
type bookEntry struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// UpdateOrderbook builds a fresh book from an orderbook snapshot. An empty
// payload yields an empty book and a nil error.
func (a *Adapter) UpdateOrderbook(ctx context.Context, marketID string) (*orderbook.Book, error) {
	book := orderbook.New(marketID)
	raw, err := a.get(ctx, "/api/2/public/orderbook/"+strings.ToUpper(marketID), url.Values{"limit": {"400"}})
	if err != nil {
		return nil, fmt.Errorf("hitbtc: orderbook %s: %w", marketID, err)
	}
	var payload struct {
		Bid []bookEntry `json:"bid"`
		Ask []bookEntry `json:"ask"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("hitbtc: orderbook %s: decode: %w", marketID, err)
	}
	book.Replace(domain.SideBuy, parseLevels(payload.Bid))
	book.Replace(domain.SideSell, parseLevels(payload.Ask))
	return book, nil
}

func parseLevels(entries []bookEntry) []orderbook.PriceLevel {
	levels := make([]orderbook.PriceLevel, 0, len(entries))
	for _, e := range entries {
		price, err1 := strconv.ParseFloat(e.Price, 64)
		volume, err2 := strconv.ParseFloat(e.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, orderbook.PriceLevel{Price: price, Volume: volume})
	}
	return levels
}

// PlaceOrder submits a limit order and returns the venue clientOrderId, which
// is the id HitBTC keys cancels on.
func (a *Adapter) PlaceOrder(ctx context.Context, o domain.Order) (string, error) {
	body := url.Values{
		"symbol":   {strings.ToUpper(o.Market)},
		"side":     {string(o.Side)},
		"type":     {"limit"},
		"quantity": {strconv.FormatFloat(o.Volume, 'f', -1, 64)},
		"price":    {strconv.FormatFloat(o.Price, 'f', -1, 64)},
	}
	raw, err := a.signed(ctx, http.MethodPost, "/api/2/order", body)
	if err != nil {
		return "", fmt.Errorf("hitbtc: place order: %w: %w", domain.ErrOrderRejected, err)
	}
	var result struct {
		ClientOrderID string `json:"clientOrderId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.ClientOrderID == "" {
		return "", fmt.Errorf("hitbtc: place order: no id: %w", domain.ErrOrderRejected)
	}
	return result.ClientOrderID, nil
}

// CancelOrder cancels one order by clientOrderId.
func (a *Adapter) CancelOrder(ctx context.Context, marketID, orderID string) error {
	if _, err := a.signed(ctx, http.MethodDelete, "/api/2/order/"+orderID, nil); err != nil {
		return fmt.Errorf("hitbtc: cancel %s: %w: %w", orderID, domain.ErrCancelFailed, err)
	}
	return nil
}

// OpenOrders returns the venue's active orders for one market. Quantity is
// reported gross, so the filled part is subtracted.
func (a *Adapter) OpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	raw, err := a.signed(ctx, http.MethodGet, "/api/2/order?symbol="+strings.ToUpper(marketID), nil)
	if err != nil {
		return nil, fmt.Errorf("hitbtc: open orders: %w", err)
	}
	var rows []struct {
		ClientOrderID string `json:"clientOrderId"`
		Price         string `json:"price"`
		Quantity      string `json:"quantity"`
		CumQuantity   string `json:"cumQuantity"`
		Side          string `json:"side"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("hitbtc: open orders: decode: %w", err)
	}
	out := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		price, _ := strconv.ParseFloat(r.Price, 64)
		quantity, _ := strconv.ParseFloat(r.Quantity, 64)
		filled, _ := strconv.ParseFloat(r.CumQuantity, 64)
		side := domain.SideBuy
		if r.Side == "sell" {
			side = domain.SideSell
		}
		out = append(out, domain.Order{
			Market: marketID,
			Price:  price,
			Volume: quantity - filled,
			Side:   side,
			ID:     r.ClientOrderID,
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

// signed executes a trading request. HitBTC v2 authenticates with plain HTTP
// Basic auth; the form body travels urlencoded.
func (a *Adapter) signed(ctx context.Context, method, path string, body url.Values) ([]byte, error) {
	if a.apiKey == "" || a.apiSecret == "" {
		return nil, fmt.Errorf("hitbtc: missing api credentials")
	}
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(body.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, a.restURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(a.apiKey, a.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return a.do(req)
}

func (a *Adapter) do(req *http.Request) ([]byte, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return nil, fmt.Errorf("hitbtc: %s: %w", req.URL.Path, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("hitbtc: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hitbtc: %s: read body: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("hitbtc: %s: %s", req.URL.Path, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("hitbtc: %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return payload, nil
}
