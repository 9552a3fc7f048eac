// Package huobi implements the Huobi venue adapter. The venue compresses
// every websocket frame with gzip and runs an application-level ping/pong on
// top of the socket.
package huobi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/exchange"
	"github.com/koinkuexchange/arke/internal/orderbook"
)

const (
	defaultRESTHost = "https://api.huobi.pro"
	defaultWSHost   = "wss://api.huobi.pro/ws"
)

func init() {
	exchange.Register("huobi", func(opts exchange.Options) (exchange.Exchange, error) {
		return NewAdapter(opts), nil
	})
}

// Adapter is the Huobi implementation of exchange.Exchange.
type Adapter struct {
	name       string
	restURL    string
	restHost   string // bare hostname, part of the signature payload
	wsURL      string
	apiKey     string
	apiSecret  string
	accountID  string
	httpClient *http.Client
	logger     *slog.Logger

	metaMu  sync.RWMutex
	markets map[string]domain.Market // symbol -> market

	trades chan domain.Trade
	stream *stream
}

// NewAdapter builds a Huobi adapter from generic venue options.
func NewAdapter(opts exchange.Options) *Adapter {
	restURL := opts.Host
	if restURL == "" {
		restURL = defaultRESTHost
	}
	wsURL := opts.WSHost
	if wsURL == "" {
		wsURL = defaultWSHost
	}
	host := restURL
	if u, err := url.Parse(restURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &Adapter{
		name:       opts.Name,
		restURL:    strings.TrimSuffix(restURL, "/"),
		restHost:   host,
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

type symbolEntry struct {
	Symbol          string  `json:"symbol"`
	BaseCurrency    string  `json:"base-currency"`
	QuoteCurrency   string  `json:"quote-currency"`
	PricePrecision  int32   `json:"price-precision"`
	AmountPrecision int32   `json:"amount-precision"`
	MinOrderAmount  float64 `json:"min-order-amt"`
	State           string  `json:"state"`
}

func (a *Adapter) ensureSymbols(ctx context.Context) error {
	a.metaMu.RLock()
	loaded := a.markets != nil
	a.metaMu.RUnlock()
	if loaded {
		return nil
	}

	raw, err := a.get(ctx, "/v1/common/symbols", nil)
	if err != nil {
		return fmt.Errorf("huobi: symbols: %w", domain.ErrMetadataUnavailable)
	}
	var payload struct {
		Status string        `json:"status"`
		Data   []symbolEntry `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Status != "ok" || len(payload.Data) == 0 {
		return fmt.Errorf("huobi: symbols malformed: %w", domain.ErrMetadataUnavailable)
	}

	markets := make(map[string]domain.Market, len(payload.Data))
	for _, s := range payload.Data {
		if s.State != "online" {
			continue
		}
		markets[s.Symbol] = domain.Market{
			ID:              s.Symbol,
			BaseUnit:        s.BaseCurrency,
			QuoteUnit:       s.QuoteCurrency,
			AmountPrecision: s.AmountPrecision,
			PricePrecision:  s.PricePrecision,
			MinAmount:       s.MinOrderAmount,
		}
	}

	a.metaMu.Lock()
	a.markets = markets
	a.metaMu.Unlock()
	return nil
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

// MarketConfig returns the market whose symbol matches id.
func (a *Adapter) MarketConfig(ctx context.Context, id string) (domain.Market, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return domain.Market{}, err
	}
	a.metaMu.RLock()
	m, ok := a.markets[strings.ToLower(id)]
	a.metaMu.RUnlock()
	if !ok {
		return domain.Market{}, fmt.Errorf("huobi: symbol %s: %w", id, domain.ErrMarketNotFound)
	}
	return m, nil
}

// Reset drops the cached metadata so the next call re-fetches it.
func (a *Adapter) Reset() {
	a.metaMu.Lock()
	a.markets = nil
	a.metaMu.Unlock()
}

// UpdateOrderbook builds a fresh book from a step0 depth snapshot. Prices and
// volumes arrive as bare JSON numbers.
func (a *Adapter) UpdateOrderbook(ctx context.Context, marketID string) (*orderbook.Book, error) {
	book := orderbook.New(marketID)
	raw, err := a.get(ctx, "/market/depth", url.Values{
		"symbol": {strings.ToLower(marketID)},
		"type":   {"step0"},
	})
	if err != nil {
		return nil, fmt.Errorf("huobi: depth %s: %w", marketID, err)
	}
	var payload struct {
		Status string `json:"status"`
		Tick   struct {
			Bids [][]float64 `json:"bids"`
			Asks [][]float64 `json:"asks"`
		} `json:"tick"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("huobi: depth %s: decode: %w", marketID, err)
	}
	if payload.Status != "ok" {
		return book, nil
	}
	book.Replace(domain.SideBuy, parseLevels(payload.Tick.Bids))
	book.Replace(domain.SideSell, parseLevels(payload.Tick.Asks))
	return book, nil
}

func parseLevels(rows [][]float64) []orderbook.PriceLevel {
	levels := make([]orderbook.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		levels = append(levels, orderbook.PriceLevel{Price: row[0], Volume: row[1]})
	}
	return levels
}

// PlaceOrder submits a limit order and returns the venue order id.
func (a *Adapter) PlaceOrder(ctx context.Context, o domain.Order) (string, error) {
	body := map[string]string{
		"account-id": a.accountID,
		"symbol":     strings.ToLower(o.Market),
		"type":       string(o.Side) + "-limit",
		"amount":     strconv.FormatFloat(o.Volume, 'f', -1, 64),
		"price":      strconv.FormatFloat(o.Price, 'f', -1, 64),
	}
	raw, err := a.signed(ctx, http.MethodPost, "/v1/order/orders/place", nil, body)
	if err != nil {
		return "", fmt.Errorf("huobi: place order: %w: %w", domain.ErrOrderRejected, err)
	}
	var result struct {
		Status string `json:"status"`
		Data   string `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.Status != "ok" || result.Data == "" {
		return "", fmt.Errorf("huobi: place order: rejected: %w", domain.ErrOrderRejected)
	}
	return result.Data, nil
}

// CancelOrder cancels one order by venue id.
func (a *Adapter) CancelOrder(ctx context.Context, marketID, orderID string) error {
	raw, err := a.signed(ctx, http.MethodPost, "/v1/order/orders/"+orderID+"/submitcancel", nil, map[string]string{})
	if err != nil {
		return fmt.Errorf("huobi: cancel %s: %w: %w", orderID, domain.ErrCancelFailed, err)
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.Status != "ok" {
		return fmt.Errorf("huobi: cancel %s: not cancelled: %w", orderID, domain.ErrCancelFailed)
	}
	return nil
}

// OpenOrders returns the venue's current open orders for one market.
func (a *Adapter) OpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	raw, err := a.signed(ctx, http.MethodGet, "/v1/order/openOrders", url.Values{
		"symbol": {strings.ToLower(marketID)},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("huobi: open orders: %w", err)
	}
	var payload struct {
		Status string `json:"status"`
		Data   []struct {
			ID          int64  `json:"id"`
			Price       string `json:"price"`
			Amount      string `json:"amount"`
			FilledAmt   string `json:"filled-amount"`
			Type        string `json:"type"` // e.g. "buy-limit"
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Status != "ok" {
		return nil, fmt.Errorf("huobi: open orders: decode: %w", err)
	}
	out := make([]domain.Order, 0, len(payload.Data))
	for _, r := range payload.Data {
		price, _ := strconv.ParseFloat(r.Price, 64)
		amount, _ := strconv.ParseFloat(r.Amount, 64)
		filled, _ := strconv.ParseFloat(r.FilledAmt, 64)
		side := domain.SideBuy
		if strings.HasPrefix(r.Type, "sell") {
			side = domain.SideSell
		}
		out = append(out, domain.Order{
			Market: marketID,
			Price:  price,
			Volume: amount - filled,
			Side:   side,
			ID:     strconv.FormatInt(r.ID, 10),
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

// signed executes an authenticated request. Huobi signs the sorted query
// string plus method, host, and path with HMAC-SHA256, base64 encoded.
func (a *Adapter) signed(ctx context.Context, method, path string, query url.Values, body map[string]string) ([]byte, error) {
	if a.apiKey == "" || a.apiSecret == "" {
		return nil, fmt.Errorf("huobi: missing api credentials")
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("AccessKeyId", a.apiKey)
	query.Set("SignatureMethod", "HmacSHA256")
	query.Set("SignatureVersion", "2")
	query.Set("Timestamp", time.Now().UTC().Format("2006-01-02T15:04:05"))

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(query.Get(k)))
	}
	canonical := method + "\n" + a.restHost + "\n" + path + "\n" + strings.Join(parts, "&")
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(canonical))
	query.Set("Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = strings.NewReader(string(raw))
	}
	req, err := http.NewRequestWithContext(ctx, method, a.restURL+path+"?"+query.Encode(), reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.do(req)
}

func (a *Adapter) do(req *http.Request) ([]byte, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return nil, fmt.Errorf("huobi: %s: %w", req.URL.Path, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("huobi: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("huobi: %s: read body: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("huobi: %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return payload, nil
}
