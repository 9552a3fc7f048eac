// Package bitfinex implements the Bitfinex venue adapter. REST metadata and
// depth use the v1 API; the trade stream uses the v2 websocket, which keys
// inbound frames by a numeric channel id handed out at subscribe time.
package bitfinex

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
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
)

const (
	defaultRESTHost = "https://api.bitfinex.com"
	defaultWSHost   = "wss://api-pub.bitfinex.com/ws/2"
)

func init() {
	exchange.Register("bitfinex", func(opts exchange.Options) (exchange.Exchange, error) {
		return NewAdapter(opts), nil
	})
}

// Adapter is the Bitfinex implementation of exchange.Exchange.
type Adapter struct {
	name       string
	restURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *slog.Logger

	metaMu  sync.RWMutex
	markets map[string]domain.Market // lowercase pair -> market

	trades chan domain.Trade
	stream *stream
}

// NewAdapter builds a Bitfinex adapter from generic venue options.
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

// symbolDetail is one /v1/symbols_details entry.
type symbolDetail struct {
	Pair             string `json:"pair"`
	PricePrecision   int32  `json:"price_precision"`
	MinimumOrderSize string `json:"minimum_order_size"`
}

// amountPrecision is fixed venue-wide on Bitfinex v1.
const amountPrecision = 8

func (a *Adapter) ensureSymbols(ctx context.Context) error {
	a.metaMu.RLock()
	loaded := a.markets != nil
	a.metaMu.RUnlock()
	if loaded {
		return nil
	}

	raw, err := a.get(ctx, "/v1/symbols_details")
	if err != nil {
		return fmt.Errorf("bitfinex: symbols details: %w", domain.ErrMetadataUnavailable)
	}
	var details []symbolDetail
	if err := json.Unmarshal(raw, &details); err != nil || len(details) == 0 {
		return fmt.Errorf("bitfinex: symbols details malformed: %w", domain.ErrMetadataUnavailable)
	}

	markets := make(map[string]domain.Market, len(details))
	for _, d := range details {
		pair := strings.ToLower(d.Pair)
		minAmount, _ := strconv.ParseFloat(d.MinimumOrderSize, 64)
		base, quote := splitPair(pair)
		markets[pair] = domain.Market{
			ID:              pair,
			BaseUnit:        base,
			QuoteUnit:       quote,
			AmountPrecision: amountPrecision,
			PricePrecision:  d.PricePrecision,
			MinAmount:       minAmount,
		}
	}

	a.metaMu.Lock()
	a.markets = markets
	a.metaMu.Unlock()
	return nil
}

// splitPair derives base/quote units from a v1 pair name. Pairs longer than
// six characters use a colon separator ("dusk:usd").
func splitPair(pair string) (string, string) {
	if i := strings.IndexByte(pair, ':'); i > 0 {
		return pair[:i], pair[i+1:]
	}
	if len(pair) == 6 {
		return pair[:3], pair[3:]
	}
	return pair, ""
}

// wsSymbol translates an internal pair id into the v2 websocket symbol. The
// colon in long pair names is part of the v2 symbol ("dusk:usd" -> "tDUSK:USD")
// and must survive the round trip.
func wsSymbol(pair string) string {
	return "t" + strings.ToUpper(pair)
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

// MarketConfig returns the market whose pair name matches id.
func (a *Adapter) MarketConfig(ctx context.Context, id string) (domain.Market, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return domain.Market{}, err
	}
	a.metaMu.RLock()
	m, ok := a.markets[strings.ToLower(id)]
	a.metaMu.RUnlock()
	if !ok {
		return domain.Market{}, fmt.Errorf("bitfinex: symbol %s: %w", id, domain.ErrMarketNotFound)
	}
	return m, nil
}

// Reset drops the cached metadata so the next call re-fetches it.
func (a *Adapter) Reset() {
	a.metaMu.Lock()
	a.markets = nil
	a.metaMu.Unlock()
}

// bookEntry is one side entry of the v1 book payload.
type bookEntry struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

// UpdateOrderbook builds a fresh book from a v1 book snapshot. An empty
// payload yields an empty book and a nil error.
func (a *Adapter) UpdateOrderbook(ctx context.Context, marketID string) (*orderbook.Book, error) {
	book := orderbook.New(marketID)
	raw, err := a.get(ctx, "/v1/book/"+strings.ToLower(marketID))
	if err != nil {
		return nil, fmt.Errorf("bitfinex: book %s: %w", marketID, err)
	}
	var payload struct {
		Bids []bookEntry `json:"bids"`
		Asks []bookEntry `json:"asks"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("bitfinex: book %s: decode: %w", marketID, err)
	}
	book.Replace(domain.SideBuy, parseLevels(payload.Bids))
	book.Replace(domain.SideSell, parseLevels(payload.Asks))
	return book, nil
}

func parseLevels(entries []bookEntry) []orderbook.PriceLevel {
	levels := make([]orderbook.PriceLevel, 0, len(entries))
	for _, e := range entries {
		price, err1 := strconv.ParseFloat(e.Price, 64)
		volume, err2 := strconv.ParseFloat(e.Amount, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, orderbook.PriceLevel{Price: price, Volume: volume})
	}
	return levels
}

// PlaceOrder submits a v1 limit order and returns the venue order id.
func (a *Adapter) PlaceOrder(ctx context.Context, o domain.Order) (string, error) {
	body := map[string]any{
		"symbol":   strings.ToLower(o.Market),
		"amount":   strconv.FormatFloat(o.Volume, 'f', -1, 64),
		"price":    strconv.FormatFloat(o.Price, 'f', -1, 64),
		"side":     string(o.Side),
		"type":     "exchange limit",
		"exchange": "bitfinex",
	}
	raw, err := a.signed(ctx, "/v1/order/new", body)
	if err != nil {
		return "", fmt.Errorf("bitfinex: order new: %w: %w", domain.ErrOrderRejected, err)
	}
	var result struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.ID == 0 {
		return "", fmt.Errorf("bitfinex: order new: no id: %w", domain.ErrOrderRejected)
	}
	return strconv.FormatInt(result.ID, 10), nil
}

// CancelOrder cancels one order by venue id.
func (a *Adapter) CancelOrder(ctx context.Context, marketID, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("bitfinex: cancel %s: bad id: %w", orderID, domain.ErrCancelFailed)
	}
	if _, err := a.signed(ctx, "/v1/order/cancel", map[string]any{"order_id": id}); err != nil {
		return fmt.Errorf("bitfinex: cancel %s: %w: %w", orderID, domain.ErrCancelFailed, err)
	}
	return nil
}

// OpenOrders returns the venue's current open orders for one market.
func (a *Adapter) OpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	raw, err := a.signed(ctx, "/v1/orders", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("bitfinex: orders: %w", err)
	}
	var rows []struct {
		ID              int64  `json:"id"`
		Symbol          string `json:"symbol"`
		Price           string `json:"price"`
		Side            string `json:"side"`
		RemainingAmount string `json:"remaining_amount"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("bitfinex: orders: decode: %w", err)
	}
	out := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		if !strings.EqualFold(r.Symbol, marketID) {
			continue
		}
		price, _ := strconv.ParseFloat(r.Price, 64)
		remaining, _ := strconv.ParseFloat(r.RemainingAmount, 64)
		out = append(out, domain.Order{
			Market: marketID,
			Price:  price,
			Volume: remaining,
			Side:   domain.Side(r.Side),
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

func (a *Adapter) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.restURL+path, nil)
	if err != nil {
		return nil, err
	}
	return a.do(req)
}

// signed executes a v1 authenticated POST: the JSON payload travels base64
// encoded in X-BFX-PAYLOAD and is signed with HMAC-SHA384.
func (a *Adapter) signed(ctx context.Context, path string, body map[string]any) ([]byte, error) {
	if a.apiKey == "" || a.apiSecret == "" {
		return nil, fmt.Errorf("bitfinex: missing api credentials")
	}
	body["request"] = path
	body["nonce"] = strconv.FormatInt(time.Now().UnixMicro(), 10)
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	payload := base64.StdEncoding.EncodeToString(raw)
	mac := hmac.New(sha512.New384, []byte(a.apiSecret))
	mac.Write([]byte(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.restURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BFX-APIKEY", a.apiKey)
	req.Header.Set("X-BFX-PAYLOAD", payload)
	req.Header.Set("X-BFX-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
	return a.do(req)
}

func (a *Adapter) do(req *http.Request) ([]byte, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return nil, fmt.Errorf("bitfinex: %s: %w", req.URL.Path, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("bitfinex: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bitfinex: %s: read body: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("bitfinex: %s: %s", req.URL.Path, apiErr.Message)
		}
		return nil, fmt.Errorf("bitfinex: %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return payload, nil
}
