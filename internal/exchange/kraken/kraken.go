// Package kraken implements the Kraken venue adapter. Kraken uses three names
// per pair: an internal pair id (result map key), a REST altname, and a
// websocket name; the adapter keys markets by lowercase altname and keeps a
// frozen altname⇄wsname map built at first metadata fetch.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
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
	defaultRESTHost = "https://api.kraken.com"
	defaultWSHost   = "wss://ws.kraken.com"
)

func init() {
	exchange.Register("kraken", func(opts exchange.Options) (exchange.Exchange, error) {
		return NewAdapter(opts), nil
	})
}

// Adapter is the Kraken implementation of exchange.Exchange.
type Adapter struct {
	name       string
	restURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *slog.Logger

	// Metadata cache, built once and frozen; Reset drops it for re-fetch.
	metaMu  sync.RWMutex
	markets map[string]domain.Market // lowercase altname -> market
	wsName  map[string]string        // lowercase altname -> websocket name
	wsToID  map[string]string        // websocket name -> lowercase altname
	pairID  map[string]string        // lowercase altname -> venue pair id

	trades chan domain.Trade
	stream *stream
}

// NewAdapter builds a Kraken adapter from generic venue options.
func NewAdapter(opts exchange.Options) *Adapter {
	restURL := opts.Host
	if restURL == "" {
		restURL = defaultRESTHost
	}
	wsURL := opts.WSHost
	if wsURL == "" {
		wsURL = defaultWSHost
	}
	a := &Adapter{
		name:      opts.Name,
		restURL:   strings.TrimSuffix(restURL, "/"),
		wsURL:     wsURL,
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: opts.Logger,
		trades: make(chan domain.Trade, exchange.TradeBufferSize),
	}
	return a
}

// Name returns the configured venue instance name.
func (a *Adapter) Name() string { return a.name }

// Trades returns the adapter's trade delivery channel.
func (a *Adapter) Trades() <-chan domain.Trade { return a.trades }

// assetPair is one AssetPairs result entry.
type assetPair struct {
	Altname      string `json:"altname"`
	WSName       string `json:"wsname"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	LotDecimals  int32  `json:"lot_decimals"`
	PairDecimals int32  `json:"pair_decimals"`
	OrderMin     string `json:"ordermin"`
}

// krakenEnvelope is the common REST response wrapper.
type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// ensureSymbols fetches and freezes the venue symbol list on first use.
func (a *Adapter) ensureSymbols(ctx context.Context) error {
	a.metaMu.RLock()
	loaded := a.markets != nil
	a.metaMu.RUnlock()
	if loaded {
		return nil
	}

	raw, err := a.public(ctx, "/0/public/AssetPairs", nil)
	if err != nil {
		return fmt.Errorf("kraken: asset pairs: %w", domain.ErrMetadataUnavailable)
	}
	var pairs map[string]assetPair
	if err := json.Unmarshal(raw, &pairs); err != nil || len(pairs) == 0 {
		return fmt.Errorf("kraken: asset pairs malformed: %w", domain.ErrMetadataUnavailable)
	}

	markets := make(map[string]domain.Market, len(pairs))
	wsName := make(map[string]string, len(pairs))
	wsToID := make(map[string]string, len(pairs))
	pairID := make(map[string]string, len(pairs))
	for id, p := range pairs {
		key := strings.ToLower(p.Altname)
		minAmount, _ := strconv.ParseFloat(p.OrderMin, 64)
		markets[key] = domain.Market{
			ID:              p.Altname,
			BaseUnit:        p.Base,
			QuoteUnit:       p.Quote,
			AmountPrecision: p.LotDecimals,
			PricePrecision:  p.PairDecimals,
			MinAmount:       minAmount,
		}
		wsName[key] = p.WSName
		wsToID[p.WSName] = key
		pairID[key] = id
	}

	a.metaMu.Lock()
	a.markets = markets
	a.wsName = wsName
	a.wsToID = wsToID
	a.pairID = pairID
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

// MarketConfig returns the market whose lowercase altname matches id.
func (a *Adapter) MarketConfig(ctx context.Context, id string) (domain.Market, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return domain.Market{}, err
	}
	a.metaMu.RLock()
	m, ok := a.markets[strings.ToLower(id)]
	a.metaMu.RUnlock()
	if !ok {
		return domain.Market{}, fmt.Errorf("kraken: symbol %s: %w", id, domain.ErrMarketNotFound)
	}
	return m, nil
}

// Reset drops the cached metadata so the next call re-fetches it.
func (a *Adapter) Reset() {
	a.metaMu.Lock()
	a.markets = nil
	a.wsName = nil
	a.wsToID = nil
	a.pairID = nil
	a.metaMu.Unlock()
}

// depthResult is the Depth endpoint payload keyed by the venue pair id.
type depthResult map[string]struct {
	Bids [][]json.RawMessage `json:"bids"`
	Asks [][]json.RawMessage `json:"asks"`
}

// UpdateOrderbook fetches a fresh REST depth snapshot and builds a new book
// from scratch. A well-formed empty result yields an empty book, not an error:
// some venues return partial payloads during outages and the engine treats
// that leniently.
func (a *Adapter) UpdateOrderbook(ctx context.Context, marketID string) (*orderbook.Book, error) {
	book := orderbook.New(marketID)
	raw, err := a.public(ctx, "/0/public/Depth", url.Values{"pair": {strings.ToUpper(marketID)}})
	if err != nil {
		return nil, fmt.Errorf("kraken: depth %s: %w", marketID, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return book, nil
	}
	var result depthResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("kraken: depth %s: decode: %w", marketID, err)
	}
	for _, depth := range result {
		book.Replace(domain.SideBuy, parseLevels(depth.Bids))
		book.Replace(domain.SideSell, parseLevels(depth.Asks))
		break // single pair requested, single entry returned
	}
	return book, nil
}

// parseLevels converts [[price, volume, ts], ...] tuples, with price and
// volume encoded as JSON strings, into book levels. Malformed tuples are
// skipped.
func parseLevels(rows [][]json.RawMessage) []orderbook.PriceLevel {
	levels := make([]orderbook.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, ok1 := parseNumber(row[0])
		volume, ok2 := parseNumber(row[1])
		if !ok1 || !ok2 {
			continue
		}
		levels = append(levels, orderbook.PriceLevel{Price: price, Volume: volume})
	}
	return levels
}

// parseNumber accepts both string-encoded and bare JSON numbers.
func parseNumber(raw json.RawMessage) (float64, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	return 0, false
}

// PlaceOrder submits a limit order and returns the venue order id.
func (a *Adapter) PlaceOrder(ctx context.Context, o domain.Order) (string, error) {
	form := url.Values{
		"pair":      {strings.ToUpper(o.Market)},
		"type":      {string(o.Side)},
		"ordertype": {"limit"},
		"price":     {strconv.FormatFloat(o.Price, 'f', -1, 64)},
		"volume":    {strconv.FormatFloat(o.Volume, 'f', -1, 64)},
	}
	raw, err := a.private(ctx, "/0/private/AddOrder", form)
	if err != nil {
		return "", fmt.Errorf("kraken: add order: %w: %w", domain.ErrOrderRejected, err)
	}
	var result struct {
		Txid []string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Txid) == 0 {
		return "", fmt.Errorf("kraken: add order: no txid: %w", domain.ErrOrderRejected)
	}
	return result.Txid[0], nil
}

// CancelOrder cancels one order by venue id.
func (a *Adapter) CancelOrder(ctx context.Context, marketID, orderID string) error {
	raw, err := a.private(ctx, "/0/private/CancelOrder", url.Values{"txid": {orderID}})
	if err != nil {
		return fmt.Errorf("kraken: cancel %s: %w: %w", orderID, domain.ErrCancelFailed, err)
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.Count == 0 {
		return fmt.Errorf("kraken: cancel %s: not cancelled: %w", orderID, domain.ErrCancelFailed)
	}
	return nil
}

// OpenOrders returns the venue's current open orders for one market.
func (a *Adapter) OpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	raw, err := a.private(ctx, "/0/private/OpenOrders", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("kraken: open orders: %w", err)
	}
	var result struct {
		Open map[string]struct {
			Descr struct {
				Pair  string `json:"pair"`
				Type  string `json:"type"`
				Price string `json:"price"`
			} `json:"descr"`
			Vol     string `json:"vol"`
			VolExec string `json:"vol_exec"`
		} `json:"open"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("kraken: open orders: decode: %w", err)
	}
	want := strings.ToUpper(marketID)
	out := make([]domain.Order, 0, len(result.Open))
	for id, o := range result.Open {
		if !strings.EqualFold(o.Descr.Pair, want) {
			continue
		}
		price, _ := strconv.ParseFloat(o.Descr.Price, 64)
		vol, _ := strconv.ParseFloat(o.Vol, 64)
		done, _ := strconv.ParseFloat(o.VolExec, 64)
		out = append(out, domain.Order{
			Market: marketID,
			Price:  price,
			Volume: vol - done,
			Side:   domain.Side(o.Descr.Type),
			ID:     id,
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

// public performs an unauthenticated GET against the REST API and unwraps the
// Kraken response envelope.
func (a *Adapter) public(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
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

// private performs a signed POST. Kraken signs with
// HMAC-SHA512(path || SHA256(nonce || postdata)) keyed by the decoded secret.
func (a *Adapter) private(ctx context.Context, path string, form url.Values) (json.RawMessage, error) {
	if a.apiKey == "" || a.apiSecret == "" {
		return nil, fmt.Errorf("kraken: missing api credentials")
	}
	nonce := strconv.FormatInt(time.Now().UnixMicro(), 10)
	form.Set("nonce", nonce)
	body := form.Encode()

	secret, err := base64.StdEncoding.DecodeString(a.apiSecret)
	if err != nil {
		return nil, fmt.Errorf("kraken: decode api secret: %w", err)
	}
	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.restURL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", a.apiKey)
	req.Header.Set("API-Sign", sign)
	return a.do(req)
}

// do executes the request, maps timeouts to the retryable category, and
// unwraps the error/result envelope.
func (a *Adapter) do(req *http.Request) (json.RawMessage, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return nil, fmt.Errorf("kraken: %s: %w", req.URL.Path, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("kraken: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kraken: %s: read body: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kraken: %s: status %d", req.URL.Path, resp.StatusCode)
	}
	var env krakenEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("kraken: %s: decode: %w", req.URL.Path, err)
	}
	if len(env.Error) > 0 {
		return nil, fmt.Errorf("kraken: %s: %s", req.URL.Path, strings.Join(env.Error, ", "))
	}
	return env.Result, nil
}
