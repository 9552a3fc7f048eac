// Package okex implements the OKX v5 venue adapter.
package okex

import (
	"bytes"
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
	defaultRESTHost = "https://www.okx.com"
	defaultWSHost   = "wss://ws.okx.com:8443/ws/v5/public"
)

func init() {
	exchange.Register("okex", func(opts exchange.Options) (exchange.Exchange, error) {
		return NewAdapter(opts), nil
	})
}

// Adapter is the OKX implementation of exchange.Exchange. All v5 responses
// share a {code, msg, data} envelope; code "0" means success.
type Adapter struct {
	name       string
	restURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	passphrase string
	httpClient *http.Client
	logger     *slog.Logger

	metaMu  sync.RWMutex
	markets map[string]domain.Market // instId -> market

	trades chan domain.Trade
	stream *stream
}

// NewAdapter builds an OKX adapter from generic venue options.
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
		passphrase: opts.Passphrase,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     opts.Logger,
		trades:     make(chan domain.Trade, exchange.TradeBufferSize),
	}
}

func (a *Adapter) Name() string { return a.name }
func (a *Adapter) Trades() <-chan domain.Trade { return a.trades }

type instrument struct {
	InstID   string `json:"instId"`
	BaseCcy  string `json:"baseCcy"`
	QuoteCcy string `json:"quoteCcy"`
	TickSz   string `json:"tickSz"`
	LotSz    string `json:"lotSz"`
	MinSz    string `json:"minSz"`
	State    string `json:"state"`
}

func (a *Adapter) ensureInstruments(ctx context.Context) error {
	a.metaMu.RLock()
	loaded := a.markets != nil
	a.metaMu.RUnlock()
	if loaded {
		return nil
	}

	raw, err := a.get(ctx, "/api/v5/public/instruments", url.Values{"instType": {"SPOT"}})
	if err != nil {
		return fmt.Errorf("okex: instruments: %w", domain.ErrMetadataUnavailable)
	}
	var payload struct {
		Code string       `json:"code"`
		Data []instrument `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Code != "0" || len(payload.Data) == 0 {
		return fmt.Errorf("okex: instruments malformed: %w", domain.ErrMetadataUnavailable)
	}

	markets := make(map[string]domain.Market, len(payload.Data))
	for _, inst := range payload.Data {
		if inst.State != "live" {
			continue
		}
		minSz, _ := strconv.ParseFloat(inst.MinSz, 64)
		markets[inst.InstID] = domain.Market{
			ID:              inst.InstID,
			BaseUnit:        strings.ToLower(inst.BaseCcy),
			QuoteUnit:       strings.ToLower(inst.QuoteCcy),
			AmountPrecision: sizePrecision(inst.LotSz),
			PricePrecision:  sizePrecision(inst.TickSz),
			MinAmount:       minSz,
		}
	}

	a.metaMu.Lock()
	a.markets = markets
	a.metaMu.Unlock()
	return nil
}

// sizePrecision turns an increment like "0.001" into a decimal-places count.
func sizePrecision(increment string) int32 {
	v, err := strconv.ParseFloat(increment, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return int32(precision.ValuePrecision(v))
}

// Markets resolves the venue instrument list, cached after the first call.
func (a *Adapter) Markets(ctx context.Context) ([]domain.Market, error) {
	if err := a.ensureInstruments(ctx); err != nil {
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

// MarketConfig returns the market whose instId matches id.
func (a *Adapter) MarketConfig(ctx context.Context, id string) (domain.Market, error) {
	if err := a.ensureInstruments(ctx); err != nil {
		return domain.Market{}, err
	}
	a.metaMu.RLock()
	m, ok := a.markets[strings.ToUpper(id)]
	a.metaMu.RUnlock()
	if !ok {
		return domain.Market{}, fmt.Errorf("okex: instrument %s: %w", id, domain.ErrMarketNotFound)
	}
	return m, nil
}

// Reset drops the cached metadata so the next call re-fetches it.
func (a *Adapter) Reset() {
	a.metaMu.Lock()
	a.markets = nil
	a.metaMu.Unlock()
}

// UpdateOrderbook builds a fresh book from a books snapshot. Each level is a
// string tuple of price, size, liquidated size, and order count.
func (a *Adapter) UpdateOrderbook(ctx context.Context, marketID string) (*orderbook.Book, error) {
	book := orderbook.New(marketID)
	raw, err := a.get(ctx, "/api/v5/market/books", url.Values{
		"instId": {strings.ToUpper(marketID)},
		"sz":     {"400"},
	})
	if err != nil {
		return nil, fmt.Errorf("okex: books %s: %w", marketID, err)
	}
	var payload struct {
		Code string `json:"code"`
		Data []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("okex: books %s: decode: %w", marketID, err)
	}
	if payload.Code != "0" || len(payload.Data) == 0 {
		return book, nil
	}
	book.Replace(domain.SideBuy, parseLevels(payload.Data[0].Bids))
	book.Replace(domain.SideSell, parseLevels(payload.Data[0].Asks))
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

type orderResult struct {
	Code string `json:"code"`
	Data []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	} `json:"data"`
}

// PlaceOrder submits a spot limit order and returns the venue order id.
func (a *Adapter) PlaceOrder(ctx context.Context, o domain.Order) (string, error) {
	body := map[string]string{
		"instId":  strings.ToUpper(o.Market),
		"tdMode":  "cash",
		"side":    string(o.Side),
		"ordType": "limit",
		"px":      strconv.FormatFloat(o.Price, 'f', -1, 64),
		"sz":      strconv.FormatFloat(o.Volume, 'f', -1, 64),
	}
	raw, err := a.signed(ctx, http.MethodPost, "/api/v5/trade/order", nil, body)
	if err != nil {
		return "", fmt.Errorf("okex: place order: %w: %w", domain.ErrOrderRejected, err)
	}
	var result orderResult
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Data) == 0 {
		return "", fmt.Errorf("okex: place order: rejected: %w", domain.ErrOrderRejected)
	}
	if result.Data[0].SCode != "0" || result.Data[0].OrdID == "" {
		return "", fmt.Errorf("okex: place order: %s: %w", result.Data[0].SMsg, domain.ErrOrderRejected)
	}
	return result.Data[0].OrdID, nil
}

// CancelOrder cancels one order by venue id.
func (a *Adapter) CancelOrder(ctx context.Context, marketID, orderID string) error {
	body := map[string]string{
		"instId": strings.ToUpper(marketID),
		"ordId":  orderID,
	}
	raw, err := a.signed(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body)
	if err != nil {
		return fmt.Errorf("okex: cancel %s: %w: %w", orderID, domain.ErrCancelFailed, err)
	}
	var result orderResult
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Data) == 0 || result.Data[0].SCode != "0" {
		return fmt.Errorf("okex: cancel %s: not cancelled: %w", orderID, domain.ErrCancelFailed)
	}
	return nil
}

// OpenOrders returns the venue's pending orders for one market.
func (a *Adapter) OpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	raw, err := a.signed(ctx, http.MethodGet, "/api/v5/trade/orders-pending", url.Values{
		"instType": {"SPOT"},
		"instId":   {strings.ToUpper(marketID)},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("okex: open orders: %w", err)
	}
	var payload struct {
		Code string `json:"code"`
		Data []struct {
			OrdID     string `json:"ordId"`
			Px        string `json:"px"`
			Sz        string `json:"sz"`
			AccFillSz string `json:"accFillSz"`
			Side      string `json:"side"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Code != "0" {
		return nil, fmt.Errorf("okex: open orders: decode: %w", err)
	}
	out := make([]domain.Order, 0, len(payload.Data))
	for _, r := range payload.Data {
		price, _ := strconv.ParseFloat(r.Px, 64)
		size, _ := strconv.ParseFloat(r.Sz, 64)
		filled, _ := strconv.ParseFloat(r.AccFillSz, 64)
		side := domain.SideBuy
		if r.Side == "sell" {
			side = domain.SideSell
		}
		out = append(out, domain.Order{
			Market: marketID,
			Price:  price,
			Volume: size - filled,
			Side:   side,
			ID:     r.OrdID,
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

// signed executes an authenticated request. The signature is
// base64(HMAC-SHA256(timestamp + method + requestPath + body)) carried in the
// OK-ACCESS-* headers together with the key and passphrase.
func (a *Adapter) signed(ctx context.Context, method, path string, query url.Values, body map[string]string) ([]byte, error) {
	if a.apiKey == "" || a.apiSecret == "" || a.passphrase == "" {
		return nil, fmt.Errorf("okex: missing api credentials")
	}
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	var rawBody []byte
	if body != nil {
		var err error
		rawBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(timestamp + method + requestPath))
	mac.Write(rawBody)

	req, err := http.NewRequestWithContext(ctx, method, a.restURL+requestPath, bytes.NewReader(rawBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("OK-ACCESS-KEY", a.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", a.passphrase)
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
			return nil, fmt.Errorf("okex: %s: %w", req.URL.Path, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("okex: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("okex: %s: read body: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("okex: %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return payload, nil
}
