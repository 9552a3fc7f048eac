package hitbtc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/exchange"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAdapter(exchange.Options{
		Name:      "hitbtc",
		Host:      srv.URL,
		APIKey:    "key",
		APISecret: "secret",
		Timeout:   2 * time.Second,
		Logger:    slog.Default(),
	})
}

const symbolsFixture = `[
	{"id": "ETHBTC", "baseCurrency": "ETH", "quoteCurrency": "BTC",
	 "quantityIncrement": "0.001", "tickSize": "0.000001"},
	{"id": "BTCUSD", "baseCurrency": "BTC", "quoteCurrency": "USD",
	 "quantityIncrement": "0.00001", "tickSize": "0.01"}
]`

func TestMarketConfig(t *testing.T) {
	calls := 0
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/2/public/symbol" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		calls++
		w.Write([]byte(symbolsFixture))
	}))

	m, err := a.MarketConfig(context.Background(), "ethbtc")
	if err != nil {
		t.Fatalf("MarketConfig: %v", err)
	}
	if m.ID != "ETHBTC" || m.BaseUnit != "eth" || m.QuoteUnit != "btc" {
		t.Fatalf("market=%+v", m)
	}
	if m.AmountPrecision != 3 || m.PricePrecision != 6 || m.MinAmount != 0.001 {
		t.Fatalf("precision=%+v", m)
	}

	if _, err := a.MarketConfig(context.Background(), "BTCUSD"); err != nil {
		t.Fatalf("MarketConfig cached: %v", err)
	}
	if calls != 1 {
		t.Fatalf("metadata fetched %d times, want 1", calls)
	}

	if _, err := a.MarketConfig(context.Background(), "nope"); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("err=%v want ErrMarketNotFound", err)
	}
}

func TestMetadataErrorOnBadPayload(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"code": 500, "message": "down"}}`))
	}))

	if _, err := a.Markets(context.Background()); !errors.Is(err, domain.ErrMetadataUnavailable) {
		t.Fatalf("err=%v want ErrMetadataUnavailable", err)
	}
}

func TestUpdateOrderbook(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/2/public/orderbook/ETHBTC" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		w.Write([]byte(`{
			"bid": [{"price": "0.046001", "size": "0.500"}, {"price": "0.046000", "size": "1.000"}],
			"ask": [{"price": "0.046002", "size": "0.088"}]
		}`))
	}))

	book, err := a.UpdateOrderbook(context.Background(), "ethbtc")
	if err != nil {
		t.Fatalf("UpdateOrderbook: %v", err)
	}
	bid, _ := book.Best(domain.SideBuy)
	ask, _ := book.Best(domain.SideSell)
	if bid.Price != 0.046001 || bid.Volume != 0.5 || ask.Price != 0.046002 {
		t.Fatalf("bbo=%+v/%+v", bid, ask)
	}
}

func TestUpdateOrderbookEmptyPayload(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bid": [], "ask": []}`))
	}))

	book, err := a.UpdateOrderbook(context.Background(), "ethbtc")
	if err != nil {
		t.Fatalf("UpdateOrderbook: %v", err)
	}
	if !book.Empty() {
		t.Fatal("expected empty book")
	}
}

func TestPlaceOrderBasicAuth(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/2/order" {
			t.Fatalf("%s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			t.Fatalf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("symbol") != "ETHBTC" || r.PostForm.Get("type") != "limit" {
			t.Fatalf("form=%v", r.PostForm)
		}
		w.Write([]byte(`{"id": 1, "clientOrderId": "ord-1", "status": "new"}`))
	}))

	id, err := a.PlaceOrder(context.Background(), domain.Order{
		Market: "ethbtc", Side: domain.SideBuy, Price: 0.046, Volume: 0.5,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "ord-1" {
		t.Fatalf("id=%q", id)
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"code": 20001, "message": "Insufficient funds"}}`))
	}))

	_, err := a.PlaceOrder(context.Background(), domain.Order{
		Market: "ethbtc", Side: domain.SideBuy, Price: 0.046, Volume: 10000,
	})
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("err=%v want ErrOrderRejected", err)
	}
}

func TestCancelOrder(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/2/order/ord-1" {
			t.Fatalf("%s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"clientOrderId": "ord-1", "status": "canceled"}`))
	}))

	if err := a.CancelOrder(context.Background(), "ethbtc", "ord-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestCancelOrderFailed(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"code": 20002, "message": "Order not found"}}`))
	}))

	if err := a.CancelOrder(context.Background(), "ethbtc", "gone"); !errors.Is(err, domain.ErrCancelFailed) {
		t.Fatalf("err=%v want ErrCancelFailed", err)
	}
}

func TestOpenOrdersSubtractsFills(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/2/order" || r.URL.Query().Get("symbol") != "ETHBTC" {
			t.Fatalf("path=%s query=%v", r.URL.Path, r.URL.Query())
		}
		w.Write([]byte(`[
			{"clientOrderId": "ord-1", "symbol": "ETHBTC", "side": "sell",
			 "price": "0.0465", "quantity": "2.000", "cumQuantity": "0.500"}
		]`))
	}))

	open, err := a.OpenOrders(context.Background(), "ethbtc")
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("got %d orders", len(open))
	}
	if open[0].Volume != 1.5 || open[0].Side != domain.SideSell || open[0].ID != "ord-1" {
		t.Fatalf("order=%+v", open[0])
	}
}

func TestIncrementPrecision(t *testing.T) {
	cases := map[string]int32{
		"0.000001": 6,
		"0.001":    3,
		"1":        0,
		"bogus":    0,
	}
	for in, want := range cases {
		if got := incrementPrecision(in); got != want {
			t.Errorf("incrementPrecision(%q)=%d want %d", in, got, want)
		}
	}
}

func TestHandleFrameTrades(t *testing.T) {
	s := &stream{
		adapter: &Adapter{name: "hitbtc", trades: make(chan domain.Trade, 8)},
		logger:  slog.Default(),
	}

	// Subscription ack and history snapshot produce nothing.
	s.handleFrame([]byte(`{"jsonrpc": "2.0", "result": true, "id": 1}`))
	s.handleFrame([]byte(`{"jsonrpc": "2.0", "method": "snapshotTrades", "params": {
		"symbol": "ETHBTC",
		"data": [{"id": 1, "price": "0.05", "quantity": "1.0", "side": "buy", "timestamp": "2017-10-19T16:34:25.041Z"}]
	}}`))
	select {
	case tr := <-s.adapter.trades:
		t.Fatalf("unexpected trade %+v", tr)
	default:
	}

	s.handleFrame([]byte(`{"jsonrpc": "2.0", "method": "updateTrades", "params": {
		"symbol": "ETHBTC",
		"data": [
			{"id": 2, "price": "0.054670", "quantity": "0.183", "side": "buy", "timestamp": "2017-10-19T16:34:25.041Z"},
			{"id": 3, "price": "0.054671", "quantity": "0.500", "side": "sell", "timestamp": "2017-10-19T16:34:26.000Z"}
		]
	}}`))

	tr := <-s.adapter.trades
	if tr.Market != "ETHBTC" || tr.Price != 0.05467 || tr.Volume != 0.183 || tr.TakerSide != domain.SideBuy {
		t.Fatalf("trade=%+v", tr)
	}
	tr = <-s.adapter.trades
	if tr.TakerSide != domain.SideSell || tr.Volume != 0.5 {
		t.Fatalf("trade=%+v", tr)
	}

	// Error responses are logged, not delivered.
	s.handleFrame([]byte(`{"jsonrpc": "2.0", "error": {"code": 2001, "message": "unknown symbol"}, "id": 2}`))
	select {
	case tr := <-s.adapter.trades:
		t.Fatalf("unexpected trade %+v", tr)
	default:
	}
}
