package okex

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/exchange"
)

const instrumentsFixture = `{"code":"0","data":[
	{"instId":"BTC-USDT","baseCcy":"BTC","quoteCcy":"USDT","tickSz":"0.1","lotSz":"0.00000001","minSz":"0.00001","state":"live"},
	{"instId":"OLD-USDT","baseCcy":"OLD","quoteCcy":"USDT","tickSz":"0.001","lotSz":"0.1","minSz":"1","state":"suspend"}
]}`

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAdapter(exchange.Options{
		Name:       "okex",
		Host:       srv.URL,
		APIKey:     "key",
		APISecret:  "secret",
		Passphrase: "phrase",
		Timeout:    2 * time.Second,
		Logger:     slog.Default(),
	})
}

func TestMarketConfig(t *testing.T) {
	var calls int
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/public/instruments" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		calls++
		w.Write([]byte(instrumentsFixture))
	}))

	m, err := a.MarketConfig(context.Background(), "btc-usdt")
	if err != nil {
		t.Fatalf("MarketConfig: %v", err)
	}
	if m.BaseUnit != "btc" || m.QuoteUnit != "usdt" {
		t.Fatalf("market=%+v", m)
	}
	if m.PricePrecision != 1 || m.AmountPrecision != 8 {
		t.Fatalf("precision=%d/%d", m.PricePrecision, m.AmountPrecision)
	}
	if m.MinAmount != 0.00001 {
		t.Fatalf("minAmount=%v", m.MinAmount)
	}

	// Cached after the first fetch.
	if _, err := a.MarketConfig(context.Background(), "BTC-USDT"); err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}

	// Suspended instruments are excluded.
	if _, err := a.MarketConfig(context.Background(), "OLD-USDT"); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("err=%v want ErrMarketNotFound", err)
	}
}

func TestMetadataErrorOnBadCode(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"50013","msg":"System busy","data":[]}`))
	}))
	if _, err := a.Markets(context.Background()); !errors.Is(err, domain.ErrMetadataUnavailable) {
		t.Fatalf("err=%v want ErrMetadataUnavailable", err)
	}
}

func TestUpdateOrderbook(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/market/books" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		if r.URL.Query().Get("instId") != "BTC-USDT" {
			t.Fatalf("instId=%q", r.URL.Query().Get("instId"))
		}
		w.Write([]byte(`{"code":"0","data":[{
			"bids":[["60000.5","0.3","0","2"],["60000.1","1.1","0","1"]],
			"asks":[["60001.0","0.2","0","1"]]
		}]}`))
	}))

	book, err := a.UpdateOrderbook(context.Background(), "btc-usdt")
	if err != nil {
		t.Fatalf("UpdateOrderbook: %v", err)
	}
	bid, _ := book.Best(domain.SideBuy)
	ask, _ := book.Best(domain.SideSell)
	if bid.Price != 60000.5 || bid.Volume != 0.3 || ask.Price != 60001.0 {
		t.Fatalf("bbo=%+v/%+v", bid, ask)
	}
	if book.Depth(domain.SideBuy) != 2 {
		t.Fatalf("depth=%d", book.Depth(domain.SideBuy))
	}
}

func TestUpdateOrderbookEmpty(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":[]}`))
	}))
	book, err := a.UpdateOrderbook(context.Background(), "btc-usdt")
	if err != nil {
		t.Fatalf("UpdateOrderbook: %v", err)
	}
	if !book.Empty() {
		t.Fatal("expected empty book")
	}
}

func TestPlaceOrderSignedHeaders(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/trade/order" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		for _, h := range []string{"OK-ACCESS-KEY", "OK-ACCESS-SIGN", "OK-ACCESS-TIMESTAMP", "OK-ACCESS-PASSPHRASE"} {
			if r.Header.Get(h) == "" {
				t.Fatalf("missing header %s", h)
			}
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]string
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("body: %v", err)
		}
		if body["instId"] != "BTC-USDT" || body["side"] != "buy" || body["ordType"] != "limit" {
			t.Fatalf("body=%v", body)
		}
		if body["px"] != "60000.5" || body["sz"] != "0.25" || body["tdMode"] != "cash" {
			t.Fatalf("body=%v", body)
		}
		w.Write([]byte(`{"code":"0","data":[{"ordId":"312269865356374016","sCode":"0"}]}`))
	}))

	id, err := a.PlaceOrder(context.Background(), domain.Order{
		Market: "btc-usdt",
		Price:  60000.5,
		Volume: 0.25,
		Side:   domain.SideBuy,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "312269865356374016" {
		t.Fatalf("id=%q", id)
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"1","data":[{"ordId":"","sCode":"51008","sMsg":"insufficient balance"}]}`))
	}))
	if _, err := a.PlaceOrder(context.Background(), domain.Order{Market: "btc-usdt", Side: domain.SideBuy}); !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("err=%v want ErrOrderRejected", err)
	}
}

func TestCancelOrder(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":[{"ordId":"42","sCode":"0"}]}`))
	}))
	if err := a.CancelOrder(context.Background(), "btc-usdt", "42"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	failing := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"1","data":[{"ordId":"42","sCode":"51400","sMsg":"order not found"}]}`))
	}))
	if err := failing.CancelOrder(context.Background(), "btc-usdt", "42"); !errors.Is(err, domain.ErrCancelFailed) {
		t.Fatalf("err=%v want ErrCancelFailed", err)
	}
}

func TestOpenOrders(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/trade/orders-pending" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"0","data":[
			{"ordId":"1","px":"60000.5","sz":"2.0","accFillSz":"0.5","side":"buy"},
			{"ordId":"2","px":"60010.0","sz":"1.0","accFillSz":"0","side":"sell"}
		]}`))
	}))

	orders, err := a.OpenOrders(context.Background(), "btc-usdt")
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len=%d", len(orders))
	}
	if orders[0].Volume != 1.5 || orders[0].Side != domain.SideBuy || orders[0].ID != "1" {
		t.Fatalf("order=%+v", orders[0])
	}
	if orders[1].Side != domain.SideSell {
		t.Fatalf("order=%+v", orders[1])
	}
}

func TestSizePrecision(t *testing.T) {
	cases := map[string]int32{
		"0.1":        1,
		"0.00000001": 8,
		"0.001":      3,
		"1":          0,
		"bogus":      0,
	}
	for increment, want := range cases {
		if got := sizePrecision(increment); got != want {
			t.Errorf("sizePrecision(%q)=%d want %d", increment, got, want)
		}
	}
}

func TestHandleFrameTrades(t *testing.T) {
	s := &stream{
		adapter: &Adapter{name: "okex", trades: make(chan domain.Trade, 8)},
		logger:  slog.Default(),
	}
	frame := `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[
		{"instId":"BTC-USDT","tradeId":"1","px":"60000.5","sz":"0.1","side":"buy","ts":"1630994963173"},
		{"instId":"BTC-USDT","tradeId":"2","px":"60000.0","sz":"0.2","side":"sell","ts":"1630994963174"}
	]}`
	s.handleFrame([]byte(frame))

	first := <-s.adapter.trades
	if first.Market != "BTC-USDT" || first.TakerSide != domain.SideBuy || first.Price != 60000.5 {
		t.Fatalf("trade=%+v", first)
	}
	second := <-s.adapter.trades
	if second.TakerSide != domain.SideSell || second.Volume != 0.2 {
		t.Fatalf("trade=%+v", second)
	}

	// Acks, pongs, and error events produce nothing.
	s.handleFrame([]byte(`pong`))
	s.handleFrame([]byte(`{"event":"subscribe","arg":{"channel":"trades","instId":"BTC-USDT"}}`))
	s.handleFrame([]byte(`{"event":"error","msg":"channel does not exist"}`))
	select {
	case tr := <-s.adapter.trades:
		t.Fatalf("unexpected trade %+v", tr)
	default:
	}
}
