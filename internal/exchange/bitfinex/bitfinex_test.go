package bitfinex

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
		Name:    "bitfinex",
		Host:    srv.URL,
		Timeout: 2 * time.Second,
		Logger:  slog.Default(),
	})
}

func TestMarketConfig(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/symbols_details" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		w.Write([]byte(`[
			{"pair": "btcusd", "price_precision": 5, "minimum_order_size": "0.002"},
			{"pair": "dusk:usd", "price_precision": 5, "minimum_order_size": "1.0"}
		]`))
	}))

	m, err := a.MarketConfig(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatalf("MarketConfig: %v", err)
	}
	if m.BaseUnit != "btc" || m.QuoteUnit != "usd" {
		t.Fatalf("units=%s/%s", m.BaseUnit, m.QuoteUnit)
	}
	if m.PricePrecision != 5 || m.AmountPrecision != 8 || m.MinAmount != 0.002 {
		t.Fatalf("market=%+v", m)
	}

	// Colon-separated long pair names split on the colon.
	m, err = a.MarketConfig(context.Background(), "dusk:usd")
	if err != nil {
		t.Fatalf("MarketConfig long pair: %v", err)
	}
	if m.BaseUnit != "dusk" || m.QuoteUnit != "usd" {
		t.Fatalf("units=%s/%s", m.BaseUnit, m.QuoteUnit)
	}

	if _, err := a.MarketConfig(context.Background(), "nope"); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("err=%v want ErrMarketNotFound", err)
	}
}

func TestUpdateOrderbook(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/book/btcusd" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		w.Write([]byte(`{
			"bids": [{"price": "500.1", "amount": "2.0", "timestamp": "1.0"}],
			"asks": [{"price": "500.2", "amount": "1.0", "timestamp": "1.0"}]
		}`))
	}))

	book, err := a.UpdateOrderbook(context.Background(), "btcusd")
	if err != nil {
		t.Fatalf("UpdateOrderbook: %v", err)
	}
	bid, _ := book.Best(domain.SideBuy)
	ask, _ := book.Best(domain.SideSell)
	if bid.Price != 500.1 || bid.Volume != 2.0 || ask.Price != 500.2 {
		t.Fatalf("bbo=%+v/%+v", bid, ask)
	}
}

func TestWSSymbolRoundTrip(t *testing.T) {
	cases := map[string]string{
		"btcusd":   "tBTCUSD",
		"dusk:usd": "tDUSK:USD", // the colon is part of the v2 symbol
		"test:usd": "tTEST:USD",
	}
	for pair, symbol := range cases {
		if got := wsSymbol(pair); got != symbol {
			t.Fatalf("wsSymbol(%q)=%q want %q", pair, got, symbol)
		}
		if got := fromWSSymbol(symbol); got != pair {
			t.Fatalf("fromWSSymbol(%q)=%q want %q", symbol, got, pair)
		}
	}
}

func TestHandleFrameColonPairRouting(t *testing.T) {
	s := &stream{
		adapter: &Adapter{name: "bitfinex", trades: make(chan domain.Trade, 8)},
		logger:  slog.Default(),
		pairs:   []string{"dusk:usd"},
		symMap:  map[string]string{wsSymbol("dusk:usd"): "dusk:usd"},
		chanMap: map[int64]string{},
	}

	s.handleFrame([]byte(`{"event":"subscribed","channel":"trades","chanId":21,"symbol":"tDUSK:USD"}`))
	s.handleFrame([]byte(`[21, "te", [900001, 1574694478808, 12.5, 0.41]]`))

	tr := <-s.adapter.trades
	if tr.Market != "dusk:usd" {
		t.Fatalf("market=%q want dusk:usd", tr.Market)
	}
	if tr.Price != 0.41 || tr.Volume != 12.5 || tr.TakerSide != domain.SideBuy {
		t.Fatalf("trade=%+v", tr)
	}
}

func TestHandleFrameChannelRouting(t *testing.T) {
	s := &stream{
		adapter: &Adapter{name: "bitfinex", trades: make(chan domain.Trade, 8)},
		logger:  slog.Default(),
		chanMap: map[int64]string{},
	}

	// Subscription confirmation binds the channel id.
	s.handleFrame([]byte(`{"event":"subscribed","channel":"trades","chanId":17,"symbol":"tBTCUSD"}`))

	// Executed trade: negative amount means a sell-side taker.
	s.handleFrame([]byte(`[17, "te", [401597395, 1574694478808, -0.005, 7245.3]]`))
	tr := <-s.adapter.trades
	if tr.Market != "btcusd" || tr.TakerSide != domain.SideSell || tr.Volume != 0.005 || tr.Price != 7245.3 {
		t.Fatalf("trade=%+v", tr)
	}

	// Positive amount means a buy-side taker.
	s.handleFrame([]byte(`[17, "te", [401597396, 1574694478900, 0.01, 7245.4]]`))
	tr = <-s.adapter.trades
	if tr.TakerSide != domain.SideBuy || tr.Volume != 0.01 {
		t.Fatalf("trade=%+v", tr)
	}

	// "tu" updates and heartbeats must not produce duplicates.
	s.handleFrame([]byte(`[17, "tu", [401597396, 1574694478900, 0.01, 7245.4]]`))
	s.handleFrame([]byte(`[17, "hb"]`))
	// Frames for unbound channels are dropped.
	s.handleFrame([]byte(`[99, "te", [1, 1, 1.0, 1.0]]`))
	select {
	case tr := <-s.adapter.trades:
		t.Fatalf("unexpected trade %+v", tr)
	default:
	}
}
