package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/exchange"
)

const assetPairsFixture = `{
  "error": [],
  "result": {
    "XXBTZUSD": {
      "altname": "XBTUSD",
      "wsname": "XBT/USD",
      "base": "XXBT",
      "quote": "ZUSD",
      "lot_decimals": 8,
      "pair_decimals": 1,
      "ordermin": "0.0001"
    },
    "XETHZUSD": {
      "altname": "ETHUSD",
      "wsname": "ETH/USD",
      "base": "XETH",
      "quote": "ZUSD",
      "lot_decimals": 8,
      "pair_decimals": 2,
      "ordermin": "0.004"
    }
  }
}`

const depthFixture = `{
  "error": [],
  "result": {
    "XXBTZUSD": {
      "bids": [["5541.2", "1.5", 1534614057], ["5540.0", "0.3", 1534614057]],
      "asks": [["5541.3", "2.0", 1534614057], ["5542.0", "1.0", 1534614057]]
    }
  }
}`

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAdapter(exchange.Options{
		Name:    "kraken",
		Host:    srv.URL,
		Timeout: 2 * time.Second,
		Logger:  slog.Default(),
	})
}

func TestMarketConfig(t *testing.T) {
	calls := 0
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/public/AssetPairs" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		calls++
		w.Write([]byte(assetPairsFixture))
	}))

	m, err := a.MarketConfig(context.Background(), "xbtusd")
	if err != nil {
		t.Fatalf("MarketConfig: %v", err)
	}
	if m.ID != "XBTUSD" || m.BaseUnit != "XXBT" || m.QuoteUnit != "ZUSD" {
		t.Fatalf("market=%+v", m)
	}
	if m.AmountPrecision != 8 || m.PricePrecision != 1 {
		t.Fatalf("precision=%d/%d want 8/1", m.AmountPrecision, m.PricePrecision)
	}
	if m.MinAmount != 0.0001 {
		t.Fatalf("min amount=%v", m.MinAmount)
	}

	// Case differences between caller and venue naming are translated.
	if _, err := a.MarketConfig(context.Background(), "XBTUSD"); err != nil {
		t.Fatalf("uppercase id: %v", err)
	}

	// Metadata is cached for the adapter's lifetime.
	if _, err := a.Markets(context.Background()); err != nil {
		t.Fatalf("Markets: %v", err)
	}
	if calls != 1 {
		t.Fatalf("metadata fetched %d times, want 1", calls)
	}

	// Reset forces a re-fetch.
	a.Reset()
	if _, err := a.Markets(context.Background()); err != nil {
		t.Fatalf("Markets after reset: %v", err)
	}
	if calls != 2 {
		t.Fatalf("metadata fetched %d times after reset, want 2", calls)
	}
}

func TestMarketConfigUnknownSymbol(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(assetPairsFixture))
	}))
	_, err := a.MarketConfig(context.Background(), "dogeusd")
	if !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("err=%v want ErrMarketNotFound", err)
	}
}

func TestMarketsUnreachableVenue(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := a.Markets(context.Background())
	if !errors.Is(err, domain.ErrMetadataUnavailable) {
		t.Fatalf("err=%v want ErrMetadataUnavailable", err)
	}
}

func TestUpdateOrderbook(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/public/Depth" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("pair"); got != "XBTUSD" {
			t.Fatalf("pair=%q want XBTUSD", got)
		}
		w.Write([]byte(depthFixture))
	}))

	book, err := a.UpdateOrderbook(context.Background(), "xbtusd")
	if err != nil {
		t.Fatalf("UpdateOrderbook: %v", err)
	}
	bid, ok := book.Best(domain.SideBuy)
	if !ok || bid.Price != 5541.2 || bid.Volume != 1.5 {
		t.Fatalf("best bid=%+v", bid)
	}
	ask, ok := book.Best(domain.SideSell)
	if !ok || ask.Price != 5541.3 || ask.Volume != 2.0 {
		t.Fatalf("best ask=%+v", ask)
	}
	if book.Depth(domain.SideBuy) != 2 || book.Depth(domain.SideSell) != 2 {
		t.Fatalf("depth=%d/%d want 2/2", book.Depth(domain.SideBuy), book.Depth(domain.SideSell))
	}
}

func TestUpdateOrderbookEmptyResult(t *testing.T) {
	// A well-formed but contentless depth response is not an error; the
	// adapter returns an empty book.
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": [], "result": null}`))
	}))
	book, err := a.UpdateOrderbook(context.Background(), "xbtusd")
	if err != nil {
		t.Fatalf("empty snapshot must not error: %v", err)
	}
	if !book.Empty() {
		t.Fatal("expected empty book")
	}
}

func TestPlaceAndCancelOrder(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0/private/AddOrder":
			if r.Header.Get("API-Key") == "" || r.Header.Get("API-Sign") == "" {
				t.Fatal("missing auth headers")
			}
			r.ParseForm()
			if r.PostForm.Get("pair") != "XBTUSD" || r.PostForm.Get("type") != "buy" {
				t.Fatalf("form=%v", r.PostForm)
			}
			if r.PostForm.Get("nonce") == "" {
				t.Fatal("missing nonce")
			}
			w.Write([]byte(`{"error": [], "result": {"txid": ["OQCLML-BW3P3-BUCMWZ"]}}`))
		case "/0/private/CancelOrder":
			r.ParseForm()
			if r.PostForm.Get("txid") != "OQCLML-BW3P3-BUCMWZ" {
				t.Fatalf("txid=%q", r.PostForm.Get("txid"))
			}
			w.Write([]byte(`{"error": [], "result": {"count": 1}}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	a.apiKey = "key"
	a.apiSecret = "c2VjcmV0" // base64("secret")

	id, err := a.PlaceOrder(context.Background(), domain.Order{
		Market: "xbtusd", Price: 5000, Volume: 0.5, Side: domain.SideBuy,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "OQCLML-BW3P3-BUCMWZ" {
		t.Fatalf("id=%q", id)
	}
	if err := a.CancelOrder(context.Background(), "xbtusd", id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": ["EOrder:Insufficient funds"], "result": null}`))
	}))
	a.apiKey = "key"
	a.apiSecret = "c2VjcmV0"
	_, err := a.PlaceOrder(context.Background(), domain.Order{Market: "xbtusd", Price: 1, Volume: 1, Side: domain.SideBuy})
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("err=%v want ErrOrderRejected", err)
	}
}

func TestParseTradeFrame(t *testing.T) {
	s := &stream{
		adapter: &Adapter{
			name:   "kraken",
			trades: make(chan domain.Trade, 8),
			wsToID: map[string]string{"XBT/USD": "xbtusd"},
		},
		logger: slog.Default(),
	}

	frame := `[337, [["5541.20000","0.15850568","1534614057.321597","b","l",""],
	               ["5541.10000","0.10000000","1534614057.500000","s","m",""]],
	          "trade", "XBT/USD"]`
	s.handleFrame([]byte(frame))

	first := <-s.adapter.trades
	if first.Market != "xbtusd" || first.Venue != "kraken" {
		t.Fatalf("trade=%+v", first)
	}
	if first.Price != 5541.2 || first.Volume != 0.15850568 {
		t.Fatalf("price/volume=%v/%v", first.Price, first.Volume)
	}
	if first.TakerSide != domain.SideBuy {
		t.Fatalf("taker=%s want buy ('b' flag)", first.TakerSide)
	}
	if first.Timestamp.Unix() != 1534614057 {
		t.Fatalf("ts=%v", first.Timestamp)
	}

	second := <-s.adapter.trades
	if second.TakerSide != domain.SideSell {
		t.Fatalf("taker=%s want sell (non-'b' flag)", second.TakerSide)
	}

	// Event objects and malformed frames are dropped silently.
	s.handleFrame([]byte(`{"event":"heartbeat"}`))
	s.handleFrame([]byte(`[1, "bogus"]`))
	select {
	case tr := <-s.adapter.trades:
		t.Fatalf("unexpected trade %+v", tr)
	default:
	}
}

func TestTradeBufferDropsWhenFull(t *testing.T) {
	s := &stream{
		adapter: &Adapter{
			name:   "kraken",
			trades: make(chan domain.Trade, 1),
			wsToID: map[string]string{"XBT/USD": "xbtusd"},
		},
		logger: slog.Default(),
	}
	tuples := `[337, [["1.0","1.0","1.0","b","l",""],["2.0","1.0","1.0","b","l",""]], "trade", "XBT/USD"]`
	s.handleFrame([]byte(tuples)) // second trade must be dropped, not block

	tr := <-s.adapter.trades
	if tr.Price != 1.0 {
		t.Fatalf("price=%v want first trade kept", tr.Price)
	}
	select {
	case tr := <-s.adapter.trades:
		t.Fatalf("expected drop, got %+v", tr)
	default:
	}
}

func TestSubscribeMessageShape(t *testing.T) {
	sub := subscribeMsg{Event: "subscribe", Pair: []string{"XBT/USD"}}
	sub.Subscription.Name = "trade"
	raw, err := json.Marshal(sub)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"event":"subscribe","pair":["XBT/USD"],"subscription":{"name":"trade"}}`
	if string(raw) != want {
		t.Fatalf("subscribe=%s want %s", raw, want)
	}
}
