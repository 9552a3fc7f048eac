package redis

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/orderbook"
)

func TestBookKeySchema(t *testing.T) {
	cases := map[string]string{
		"bids":     "book:kraken:btcusd:bids",
		"asks":     "book:kraken:btcusd:asks",
		"bid:size": "book:kraken:btcusd:bid:size",
		"bbo":      "book:kraken:btcusd:bbo",
		"meta":     "book:kraken:btcusd:meta",
	}
	for suffix, want := range cases {
		if got := bookKey("kraken", "btcusd", suffix); got != want {
			t.Errorf("bookKey(%q) = %q, want %q", suffix, got, want)
		}
	}
}

func TestFormatFloatTrimsTrailingZeros(t *testing.T) {
	cases := map[float64]string{
		50000:   "50000",
		0.5:     "0.5",
		49999.1: "49999.1",
	}
	for in, want := range cases {
		if got := formatFloat(in); got != want {
			t.Errorf("formatFloat(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestLevelsFromMirror(t *testing.T) {
	entries := []redis.Z{
		{Score: 50000, Member: "50000"},
		{Score: 49999.5, Member: "49999.5"},
		{Score: 49990, Member: "49990"}, // missing size, skipped
	}
	sizes := map[string]string{
		"50000":   "1.5",
		"49999.5": "0.25",
	}

	levels := levelsFromMirror(entries, sizes)
	if len(levels) != 2 {
		t.Fatalf("got %d levels, want 2", len(levels))
	}
	if levels[0] != (orderbook.PriceLevel{Price: 50000, Volume: 1.5}) {
		t.Errorf("unexpected top level %+v", levels[0])
	}
	if levels[1] != (orderbook.PriceLevel{Price: 49999.5, Volume: 0.25}) {
		t.Errorf("unexpected second level %+v", levels[1])
	}
}

func TestTradeChannel(t *testing.T) {
	if got := tradeChannel("binance", "ethusdt"); got != "trades:binance:ethusdt" {
		t.Errorf("tradeChannel = %q", got)
	}
}

func TestTradeRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	in := domain.Trade{
		Venue:     "kraken",
		Market:    "btcusd",
		Price:     50123.5,
		Volume:    0.042,
		TakerSide: domain.SideBuy,
		Timestamp: ts,
		OrderID:   "abc-123",
	}

	payload, err := encodeTrade(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeTrade(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.Venue != in.Venue || out.Market != in.Market {
		t.Errorf("identity mangled: %+v", out)
	}
	if out.Price != in.Price || out.Volume != in.Volume {
		t.Errorf("price/volume mangled: %+v", out)
	}
	if out.TakerSide != domain.SideBuy {
		t.Errorf("taker side = %v, want buy", out.TakerSide)
	}
	if !out.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, ts)
	}
	if out.OrderID != "abc-123" {
		t.Errorf("order id = %q", out.OrderID)
	}
}

func TestDecodeTradeBadPayload(t *testing.T) {
	if _, err := decodeTrade([]byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
}
