package bitfaker

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/exchange"
)

func newFake(t *testing.T) *Adapter {
	t.Helper()
	a := NewAdapter(exchange.Options{Name: "bitfaker", Logger: slog.Default()})
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSeededMarket(t *testing.T) {
	a := newFake(t)
	m, err := a.MarketConfig(context.Background(), "btcusd")
	if err != nil {
		t.Fatalf("MarketConfig: %v", err)
	}
	if m.BaseUnit != "btc" || m.PricePrecision != 1 {
		t.Fatalf("market=%+v", m)
	}
	if _, err := a.MarketConfig(context.Background(), "nope"); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("err=%v want ErrMarketNotFound", err)
	}
}

func TestOrderbookSnapshotIsACopy(t *testing.T) {
	a := newFake(t)
	book, err := a.UpdateOrderbook(context.Background(), "btcusd")
	if err != nil {
		t.Fatalf("UpdateOrderbook: %v", err)
	}
	bid, ok := book.Best(domain.SideBuy)
	if !ok || bid.Price != 49999.5 {
		t.Fatalf("bid=%+v ok=%v", bid, ok)
	}

	// Mutating the snapshot must not leak into the fixture.
	book.Update(domain.Order{Side: domain.SideBuy, Price: 49999.5, Volume: 0})
	again, _ := a.UpdateOrderbook(context.Background(), "btcusd")
	if bid, _ := again.Best(domain.SideBuy); bid.Price != 49999.5 {
		t.Fatalf("fixture mutated, bid=%+v", bid)
	}
}

func TestUnknownMarketBookIsEmpty(t *testing.T) {
	a := newFake(t)
	book, err := a.UpdateOrderbook(context.Background(), "ethusd")
	if err != nil {
		t.Fatalf("UpdateOrderbook: %v", err)
	}
	if !book.Empty() {
		t.Fatal("expected empty book")
	}
}

func TestOrderLifecycle(t *testing.T) {
	a := newFake(t)
	ctx := context.Background()

	id, err := a.PlaceOrder(ctx, domain.Order{Market: "btcusd", Price: 49999.0, Volume: 0.5, Side: domain.SideBuy})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id == "" {
		t.Fatal("empty order id")
	}

	open, err := a.OpenOrders(ctx, "btcusd")
	if err != nil || len(open) != 1 || open[0].ID != id {
		t.Fatalf("open=%+v err=%v", open, err)
	}

	if err := a.CancelOrder(ctx, "btcusd", id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	open, _ = a.OpenOrders(ctx, "btcusd")
	if len(open) != 0 {
		t.Fatalf("open=%+v after cancel", open)
	}
	if err := a.CancelOrder(ctx, "btcusd", id); !errors.Is(err, domain.ErrCancelFailed) {
		t.Fatalf("err=%v want ErrCancelFailed", err)
	}
}

func TestPlaceOrderRejections(t *testing.T) {
	a := newFake(t)
	ctx := context.Background()
	if _, err := a.PlaceOrder(ctx, domain.Order{Market: "nope", Price: 1, Volume: 1, Side: domain.SideBuy}); !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("err=%v want ErrOrderRejected", err)
	}
	if _, err := a.PlaceOrder(ctx, domain.Order{Market: "btcusd", Price: 1, Volume: 0, Side: domain.SideSell}); !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("err=%v want ErrOrderRejected", err)
	}
}

func TestEmitTrade(t *testing.T) {
	a := newFake(t)
	if err := a.ListenTrades(context.Background(), []string{"btcusd"}); err != nil {
		t.Fatalf("ListenTrades: %v", err)
	}
	a.EmitTrade("btcusd", 50000.0, 0.1, domain.SideSell)

	tr := <-a.Trades()
	if tr.Venue != "bitfaker" || tr.Market != "btcusd" || tr.TakerSide != domain.SideSell {
		t.Fatalf("trade=%+v", tr)
	}
	if tr.Timestamp.IsZero() {
		t.Fatal("zero timestamp")
	}
}

func TestRegisteredDriver(t *testing.T) {
	ex, err := exchange.New("bitfaker", exchange.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ex.Close()
	if ex.Name() != "bitfaker" {
		t.Fatalf("name=%q", ex.Name())
	}
}
