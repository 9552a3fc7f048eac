package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koinkuexchange/arke/internal/domain"
)

// tradeMessage is the wire shape published on the trade bus. Kept separate
// from domain.Trade so the JSON contract stays stable for external readers.
type tradeMessage struct {
	Venue     string  `json:"venue"`
	Market    string  `json:"market"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	TakerSide string  `json:"taker_side"`
	Timestamp int64   `json:"ts"` // unix millis
	OrderID   string  `json:"order_id,omitempty"`
}

// TradeBus fans public trades out over Redis pub/sub, one channel per
// (venue, market) pair: trades:{venue}:{market}. Subscribers may use glob
// patterns, e.g. trades:kraken:* for every market on one venue.
type TradeBus struct {
	client *Client
	logger *slog.Logger
}

// NewTradeBus returns a bus publishing through the given client.
func NewTradeBus(client *Client, logger *slog.Logger) *TradeBus {
	return &TradeBus{client: client, logger: logger.With(slog.String("component", "tradebus"))}
}

func tradeChannel(venue, market string) string {
	return "trades:" + venue + ":" + market
}

// Publish serializes one trade and publishes it on its channel.
func (b *TradeBus) Publish(ctx context.Context, tr domain.Trade) error {
	payload, err := encodeTrade(tr)
	if err != nil {
		return fmt.Errorf("redis: encode trade: %w", err)
	}
	if err := b.client.rdb.Publish(ctx, tradeChannel(tr.Venue, tr.Market), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish trade: %w", err)
	}
	return nil
}

// Subscribe listens on one channel pattern and delivers decoded trades until
// ctx is cancelled. Patterns containing * or ? use PSUBSCRIBE. Undecodable
// payloads are logged and skipped.
func (b *TradeBus) Subscribe(ctx context.Context, pattern string) (<-chan domain.Trade, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(pattern, "*?") {
		pubsub = b.client.rdb.PSubscribe(ctx, pattern)
	} else {
		pubsub = b.client.rdb.Subscribe(ctx, pattern)
	}
	// Wait for the subscription confirmation before handing out the channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", pattern, err)
	}

	out := make(chan domain.Trade, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				tr, err := decodeTrade([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("dropping undecodable trade", slog.String("channel", msg.Channel), slog.Any("error", err))
					continue
				}
				select {
				case out <- tr:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func encodeTrade(tr domain.Trade) ([]byte, error) {
	return json.Marshal(tradeMessage{
		Venue:     tr.Venue,
		Market:    tr.Market,
		Price:     tr.Price,
		Volume:    tr.Volume,
		TakerSide: string(tr.TakerSide),
		Timestamp: tr.Timestamp.UnixMilli(),
		OrderID:   tr.OrderID,
	})
}

func decodeTrade(payload []byte) (domain.Trade, error) {
	var msg tradeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return domain.Trade{}, err
	}
	side := domain.SideSell
	if msg.TakerSide == string(domain.SideBuy) {
		side = domain.SideBuy
	}
	return domain.Trade{
		Venue:     msg.Venue,
		Market:    msg.Market,
		Price:     msg.Price,
		Volume:    msg.Volume,
		TakerSide: side,
		Timestamp: time.UnixMilli(msg.Timestamp),
		OrderID:   msg.OrderID,
	}, nil
}
