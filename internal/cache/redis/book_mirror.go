package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/orderbook"
)

// BookMirror publishes orderbook snapshots into Redis so dashboards and other
// processes can read the engine's view of a market without querying venues.
//
// Key schema, per (venue, market) pair:
//
//	book:{venue}:{market}:bids      zset, score = price, member = price string
//	book:{venue}:{market}:asks      zset, score = price, member = price string
//	book:{venue}:{market}:bid:size  hash, price string -> volume string
//	book:{venue}:{market}:ask:size  hash, price string -> volume string
//	book:{venue}:{market}:bbo       hash, "bid" / "ask" -> price string
//	book:{venue}:{market}:meta      hash, "ts" -> unix millis of the snapshot
type BookMirror struct {
	client *Client
}

// NewBookMirror returns a mirror writing through the given client.
func NewBookMirror(client *Client) *BookMirror {
	return &BookMirror{client: client}
}

func bookKey(venue, market, suffix string) string {
	return "book:" + venue + ":" + market + ":" + suffix
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// SetSnapshot replaces the mirrored book for one (venue, market) pair with the
// current contents of book. The delete and repopulate run in one transaction
// so readers never see a half-written snapshot.
func (m *BookMirror) SetSnapshot(ctx context.Context, venue string, book *orderbook.Book) error {
	market := book.Market()
	bidsKey := bookKey(venue, market, "bids")
	asksKey := bookKey(venue, market, "asks")
	bidSizeKey := bookKey(venue, market, "bid:size")
	askSizeKey := bookKey(venue, market, "ask:size")
	bboKey := bookKey(venue, market, "bbo")
	metaKey := bookKey(venue, market, "meta")

	bids := book.Levels(domain.SideBuy)
	asks := book.Levels(domain.SideSell)

	pipe := m.client.rdb.TxPipeline()
	pipe.Del(ctx, bidsKey, asksKey, bidSizeKey, askSizeKey, bboKey, metaKey)

	for _, lv := range bids {
		p := formatFloat(lv.Price)
		pipe.ZAdd(ctx, bidsKey, redis.Z{Score: lv.Price, Member: p})
		pipe.HSet(ctx, bidSizeKey, p, formatFloat(lv.Volume))
	}
	for _, lv := range asks {
		p := formatFloat(lv.Price)
		pipe.ZAdd(ctx, asksKey, redis.Z{Score: lv.Price, Member: p})
		pipe.HSet(ctx, askSizeKey, p, formatFloat(lv.Volume))
	}
	if len(bids) > 0 {
		pipe.HSet(ctx, bboKey, "bid", formatFloat(bids[0].Price))
	}
	if len(asks) > 0 {
		pipe.HSet(ctx, bboKey, "ask", formatFloat(asks[0].Price))
	}
	pipe.HSet(ctx, metaKey, "ts", strconv.FormatInt(time.Now().UnixMilli(), 10))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: mirror %s %s: %w", venue, market, err)
	}
	return nil
}

// GetSnapshot reconstructs the mirrored book for one (venue, market) pair.
// A missing mirror yields an empty book, not an error.
func (m *BookMirror) GetSnapshot(ctx context.Context, venue, market string) (*orderbook.Book, error) {
	bidsKey := bookKey(venue, market, "bids")
	asksKey := bookKey(venue, market, "asks")
	bidSizeKey := bookKey(venue, market, "bid:size")
	askSizeKey := bookKey(venue, market, "ask:size")

	pipe := m.client.rdb.Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, bidsKey, 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, asksKey, 0, -1)
	bidSizesCmd := pipe.HGetAll(ctx, bidSizeKey)
	askSizesCmd := pipe.HGetAll(ctx, askSizeKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis: read mirror %s %s: %w", venue, market, err)
	}

	book := orderbook.New(market)
	book.Replace(domain.SideBuy, levelsFromMirror(bidsCmd.Val(), bidSizesCmd.Val()))
	book.Replace(domain.SideSell, levelsFromMirror(asksCmd.Val(), askSizesCmd.Val()))
	return book, nil
}

func levelsFromMirror(entries []redis.Z, sizes map[string]string) []orderbook.PriceLevel {
	levels := make([]orderbook.PriceLevel, 0, len(entries))
	for _, z := range entries {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		volume, err := strconv.ParseFloat(sizes[member], 64)
		if err != nil || volume <= 0 {
			continue
		}
		levels = append(levels, orderbook.PriceLevel{Price: z.Score, Volume: volume})
	}
	return levels
}
