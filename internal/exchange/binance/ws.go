package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/koinkuexchange/arke/internal/domain"
)

const (
	readWait         = 3 * time.Minute // binance pings roughly every 3 minutes
	handshakeTimeout = 15 * time.Second
)

// stream owns one combined-stream session. Binance encodes the subscription
// set in the connection URL, so a reconnect resubscribes implicitly.
type stream struct {
	adapter *Adapter
	logger  *slog.Logger
	path    string

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
}

// ListenTrades opens the combined trade stream for the given markets.
func (a *Adapter) ListenTrades(ctx context.Context, marketIDs []string) error {
	if err := a.ensureSymbols(ctx); err != nil {
		return err
	}
	streams := make([]string, 0, len(marketIDs))
	a.metaMu.RLock()
	for _, id := range marketIDs {
		key := strings.ToLower(id)
		if _, ok := a.symbol[key]; !ok {
			a.metaMu.RUnlock()
			return fmt.Errorf("binance: no stream name for %s: %w", id, domain.ErrMarketNotFound)
		}
		streams = append(streams, key+"@trade")
	}
	a.metaMu.RUnlock()

	s := &stream{
		adapter: a,
		logger:  a.logger.With(slog.String("component", "stream")),
		path:    "/stream?streams=" + strings.Join(streams, "/"),
		done:    make(chan struct{}),
	}
	a.stream = s
	if err := s.connect(ctx); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

func (s *stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.adapter.wsURL+s.path, nil)
	if err != nil {
		return fmt.Errorf("binance: ws connect: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("trade stream connected", slog.String("path", s.path))
	return nil
}

func (s *stream) run(ctx context.Context) {
	retry := &backoff.Backoff{Min: 2 * time.Second, Max: 60 * time.Second, Jitter: true}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			wait := retry.Duration()
			s.logger.Warn("trade stream dropped, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("backoff", wait),
			)
			conn.Close()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
			if err := s.connect(ctx); err != nil {
				continue
			}
			retry.Reset()
			continue
		}
		s.handleFrame(raw)
	}
}

// tradeEvent is the combined-stream trade payload.
type tradeEvent struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"` // milliseconds
	BuyerIsMaker bool   `json:"m"`
}

func (s *stream) handleFrame(raw []byte) {
	var frame struct {
		Stream string     `json:"stream"`
		Data   tradeEvent `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Data.Symbol == "" {
		s.logger.Warn("dropping malformed stream frame")
		return
	}
	price, err1 := strconv.ParseFloat(frame.Data.Price, 64)
	volume, err2 := strconv.ParseFloat(frame.Data.Quantity, 64)
	if err1 != nil || err2 != nil {
		s.logger.Warn("dropping trade with malformed numbers", slog.String("symbol", frame.Data.Symbol))
		return
	}
	// The maker flag marks the resting order; the taker crossed from the
	// opposite side.
	taker := domain.SideBuy
	if frame.Data.BuyerIsMaker {
		taker = domain.SideSell
	}
	trade := domain.Trade{
		Venue:     s.adapter.name,
		Market:    strings.ToLower(frame.Data.Symbol),
		Price:     price,
		Volume:    volume,
		TakerSide: taker,
		Timestamp: time.UnixMilli(frame.Data.TradeTime).UTC(),
		OrderID:   strconv.FormatInt(frame.Data.TradeID, 10),
	}
	select {
	case s.adapter.trades <- trade:
	default:
		s.logger.Warn("trade buffer full, dropping", slog.String("market", trade.Market))
	}
}

func (s *stream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second))
		return s.conn.Close()
	}
	return nil
}
