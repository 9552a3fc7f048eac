package huobi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/koinkuexchange/arke/internal/domain"
)

const (
	writeWait        = 10 * time.Second
	readWait         = 30 * time.Second // venue pings every ~5s
	handshakeTimeout = 15 * time.Second
)

// stream owns one websocket session. Every inbound frame is gzip compressed;
// the venue's {"ping": n} keep-alive expects a {"pong": n} reply on the same
// socket.
type stream struct {
	adapter *Adapter
	logger  *slog.Logger
	symbols []string

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
}

// ListenTrades opens the persistent trade stream for the given markets.
func (a *Adapter) ListenTrades(ctx context.Context, marketIDs []string) error {
	if err := a.ensureSymbols(ctx); err != nil {
		return err
	}
	a.metaMu.RLock()
	for _, id := range marketIDs {
		if _, ok := a.markets[id]; !ok {
			a.metaMu.RUnlock()
			return fmt.Errorf("huobi: unknown market %s: %w", id, domain.ErrMarketNotFound)
		}
	}
	a.metaMu.RUnlock()

	s := &stream{
		adapter: a,
		logger:  a.logger.With(slog.String("component", "stream")),
		symbols: marketIDs,
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
	conn, _, err := dialer.DialContext(ctx, s.adapter.wsURL, nil)
	if err != nil {
		return fmt.Errorf("huobi: ws connect: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(readWait))

	for _, symbol := range s.symbols {
		sub := map[string]string{
			"sub": "market." + symbol + ".trade.detail",
			"id":  symbol,
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return fmt.Errorf("huobi: ws subscribe %s: %w", symbol, err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("trade stream subscribed", slog.Any("symbols", s.symbols))
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

		plain, err := gunzip(raw)
		if err != nil {
			s.logger.Warn("dropping frame that failed to decompress")
			continue
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		s.handleFrame(conn, plain)
	}
}

func gunzip(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// tradeDetail is the trade.detail tick payload.
type tradeDetail struct {
	Ch   string `json:"ch"`
	Ping int64  `json:"ping"`
	Tick struct {
		Data []struct {
			ID        int64   `json:"id"`
			TS        int64   `json:"ts"` // milliseconds
			Amount    float64 `json:"amount"`
			Price     float64 `json:"price"`
			Direction string  `json:"direction"` // taker side
		} `json:"data"`
	} `json:"tick"`
}

func (s *stream) handleFrame(conn *websocket.Conn, raw []byte) {
	var msg tradeDetail
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("dropping malformed stream frame")
		return
	}

	if msg.Ping != 0 {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(map[string]int64{"pong": msg.Ping})
		return
	}
	if msg.Ch == "" || len(msg.Tick.Data) == 0 {
		return // subscription acks and other channels
	}

	symbol := channelSymbol(msg.Ch)
	if symbol == "" {
		s.logger.Warn("trade frame for unexpected channel", slog.String("ch", msg.Ch))
		return
	}
	for _, d := range msg.Tick.Data {
		side := domain.SideBuy
		if d.Direction != "buy" {
			side = domain.SideSell
		}
		trade := domain.Trade{
			Venue:     s.adapter.name,
			Market:    symbol,
			Price:     d.Price,
			Volume:    d.Amount,
			TakerSide: side,
			Timestamp: time.UnixMilli(d.TS).UTC(),
		}
		select {
		case s.adapter.trades <- trade:
		default:
			s.logger.Warn("trade buffer full, dropping", slog.String("market", symbol))
		}
	}
}

// channelSymbol extracts the symbol from "market.<symbol>.trade.detail".
func channelSymbol(ch string) string {
	const prefix, suffix = "market.", ".trade.detail"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	if ch[:len(prefix)] != prefix || ch[len(ch)-len(suffix):] != suffix {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
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
			time.Now().Add(writeWait))
		return s.conn.Close()
	}
	return nil
}
