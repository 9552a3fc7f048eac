package hitbtc

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
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	handshakeTimeout = 15 * time.Second
)

// stream owns one JSON-RPC websocket session. Each symbol gets its own
// subscribeTrades call; notifications carry the symbol back, so no channel id
// bookkeeping is needed.
type stream struct {
	adapter *Adapter
	logger  *slog.Logger
	symbols []string // uppercase symbol ids to subscribe

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
	symbols := make([]string, 0, len(marketIDs))
	a.metaMu.RLock()
	for _, id := range marketIDs {
		symbol := strings.ToUpper(id)
		if _, ok := a.markets[symbol]; !ok {
			a.metaMu.RUnlock()
			return fmt.Errorf("hitbtc: unknown market %s: %w", id, domain.ErrMarketNotFound)
		}
		symbols = append(symbols, symbol)
	}
	a.metaMu.RUnlock()

	s := &stream{
		adapter: a,
		logger:  a.logger.With(slog.String("component", "stream")),
		symbols: symbols,
		done:    make(chan struct{}),
	}
	a.stream = s
	if err := s.connect(ctx); err != nil {
		return err
	}
	go s.run(ctx)
	go s.pingLoop(ctx)
	return nil
}

type rpcRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	ID     int            `json:"id"`
}

func (s *stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.adapter.wsURL, nil)
	if err != nil {
		return fmt.Errorf("hitbtc: ws connect: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for i, symbol := range s.symbols {
		sub := rpcRequest{
			Method: "subscribeTrades",
			Params: map[string]any{"symbol": symbol, "limit": 1},
			ID:     i + 1,
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return fmt.Errorf("hitbtc: ws subscribe %s: %w", symbol, err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("trade stream subscribed", slog.Any("symbols", s.symbols))
	return nil
}

func (s *stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", slog.String("error", err.Error()))
			}
		}
	}
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

// tradeNotification is the updateTrades/snapshotTrades payload. snapshotTrades
// replays history on subscribe and is skipped so only live executions flow.
type tradeNotification struct {
	Method string `json:"method"`
	Params struct {
		Symbol string `json:"symbol"`
		Data   []struct {
			Price     string `json:"price"`
			Quantity  string `json:"quantity"`
			Side      string `json:"side"` // taker side
			Timestamp string `json:"timestamp"`
		} `json:"data"`
	} `json:"params"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *stream) handleFrame(raw []byte) {
	var msg tradeNotification
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("dropping malformed stream frame")
		return
	}
	if msg.Error != nil {
		s.logger.Warn("stream error response", slog.String("msg", msg.Error.Message))
		return
	}
	if msg.Method != "updateTrades" || len(msg.Params.Data) == 0 {
		return // subscription acks and trade history snapshots
	}

	for _, d := range msg.Params.Data {
		price, err1 := strconv.ParseFloat(d.Price, 64)
		volume, err2 := strconv.ParseFloat(d.Quantity, 64)
		ts, err3 := time.Parse(time.RFC3339, d.Timestamp)
		if err1 != nil || err2 != nil || err3 != nil {
			s.logger.Warn("dropping malformed trade", slog.String("symbol", msg.Params.Symbol))
			continue
		}
		side := domain.SideBuy
		if d.Side != "buy" {
			side = domain.SideSell
		}
		trade := domain.Trade{
			Venue:     s.adapter.name,
			Market:    msg.Params.Symbol,
			Price:     price,
			Volume:    volume,
			TakerSide: side,
			Timestamp: ts.UTC(),
		}
		select {
		case s.adapter.trades <- trade:
		default:
			s.logger.Warn("trade buffer full, dropping", slog.String("market", msg.Params.Symbol))
		}
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
		return s.conn.Close()
	}
	return nil
}
