package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
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

// stream owns one v2 websocket session. Bitfinex confirms each subscription
// with a channel id that keys all further frames on that channel, so the id
// map is rebuilt from scratch on every (re)connect.
type stream struct {
	adapter *Adapter
	logger  *slog.Logger
	pairs   []string          // internal pair ids to subscribe
	symMap  map[string]string // ws symbol -> internal pair id

	mu      sync.Mutex
	conn    *websocket.Conn
	chanMap map[int64]string // channel id -> internal pair id
	done    chan struct{}
	closed  bool
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
			return fmt.Errorf("bitfinex: unknown market %s: %w", id, domain.ErrMarketNotFound)
		}
	}
	a.metaMu.RUnlock()

	symMap := make(map[string]string, len(marketIDs))
	for _, id := range marketIDs {
		symMap[wsSymbol(id)] = id
	}
	s := &stream{
		adapter: a,
		logger:  a.logger.With(slog.String("component", "stream")),
		pairs:   marketIDs,
		symMap:  symMap,
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
		return fmt.Errorf("bitfinex: ws connect: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for _, pair := range s.pairs {
		sub := map[string]string{
			"event":   "subscribe",
			"channel": "trades",
			"symbol":  wsSymbol(pair),
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return fmt.Errorf("bitfinex: ws subscribe %s: %w", pair, err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.chanMap = make(map[int64]string, len(s.pairs))
	s.mu.Unlock()
	s.logger.Info("trade stream subscribed", slog.Any("pairs", s.pairs))
	return nil
}

func (s *stream) run(ctx context.Context) {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	go s.pingLoop(ctx, pingTicker)

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

func (s *stream) pingLoop(ctx context.Context, ticker *time.Ticker) {
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
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

// handleFrame routes one inbound frame. Subscription confirmations populate
// the channel id map; trade frames are [chanId, "te"|"tu", [id, mts, amount,
// price]] where the amount's sign carries the taker side. "tu" updates repeat
// "te" executions with fee data and are skipped to keep delivery single-shot.
func (s *stream) handleFrame(raw []byte) {
	if len(raw) > 0 && raw[0] == '{' {
		var event struct {
			Event  string `json:"event"`
			ChanID int64  `json:"chanId"`
			Symbol string `json:"symbol"`
		}
		if err := json.Unmarshal(raw, &event); err != nil {
			return
		}
		if event.Event == "subscribed" && event.Symbol != "" {
			pair, ok := s.symMap[event.Symbol]
			if !ok {
				pair = fromWSSymbol(event.Symbol)
			}
			s.mu.Lock()
			s.chanMap[event.ChanID] = pair
			s.mu.Unlock()
		}
		return
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) < 3 {
		return // heartbeats arrive as [chanId, "hb"]
	}
	var chanID int64
	if err := json.Unmarshal(elems[0], &chanID); err != nil {
		return
	}
	var kind string
	if err := json.Unmarshal(elems[1], &kind); err != nil || kind != "te" {
		return
	}
	s.mu.Lock()
	pair, ok := s.chanMap[chanID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("trade frame for unknown channel", slog.Int64("chan_id", chanID))
		return
	}

	var tuple []float64
	if err := json.Unmarshal(elems[2], &tuple); err != nil || len(tuple) < 4 {
		s.logger.Warn("skipping malformed trade tuple", slog.String("pair", pair))
		return
	}
	amount, price := tuple[2], tuple[3]
	taker := domain.SideBuy
	if amount < 0 {
		taker = domain.SideSell
		amount = -amount
	}
	trade := domain.Trade{
		Venue:     s.adapter.name,
		Market:    pair,
		Price:     price,
		Volume:    amount,
		TakerSide: taker,
		Timestamp: time.UnixMilli(int64(tuple[1])).UTC(),
	}
	select {
	case s.adapter.trades <- trade:
	default:
		s.logger.Warn("trade buffer full, dropping", slog.String("market", pair))
	}
}

// fromWSSymbol reverses wsSymbol, used when a confirmation names a symbol we
// never subscribed. The colon in long pair names survives the lowercase.
func fromWSSymbol(symbol string) string {
	if len(symbol) > 1 && symbol[0] == 't' {
		symbol = symbol[1:]
	}
	return strings.ToLower(symbol)
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
