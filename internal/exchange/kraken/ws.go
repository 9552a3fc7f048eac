package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
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

// subscribeMsg is the first frame sent after the connection opens.
type subscribeMsg struct {
	Event        string   `json:"event"`
	Pair         []string `json:"pair"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

// stream owns one websocket session and its reconnect loop.
type stream struct {
	adapter *Adapter
	logger  *slog.Logger

	// ws pair names to resubscribe after every (re)connect.
	pairs []string

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
}

// ListenTrades opens the persistent trade stream for the given markets. The
// internal market ids are translated to websocket pair names through the
// frozen metadata map. Reconnecting and resubscribing after a dropped session
// is the adapter's responsibility; trade delivery may gap across a reconnect.
func (a *Adapter) ListenTrades(ctx context.Context, marketIDs []string) error {
	if err := a.ensureSymbols(ctx); err != nil {
		return err
	}
	pairs := make([]string, 0, len(marketIDs))
	a.metaMu.RLock()
	for _, id := range marketIDs {
		ws, ok := a.wsName[id]
		if !ok {
			a.metaMu.RUnlock()
			return fmt.Errorf("kraken: no websocket name for %s: %w", id, domain.ErrMarketNotFound)
		}
		pairs = append(pairs, ws)
	}
	a.metaMu.RUnlock()

	s := &stream{
		adapter: a,
		logger:  a.logger.With(slog.String("component", "stream")),
		pairs:   pairs,
		done:    make(chan struct{}),
	}
	a.stream = s
	if err := s.connect(ctx); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

// connect dials the venue and sends the trade subscription.
func (s *stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.adapter.wsURL, nil)
	if err != nil {
		return fmt.Errorf("kraken: ws connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sub := subscribeMsg{Event: "subscribe", Pair: s.pairs}
	sub.Subscription.Name = "trade"
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("kraken: ws subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("trade stream subscribed", slog.Any("pairs", s.pairs))
	return nil
}

// run reads frames until shutdown, reconnecting with capped exponential
// backoff whenever the session drops.
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

// handleFrame routes one inbound frame. Event objects (heartbeat, system and
// subscription status) are ignored; trade frames are arrays whose second
// element holds the execution tuples and whose last element names the pair.
// Malformed frames are dropped with a warning, never fatal.
func (s *stream) handleFrame(raw []byte) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return // event object, not a trade frame
	}
	if len(elems) < 4 {
		s.logger.Warn("unexpected trade frame shape", slog.Int("elements", len(elems)))
		return
	}

	var pairName string
	if err := json.Unmarshal(elems[len(elems)-1], &pairName); err != nil {
		s.logger.Warn("trade frame without pair name")
		return
	}
	s.adapter.metaMu.RLock()
	marketID, ok := s.adapter.wsToID[pairName]
	s.adapter.metaMu.RUnlock()
	if !ok {
		s.logger.Warn("trade frame for unknown pair", slog.String("pair", pairName))
		return
	}

	var tuples [][]json.RawMessage
	if err := json.Unmarshal(elems[1], &tuples); err != nil {
		s.logger.Warn("trade frame tuples malformed", slog.String("pair", pairName))
		return
	}
	for _, tuple := range tuples {
		trade, ok := parseTrade(s.adapter.name, marketID, tuple)
		if !ok {
			s.logger.Warn("skipping malformed trade tuple", slog.String("pair", pairName))
			continue
		}
		select {
		case s.adapter.trades <- trade:
		default:
			s.logger.Warn("trade buffer full, dropping",
				slog.String("market", marketID),
			)
		}
	}
}

// parseTrade decodes one [price, volume, time, takerSide, ...] tuple. A
// takerSide of "b" is a buy-side taker; anything else is sell-side.
func parseTrade(venue, marketID string, tuple []json.RawMessage) (domain.Trade, bool) {
	if len(tuple) < 4 {
		return domain.Trade{}, false
	}
	price, ok1 := parseNumber(tuple[0])
	volume, ok2 := parseNumber(tuple[1])
	ts, ok3 := parseNumber(tuple[2])
	if !ok1 || !ok2 || !ok3 {
		return domain.Trade{}, false
	}
	var taker string
	if err := json.Unmarshal(tuple[3], &taker); err != nil {
		return domain.Trade{}, false
	}
	side := domain.SideSell
	if taker == "b" {
		side = domain.SideBuy
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return domain.Trade{
		Venue:     venue,
		Market:    marketID,
		Price:     price,
		Volume:    volume,
		TakerSide: side,
		Timestamp: time.Unix(sec, nsec).UTC(),
	}, true
}

// close terminates the session and stops the reconnect loop.
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
