package okex

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
	pingInterval     = 25 * time.Second // venue drops idle sockets after 30s
	readWait         = 40 * time.Second
	handshakeTimeout = 15 * time.Second
)

// stream owns one websocket session. The venue keep-alive is a plain "ping"
// text frame answered with "pong".
type stream struct {
	adapter *Adapter
	logger  *slog.Logger
	instIDs []string

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
}

// ListenTrades opens the persistent trade stream for the given markets.
func (a *Adapter) ListenTrades(ctx context.Context, marketIDs []string) error {
	if err := a.ensureInstruments(ctx); err != nil {
		return err
	}
	instIDs := make([]string, 0, len(marketIDs))
	a.metaMu.RLock()
	for _, id := range marketIDs {
		instID := strings.ToUpper(id)
		if _, ok := a.markets[instID]; !ok {
			a.metaMu.RUnlock()
			return fmt.Errorf("okex: unknown market %s: %w", id, domain.ErrMarketNotFound)
		}
		instIDs = append(instIDs, instID)
	}
	a.metaMu.RUnlock()

	s := &stream{
		adapter: a,
		logger:  a.logger.With(slog.String("component", "stream")),
		instIDs: instIDs,
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

type subscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type subscribeMsg struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

func (s *stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.adapter.wsURL, nil)
	if err != nil {
		return fmt.Errorf("okex: ws connect: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(readWait))

	sub := subscribeMsg{Op: "subscribe"}
	for _, instID := range s.instIDs {
		sub.Args = append(sub.Args, subscribeArg{Channel: "trades", InstID: instID})
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("okex: ws subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("trade stream subscribed", slog.Any("instruments", s.instIDs))
	return nil
}

func (s *stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
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
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
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

		conn.SetReadDeadline(time.Now().Add(readWait))
		s.handleFrame(raw)
	}
}

// tradePush is the trades channel payload. Events without an arg carry
// subscription acks or errors.
type tradePush struct {
	Event string `json:"event"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		Px   string `json:"px"`
		Sz   string `json:"sz"`
		Side string `json:"side"` // taker side
		TS   string `json:"ts"`   // milliseconds
	} `json:"data"`
}

func (s *stream) handleFrame(raw []byte) {
	if string(raw) == "pong" {
		return
	}
	var msg tradePush
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("dropping malformed stream frame")
		return
	}
	if msg.Event == "error" {
		s.logger.Warn("stream error event", slog.String("msg", msg.Msg))
		return
	}
	if msg.Arg.Channel != "trades" || len(msg.Data) == 0 {
		return // subscription acks and other channels
	}

	for _, d := range msg.Data {
		price, err1 := strconv.ParseFloat(d.Px, 64)
		volume, err2 := strconv.ParseFloat(d.Sz, 64)
		ms, err3 := strconv.ParseInt(d.TS, 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			s.logger.Warn("dropping malformed trade", slog.String("instId", msg.Arg.InstID))
			continue
		}
		side := domain.SideBuy
		if d.Side != "buy" {
			side = domain.SideSell
		}
		trade := domain.Trade{
			Venue:     s.adapter.name,
			Market:    msg.Arg.InstID,
			Price:     price,
			Volume:    volume,
			TakerSide: side,
			Timestamp: time.UnixMilli(ms).UTC(),
		}
		select {
		case s.adapter.trades <- trade:
		default:
			s.logger.Warn("trade buffer full, dropping", slog.String("market", msg.Arg.InstID))
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
