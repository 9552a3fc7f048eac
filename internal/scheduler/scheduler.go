package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/exchange"
	"github.com/koinkuexchange/arke/internal/orderbook"
)

// ErrCycleInProgress is returned when a tick trigger finds a diff-and-dispatch
// cycle for the same market already running. The trigger is dropped; the next
// tick sees the post-cycle state.
var ErrCycleInProgress = errors.New("scheduler: cycle already in progress")

// Result is the outcome of one dispatched action. Failures are reported per
// action; a failed cancel does not stop the batch's creates.
type Result struct {
	Action domain.Action
	Err    error
}

// FailureFunc is invoked once per failed action, after the batch completes.
type FailureFunc func(market string, action domain.Action, err error)

// Scheduler turns desired order state into venue actions. One instance serves
// one venue; per-market state keeps cycles serialized and creates idempotent.
type Scheduler struct {
	venue     exchange.Exchange
	tolerance float64
	logger    *slog.Logger
	onFailure FailureFunc

	mu      sync.Mutex
	markets map[string]*marketState
}

// marketState is the per-market dispatch context. inFlight is taken with
// TryLock so concurrent tick triggers collapse to one active cycle.
type marketState struct {
	inFlight sync.Mutex
	ledger   *orderbook.OpenOrders

	pendingMu sync.Mutex
	pending   map[string]struct{} // price-level keys with a create in flight
}

// New builds a scheduler for one venue. tolerance is the relative volume slack
// within which a live order is considered equal to its desired counterpart.
func New(venue exchange.Exchange, tolerance float64, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		venue:     venue,
		tolerance: tolerance,
		logger:    logger.With(slog.String("component", "scheduler"), slog.String("venue", venue.Name())),
		markets:   make(map[string]*marketState),
	}
}

// OnFailure registers a callback for failed actions. Must be set before the
// first Apply call.
func (s *Scheduler) OnFailure(f FailureFunc) { s.onFailure = f }

// Ledger returns the live-order ledger for a market, creating it on first use.
func (s *Scheduler) Ledger(market string) *orderbook.OpenOrders {
	return s.market(market).ledger
}

func (s *Scheduler) market(id string) *marketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.markets[id]
	if !ok {
		st = &marketState{
			ledger:  orderbook.NewOpenOrders(id),
			pending: make(map[string]struct{}),
		}
		s.markets[id] = st
	}
	return st
}

// Apply runs one diff-and-dispatch cycle for the desired state's market. When
// a cycle for the same market is already active the call returns
// ErrCycleInProgress without dispatching anything. Cancels are dispatched
// before creates; within each phase actions run concurrently.
func (s *Scheduler) Apply(ctx context.Context, desired domain.DesiredState) ([]Result, error) {
	st := s.market(desired.Market)
	if !st.inFlight.TryLock() {
		s.logger.Debug("cycle already in flight, skipping trigger", slog.String("market", desired.Market))
		return nil, ErrCycleInProgress
	}
	defer st.inFlight.Unlock()

	actions := Diff(st.ledger.Orders(), desired.Orders, s.tolerance)
	if len(actions) == 0 {
		return nil, nil
	}
	for i := range actions {
		actions[i].ID = uuid.NewString()
	}

	var cancels, creates []domain.Action
	for _, a := range actions {
		if a.Kind == domain.ActionCancel {
			cancels = append(cancels, a)
		} else {
			creates = append(creates, a)
		}
	}

	results := make([]Result, 0, len(actions))
	results = append(results, s.dispatch(ctx, st, cancels)...)
	results = append(results, s.dispatch(ctx, st, creates)...)

	failed := false
	for _, r := range results {
		if r.Err != nil {
			failed = true
			if s.onFailure != nil {
				s.onFailure(desired.Market, r.Action, r.Err)
			}
		}
	}
	if failed {
		if err := s.resync(ctx, st, desired.Market); err != nil {
			s.logger.Error("ledger re-sync failed", slog.String("market", desired.Market), slog.String("error", err.Error()))
		}
	}
	return results, nil
}

// dispatch runs one phase of a batch concurrently and collects outcomes.
func (s *Scheduler) dispatch(ctx context.Context, st *marketState, batch []domain.Action) []Result {
	if len(batch) == 0 {
		return nil
	}
	results := make([]Result, len(batch))
	var wg sync.WaitGroup
	for i, action := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = Result{Action: action, Err: s.execute(ctx, st, action)}
		}()
	}
	wg.Wait()
	return results
}

func (s *Scheduler) execute(ctx context.Context, st *marketState, action domain.Action) error {
	switch action.Kind {
	case domain.ActionCancel:
		err := s.venue.CancelOrder(ctx, action.Order.Market, action.Order.ID)
		if err != nil {
			s.logger.Warn("cancel failed",
				slog.String("action_id", action.ID),
				slog.String("order_id", action.Order.ID),
				slog.String("error", err.Error()),
			)
			return err
		}
		st.ledger.Remove(action.Order.Side, action.Order.Price)
		s.logger.Info("order cancelled",
			slog.String("action_id", action.ID),
			slog.String("market", action.Order.Market),
			slog.String("order_id", action.Order.ID),
		)
		return nil

	case domain.ActionCreate:
		key := action.Key()
		st.pendingMu.Lock()
		if _, dup := st.pending[key]; dup {
			st.pendingMu.Unlock()
			s.logger.Debug("create already pending, suppressing duplicate",
				slog.String("market", action.Order.Market),
				slog.String("key", key),
			)
			return nil
		}
		st.pending[key] = struct{}{}
		st.pendingMu.Unlock()

		id, err := s.venue.PlaceOrder(ctx, action.Order)
		if err != nil {
			// On timeout the order may still have reached the venue; the
			// pending key stays set until resync settles the question.
			if errors.Is(err, domain.ErrTimeout) {
				s.logger.Warn("create timed out, awaiting re-sync",
					slog.String("action_id", action.ID),
					slog.String("key", key),
				)
				return err
			}
			st.pendingMu.Lock()
			delete(st.pending, key)
			st.pendingMu.Unlock()
			s.logger.Warn("create failed",
				slog.String("action_id", action.ID),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			return err
		}

		st.ledger.Add(action.Order.WithID(id))
		st.pendingMu.Lock()
		delete(st.pending, key)
		st.pendingMu.Unlock()
		s.logger.Info("order created",
			slog.String("action_id", action.ID),
			slog.String("market", action.Order.Market),
			slog.String("order_id", id),
			slog.String("side", string(action.Order.Side)),
			slog.Float64("price", action.Order.Price),
			slog.Float64("volume", action.Order.Volume),
		)
		return nil

	default:
		return fmt.Errorf("scheduler: unknown action kind %q", action.Kind)
	}
}

// resync replaces the ledger with the venue's actual open-order state and
// clears pending-create keys that the query settled either way.
func (s *Scheduler) resync(ctx context.Context, st *marketState, market string) error {
	open, err := s.venue.OpenOrders(ctx, market)
	if err != nil {
		return fmt.Errorf("scheduler: open orders %s: %w", market, err)
	}
	st.ledger.Reset(open)
	st.pendingMu.Lock()
	clear(st.pending)
	st.pendingMu.Unlock()
	s.logger.Info("ledger re-synced", slog.String("market", market), slog.Int("open_orders", len(open)))
	return nil
}
