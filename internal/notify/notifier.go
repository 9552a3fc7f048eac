// Package notify alerts operators about engine events over Telegram and
// Discord. Delivery is best-effort: a failed channel is logged and never
// interrupts trading.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Event types emitted by the engine.
const (
	EventVenueUp      = "venue_up"
	EventVenueDown    = "venue_down"
	EventActionFailed = "action_failed"
	EventStartup      = "startup"
	EventShutdown     = "shutdown"
)

// Sender delivers one formatted message over a single channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an event out to every configured sender, subject to the
// configured event filter. An empty filter allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// New builds a notifier over the given senders. events restricts delivery to
// the listed event types; leave it empty to receive all of them.
func New(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers the message to every sender when the event type passes the
// filter. Sender failures are logged and collected but never stop the others.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}

// VenueUp reports a venue that came online and is accepting orders.
func (n *Notifier) VenueUp(ctx context.Context, venue string) {
	_ = n.Notify(ctx, EventVenueUp,
		"Venue up: "+venue,
		fmt.Sprintf("venue %s is online", venue),
	)
}

// VenueDown reports a venue that failed to start or dropped out.
func (n *Notifier) VenueDown(ctx context.Context, venue string, err error) {
	_ = n.Notify(ctx, EventVenueDown,
		"Venue down: "+venue,
		fmt.Sprintf("venue %s is unavailable: %v", venue, err),
	)
}

// ActionFailed reports one rejected or failed order action.
func (n *Notifier) ActionFailed(ctx context.Context, venue, market, kind string, err error) {
	_ = n.Notify(ctx, EventActionFailed,
		fmt.Sprintf("Action failed on %s", venue),
		fmt.Sprintf("%s on %s/%s failed: %v", kind, venue, market, err),
	)
}
