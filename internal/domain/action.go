package domain

// ActionKind says whether an action places or removes an order.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionCancel ActionKind = "cancel"
)

// Action is the unit of work dispatched to an exchange adapter. ID is a
// locally generated correlation id used for logging and idempotency tracking;
// for cancels Order.ID carries the venue order id to remove.
type Action struct {
	ID    string
	Kind  ActionKind
	Order Order
}

// Key returns the idempotency key for the action's price level.
func (a Action) Key() string {
	return a.Order.Key()
}
