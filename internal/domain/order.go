package domain

// Side indicates which side of the book an order or trade sits on.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Order is an immutable price/volume entry for a market. A change to price or
// volume is expressed as a new Order, never by mutating an existing one. ID is
// the venue-assigned order id, set only once the order has been placed.
type Order struct {
	Market string
	Price  float64
	Volume float64
	Side   Side
	ID     string
}

// Key returns the order's price-level key.
func (o Order) Key() string {
	return LevelKey(o.Market, o.Side, o.Price)
}

// WithID returns a copy of the order tagged with the venue order id.
func (o Order) WithID(id string) Order {
	o.ID = id
	return o
}

// DesiredState is a strategy's target set of open orders for one market,
// produced fresh each tick and consumed once by the scheduler.
type DesiredState struct {
	Market string
	Orders []Order
}
