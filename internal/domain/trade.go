package domain

import "time"

// Trade is one execution observed on a venue's public stream. Adapters produce
// exactly one Trade per execution tuple and deliver it over their trade
// channel; there is no delivery guarantee across a stream reconnect.
type Trade struct {
	Venue     string
	Market    string
	Price     float64
	Volume    float64
	TakerSide Side
	Timestamp time.Time
	OrderID   string // set when the venue attributes the fill to an order
}
