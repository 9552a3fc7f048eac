package domain

import "strconv"

// LevelKey builds the canonical (market, side, price) key used to match live
// orders against desired orders and to deduplicate in-flight actions.
func LevelKey(market string, side Side, price float64) string {
	return market + ":" + string(side) + ":" + strconv.FormatFloat(price, 'f', -1, 64)
}
