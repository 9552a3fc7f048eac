package orderbook

import "github.com/koinkuexchange/arke/internal/domain"

// Aggregate builds a synthetic cross-venue book by summing volume at identical
// price points across the input books. Ties between sources resolve by
// summation, never by source priority. The market id of the first book is
// carried; aggregating with an empty book is the identity.
func Aggregate(books ...*Book) *Book {
	market := ""
	if len(books) > 0 {
		market = books[0].Market()
	}
	out := New(market)
	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		merged := map[float64]float64{}
		for _, b := range books {
			for _, lvl := range b.Levels(side) {
				merged[lvl.Price] += lvl.Volume
			}
		}
		levels := make([]PriceLevel, 0, len(merged))
		for price, volume := range merged {
			levels = append(levels, PriceLevel{Price: price, Volume: volume})
		}
		out.Replace(side, levels)
	}
	return out
}
