package domain

// Market identifies one tradable pair on a venue. It is resolved once from the
// venue's metadata endpoint and is immutable for the adapter's lifetime;
// adapters re-fetch only on an explicit reset.
type Market struct {
	ID              string // venue-native identifier (REST form)
	BaseUnit        string
	QuoteUnit       string
	AmountPrecision int32 // decimal places accepted for order volume
	PricePrecision  int32 // decimal places accepted for order price
	MinPrice        float64
	MaxPrice        float64
	MinAmount       float64
}
