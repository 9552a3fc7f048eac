// Package precision normalizes raw float64 quantities into venue-legal price
// and amount values. Rounding is floor-only so a computed order can never
// request more volume, or a tighter price, than the balance or the venue's
// tick size allows.
package precision

import "github.com/shopspring/decimal"

// noiseDigits is the significant digit count values are rounded to before the
// precision floor. float64 arithmetic leaves representation noise well below
// this resolution; rounding it away first prevents the floor from slipping a
// full tick on values like 0.07*3.
const noiseDigits = 12

// Apply floors value to the given number of decimal places after absorbing
// float64 representation noise. When min is supplied and the floored result is
// below it, the result is clamped up to min.
func Apply(value float64, prec int32, min ...float64) float64 {
	d := decimal.NewFromFloat(value).Round(noiseDigits).RoundFloor(prec)
	out, _ := d.Float64()
	if len(min) > 0 && out < min[0] {
		out = min[0]
	}
	return out
}

// ValuePrecision returns the number of decimal shift steps needed to bring
// value into [1, 10): positive for values below 1, zero for values already in
// [1, 10), negative for values of 10 and above. Zero returns 0 by convention;
// negative values use their magnitude.
func ValuePrecision(value float64) int {
	switch {
	case value == 0:
		return 0
	case value < 0:
		return ValuePrecision(-value)
	case value < 1:
		n := 1
		for value *= 10; value < 1; value *= 10 {
			n++
		}
		return n
	case value < 10:
		return 0
	default:
		n := -1
		for value /= 10; value >= 10; value /= 10 {
			n--
		}
		return n
	}
}
