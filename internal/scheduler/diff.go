// Package scheduler converts a strategy's desired market state into the
// minimal create/cancel action sequence and dispatches it against a venue,
// serialized per market.
package scheduler

import (
	"math"

	"github.com/koinkuexchange/arke/internal/domain"
)

// Diff computes the actions that move live order state to desired state.
// Orders are matched by (side, price); a desired entry with no live match
// becomes a create, a live order with no desired match becomes a cancel, and
// a matched pair whose volumes differ beyond tolerance becomes a cancel plus
// a create. Venues do not uniformly support amend, so replace is always
// expressed as cancel-then-create, and all cancels precede all creates in the
// returned slice.
//
// tolerance is relative to the desired volume; zero requires exact equality.
func Diff(live, desired []domain.Order, tolerance float64) []domain.Action {
	liveByLevel := make(map[string]domain.Order, len(live))
	for _, o := range live {
		liveByLevel[o.Key()] = o
	}

	var cancels, creates []domain.Action
	for _, want := range desired {
		key := want.Key()
		have, ok := liveByLevel[key]
		if ok {
			delete(liveByLevel, key)
			if volumeMatches(have.Volume, want.Volume, tolerance) {
				continue
			}
			cancels = append(cancels, domain.Action{Kind: domain.ActionCancel, Order: have})
		}
		creates = append(creates, domain.Action{Kind: domain.ActionCreate, Order: want})
	}
	for _, o := range live {
		if _, unmatched := liveByLevel[o.Key()]; unmatched {
			cancels = append(cancels, domain.Action{Kind: domain.ActionCancel, Order: o})
		}
	}

	return append(cancels, creates...)
}

func volumeMatches(have, want, tolerance float64) bool {
	if have == want {
		return true
	}
	if tolerance <= 0 || want == 0 {
		return false
	}
	return math.Abs(have-want)/want <= tolerance
}
