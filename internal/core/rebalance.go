package core

import (
	"math"

	"github.com/shopspring/decimal"
)

// The rebalancing algorithms restore the sum-to-one invariant among the
// jars not directly targeted by an operation. They are pure: inputs are
// never mutated, adjusted copies are returned.

// ScaleResult is the outcome of scaling the untouched jars around a
// create or update batch.
type ScaleResult struct {
	Jars []Jar

	// Exhausted is set when the untouched jars were pinned at FloorPercent
	// instead of being scaled below it, so their floors overflow the space
	// the targeted jars left. Validation guarantees the claim itself never
	// exceeds 1.0, so this is a warning state, not an error.
	Exhausted bool
}

// ScaleToRemaining rescales the untouched jars so the whole set sums to
// one again, given that the targeted jars now claim `claimed` of the
// allocation. Used after both creates and updates; the two only differ
// in which jars count as targeted.
func ScaleToRemaining(others []Jar, claimed float64, income decimal.Decimal) ScaleResult {
	out := cloneJars(others)
	if len(out) == 0 {
		return ScaleResult{Jars: out, Exhausted: math.Abs(1.0-claimed) > Epsilon}
	}

	remaining := 1.0 - claimed
	if remaining <= 0 {
		for i := range out {
			out[i].Percent = FloorPercent
			out[i].Refresh(income)
		}
		return ScaleResult{Jars: out, Exhausted: true}
	}

	otherTotal := PercentSum(out)
	if otherTotal == 0 {
		share := remaining / float64(len(out))
		for i := range out {
			out[i].Percent = share
			out[i].Refresh(income)
		}
	} else {
		factor := remaining / otherTotal
		for i := range out {
			p := out[i].Percent * factor
			if p < FloorPercent {
				p = FloorPercent
			}
			out[i].Percent = p
			out[i].Refresh(income)
		}
	}

	exhausted := settleResidue(out, claimed, income)
	return ScaleResult{Jars: out, Exhausted: exhausted}
}

// Redistribute spreads the percent freed by a deletion across the
// remaining jars in proportion to their current shares. This is the
// linear inverse of ScaleToRemaining, so creating and then deleting a
// jar round-trips the other jars back to their original shares.
func Redistribute(remaining []Jar, freed float64, income decimal.Decimal) []Jar {
	out := cloneJars(remaining)
	if len(out) == 0 {
		return out
	}

	total := PercentSum(out)
	if total == 0 {
		share := freed / float64(len(out))
		for i := range out {
			out[i].Percent += share
			out[i].Refresh(income)
		}
	} else {
		for i := range out {
			out[i].Percent += freed * (out[i].Percent / total)
			out[i].Refresh(income)
		}
	}

	settleResidue(out, 0, income)
	return out
}

// Normalize rescales every jar so the set sums to one. This is the
// repair action for a set whose invariant is already broken, for
// example after a crash between a mutation and its rebalance.
func Normalize(jars []Jar, income decimal.Decimal) []Jar {
	out := cloneJars(jars)
	if len(out) == 0 {
		return out
	}

	total := PercentSum(out)
	if total == 0 {
		share := 1.0 / float64(len(out))
		for i := range out {
			out[i].Percent = share
			out[i].Refresh(income)
		}
		return out
	}

	for i := range out {
		out[i].Percent /= total
		out[i].Refresh(income)
	}
	settleResidue(out, 0, income)
	return out
}

// settleResidue reconciles the set with the space the targeted jars left
// it. A positive residue is under-allocation from float drift and is
// folded into the single largest jar. A negative residue means the floor
// clamp pushed the set past its space; the excess is taken back from the
// jars still above FloorPercent in proportion to their headroom, so no
// jar ever drops below the floor. Returns true when every jar sits at
// the floor and the deficit could not be absorbed.
func settleResidue(jars []Jar, claimed float64, income decimal.Decimal) bool {
	if len(jars) == 0 {
		return false
	}
	residue := 1.0 - claimed - PercentSum(jars)
	if math.Abs(residue) <= residueThreshold {
		return false
	}

	if residue > 0 {
		largest := 0
		for i := range jars {
			if jars[i].Percent > jars[largest].Percent {
				largest = i
			}
		}
		jars[largest].Percent += residue
		jars[largest].Refresh(income)
		return false
	}

	deficit := -residue
	headroom := 0.0
	for i := range jars {
		if h := jars[i].Percent - FloorPercent; h > 0 {
			headroom += h
		}
	}
	if headroom <= deficit {
		for i := range jars {
			if jars[i].Percent > FloorPercent {
				jars[i].Percent = FloorPercent
				jars[i].Refresh(income)
			}
		}
		return deficit-headroom > residueThreshold
	}
	for i := range jars {
		if h := jars[i].Percent - FloorPercent; h > 0 {
			jars[i].Percent -= deficit * (h / headroom)
			jars[i].Refresh(income)
		}
	}
	return false
}

// Correction kicks in well below Epsilon; waiting until the drift
// reaches the invariant tolerance would let it sit at the boundary.
const residueThreshold = 1e-9

func cloneJars(jars []Jar) []Jar {
	out := make([]Jar, len(jars))
	copy(out, jars)
	return out
}
