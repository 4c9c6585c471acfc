package engine

// Tiers is the ordered ladder of slowmode values the engine moves along, one
// step per decision. Values are seconds, within Discord's 0..21600 range.
var Tiers = []int{0, 5, 10, 15, 30, 60, 120, 300, 600, 1200, 3600, 21600}

// NextTier returns the next ladder step above current, bounded by max.
// Returns current when already at or above the bound.
func NextTier(current, max int) int {
	for _, t := range Tiers {
		if t > current && t <= max {
			return t
		}
	}
	return current
}

// PrevTier returns the nearest ladder step below current, or 0. Values set
// manually off the ladder snap to the step below them.
func PrevTier(current int) int {
	prev := 0
	for _, t := range Tiers {
		if t >= current {
			break
		}
		prev = t
	}
	return prev
}
