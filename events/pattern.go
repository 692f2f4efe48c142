package events

import "strings"

// Separator splits event names into segments for pattern matching.
const Separator = ":"

// Match reports whether name matches pattern. Segments are separated by
// colons; "*" matches exactly one segment and "#" matches zero or more,
// anywhere in the pattern. "cache:*" matches "cache:hit" and "#" matches
// every event.
func Match(pattern, name string) bool {
	if pattern == name {
		return true
	}
	pat := strings.Split(pattern, Separator)
	seg := strings.Split(name, Separator)

	// prev[j] is true when the pattern consumed so far matches seg[:j].
	prev := make([]bool, len(seg)+1)
	curr := make([]bool, len(seg)+1)
	prev[0] = true

	for _, p := range pat {
		curr[0] = p == "#" && prev[0]
		for j := 1; j <= len(seg); j++ {
			switch p {
			case "#":
				curr[j] = prev[j] || curr[j-1]
			case "*":
				curr[j] = prev[j-1]
			default:
				curr[j] = prev[j-1] && p == seg[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(seg)]
}

func isPattern(name string) bool {
	for _, part := range strings.Split(name, Separator) {
		if part == "*" || part == "#" {
			return true
		}
	}
	return false
}
