package nodes

import (
	"math"
	"strconv"
	"strings"
)

// ParsePriority strips every non-digit from id and reads the rest as a
// decimal number. Identities without digits have priority 0; values that
// overflow saturate at math.MaxInt64.
func ParsePriority(id string) int64 {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, id)
	if digits == "" {
		return 0
	}
	p, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return math.MaxInt64
	}
	return p
}

// Outranks reports whether a beats b in an election. Higher priority wins;
// equal priorities fall back to comparing the identities themselves.
func Outranks(a, b string) bool {
	pa, pb := ParsePriority(a), ParsePriority(b)
	if pa != pb {
		return pa > pb
	}
	return a > b
}
