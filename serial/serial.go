// Package serial implements RFC 1982-style wrap-aware serial number
// arithmetic, used for DSP's commandSN/expectedCommandSN/maxCommandSN
// windowing fields (spec.md §3).
package serial

// Number is a 32-bit wrap-aware counter. The zero value is a valid
// starting point.
type Number uint32

// Next returns n+1, wrapping from 1<<32-1 back to 0.
func (n Number) Next() Number { return n + 1 }

// Compare returns -1, 0 or 1 according to RFC 1982 serial number
// arithmetic: the sign of (a-b) interpreted as a signed 32-bit delta. Per
// RFC 1982, a and b that differ by exactly 1<<31 are formally undefined;
// Compare reports such pairs as a < b to provide a total, if arbitrary,
// order rather than panicking.
func Compare(a, b Number) int {
	d := int32(a - b)
	switch {
	case d == 0:
		return 0
	case d > 0:
		return 1
	default:
		return -1
	}
}

// Delta returns the signed distance a-b in RFC 1982 arithmetic: positive
// when a is ahead of b, negative when behind.
func Delta(a, b Number) int32 {
	return int32(a - b)
}

// InWindow reports whether v falls in the closed interval [lo,hi] under
// wrap-aware comparison, i.e. lo <= v <= hi.
func InWindow(v, lo, hi Number) bool {
	return Compare(v, lo) >= 0 && Compare(v, hi) <= 0
}
