// Package util provides shared utility functions.
package util

// FoldHash computes the classic 31-multiplier string hash over the UTF-16
// code units of s, wrapping at 32 bits. The result only has to be stable
// across processes and platforms; it is not a secure digest.
func FoldHash(s string) int32 {
	var h int32
	for _, r := range s {
		if r >= 0x10000 {
			// Surrogate pair, hashed as two units.
			r -= 0x10000
			h = 31*h + int32(0xD800+(r>>10))
			h = 31*h + int32(0xDC00+(r&0x3FF))
			continue
		}
		h = 31*h + int32(r)
	}
	return h
}
