package capture

// encodeULaw is G.711 μ-law companding of one 16-bit sample.
func encodeULaw(s int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)

	v := int(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > clip {
		v = clip
	}
	v += bias

	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

// encodeULawFrame appends the μ-law bytes of samples to dst.
func encodeULawFrame(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = append(dst, encodeULaw(s))
	}
	return dst
}
