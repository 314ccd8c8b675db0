package dsp

import "math"

// decibels maps a power value onto a log scale suitable for display.
func decibels(power float32) float32 {
	return float32(10 * math.Log10(1+float64(power)))
}

// Mean returns the average pixel value of a pattern, 0 when it is empty.
func Mean(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}

	var sum uint64
	for _, v := range frame {
		sum += uint64(v)
	}

	return float64(sum) / float64(len(frame))
}

// Normalize linearly rescales values to 0..255. A constant input maps to 0.
func Normalize(values []float32) []byte {
	out := make([]byte, len(values))
	if len(values) == 0 {
		return out
	}

	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}

	if hi <= lo {
		return out
	}

	scale := 255 / (hi - lo)
	for i, v := range values {
		out[i] = uint8((v-lo)*scale + 0.5)
	}

	return out
}
