package dsp

import (
	"fmt"
	"math"
)

// RadialProfile returns the mean intensity of a size x size pattern in
// one-pixel wide rings around (cx, cy). Bin i covers distances in [i, i+1).
// Empty bins are 0.
func RadialProfile(frame []byte, size int, cx, cy float64) ([]float64, error) {
	if size <= 0 || len(frame) != size*size {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d pattern", ErrFrameSize, len(frame), size, size)
	}

	// The farthest pixel is at one of the corners.
	var rmax float64
	for _, c := range [][2]float64{{0, 0}, {float64(size - 1), 0}, {0, float64(size - 1)}, {float64(size - 1), float64(size - 1)}} {
		rmax = max(rmax, math.Hypot(c[0]-cx, c[1]-cy))
	}

	bins := int(rmax) + 1
	sums := make([]float64, bins)
	counts := make([]int, bins)

	for y := range size {
		for x := range size {
			r := int(math.Hypot(float64(x)-cx, float64(y)-cy))
			sums[r] += float64(frame[y*size+x])
			counts[r]++
		}
	}

	for i := range sums {
		if counts[i] > 0 {
			sums[i] /= float64(counts[i])
		}
	}

	return sums, nil
}
