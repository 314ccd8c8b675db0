package dsp

import (
	"fmt"
	"math"

	"blockfile/pkg/blockfile"
)

// Detector is an annular virtual detector placed on every pattern. A pixel
// contributes when its distance r from the centre satisfies
// Inner <= r < Outer. Outer = +Inf covers the whole pattern.
type Detector struct {
	CenterX, CenterY float64
	Inner, Outer     float64
}

// BrightField returns a disc detector of the given radius centred on a
// size x size pattern.
func BrightField(size int, radius float64) Detector {
	c := float64(size-1) / 2

	return Detector{CenterX: c, CenterY: c, Outer: radius}
}

// AnnularDarkField returns a ring detector centred on a size x size pattern.
func AnnularDarkField(size int, inner, outer float64) Detector {
	c := float64(size-1) / 2

	return Detector{CenterX: c, CenterY: c, Inner: inner, Outer: outer}
}

// WholeFrame returns a detector covering every pixel. Its virtual image is
// the stored preview of a blockfile before truncation to 8 bits.
func WholeFrame() Detector {
	return Detector{Outer: math.Inf(1)}
}

// Mask returns the indices of the pixels the detector covers on a
// height x width pattern.
func (d Detector) Mask(height, width int) []int {
	var idx []int

	for y := range height {
		for x := range width {
			r := math.Hypot(float64(x)-d.CenterX, float64(y)-d.CenterY)
			if r >= d.Inner && r < d.Outer {
				idx = append(idx, y*width+x)
			}
		}
	}

	return idx
}

// VirtualImage integrates every pattern of src over the detector and
// returns the NY*NX image of mean detector intensities in scan order.
func VirtualImage(src blockfile.FrameSource, d Detector) ([]float32, error) {
	s := src.Shape()

	mask := d.Mask(s.Height, s.Width)
	if len(mask) == 0 {
		return nil, fmt.Errorf("dsp: detector %+v covers no pixels of a %dx%d pattern", d, s.Height, s.Width)
	}

	img := make([]float32, s.Frames())

	i := 0
	for frame := range src.Frames() {
		if i == len(img) {
			break
		}

		if len(frame) != s.FrameLen() {
			return nil, fmt.Errorf("%w: frame %d has %d bytes, expected %d", ErrFrameSize, i, len(frame), s.FrameLen())
		}

		var sum uint64
		for _, p := range mask {
			sum += uint64(frame[p])
		}

		img[i] = float32(float64(sum) / float64(len(mask)))
		i++
	}

	return img, nil
}
