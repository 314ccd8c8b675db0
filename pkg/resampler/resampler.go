// Package resampler resizes 2D images, such as scan maps and diffraction
// patterns, for display.
package resampler

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSize is returned when image dimensions do not match the data
// or are not positive.
var ErrInvalidSize = errors.New("resampler: invalid image size")

// Resampler resizes images using separable windowed sinc interpolation.
type Resampler struct {
	// Quality parameter: number of sinc lobes on each side
	sincLobes int
}

// New creates a new Resampler instance with default quality.
func New() *Resampler {
	return &Resampler{
		sincLobes: 3,
	}
}

// NewWithQuality creates a Resampler with specified quality.
// More lobes = sharper but slower, with more ringing at edges.
func NewWithQuality(lobes int) *Resampler {
	if lobes < 2 {
		lobes = 2
	}
	if lobes > 16 {
		lobes = 16
	}
	return &Resampler{
		sincLobes: lobes,
	}
}

// sinc computes sin(pi*x)/(pi*x) with proper handling at x=0.
func sinc(x float64) float64 {
	if math.Abs(x) < 1e-10 {
		return 1.0
	}
	pix := math.Pi * x
	return math.Sin(pix) / pix
}

// blackmanWindow computes the Blackman window value for a given position.
// x should be in range [-1, 1], returns 0 outside that range.
func blackmanWindow(x float64) float64 {
	if x < -1.0 || x > 1.0 {
		return 0.0
	}
	t := (x + 1.0) / 2.0 // Map [-1,1] to [0,1]
	return 0.42 - 0.5*math.Cos(2*math.Pi*t) + 0.08*math.Cos(4*math.Pi*t)
}

func checkSize(n, h, w int) error {
	if h <= 0 || w <= 0 || n != h*w {
		return fmt.Errorf("%w: %d values for %dx%d image", ErrInvalidSize, n, h, w)
	}

	return nil
}

// Resize scales an h x w image to outH x outW. Pixel centres are aligned
// so that resizing to the same size returns a copy.
func (r *Resampler) Resize(src []float32, h, w, outH, outW int) ([]float32, error) {
	if err := checkSize(len(src), h, w); err != nil {
		return nil, err
	}

	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("%w: output %dx%d", ErrInvalidSize, outH, outW)
	}

	// Rows, then columns.
	tmp := make([]float32, h*outW)
	for y := range h {
		r.resampleLine(src[y*w:(y+1)*w], 1, tmp[y*outW:(y+1)*outW], 1)
	}

	out := make([]float32, outH*outW)
	for x := range outW {
		r.resampleLine(tmp[x:], outW, out[x:], outW)
	}

	return out, nil
}

// resampleLine resamples a strided line of src into a strided line of dst.
// The lengths are len(src)/stride and len(dst)/stride rounded up.
func (r *Resampler) resampleLine(src []float32, srcStride int, dst []float32, dstStride int) {
	inputLen := (len(src) + srcStride - 1) / srcStride
	outputLen := (len(dst) + dstStride - 1) / dstStride

	at := func(i int) float32 { return src[i*srcStride] }

	if inputLen == outputLen {
		for i := range outputLen {
			dst[i*dstStride] = at(i)
		}
		return
	}

	ratio := float64(outputLen) / float64(inputLen)

	filterRatio := 1.0
	if ratio < 1.0 {
		// Downsampling: widen the filter to avoid aliasing
		filterRatio = ratio
	}

	windowRadius := float64(r.sincLobes) / filterRatio

	for i := range outputLen {
		inputPos := (float64(i)+0.5)/ratio - 0.5

		startIdx := max(int(math.Floor(inputPos-windowRadius)), 0)
		endIdx := min(int(math.Ceil(inputPos+windowRadius)), inputLen-1)

		var sum float64
		var weightSum float64

		for j := startIdx; j <= endIdx; j++ {
			d := inputPos - float64(j)
			weight := sinc(d*filterRatio) * blackmanWindow(d/windowRadius)

			sum += float64(at(j)) * weight
			weightSum += weight
		}

		if weightSum > 0 {
			dst[i*dstStride] = float32(sum / weightSum)
		}
	}
}

// Downsample reduces an h x w 8-bit image to outH x outW by averaging the
// block of input pixels under each output pixel. When the output is larger
// than the input along an axis, pixels are repeated.
func Downsample(src []byte, h, w, outH, outW int) ([]float32, error) {
	if err := checkSize(len(src), h, w); err != nil {
		return nil, err
	}

	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("%w: output %dx%d", ErrInvalidSize, outH, outW)
	}

	out := make([]float32, outH*outW)

	for oy := range outH {
		y0, y1 := span(oy, h, outH)
		for ox := range outW {
			x0, x1 := span(ox, w, outW)

			var sum uint64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					sum += uint64(src[y*w+x])
				}
			}

			out[oy*outW+ox] = float32(float64(sum) / float64((y1-y0)*(x1-x0)))
		}
	}

	return out, nil
}

// span returns the input range [lo, hi) covered by output index i when n
// inputs map onto m outputs. The range is never empty.
func span(i, n, m int) (int, int) {
	lo := i * n / m
	hi := max((i+1)*n/m, lo+1)

	return lo, min(hi, n)
}

// FitSize returns the largest size no bigger than maxH x maxW with the
// aspect ratio of an h x w image, scaling by cellAspect along y to account
// for non-square terminal cells.
func FitSize(h, w, maxH, maxW int, cellAspect float64) (int, int) {
	if h <= 0 || w <= 0 || maxH <= 0 || maxW <= 0 {
		return 0, 0
	}

	if cellAspect <= 0 {
		cellAspect = 1
	}

	scale := min(float64(maxW)/float64(w), float64(maxH)*cellAspect/float64(h))

	outW := max(int(float64(w)*scale), 1)
	outH := max(int(float64(h)*scale/cellAspect), 1)

	return min(outH, maxH), min(outW, maxW)
}
