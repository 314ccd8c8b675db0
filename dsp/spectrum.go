// Package dsp analyses diffraction patterns: power spectra, radial
// profiles and virtual detector images.
package dsp

import (
	"errors"
	"fmt"
	"sync"

	algofft "github.com/MeKo-Christian/algo-fft"
)

// ErrFrameSize is returned when a pattern does not hold size*size pixels.
var ErrFrameSize = errors.New("dsp: frame size mismatch")

// SpectrumEngine computes centred power spectra of square patterns of one
// size. It reuses its FFT plan and scratch buffers and is safe for
// concurrent use.
type SpectrumEngine struct {
	mu sync.Mutex

	size    int // pattern side length
	fftSize int // padded side length, a power of two

	plan *algofft.Plan[complex64]

	grid []complex64 // fftSize*fftSize, row major
	line []complex64 // one column
}

// NewSpectrumEngine creates an engine for size x size patterns.
func NewSpectrumEngine(size int) (*SpectrumEngine, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dsp: invalid pattern size %d", size)
	}

	n := nextPowerOf2(size)

	plan, err := algofft.NewPlan32(n)
	if err != nil {
		return nil, fmt.Errorf("dsp: create FFT plan of size %d: %w", n, err)
	}

	return &SpectrumEngine{
		size:    size,
		fftSize: n,
		plan:    plan,
		grid:    make([]complex64, n*n),
		line:    make([]complex64, n),
	}, nil
}

// Size returns the side length of the spectra produced, a power of two.
func (e *SpectrumEngine) Size() int { return e.fftSize }

// Compute writes the power spectrum of frame into dst, which must hold
// Size()*Size() values. The pattern mean is removed before transforming so
// the zero-frequency bin does not dominate; values are 10*log10(1 + |F|^2)
// with the zero frequency at the centre.
func (e *SpectrumEngine) Compute(frame []byte, dst []float32) error {
	if len(frame) != e.size*e.size {
		return fmt.Errorf("%w: %d bytes for %dx%d pattern", ErrFrameSize, len(frame), e.size, e.size)
	}

	n := e.fftSize
	if len(dst) != n*n {
		return fmt.Errorf("%w: output holds %d values, need %d", ErrFrameSize, len(dst), n*n)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	mean := float32(Mean(frame))

	clear(e.grid)

	for y := range e.size {
		row := e.grid[y*n : y*n+n]
		for x := range e.size {
			row[x] = complex(float32(frame[y*e.size+x])-mean, 0)
		}
	}

	// Rows first. Padding rows are all zero and stay zero.
	for y := range e.size {
		row := e.grid[y*n : y*n+n]
		if err := e.plan.Forward(row, row); err != nil {
			return fmt.Errorf("dsp: row FFT: %w", err)
		}
	}

	for x := range n {
		for y := range n {
			e.line[y] = e.grid[y*n+x]
		}

		if err := e.plan.Forward(e.line, e.line); err != nil {
			return fmt.Errorf("dsp: column FFT: %w", err)
		}

		for y := range n {
			e.grid[y*n+x] = e.line[y]
		}
	}

	half := n / 2
	for y := range n {
		sy := (y + half) % n
		for x := range n {
			v := e.grid[y*n+x]
			power := real(v)*real(v) + imag(v)*imag(v)
			dst[sy*n+(x+half)%n] = decibels(power)
		}
	}

	return nil
}

// PowerSpectrum computes the centred power spectrum of one size x size
// pattern. It returns the spectrum and its side length. Use a
// SpectrumEngine when transforming many patterns.
func PowerSpectrum(frame []byte, size int) ([]float32, int, error) {
	e, err := NewSpectrumEngine(size)
	if err != nil {
		return nil, 0, err
	}

	out := make([]float32, e.Size()*e.Size())
	if err := e.Compute(frame, out); err != nil {
		return nil, 0, err
	}

	return out, e.Size(), nil
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}

	p := 1
	for p < n {
		p *= 2
	}

	return p
}
