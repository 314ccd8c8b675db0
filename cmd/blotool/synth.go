package main

import (
	"fmt"
	"io"
	"iter"
	"math"
	"math/rand/v2"

	"blockfile/pkg/blockfile"
)

// synthParams describes a synthetic scan over a round grain on an amorphous
// background.
type synthParams struct {
	shape  blockfile.Shape
	radius float64 // direct beam disc radius in pixels
	seed   uint64
}

// synthSource generates patterns on demand. Each pattern depends only on
// the seed and its scan position, so the writer can iterate it twice.
type synthSource struct {
	p   synthParams
	buf []byte
}

func newSynthSource(p synthParams) *synthSource {
	return &synthSource{p: p, buf: make([]byte, p.shape.FrameLen())}
}

func (s *synthSource) Shape() blockfile.Shape { return s.p.shape }

// Frames yields a reused buffer; consumers must not retain it.
func (s *synthSource) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for row := range s.p.shape.NY {
			for col := range s.p.shape.NX {
				s.render(row, col)
				if !yield(s.buf) {
					return
				}
			}
		}
	}
}

// inGrain reports how deep (row, col) lies inside the grain, 0 outside and
// 1 at its centre.
func (s *synthSource) inGrain(row, col int) float64 {
	sh := s.p.shape
	cy, cx := float64(sh.NY)/2, float64(sh.NX)/2
	r := math.Hypot(float64(row)-cy, float64(col)-cx)
	rmax := 0.35 * float64(min(sh.NY, sh.NX))

	if rmax <= 0 || r >= rmax {
		return 0
	}

	return 1 - r/rmax
}

func (s *synthSource) render(row, col int) {
	sh := s.p.shape
	k := uint64(row*sh.NX + col)
	rng := rand.New(rand.NewPCG(s.p.seed, k))

	size := sh.Width
	c := float64(size-1) / 2
	// The beam drifts slowly across the scan.
	cx := c + 0.02*float64(col-sh.NX/2)
	cy := c + 0.02*float64(row-sh.NY/2)

	grain := s.inGrain(row, col)
	// Diffracting regions scatter out of the direct beam.
	disc := 220 - 80*grain
	spots := 180 * grain
	g := float64(size) / 4

	for y := range size {
		for x := range size {
			dx, dy := float64(x)-cx, float64(y)-cy
			r := math.Hypot(dx, dy)

			v := 4 + 6*rng.Float64()

			if r < s.p.radius {
				v += disc
			} else {
				edge := (r - s.p.radius) / 1.5
				v += disc * math.Exp(-edge*edge)
			}

			if spots > 0 {
				for _, o := range [][2]float64{{g, 0}, {-g, 0}, {0, g}, {0, -g}} {
					sx, sy := dx-o[0], dy-o[1]
					v += spots * math.Exp(-(sx*sx+sy*sy)/4)
				}
			}

			s.buf[y*size+x] = uint8(min(v, 255))
		}
	}
}

func runSynth(args []string, stdout io.Writer) error {
	fset := newFlagSet("synth")
	nx := fset.Int("nx", 32, "Scan columns")
	ny := fset.Int("ny", 32, "Scan rows")
	dp := fset.Int("dp", 64, "Pattern side length in pixels")
	sx := fset.Float64("sx", 1, "Scan step along x in nm")
	sy := fset.Float64("sy", 1, "Scan step along y in nm")
	rscale := fset.Float64("rscale", 0.01, "Reciprocal pixel size in cm (0 = unset)")
	radius := fset.Float64("radius", 6, "Direct beam radius in pixels")
	beam := fset.Float64("beam", 200, "Beam energy in kV")
	camera := fset.Float64("camera", 0.015, "Camera length in m")
	rotation := fset.Float64("rotation", 0, "Scan rotation in degrees")
	endian := fset.String("endian", "little", "Header byte order (little or big)")
	note := fset.String("note", "synthetic scan", "Note stored in the file")
	seed := fset.Uint64("seed", 1, "Noise seed")

	if err := parseArgs(fset, args, 1, 1); err != nil {
		return err
	}

	if *nx <= 0 || *ny <= 0 || *dp <= 0 {
		return fmt.Errorf("scan and pattern sizes must be positive: nx=%d ny=%d dp=%d", *nx, *ny, *dp)
	}

	e, err := blockfile.ParseEndianness(*endian)
	if err != nil {
		return err
	}

	h := blockfile.DefaultHeader()
	h.BeamEnergy = uint32(math.Round(*beam * 1e3))
	h.CameraLength = uint32(math.Round(*camera * 1e4))

	rot := math.Mod(*rotation, 360)
	if rot < 0 {
		rot += 360
	}
	h.ScanRotation = uint16(math.Round(rot * 1e2))

	src := newSynthSource(synthParams{
		shape:  blockfile.Shape{NY: *ny, NX: *nx, Height: *dp, Width: *dp},
		radius: *radius,
		seed:   *seed,
	})

	out := fset.Arg(0)

	res, err := blockfile.WriteFile(out, src, blockfile.WriteParams{
		ScanScaleX:      *sx,
		ScanScaleY:      *sy,
		ReciprocalScale: *rscale,
		Endianness:      e,
		Header:          &h,
		Note:            *note,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	fmt.Fprintf(stdout, "Created %s: %dx%d scan of %dx%d patterns, %d bytes\n",
		out, *nx, *ny, *dp, *dp, res.BytesWritten)

	return nil
}
