package blockfile

import (
	"fmt"
	"iter"
)

// Shape is the size of a pixel cube in [NY, NX, Height, Width] order.
type Shape struct {
	NY, NX        int // scan rows and columns
	Height, Width int // pattern rows and columns
}

// Frames returns the number of diffraction patterns.
func (s Shape) Frames() int { return s.NY * s.NX }

// FrameLen returns the number of pixels per pattern.
func (s Shape) FrameLen() int { return s.Height * s.Width }

// Square reports whether patterns are square.
func (s Shape) Square() bool { return s.Height == s.Width }

func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d %d]", s.NY, s.NX, s.Height, s.Width)
}

// FrameSource supplies diffraction patterns in scan order to the Writer.
type FrameSource interface {
	Shape() Shape
	// Frames yields each pattern as Height*Width bytes, row by row.
	Frames() iter.Seq[[]byte]
}

// Cube is a 4D array of 8-bit pixels indexed [row, column, y, x].
// Patterns may be separated by a fixed number of bytes so that a cube can
// view the on-disk stack, including frame markers, without copying.
type Cube struct {
	shape  Shape
	data   []byte
	start  int // offset of the first pixel of the first pattern
	stride int // distance between consecutive patterns
}

// NewCube allocates a zeroed, contiguous cube.
func NewCube(s Shape) *Cube {
	return &Cube{
		shape:  s,
		data:   make([]byte, s.Frames()*s.FrameLen()),
		stride: s.FrameLen(),
	}
}

// CubeFromBytes wraps data without copying. Pattern k starts at
// start + k*stride. stride must be at least Height*Width.
func CubeFromBytes(data []byte, s Shape, start, stride int) (*Cube, error) {
	if stride < s.FrameLen() || start < 0 {
		return nil, fmt.Errorf("%w: stride %d, start %d for pattern of %d bytes", ErrOutOfRange, stride, start, s.FrameLen())
	}

	need := 0
	if n := s.Frames(); n > 0 {
		need = start + (n-1)*stride + s.FrameLen()
	}

	if len(data) < need {
		return nil, fmt.Errorf("%w: cube %v needs %d bytes, have %d", ErrTruncatedFile, s, need, len(data))
	}

	return &Cube{shape: s, data: data, start: start, stride: stride}, nil
}

// Shape returns the cube dimensions.
func (c *Cube) Shape() Shape { return c.shape }

// Frame returns the pattern at scan position (row, col). The slice aliases
// the cube's storage. It panics if the position is out of range.
func (c *Cube) Frame(row, col int) []byte {
	if row < 0 || row >= c.shape.NY || col < 0 || col >= c.shape.NX {
		panic(fmt.Sprintf("blockfile: frame (%d, %d) outside scan %dx%d", row, col, c.shape.NY, c.shape.NX))
	}

	off := c.start + (row*c.shape.NX+col)*c.stride

	return c.data[off : off+c.shape.FrameLen() : off+c.shape.FrameLen()]
}

// FrameAt is like Frame but returns ErrOutOfRange instead of panicking.
func (c *Cube) FrameAt(row, col int) ([]byte, error) {
	if row < 0 || row >= c.shape.NY || col < 0 || col >= c.shape.NX {
		return nil, fmt.Errorf("%w: frame (%d, %d) outside scan %dx%d", ErrOutOfRange, row, col, c.shape.NY, c.shape.NX)
	}

	return c.Frame(row, col), nil
}

// At returns one pixel.
func (c *Cube) At(row, col, y, x int) uint8 {
	return c.Frame(row, col)[y*c.shape.Width+x]
}

// Set stores one pixel. Cubes backed by a read-only mapping must not be
// modified; use Clone first.
func (c *Cube) Set(row, col, y, x int, v uint8) {
	c.Frame(row, col)[y*c.shape.Width+x] = v
}

// Frames iterates patterns in scan order.
func (c *Cube) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for row := range c.shape.NY {
			for col := range c.shape.NX {
				if !yield(c.Frame(row, col)) {
					return
				}
			}
		}
	}
}

// Mean returns the average pixel value of one pattern.
func (c *Cube) Mean(row, col int) float64 {
	return frameMean(c.Frame(row, col))
}

// Clone returns a contiguous, writable copy of the cube.
func (c *Cube) Clone() *Cube {
	out := NewCube(c.shape)
	n := c.shape.FrameLen()

	i := 0
	for frame := range c.Frames() {
		copy(out.data[i*n:(i+1)*n], frame)
		i++
	}

	return out
}

// Equal reports whether two cubes have the same shape and pixels.
func (c *Cube) Equal(other *Cube) bool {
	if c.shape != other.shape {
		return false
	}

	for row := range c.shape.NY {
		for col := range c.shape.NX {
			if string(c.Frame(row, col)) != string(other.Frame(row, col)) {
				return false
			}
		}
	}

	return true
}

func frameMean(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}

	var sum uint64
	for _, v := range frame {
		sum += uint64(v)
	}

	return float64(sum) / float64(len(frame))
}
