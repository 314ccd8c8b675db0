// Package blockfile provides reading and writing of ASTAR blockfiles (.blo).
//
// A blockfile stores a 4-dimensional stack of 8-bit diffraction patterns
// recorded on a scan grid, preceded by a fixed-size packed header, a free-text
// note and a virtual bright-field preview image. The layout is:
//
//	0                 header (HeaderSize bytes)
//	HeaderSize        note, NUL padded up to Data_offset_1
//	Data_offset_1     virtual bright-field image (NY*NX bytes), zero padded
//	Data_offset_2     NY*NX frames of [marker(6) | DP_SZ*DP_SZ pixels]
//
// Each frame marker is the magic 0x55AA followed by a little-endian uint32
// serial number starting at 1.
package blockfile

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Format constants.
const (
	// FormatID is the tag stored in the first six bytes of every blockfile.
	FormatID = "IMGBLO"

	// FormatMagic follows the tag.
	FormatMagic uint16 = 0x0102

	// DefaultDataOffset1 is the note/preview offset seen in every known file.
	DefaultDataOffset1 uint32 = 0x1000

	// DefaultUnknown1 is the vendor flag word written by ASTAR.
	DefaultUnknown1 uint32 = 131141

	// FrameMagic prefixes every diffraction pattern in the stack.
	FrameMagic uint16 = 0x55AA

	// Extension is the conventional file extension.
	Extension = ".blo"
)

// Sizes in bytes.
const (
	HeaderSize      = 240 // packed header record
	FrameMarkerSize = 6   // Magic(2) + Serial(4)

	centeringCount  = 8
	distortionCount = 14
)

// Errors.
var (
	ErrMalformedHeader    = errors.New("blockfile: malformed header")
	ErrTruncatedFile      = errors.New("blockfile: truncated file")
	ErrNonSquareFrame     = errors.New("blockfile: diffraction patterns must be square")
	ErrFrameCountExceeded = errors.New("blockfile: frame count exceeds scan size")
	ErrFrameCountShort    = errors.New("blockfile: fewer frames than scan size")
	ErrFrameSize          = errors.New("blockfile: frame size does not match pattern shape")
	ErrInvalidEndianness  = errors.New("blockfile: invalid endianness")
	ErrOutOfRange         = errors.New("blockfile: index out of range")
)

// Endianness selects the byte order of multi-byte header fields.
// The zero value is LittleEndian.
type Endianness int

// Recognised byte orders.
const (
	LittleEndian Endianness = iota
	BigEndian
)

// ByteOrder returns the encoding/binary order for e.
func (e Endianness) ByteOrder() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}

	return binary.LittleEndian
}

func (e Endianness) appendOrder() binary.AppendByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}

	return binary.LittleEndian
}

// String returns "little" or "big".
func (e Endianness) String() string {
	if e == BigEndian {
		return "big"
	}

	return "little"
}

// ParseEndianness accepts "little", "le", "<", "big", "be" and ">".
// An empty string selects LittleEndian.
func ParseEndianness(s string) (Endianness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "little", "le", "<":
		return LittleEndian, nil
	case "big", "be", ">":
		return BigEndian, nil
	default:
		return LittleEndian, fmt.Errorf("%w: %q", ErrInvalidEndianness, s)
	}
}

// Axis is a calibrated axis descriptor handed to the signal layer.
type Axis struct {
	Name         string  `json:"name"`
	Size         int     `json:"size"`
	Scale        float64 `json:"scale"`
	Offset       float64 `json:"offset"`
	Unit         string  `json:"units"`
	IndexInArray int     `json:"index_in_array"` // position of this axis in the cube's [NY, NX, DP, DP] order

	// Calibrated is false when the scale is unknown. Scale is then zero and
	// must not be interpreted.
	Calibrated bool `json:"calibrated"`
}

// OptionalFloat is a float64 that may be unset.
type OptionalFloat struct {
	Value float64
	Valid bool
}

// String formats the value or "unset".
func (o OptionalFloat) String() string {
	if !o.Valid {
		return "unset"
	}

	return fmt.Sprintf("%g", o.Value)
}

// MarshalJSON encodes an unset value as null.
func (o OptionalFloat) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}

	return json.Marshal(o.Value)
}

// ReadOptions configures decoding.
type ReadOptions struct {
	Endianness Endianness
}

// FrameMarker is the 6-byte prefix of one frame as found on disk.
type FrameMarker struct {
	Magic  uint16
	Serial uint32
}
