package blockfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Header is the fixed-size record at the start of a blockfile.
// Field names follow the vendor's spelling, including Aquisiton_time.
type Header struct {
	ID              [6]byte
	Magic           uint16
	DataOffset1     uint32 // note, then virtual bright-field image
	DataOffset2     uint32 // diffraction pattern stack
	Unknown1        uint32 // vendor flags
	DPSize          uint16 // side length of each pattern in pixels
	DPRotation      uint16 // hundredths of a degree
	NX              uint16 // scan columns
	NY              uint16 // scan rows
	ScanRotation    uint16 // hundredths of a degree
	SX              float64
	SY              float64
	BeamEnergy      uint32  // volts
	SDP             uint16  // 100 * pixels per cm
	CameraLength    uint32  // tenths of a millimetre
	AcquisitionTime float64 // serial date

	Centering  [centeringCount]float64
	Distortion [distortionCount]float64
}

// DefaultHeader returns a header populated with the values written by the
// acquisition software, stamped with the current time.
func DefaultHeader() Header {
	var h Header
	copy(h.ID[:], FormatID)
	h.Magic = FormatMagic
	h.DataOffset1 = DefaultDataOffset1
	h.Unknown1 = DefaultUnknown1
	h.AcquisitionTime = ToSerialDate(time.Now())

	return h
}

// Validate checks the format tag and magic number.
func (h Header) Validate() error {
	if string(h.ID[:]) != FormatID {
		return fmt.Errorf("%w: tag %q, expected %q", ErrMalformedHeader, h.ID[:], FormatID)
	}

	if h.Magic != FormatMagic {
		return fmt.Errorf("%w: magic 0x%04x, expected 0x%04x", ErrMalformedHeader, h.Magic, FormatMagic)
	}

	return nil
}

// NoteCapacity returns the number of note bytes that fit between the header
// and Data_offset_1.
func (h Header) NoteCapacity() int {
	if int64(h.DataOffset1) < HeaderSize {
		return 0
	}

	return int(h.DataOffset1) - HeaderSize
}

// FrameSize returns the on-disk size of one frame including its marker.
func (h Header) FrameSize() int64 {
	return FrameMarkerSize + int64(h.DPSize)*int64(h.DPSize)
}

// StackSize returns the on-disk size of the whole pattern stack.
func (h Header) StackSize() int64 {
	return int64(h.NX) * int64(h.NY) * h.FrameSize()
}

// DataOffset2 derives the stack offset from the scan size and Data_offset_1.
// The remainder modulo 16 is added to the raw offset rather than rounding up;
// this matches files produced by the acquisition software and does not
// always yield a multiple of 16.
func DataOffset2(nx, ny int, offset1 uint32) uint32 {
	raw := uint32(nx)*uint32(ny) + offset1

	return raw + raw%16
}

// Geometry is the shape and calibration a header is derived for.
type Geometry struct {
	NX, NY          int
	DPSize          int
	SX, SY          float64 // scan step in nm
	ReciprocalScale float64 // reciprocal pixel size in cm; <= 0 means unset
}

// WithGeometry returns a copy of h with the shape-dependent fields derived
// from g. The receiver is not modified.
func (h Header) WithGeometry(g Geometry) Header {
	h.NX = uint16(g.NX)
	h.NY = uint16(g.NY)
	h.DPSize = uint16(g.DPSize)
	h.SX = g.SX
	h.SY = g.SY
	h.SDP = sdpFromScale(g.ReciprocalScale)
	h.DataOffset2 = DataOffset2(g.NX, g.NY, h.DataOffset1)

	return h
}

// ReciprocalScale converts the stored SDP back to a pixel size in cm.
func (h Header) ReciprocalScale() OptionalFloat {
	if h.SDP == 0 {
		return OptionalFloat{}
	}

	return OptionalFloat{Value: 100 / float64(h.SDP), Valid: true}
}

func sdpFromScale(scale float64) uint16 {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return 0
	}

	// The small offset absorbs rounding so that converting SDP to a scale
	// and back yields the same SDP.
	sdp := 100/scale + 1e-9
	if sdp >= math.MaxUint16 {
		return math.MaxUint16
	}

	return uint16(sdp)
}

// DecodeHeader parses the first HeaderSize bytes of b.
// It does not check the tag; see Validate.
func DecodeHeader(b []byte, e Endianness) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedHeader, HeaderSize, len(b))
	}

	d := fieldDecoder{buf: b[:HeaderSize], order: e.ByteOrder()}
	copy(h.ID[:], d.bytes(len(h.ID)))
	h.Magic = d.u16()
	h.DataOffset1 = d.u32()
	h.DataOffset2 = d.u32()
	h.Unknown1 = d.u32()
	h.DPSize = d.u16()
	h.DPRotation = d.u16()
	h.NX = d.u16()
	h.NY = d.u16()
	h.ScanRotation = d.u16()
	h.SX = d.f64()
	h.SY = d.f64()
	h.BeamEnergy = d.u32()
	h.SDP = d.u16()
	h.CameraLength = d.u32()
	h.AcquisitionTime = d.f64()

	for i := range h.Centering {
		h.Centering[i] = d.f64()
	}

	for i := range h.Distortion {
		h.Distortion[i] = d.f64()
	}

	return h, nil
}

// Encode serializes h into a new HeaderSize byte slice.
func (h Header) Encode(e Endianness) []byte {
	return h.AppendEncode(make([]byte, 0, HeaderSize), e)
}

// AppendEncode appends the serialized header to dst.
func (h Header) AppendEncode(dst []byte, e Endianness) []byte {
	order := e.appendOrder()

	dst = append(dst, h.ID[:]...)
	dst = order.AppendUint16(dst, h.Magic)
	dst = order.AppendUint32(dst, h.DataOffset1)
	dst = order.AppendUint32(dst, h.DataOffset2)
	dst = order.AppendUint32(dst, h.Unknown1)
	dst = order.AppendUint16(dst, h.DPSize)
	dst = order.AppendUint16(dst, h.DPRotation)
	dst = order.AppendUint16(dst, h.NX)
	dst = order.AppendUint16(dst, h.NY)
	dst = order.AppendUint16(dst, h.ScanRotation)
	dst = order.AppendUint64(dst, math.Float64bits(h.SX))
	dst = order.AppendUint64(dst, math.Float64bits(h.SY))
	dst = order.AppendUint32(dst, h.BeamEnergy)
	dst = order.AppendUint16(dst, h.SDP)
	dst = order.AppendUint32(dst, h.CameraLength)
	dst = order.AppendUint64(dst, math.Float64bits(h.AcquisitionTime))

	for _, v := range h.Centering {
		dst = order.AppendUint64(dst, math.Float64bits(v))
	}

	for _, v := range h.Distortion {
		dst = order.AppendUint64(dst, math.Float64bits(v))
	}

	return dst
}

// fieldDecoder reads consecutive fields from a buffer already known to be
// long enough.
type fieldDecoder struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

func (d *fieldDecoder) bytes(n int) []byte {
	b := d.buf[d.pos : d.pos+n]
	d.pos += n

	return b
}

func (d *fieldDecoder) u16() uint16 { return d.order.Uint16(d.bytes(2)) }
func (d *fieldDecoder) u32() uint32 { return d.order.Uint32(d.bytes(4)) }
func (d *fieldDecoder) f64() float64 {
	return math.Float64frombits(d.order.Uint64(d.bytes(8)))
}
