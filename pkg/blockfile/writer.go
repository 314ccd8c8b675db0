package blockfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
)

// WriteParams describes the calibration and optional prior header of a file
// to be written.
type WriteParams struct {
	ScanScaleX      float64 // nm per scan column
	ScanScaleY      float64 // nm per scan row
	ReciprocalScale float64 // cm per pattern pixel; <= 0 writes SDP = 0
	Endianness      Endianness

	// Header is a previously read raw header whose pass-through fields are
	// kept. Nil selects DefaultHeader. It is never modified.
	Header *Header
	Note   string
}

// WriteResult reports what was written.
type WriteResult struct {
	Header        Header
	BytesWritten  int64
	NoteTruncated bool
}

// Writer writes one blockfile to a sequential destination.
type Writer struct {
	w     *bufio.Writer
	order Endianness
	pos   int64
}

// NewWriter creates a Writer that buffers output to w.
func NewWriter(w io.Writer, e Endianness) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 1<<16), order: e}
}

// Pos returns the number of bytes written so far.
func (w *Writer) Pos() int64 { return w.pos }

// Write serializes src to w in blockfile layout.
func Write(w io.Writer, src FrameSource, p WriteParams) (WriteResult, error) {
	return NewWriter(w, p.Endianness).Encode(src, p)
}

// WriteFile creates path and writes src to it. An interrupted write leaves
// a partial file behind.
func WriteFile(path string, src FrameSource, p WriteParams) (WriteResult, error) {
	f, err := os.Create(path)
	if err != nil {
		return WriteResult{}, fmt.Errorf("blockfile: create: %w", err)
	}

	res, err := Write(f, src, p)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("blockfile: close: %w", cerr)
	}

	return res, err
}

// PrepareHeader derives the header for writing src with p, without writing
// anything.
func PrepareHeader(shape Shape, p WriteParams) (Header, error) {
	if !shape.Square() {
		return Header{}, fmt.Errorf("%w: patterns are %dx%d", ErrNonSquareFrame, shape.Height, shape.Width)
	}

	for _, d := range []struct {
		name string
		v    int
	}{{FieldNY, shape.NY}, {FieldNX, shape.NX}, {FieldDPSize, shape.Height}} {
		if d.v < 0 || d.v > math.MaxUint16 {
			return Header{}, fmt.Errorf("%w: %s = %d does not fit in 16 bits", ErrOutOfRange, d.name, d.v)
		}
	}

	base := DefaultHeader()
	if p.Header != nil {
		base = *p.Header
	}

	if int64(base.DataOffset1) < HeaderSize {
		return Header{}, fmt.Errorf("%w: Data_offset_1 %d lies inside the %d byte header",
			ErrMalformedHeader, base.DataOffset1, HeaderSize)
	}

	if raw := uint64(shape.NX)*uint64(shape.NY) + uint64(base.DataOffset1); raw+raw%16 > math.MaxUint32 {
		return Header{}, fmt.Errorf("%w: Data_offset_2 %d does not fit in 32 bits", ErrOutOfRange, raw+raw%16)
	}

	return base.WithGeometry(Geometry{
		NX:              shape.NX,
		NY:              shape.NY,
		DPSize:          shape.Height,
		SX:              p.ScanScaleX,
		SY:              p.ScanScaleY,
		ReciprocalScale: p.ReciprocalScale,
	}), nil
}

// Encode writes the complete file: header, note, preview image and the
// framed pattern stack. Nothing is written if the header cannot be derived.
func (w *Writer) Encode(src FrameSource, p WriteParams) (WriteResult, error) {
	shape := src.Shape()

	h, err := PrepareHeader(shape, p)
	if err != nil {
		return WriteResult{}, err
	}

	res := WriteResult{Header: h}

	note := p.Note
	if limit := h.NoteCapacity(); len(note) > limit {
		slog.Warn("blockfile: note truncated", "length", len(note), "capacity", limit)
		note = note[:limit]
		res.NoteTruncated = true
	}

	err = w.writeHeader(h)
	if err == nil {
		err = w.writeBytes([]byte(note))
	}

	if err == nil {
		err = w.padTo(int64(h.DataOffset1))
	}

	if err == nil {
		err = w.writeBytes(VirtualBrightField(src))
	}

	if err == nil {
		err = w.padTo(int64(h.DataOffset2))
	}

	if err == nil {
		err = w.writeStack(src, shape)
	}

	if ferr := w.w.Flush(); err == nil && ferr != nil {
		err = fmt.Errorf("blockfile: flush: %w", ferr)
	}

	res.BytesWritten = w.pos

	return res, err
}

func (w *Writer) writeHeader(h Header) error {
	if err := w.writeBytes(h.Encode(w.order)); err != nil {
		return fmt.Errorf("blockfile: write header: %w", err)
	}

	return nil
}

// writeStack writes every frame preceded by its marker. Serial numbers start
// at 1; a source yielding more than NY*NX frames is rejected before the
// extra frame is written.
func (w *Writer) writeStack(src FrameSource, shape Shape) error {
	total := uint64(shape.Frames())
	frameLen := shape.FrameLen()

	var marker [FrameMarkerSize]byte
	binary.LittleEndian.PutUint16(marker[0:2], FrameMagic)

	var serial uint64
	for frame := range src.Frames() {
		if serial+1 > total {
			return fmt.Errorf("%w: frame %d of a %dx%d scan", ErrFrameCountExceeded, serial+1, shape.NY, shape.NX)
		}

		if len(frame) != frameLen {
			return fmt.Errorf("%w: frame %d has %d bytes, expected %d", ErrFrameSize, serial+1, len(frame), frameLen)
		}

		serial++
		binary.LittleEndian.PutUint32(marker[2:6], uint32(serial))

		if err := w.writeBytes(marker[:]); err != nil {
			return fmt.Errorf("blockfile: write marker %d: %w", serial, err)
		}

		if err := w.writeBytes(frame); err != nil {
			return fmt.Errorf("blockfile: write frame %d: %w", serial, err)
		}
	}

	if serial < total {
		return fmt.Errorf("%w: got %d of %d frames", ErrFrameCountShort, serial, total)
	}

	return nil
}

func (w *Writer) writeBytes(b []byte) error {
	n, err := w.w.Write(b)
	w.pos += int64(n)

	return err
}

var zeroBlock [4096]byte

// padTo writes zeros until the cursor reaches off. It does nothing if the
// cursor is already past off.
func (w *Writer) padTo(off int64) error {
	for w.pos < off {
		n := min(off-w.pos, int64(len(zeroBlock)))
		if err := w.writeBytes(zeroBlock[:n]); err != nil {
			return fmt.Errorf("blockfile: pad to %d: %w", off, err)
		}
	}

	return nil
}

// VirtualBrightField computes the NY*NX preview image: the mean of each
// pattern truncated to 8 bits. Surplus frames are ignored and missing frames
// leave zeros.
func VirtualBrightField(src FrameSource) []byte {
	shape := src.Shape()
	vbf := make([]byte, shape.Frames())

	i := 0
	for frame := range src.Frames() {
		if i >= len(vbf) {
			break
		}

		vbf[i] = uint8(frameMean(frame))
		i++
	}

	return vbf
}
