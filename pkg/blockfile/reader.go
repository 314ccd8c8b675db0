package blockfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"blockfile/internal/archive"
)

// Axis names and units in descriptor order.
var (
	axisNames = [4]string{"x", "dy", "dx", "y"}
	axisUnits = [4]string{"nm", "cm", "cm", "nm"}
)

// File is a decoded blockfile. The cube aliases the bytes the file was read
// from; when the file was opened with Open those bytes are a read-only
// memory mapping that stays valid until Close.
type File struct {
	Filename   string
	Endianness Endianness
	Header     Header
	Note       string
	Cube       *Cube
	Axes       [4]Axis
	Metadata   Metadata

	// ReciprocalScale is the reciprocal-space pixel size in cm, unset when
	// the header's SDP is zero.
	ReciprocalScale OptionalFloat

	data   []byte
	closer io.Closer
}

// Read decodes a blockfile from a stream. The stream is read to the end and
// held in memory; use Open for files on disk. zstd-packed streams are
// unpacked.
func Read(r io.Reader, opts ReadOptions) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blockfile: read: %w", err)
	}

	if archive.IsCompressed(data) {
		if data, err = archive.UnpackBytes(data); err != nil {
			return nil, fmt.Errorf("blockfile: %w", err)
		}
	}

	return ReadBytes(data, opts)
}

// ReadBytes decodes a blockfile held in data. The returned cube references
// data directly; data must not be modified while the File is in use.
func ReadBytes(data []byte, opts ReadOptions) (*File, error) {
	h, err := DecodeHeader(data, opts.Endianness)
	if err != nil {
		return nil, err
	}

	if err := h.Validate(); err != nil {
		return nil, err
	}

	note, err := readNote(data, h)
	if err != nil {
		return nil, err
	}

	rscale := h.ReciprocalScale()
	if !rscale.Valid {
		slog.Debug("blockfile: reciprocal pixel size unset", "SDP", h.SDP)
	}

	stackStart := int64(h.DataOffset2)
	stackEnd := stackStart + h.StackSize()
	if int64(len(data)) < stackEnd {
		return nil, fmt.Errorf("%w: stack of %dx%d frames of %d bytes at offset %d needs %d bytes, file has %d",
			ErrTruncatedFile, h.NY, h.NX, h.FrameSize(), stackStart, stackEnd, len(data))
	}

	shape := Shape{NY: int(h.NY), NX: int(h.NX), Height: int(h.DPSize), Width: int(h.DPSize)}

	cube, err := CubeFromBytes(data, shape, int(stackStart)+FrameMarkerSize, int(h.FrameSize()))
	if err != nil {
		return nil, err
	}

	return &File{
		Endianness:      opts.Endianness,
		Header:          h,
		Note:            note,
		Cube:            cube,
		Axes:            AxesFor(h),
		Metadata:        DeriveMetadata(h),
		ReciprocalScale: rscale,
		data:            data,
	}, nil
}

// readNote returns the bytes between the header and Data_offset_1 with
// trailing NUL padding removed.
func readNote(data []byte, h Header) (string, error) {
	end := int64(h.DataOffset1)
	if end <= HeaderSize {
		return "", nil
	}

	if int64(len(data)) < end {
		return "", fmt.Errorf("%w: note ends at offset %d, file has %d bytes", ErrTruncatedFile, end, len(data))
	}

	return string(bytes.TrimRight(data[HeaderSize:end], "\x00")), nil
}

// AxesFor returns the axis descriptors for a header in the order
// x, dy, dx, y.
func AxesFor(h Header) [4]Axis {
	rscale := h.ReciprocalScale()
	sizes := [4]int{int(h.NX), int(h.DPSize), int(h.DPSize), int(h.NY)}
	scales := [4]float64{h.SX, rscale.Value, rscale.Value, h.SY}
	calibrated := [4]bool{true, rscale.Valid, rscale.Valid, true}
	index := [4]int{1, 2, 3, 0}

	var axes [4]Axis
	for i := range axes {
		axes[i] = Axis{
			Name:         axisNames[i],
			Size:         sizes[i],
			Scale:        scales[i],
			Offset:       0,
			Unit:         axisUnits[i],
			IndexInArray: index[i],
			Calibrated:   calibrated[i],
		}
	}

	return axes
}

// MetadataTree returns the calibrated metadata of the file as a nested map.
func (f *File) MetadataTree() map[string]any {
	tree := MetadataTree(f.Header)

	general, ok := tree["General"].(map[string]any)
	if !ok {
		general = map[string]any{}
		tree["General"] = general
	}

	if f.Filename != "" {
		general["original_filename"] = f.Filename
	}

	tree["Signal"] = map[string]any{"signal_type": "", "record_by": "image"}

	return tree
}

// VirtualBrightField returns the stored NY*NX preview image. It aliases the
// file's bytes.
func (f *File) VirtualBrightField() ([]byte, error) {
	start := int64(f.Header.DataOffset1)
	end := start + int64(f.Header.NX)*int64(f.Header.NY)

	if end > int64(f.Header.DataOffset2) || end > int64(len(f.data)) {
		return nil, fmt.Errorf("%w: preview image [%d, %d) does not fit before stack at %d (file %d bytes)",
			ErrTruncatedFile, start, end, f.Header.DataOffset2, len(f.data))
	}

	return f.data[start:end:end], nil
}

// FrameMarker returns the marker preceding the pattern at (row, col) as
// stored on disk. Markers are not checked on read.
func (f *File) FrameMarker(row, col int) (FrameMarker, error) {
	h := f.Header
	if row < 0 || row >= int(h.NY) || col < 0 || col >= int(h.NX) {
		return FrameMarker{}, fmt.Errorf("%w: frame (%d, %d) outside scan %dx%d", ErrOutOfRange, row, col, h.NY, h.NX)
	}

	off := int64(h.DataOffset2) + int64(row*int(h.NX)+col)*h.FrameSize()
	b := f.data[off : off+FrameMarkerSize]

	return FrameMarker{
		Magic:  binary.LittleEndian.Uint16(b[0:2]),
		Serial: binary.LittleEndian.Uint32(b[2:6]),
	}, nil
}

// Size returns the number of bytes the file was decoded from.
func (f *File) Size() int64 { return int64(len(f.data)) }

// Close releases the underlying mapping, if any. The cube must not be used
// afterwards.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}

	err := f.closer.Close()
	f.closer = nil
	f.data = nil

	return err
}
