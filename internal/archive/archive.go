// Package archive packs whole blockfiles into zstd streams and back.
//
// Blockfile pattern stacks are mostly dark background and compress well;
// packed files keep the exact original bytes.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Extension is appended to packed file names.
const Extension = ".zst"

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ErrNotCompressed is returned when unpacking data without a zstd frame.
var ErrNotCompressed = errors.New("archive: not a zstd stream")

// Level selects the compression effort.
type Level int

// Compression levels.
const (
	LevelFastest Level = iota
	LevelDefault
	LevelBetter
	LevelBest
)

func (l Level) encoderLevel() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBetter:
		return zstd.SpeedBetterCompression
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// IsCompressed reports whether data starts with a zstd frame.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// Pack compresses everything read from r into w and returns the number of
// uncompressed bytes consumed.
func Pack(w io.Writer, r io.Reader, level Level) (int64, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level.encoderLevel()))
	if err != nil {
		return 0, fmt.Errorf("archive: create encoder: %w", err)
	}

	n, err := io.Copy(enc, r)
	if err != nil {
		enc.Close()
		return n, fmt.Errorf("archive: compress: %w", err)
	}

	if err := enc.Close(); err != nil {
		return n, fmt.Errorf("archive: finish stream: %w", err)
	}

	return n, nil
}

// Unpack decompresses a zstd stream from r into w.
func Unpack(w io.Writer, r io.Reader) (int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("archive: create decoder: %w", err)
	}
	defer dec.Close()

	n, err := io.Copy(w, dec)
	if err != nil {
		return n, fmt.Errorf("archive: decompress: %w", err)
	}

	return n, nil
}

// UnpackBytes decompresses a whole zstd stream held in memory.
func UnpackBytes(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return nil, ErrNotCompressed
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("archive: create decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress: %w", err)
	}

	return out, nil
}
