package blockfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spaolacci/murmur3"

	"blockfile/internal/archive"
)

// TestCubeFromBytesStride tests a cube viewing interleaved frames.
func TestCubeFromBytesStride(t *testing.T) {
	s := Shape{NY: 1, NX: 3, Height: 2, Width: 2}
	// Two header bytes, then frames of 4 pixels separated by 2 marker bytes.
	data := []byte{
		0xff, 0xff,
		1, 2, 3, 4, 0xee, 0xee,
		5, 6, 7, 8, 0xee, 0xee,
		9, 10, 11, 12,
	}

	c, err := CubeFromBytes(data, s, 2, 6)
	if err != nil {
		t.Fatalf("CubeFromBytes failed: %v", err)
	}

	if got := c.Frame(0, 1); !bytes.Equal(got, []byte{5, 6, 7, 8}) {
		t.Errorf("Frame(0, 1) = %v", got)
	}

	if got := c.At(0, 2, 1, 0); got != 11 {
		t.Errorf("At(0, 2, 1, 0) = %d, want 11", got)
	}

	if got := c.Mean(0, 0); got != 2.5 {
		t.Errorf("Mean(0, 0) = %v, want 2.5", got)
	}

	clone := c.Clone()
	if !clone.Equal(c) {
		t.Error("clone differs")
	}

	clone.Set(0, 0, 0, 0, 99)

	if data[2] != 1 {
		t.Error("Set on clone modified source bytes")
	}

	if clone.Equal(c) {
		t.Error("modified clone still equal")
	}
}

// TestCubeFromBytesErrors tests invalid layouts.
func TestCubeFromBytesErrors(t *testing.T) {
	s := Shape{NY: 2, NX: 2, Height: 2, Width: 2}

	if _, err := CubeFromBytes(make([]byte, 64), s, 0, 3); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("short stride error = %v, want ErrOutOfRange", err)
	}

	if _, err := CubeFromBytes(make([]byte, 64), s, -1, 4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("negative start error = %v, want ErrOutOfRange", err)
	}

	if _, err := CubeFromBytes(make([]byte, 15), s, 0, 4); !errors.Is(err, ErrTruncatedFile) {
		t.Errorf("short data error = %v, want ErrTruncatedFile", err)
	}

	if _, err := CubeFromBytes(make([]byte, 16), s, 0, 4); err != nil {
		t.Errorf("exact data failed: %v", err)
	}
}

// TestCubeFrameAt tests bounds checking.
func TestCubeFrameAt(t *testing.T) {
	c := NewCube(Shape{NY: 2, NX: 3, Height: 1, Width: 1})

	if _, err := c.FrameAt(1, 2); err != nil {
		t.Errorf("FrameAt(1, 2) failed: %v", err)
	}

	for _, pos := range [][2]int{{2, 0}, {0, 3}, {-1, 0}, {0, -1}} {
		if _, err := c.FrameAt(pos[0], pos[1]); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("FrameAt%v error = %v, want ErrOutOfRange", pos, err)
		}
	}

	defer func() {
		if recover() == nil {
			t.Error("Frame out of range did not panic")
		}
	}()

	c.Frame(5, 5)
}

// TestCubeFramesEarlyBreak tests that iteration stops when the consumer does.
func TestCubeFramesEarlyBreak(t *testing.T) {
	c := patternCube(Shape{NY: 3, NX: 3, Height: 2, Width: 2})

	n := 0
	for range c.Frames() {
		n++
		if n == 4 {
			break
		}
	}

	if n != 4 {
		t.Errorf("iterated %d frames, want 4", n)
	}
}

// TestDigest tests that the digest depends on pixels and shape only.
func TestDigest(t *testing.T) {
	s := Shape{NY: 2, NX: 2, Height: 3, Width: 3}
	a := patternCube(s)
	b := a.Clone()

	if Digest(a) != Digest(b) {
		t.Error("equal cubes have different digests")
	}

	b.Set(1, 1, 2, 2, b.At(1, 1, 2, 2)+1)

	if Digest(a) == Digest(b) {
		t.Error("changed pixel did not change digest")
	}

	// Same bytes, different shape.
	flat := NewCube(Shape{NY: 1, NX: 4, Height: 3, Width: 3})
	i := 0
	for frame := range a.Frames() {
		copy(flat.Frame(0, i), frame)
		i++
	}

	if Digest(a) == Digest(flat) {
		t.Error("reshaped cube has the same digest")
	}
}

// TestDigestLayout tests that the shape is hashed as four little-endian
// uint32 values ahead of the pixels.
func TestDigestLayout(t *testing.T) {
	s := Shape{NY: 1, NX: 0x0102, Height: 1, Width: 1}
	c := NewCube(s)
	c.Frame(0, 0x0101)[0] = 7

	want := make([]byte, 0, 16+s.Frames())
	want = append(want, 1, 0, 0, 0, 0x02, 0x01, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0)
	want = append(want, make([]byte, s.Frames())...)
	want[len(want)-1] = 7

	if got := Digest(c); got != murmur3.Sum64(want) {
		t.Errorf("Digest = %016x, want %016x", got, murmur3.Sum64(want))
	}
}

// TestOpen tests reading a file through a memory mapping.
func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.blo")
	cube := patternCube(Shape{NY: 3, NX: 4, Height: 8, Width: 8})

	res, err := WriteFile(path, cube, WriteParams{ScanScaleX: 2, ScanScaleY: 2, ReciprocalScale: 0.25, Note: "mapped"})
	if err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	if fi.Size() != res.BytesWritten {
		t.Errorf("file size %d, BytesWritten %d", fi.Size(), res.BytesWritten)
	}

	f, err := Open(path, ReadOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if f.Filename != "scan.blo" {
		t.Errorf("Filename = %q", f.Filename)
	}

	if f.Note != "mapped" {
		t.Errorf("Note = %q", f.Note)
	}

	if f.Size() != fi.Size() {
		t.Errorf("Size = %d, want %d", f.Size(), fi.Size())
	}

	if Digest(f.Cube) != Digest(cube) {
		t.Error("mapped cube differs")
	}

	if err := f.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

// TestOpenPacked tests reading a zstd-packed file.
func TestOpenPacked(t *testing.T) {
	dir := t.TempDir()
	cube := patternCube(Shape{NY: 2, NX: 5, Height: 6, Width: 6})

	var raw bytes.Buffer
	if _, err := Write(&raw, cube, WriteParams{ReciprocalScale: 1}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var packed bytes.Buffer
	if _, err := archive.Pack(&packed, bytes.NewReader(raw.Bytes()), archive.LevelDefault); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	path := filepath.Join(dir, "scan.blo"+archive.Extension)
	if err := os.WriteFile(path, packed.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	f, err := Open(path, ReadOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	if !f.Cube.Equal(cube) {
		t.Error("unpacked cube differs")
	}

	// Read handles packed streams too.
	g, err := Read(bytes.NewReader(packed.Bytes()), ReadOptions{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if g.Size() != int64(raw.Len()) {
		t.Errorf("unpacked size %d, want %d", g.Size(), raw.Len())
	}
}

// TestOpenErrors tests missing and malformed files.
func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.blo"), ReadOptions{}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v, want ErrNotExist", err)
	}

	junk := filepath.Join(dir, "junk.blo")
	if err := os.WriteFile(junk, bytes.Repeat([]byte{'x'}, 512), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Open(junk, ReadOptions{}); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("junk file error = %v, want ErrMalformedHeader", err)
	}

	empty := filepath.Join(dir, "empty.blo")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Open(empty, ReadOptions{}); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("empty file error = %v, want ErrMalformedHeader", err)
	}
}
