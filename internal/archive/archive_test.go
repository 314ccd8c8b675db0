package archive

import (
	"bytes"
	"errors"
	"testing"
)

func sample() []byte {
	// Mostly zeros with a sparse bright pattern, like a diffraction stack.
	data := make([]byte, 64*1024)
	for i := 0; i < len(data); i += 97 {
		data[i] = byte(i)
	}

	return data
}

// TestPackUnpack tests round trips at every level.
func TestPackUnpack(t *testing.T) {
	want := sample()

	for _, level := range []Level{LevelFastest, LevelDefault, LevelBetter, LevelBest} {
		var packed bytes.Buffer

		n, err := Pack(&packed, bytes.NewReader(want), level)
		if err != nil {
			t.Fatalf("Pack(level %d) failed: %v", level, err)
		}

		if n != int64(len(want)) {
			t.Errorf("Pack consumed %d bytes, want %d", n, len(want))
		}

		if packed.Len() >= len(want) {
			t.Errorf("level %d: packed %d bytes from %d", level, packed.Len(), len(want))
		}

		if !IsCompressed(packed.Bytes()) {
			t.Error("packed data lacks zstd magic")
		}

		var out bytes.Buffer
		if _, err := Unpack(&out, bytes.NewReader(packed.Bytes())); err != nil {
			t.Fatalf("Unpack failed: %v", err)
		}

		if !bytes.Equal(out.Bytes(), want) {
			t.Error("Unpack output differs")
		}

		got, err := UnpackBytes(packed.Bytes())
		if err != nil {
			t.Fatalf("UnpackBytes failed: %v", err)
		}

		if !bytes.Equal(got, want) {
			t.Error("UnpackBytes output differs")
		}
	}
}

// TestUnpackBytesRaw tests that uncompressed data is refused.
func TestUnpackBytesRaw(t *testing.T) {
	if _, err := UnpackBytes([]byte("IMGBLO")); !errors.Is(err, ErrNotCompressed) {
		t.Errorf("UnpackBytes error = %v, want ErrNotCompressed", err)
	}

	if IsCompressed(nil) {
		t.Error("IsCompressed(nil) = true")
	}
}

// TestUnpackCorrupt tests a damaged stream.
func TestUnpackCorrupt(t *testing.T) {
	var packed bytes.Buffer
	if _, err := Pack(&packed, bytes.NewReader(sample()), LevelDefault); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	data := packed.Bytes()
	data = data[:len(data)/2]

	if _, err := UnpackBytes(data); err == nil {
		t.Error("UnpackBytes of truncated stream succeeded")
	}
}
