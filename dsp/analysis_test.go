package dsp

import (
	"bytes"
	"math"
	"testing"

	"blockfile/pkg/blockfile"
)

// TestRadialProfile tests ring averages of a bullseye pattern.
func TestRadialProfile(t *testing.T) {
	const size = 9

	frame := make([]byte, size*size)
	for y := range size {
		for x := range size {
			r := int(math.Hypot(float64(x-4), float64(y-4)))
			frame[y*size+x] = uint8(10 * r)
		}
	}

	prof, err := RadialProfile(frame, size, 4, 4)
	if err != nil {
		t.Fatalf("RadialProfile failed: %v", err)
	}

	// Corner distance is sqrt(32) ~ 5.66.
	if len(prof) != 6 {
		t.Fatalf("profile has %d bins, want 6", len(prof))
	}

	for i, v := range prof {
		if v != float64(10*i) {
			t.Errorf("bin %d = %v, want %d", i, v, 10*i)
		}
	}

	if _, err := RadialProfile(frame[:10], size, 4, 4); err == nil {
		t.Error("short frame accepted")
	}
}

// TestDetectorMask tests which pixels detectors cover.
func TestDetectorMask(t *testing.T) {
	if got := len(WholeFrame().Mask(4, 5)); got != 20 {
		t.Errorf("whole frame covers %d pixels, want 20", got)
	}

	// Radius 1 around the centre of a 3x3 pattern covers only the centre.
	if got := BrightField(3, 1).Mask(3, 3); len(got) != 1 || got[0] != 4 {
		t.Errorf("bright field mask = %v, want [4]", got)
	}

	// The ring 1 <= r < 1.5 covers the four edge neighbours and the corners.
	if got := AnnularDarkField(3, 1, 1.5).Mask(3, 3); len(got) != 8 {
		t.Errorf("dark field mask covers %d pixels, want 8", len(got))
	}
}

func testCube() *blockfile.Cube {
	c := blockfile.NewCube(blockfile.Shape{NY: 2, NX: 2, Height: 3, Width: 3})
	for row := range 2 {
		for col := range 2 {
			f := c.Frame(row, col)
			for i := range f {
				f[i] = uint8(row*40 + col*10)
			}
			f[4] = 200
		}
	}

	return c
}

// TestVirtualImage tests bright-field and dark-field images.
func TestVirtualImage(t *testing.T) {
	c := testCube()

	bf, err := VirtualImage(c, BrightField(3, 1))
	if err != nil {
		t.Fatalf("VirtualImage failed: %v", err)
	}

	for i, v := range bf {
		if v != 200 {
			t.Errorf("bright field pixel %d = %v, want 200", i, v)
		}
	}

	df, err := VirtualImage(c, AnnularDarkField(3, 1, 2))
	if err != nil {
		t.Fatalf("VirtualImage failed: %v", err)
	}

	want := []float32{0, 10, 40, 50}
	for i := range want {
		if df[i] != want[i] {
			t.Errorf("dark field pixel %d = %v, want %v", i, df[i], want[i])
		}
	}

	if _, err := VirtualImage(c, Detector{Inner: 10, Outer: 11}); err == nil {
		t.Error("empty detector accepted")
	}
}

// TestWholeFrameMatchesPreview tests that the whole-frame image truncates to
// the stored preview.
func TestWholeFrameMatchesPreview(t *testing.T) {
	c := testCube()

	img, err := VirtualImage(c, WholeFrame())
	if err != nil {
		t.Fatalf("VirtualImage failed: %v", err)
	}

	got := make([]byte, len(img))
	for i, v := range img {
		got[i] = uint8(v)
	}

	if want := blockfile.VirtualBrightField(c); !bytes.Equal(got, want) {
		t.Errorf("whole frame image %v, preview %v", got, want)
	}
}

// TestNormalize tests display scaling.
func TestNormalize(t *testing.T) {
	got := Normalize([]float32{-1, 0, 1})
	if !bytes.Equal(got, []byte{0, 128, 255}) {
		t.Errorf("Normalize = %v", got)
	}

	if got := Normalize([]float32{3, 3}); !bytes.Equal(got, []byte{0, 0}) {
		t.Errorf("constant Normalize = %v", got)
	}

	if got := Normalize(nil); len(got) != 0 {
		t.Errorf("empty Normalize = %v", got)
	}
}
