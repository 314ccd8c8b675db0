package blockfile

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// Digest hashes the pixel data of src in scan order. Two sources with the
// same shape and pixels have the same digest regardless of how they are
// stored.
func Digest(src FrameSource) uint64 {
	h := murmur3.New64()

	s := src.Shape()
	var dims [16]byte
	for i, v := range []int{s.NY, s.NX, s.Height, s.Width} {
		binary.LittleEndian.PutUint32(dims[i*4:], uint32(v))
	}

	_, _ = h.Write(dims[:])

	for frame := range src.Frames() {
		_, _ = h.Write(frame)
	}

	return h.Sum64()
}
