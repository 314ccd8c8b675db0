package blockfile

import (
	"fmt"
	"path/filepath"

	"blockfile/internal/archive"
	"blockfile/internal/mmap"
)

// Open maps the file at path read-only and decodes it. The pattern stack is
// not copied; call Close on the returned File to release the mapping.
// Files packed with zstd are unpacked into memory first.
func Open(path string, opts ReadOptions) (*File, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blockfile: open: %w", err)
	}

	if archive.IsCompressed(m.Bytes()) {
		data, err := archive.UnpackBytes(m.Bytes())
		_ = m.Close()

		if err != nil {
			return nil, fmt.Errorf("blockfile: %s: %w", path, err)
		}

		f, err := ReadBytes(data, opts)
		if err != nil {
			return nil, fmt.Errorf("blockfile: %s: %w", path, err)
		}

		f.Filename = filepath.Base(path)

		return f, nil
	}

	f, err := ReadBytes(m.Bytes(), opts)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("blockfile: %s: %w", path, err)
	}

	f.Filename = filepath.Base(path)
	f.closer = m

	return f, nil
}
