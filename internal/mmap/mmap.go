// Package mmap provides read-only, zero-copy views of files.
//
// On Unix systems the file is memory mapped; elsewhere it is read into
// memory once. Either way the returned bytes must not be modified.
package mmap

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrClosed is returned when a closed mapping is accessed.
var ErrClosed = errors.New("mmap: mapping closed")

// Mapping is a read-only view of a whole file.
type Mapping struct {
	data   []byte
	file   *os.File
	mapped bool
}

// Open maps the file at path.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	m, err := Map(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return m, nil
}

// Map maps f. The mapping takes ownership of f and closes it on Close.
func Map(f *os.File) (*Mapping, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		return &Mapping{file: f}, nil
	}

	if int64(int(size)) != size {
		return nil, fmt.Errorf("mmap: file of %d bytes too large to map", size)
	}

	data, mapped, err := mapFile(f, int(size))
	if err != nil {
		return nil, fmt.Errorf("mmap: %s: %w", f.Name(), err)
	}

	return &Mapping{data: data, file: f, mapped: mapped}, nil
}

// Bytes returns the mapped contents. The slice is valid until Close.
func (m *Mapping) Bytes() []byte { return m.data }

// Len returns the size of the mapping.
func (m *Mapping) Len() int { return len(m.data) }

// Slice returns length bytes at off without copying, or nil if the range is
// out of bounds.
func (m *Mapping) Slice(off, length int64) []byte {
	if off < 0 || length < 0 || off+length > int64(len(m.data)) {
		return nil
	}

	return m.data[off : off+length : off+length]
}

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if m.file == nil {
		return 0, ErrClosed
	}

	if off < 0 || off > int64(len(m.data)) {
		return 0, fmt.Errorf("mmap: offset %d out of range", off)
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// Close unmaps the file and closes it.
func (m *Mapping) Close() error {
	if m.file == nil {
		return nil
	}

	var err error
	if m.mapped && m.data != nil {
		err = unmap(m.data)
	}

	m.data = nil

	if cerr := m.file.Close(); err == nil {
		err = cerr
	}

	m.file = nil

	return err
}
