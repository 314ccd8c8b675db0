package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"blockfile/dsp"
	"blockfile/internal/archive"
	"blockfile/pkg/blockfile"
)

// fileInfo is the -json output of info.
type fileInfo struct {
	Path            string                  `json:"path"`
	Size            int64                   `json:"size"`
	Endianness      string                  `json:"endianness"`
	Header          map[string]any          `json:"header"`
	Note            string                  `json:"note"`
	Metadata        map[string]any          `json:"metadata"`
	Axes            [4]blockfile.Axis       `json:"axes"`
	ReciprocalScale blockfile.OptionalFloat `json:"reciprocal_scale"`
	Digest          string                  `json:"digest"`
}

func describe(path string, f *blockfile.File) fileInfo {
	return fileInfo{
		Path:            path,
		Size:            f.Size(),
		Endianness:      f.Endianness.String(),
		Header:          f.Header.Map(),
		Note:            f.Note,
		Metadata:        f.MetadataTree(),
		Axes:            f.Axes,
		ReciprocalScale: f.ReciprocalScale,
		Digest:          fmt.Sprintf("%016x", blockfile.Digest(f.Cube)),
	}
}

func runInfo(args []string, stdout io.Writer) error {
	fset := newFlagSet("info")
	asJSON := fset.Bool("json", false, "Print one JSON object per file")
	recursive := fset.Bool("recursive", false, "Scan directories recursively")
	endian := fset.String("endian", "little", "Header byte order (little or big)")

	if err := parseArgs(fset, args, 1, 1<<20); err != nil {
		return err
	}

	files, err := findBlockfiles(fset.Args(), *recursive)
	if err != nil {
		return fmt.Errorf("failed to scan: %w", err)
	}

	if len(files) == 0 {
		return errors.New("no blockfiles found")
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	var failed int
	for _, path := range files {
		slog.Debug("Reading", "path", path)

		f, err := openFile(path, *endian)
		if err != nil {
			slog.Error("Skipping unreadable file", "path", path, "error", err)
			failed++
			continue
		}

		info := describe(path, f)
		_ = f.Close()

		if *asJSON {
			if err := enc.Encode(info); err != nil {
				return fmt.Errorf("failed to encode %s: %w", path, err)
			}
			continue
		}

		printInfo(stdout, info)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be read", failed, len(files))
	}

	return nil
}

func printInfo(w io.Writer, info fileInfo) {
	fmt.Fprintf(w, "%s (%d bytes, %s endian)\n", info.Path, info.Size, info.Endianness)

	fmt.Fprintf(w, "\nHeader:\n")
	for _, name := range blockfile.FieldNames() {
		fmt.Fprintf(w, "  %-16s %v\n", name, info.Header[name])
	}

	fmt.Fprintf(w, "\nMetadata:\n")
	for _, m := range blockfile.Mappings {
		fmt.Fprintf(w, "  %-42s %v\n", m.Path, lookup(info.Metadata, m.Path))
	}

	fmt.Fprintf(w, "\nAxes:\n")
	for _, a := range info.Axes {
		scale := fmt.Sprintf("%g", a.Scale)
		if !a.Calibrated {
			scale = "unset"
		}
		fmt.Fprintf(w, "  %-3s size %-6d scale %-10s %s\n", a.Name, a.Size, scale, a.Unit)
	}

	fmt.Fprintf(w, "\nDigest: %s\n", info.Digest)

	if info.Note != "" {
		fmt.Fprintf(w, "\nNote:\n  %s\n", strings.ReplaceAll(info.Note, "\n", "\n  "))
	}

	fmt.Fprintln(w)
}

// lookup resolves a dotted path in a nested metadata map.
func lookup(tree map[string]any, path string) any {
	var cur any = tree

	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}

	return cur
}

func runConvert(args []string, stdout io.Writer) error {
	fset := newFlagSet("convert")
	inEndian := fset.String("in-endian", "little", "Byte order of the input header")
	outEndian := fset.String("out-endian", "little", "Byte order of the output header")
	note := fset.String("note", "", "Replace the note (default: keep)")
	clearNote := fset.Bool("clear-note", false, "Write an empty note")

	if err := parseArgs(fset, args, 2, 2); err != nil {
		return err
	}

	in, out := fset.Arg(0), fset.Arg(1)

	if sameFile(in, out) {
		return errors.New("input and output must differ")
	}

	e, err := blockfile.ParseEndianness(*outEndian)
	if err != nil {
		return err
	}

	f, err := openFile(in, *inEndian)
	if err != nil {
		return err
	}
	defer f.Close()

	text := f.Note
	switch {
	case *clearNote:
		text = ""
	case *note != "":
		text = *note
	}

	res, err := blockfile.WriteFile(out, f.Cube, blockfile.WriteParams{
		ScanScaleX:      f.Header.SX,
		ScanScaleY:      f.Header.SY,
		ReciprocalScale: f.ReciprocalScale.Value,
		Endianness:      e,
		Header:          &f.Header,
		Note:            text,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	if res.NoteTruncated {
		fmt.Fprintf(stdout, "Warning: note truncated to %d bytes\n", res.Header.NoteCapacity())
	}

	fmt.Fprintf(stdout, "Converted %s -> %s (%s endian, %d bytes)\n", in, out, e, res.BytesWritten)

	return nil
}

// sameFile reports whether b names the same file as a, following links.
// The input is memory-mapped, so writing over it would corrupt the read.
func sameFile(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}

	ia, err := os.Stat(a)
	if err != nil {
		return false
	}

	ib, err := os.Stat(b)
	if err != nil {
		return false
	}

	return os.SameFile(ia, ib)
}

func parseDetector(kind string, size int, inner, outer float64) (dsp.Detector, error) {
	switch kind {
	case "whole":
		return dsp.WholeFrame(), nil
	case "bf":
		return dsp.BrightField(size, outer), nil
	case "adf":
		if inner >= outer {
			return dsp.Detector{}, fmt.Errorf("inner radius %g must be below outer radius %g", inner, outer)
		}
		return dsp.AnnularDarkField(size, inner, outer), nil
	default:
		return dsp.Detector{}, fmt.Errorf("unknown detector %q", kind)
	}
}

func runVBF(args []string, stdout io.Writer) error {
	fset := newFlagSet("vbf")
	computed := fset.Bool("computed", false, "Recompute from the stack instead of using the stored preview")
	detector := fset.String("detector", "whole", "Detector for -computed: whole, bf or adf")
	inner := fset.Float64("inner", 0, "Inner detector radius in pixels (adf)")
	outer := fset.Float64("outer", 8, "Outer detector radius in pixels (bf, adf)")
	endian := fset.String("endian", "little", "Header byte order (little or big)")

	if err := parseArgs(fset, args, 2, 2); err != nil {
		return err
	}

	in, out := fset.Arg(0), fset.Arg(1)

	f, err := openFile(in, *endian)
	if err != nil {
		return err
	}
	defer f.Close()

	var pixels []byte

	if *computed {
		d, err := parseDetector(*detector, int(f.Header.DPSize), *inner, *outer)
		if err != nil {
			return err
		}

		values, err := dsp.VirtualImage(f.Cube, d)
		if err != nil {
			return err
		}
		pixels = dsp.Normalize(values)
	} else {
		if pixels, err = f.VirtualBrightField(); err != nil {
			return err
		}
	}

	if err := writePGM(out, int(f.Header.NX), int(f.Header.NY), pixels); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Wrote %dx%d image to %s\n", f.Header.NX, f.Header.NY, out)

	return nil
}

// writePGM writes an 8-bit binary portable graymap.
func writePGM(path string, width, height int, pixels []byte) error {
	if len(pixels) != width*height {
		return fmt.Errorf("image has %d pixels, expected %dx%d", len(pixels), width, height)
	}

	outFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	w := bufio.NewWriter(outFile)
	fmt.Fprintf(w, "P5\n%d %d\n255\n", width, height)

	if _, err := w.Write(pixels); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}

	return outFile.Close()
}

func parseLevel(s string) (archive.Level, error) {
	switch s {
	case "fastest":
		return archive.LevelFastest, nil
	case "default", "":
		return archive.LevelDefault, nil
	case "better":
		return archive.LevelBetter, nil
	case "best":
		return archive.LevelBest, nil
	default:
		return 0, fmt.Errorf("unknown compression level %q", s)
	}
}

func runPack(args []string, stdout io.Writer) error {
	fset := newFlagSet("pack")
	levelName := fset.String("level", "default", "Compression level: fastest, default, better or best")

	if err := parseArgs(fset, args, 1, 2); err != nil {
		return err
	}

	level, err := parseLevel(*levelName)
	if err != nil {
		return err
	}

	in := fset.Arg(0)
	out := in + archive.Extension
	if fset.NArg() == 2 {
		out = fset.Arg(1)
	}

	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()

	var n int64
	size, err := copyToFile(out, func(w io.Writer) error {
		var err error
		n, err = archive.Pack(w, src, level)
		return err
	})
	if err != nil {
		return err
	}

	ratio := 0.0
	if size > 0 {
		ratio = float64(n) / float64(size)
	}

	fmt.Fprintf(stdout, "Packed %s -> %s: %d -> %d bytes (%.1fx)\n", in, out, n, size, ratio)

	return nil
}

func runUnpack(args []string, stdout io.Writer) error {
	fset := newFlagSet("unpack")

	if err := parseArgs(fset, args, 1, 2); err != nil {
		return err
	}

	in := fset.Arg(0)
	out := strings.TrimSuffix(in, archive.Extension)
	if fset.NArg() == 2 {
		out = fset.Arg(1)
	}

	if out == in {
		return fmt.Errorf("cannot derive output name from %s, give one explicitly", in)
	}

	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()

	size, err := copyToFile(out, func(w io.Writer) error {
		_, err := archive.Unpack(w, src)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Unpacked %s -> %s: %d bytes\n", in, out, size)

	return nil
}

// copyToFile creates path, lets fill write to it and returns the final size.
func copyToFile(path string, fill func(io.Writer) error) (int64, error) {
	outFile, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	w := bufio.NewWriter(outFile)
	if err := fill(w); err != nil {
		return 0, err
	}

	if err := w.Flush(); err != nil {
		return 0, err
	}

	info, err := outFile.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), outFile.Close()
}
