// Command blotool inspects, generates and converts ASTAR blockfiles.
//
// Usage:
//
//	blotool [-verbose] <command> [options] <args>
//
// Commands:
//
//	info     Print header, metadata, axes and pixel digest of blockfiles
//	synth    Write a synthetic blockfile
//	convert  Rewrite a blockfile with another byte order or note
//	vbf      Export a virtual bright-field image as binary PGM
//	pack     Compress a blockfile with zstd
//	unpack   Decompress a packed blockfile
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"blockfile/internal/archive"
	"blockfile/pkg/blockfile"
)

var errUsage = errors.New("usage error")

type command struct {
	name  string
	usage string
	run   func(args []string, stdout io.Writer) error
}

var commands = []command{
	{"info", "[-json] [-recursive] [-endian E] <file|dir>...", runInfo},
	{"synth", "[options] <output.blo>", runSynth},
	{"convert", "[-in-endian E] [-out-endian E] [-note TEXT] <input> <output.blo>", runConvert},
	{"vbf", "[-computed] [-detector whole|bf|adf] [-inner R] [-outer R] <input> <output.pgm>", runVBF},
	{"pack", "[-level fastest|default|better|best] <input> [output]", runPack},
	{"unpack", "<input" + archive.Extension + "> [output]", runUnpack},
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: blotool [-verbose] <command> [options] <args>\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(w, "\nRun 'blotool <command> -h' for command options.\n")
}

func run(args []string, stdout, stderr io.Writer) error {
	fset := flag.NewFlagSet("blotool", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.Usage = func() { usage(stderr) }
	verbose := fset.Bool("verbose", false, "Log progress and details to stderr")

	if err := fset.Parse(args); err != nil {
		return errUsage
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	if fset.NArg() == 0 {
		usage(stderr)
		return errUsage
	}

	name := fset.Arg(0)
	for _, c := range commands {
		if c.name == name {
			return c.run(fset.Args()[1:], stdout)
		}
	}

	fmt.Fprintf(stderr, "Unknown command %q\n\n", name)
	usage(stderr)

	return errUsage
}

// newFlagSet creates the flag set of a subcommand. Parse errors are
// reported on stderr by the flag package.
func newFlagSet(name string) *flag.FlagSet {
	fset := flag.NewFlagSet("blotool "+name, flag.ContinueOnError)
	fset.SetOutput(os.Stderr)

	for _, c := range commands {
		if c.name == name {
			fset.Usage = func() {
				fmt.Fprintf(os.Stderr, "Usage: blotool %s %s\n\nOptions:\n", name, c.usage)
				fset.PrintDefaults()
			}
		}
	}

	return fset
}

func parseArgs(fset *flag.FlagSet, args []string, minArgs, maxArgs int) error {
	if err := fset.Parse(args); err != nil {
		return errUsage
	}

	if fset.NArg() < minArgs || fset.NArg() > maxArgs {
		fset.Usage()
		return errUsage
	}

	return nil
}

func openFile(path, endian string) (*blockfile.File, error) {
	e, err := blockfile.ParseEndianness(endian)
	if err != nil {
		return nil, err
	}

	return blockfile.Open(path, blockfile.ReadOptions{Endianness: e})
}

// isBlockfile reports whether path has a blockfile extension, packed or not.
func isBlockfile(path string) bool {
	name := strings.ToLower(path)
	name = strings.TrimSuffix(name, archive.Extension)

	return filepath.Ext(name) == blockfile.Extension
}

// findBlockfiles expands directories into the blockfiles they contain.
// Plain file arguments are returned as given.
func findBlockfiles(paths []string, recursive bool) ([]string, error) {
	var files []string

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			files = append(files, root)
			continue
		}

		walkFn := func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			// Skip subdirectories if not recursive
			if d.IsDir() && path != root && !recursive {
				return fs.SkipDir
			}

			if !d.IsDir() && isBlockfile(path) {
				files = append(files, path)
			}

			return nil
		}

		if err := filepath.WalkDir(root, walkFn); err != nil {
			return nil, err
		}
	}

	sort.Strings(files)

	return files, nil
}
