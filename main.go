// Command blockview displays an ASTAR blockfile in the terminal and in a
// browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"blockfile/pkg/blockfile"
	"blockfile/web"
)

func main() {
	filePath := flag.String("file", "", "Path to the blockfile (.blo or .blo.zst)")
	endian := flag.String("endian", "little", "Header byte order (little or big)")
	noTUI := flag.Bool("no-tui", false, "Disable interactive TUI")
	webPort := flag.Int("port", 8080, "Web server port")
	noBrowser := flag.Bool("no-browser", false, "Don't auto-open browser")
	noWeb := flag.Bool("no-web", false, "Disable web server")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logFile := flag.String("log", "blockview.log", "Log file path")
	showHelp := flag.Bool("help", false, "Show this help message")

	flag.Parse()

	if *showHelp {
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("blockview - ASTAR blockfile viewer")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("\nUsage: blockview [options] [file.blo]")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("\nExamples:")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("  blockview scan.blo")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("  blockview -no-browser -port 9000 scan.blo")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("  blockview -no-web -endian big scan.blo")
		//nolint:forbidigo // CLI help output requires fmt.Println
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	path := *filePath
	if path == "" && flag.NArg() > 0 {
		path = flag.Arg(0)
	}

	if path == "" {
		//nolint:forbidigo // CLI usage error
		fmt.Println("ERROR: no blockfile given (use -file or a positional argument)")
		os.Exit(2)
	}

	// Setup logging
	file, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		//nolint:forbidigo // error output before logging is initialized
		fmt.Printf("Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	slog.Info("Starting blockview", "args", os.Args)

	bf, err := openBlockfile(path, *endian)
	if err != nil {
		slog.Error("Failed to open blockfile", "path", path, "error", err)
		//nolint:forbidigo // CLI error output
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer bf.Close()

	slog.Info("Blockfile opened",
		"file", bf.Filename, "nx", bf.Header.NX, "ny", bf.Header.NY,
		"dpSize", bf.Header.DPSize, "reciprocalScale", bf.ReciprocalScale)

	var webServer *web.Server
	var listener web.SelectionListener

	if !*noWeb {
		webServer = web.NewServer(bf, *webPort)
		listener = webServer

		go func() {
			slog.Info("Starting web server", "port", *webPort)
			if err := webServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Web server error", "error", err)
			}
		}()

		if !*noBrowser {
			time.Sleep(200 * time.Millisecond) // Give server time to start
			go func() {
				url := fmt.Sprintf("http://localhost:%d", *webPort)
				if err := web.OpenBrowser(url); err != nil {
					slog.Error("Failed to open browser", "error", err)
				}
			}()
		}

		//nolint:forbidigo // startup message
		fmt.Printf("Web UI available at http://localhost:%d\n", *webPort)
	}

	if *noTUI {
		//nolint:forbidigo // headless mode output
		fmt.Println(strings.Join(headerLines(bf), "\n"))

		if webServer != nil {
			//nolint:forbidigo // headless mode startup message
			fmt.Println("TUI disabled. Press Ctrl+C to exit.")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			<-ctx.Done()
			stop()
		}
	} else {
		state := newTUIState(bf, listener)
		if webServer != nil {
			webServer.SetListener(state)
		}

		runTUI(state)
		slog.Info("TUI exited")
	}

	// Shutdown web server gracefully
	if webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := webServer.Shutdown(ctx); err != nil {
			slog.Error("Web server shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}

// openBlockfile opens path with the byte order named by endian.
func openBlockfile(path, endian string) (*blockfile.File, error) {
	e, err := blockfile.ParseEndianness(endian)
	if err != nil {
		return nil, err
	}

	return blockfile.Open(path, blockfile.ReadOptions{Endianness: e})
}
