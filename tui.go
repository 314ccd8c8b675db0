package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/nsf/termbox-go"

	"blockfile/dsp"
	"blockfile/pkg/blockfile"
	"blockfile/pkg/resampler"
	"blockfile/web"
)

const (
	colDef     = termbox.ColorDefault
	colWhite   = termbox.ColorWhite
	colRed     = termbox.ColorRed
	colYellow  = termbox.ColorYellow
	colCyan    = termbox.ColorCyan
	colMagenta = termbox.ColorMagenta
)

// Terminal cells are about twice as tall as they are wide.
const cellAspect = 2.0

// shades maps intensity to block characters, darkest first.
var shades = []rune{' ', '░', '▒', '▓', '█'}

type patternView int

const (
	viewFrame patternView = iota
	viewSpectrum
	viewHeader
)

func (v patternView) String() string {
	switch v {
	case viewSpectrum:
		return "power spectrum"
	case viewHeader:
		return "header"
	default:
		return "pattern"
	}
}

type TUIState struct {
	file *blockfile.File
	exit bool

	row, col int
	view     patternView
	computed bool // show the recomputed preview instead of the stored one

	// Selections arriving from browsers.
	selections chan web.Selection
	// Browsers to notify when the cursor moves; nil without a web server.
	listener web.SelectionListener

	spectrum *dsp.SpectrumEngine
	resizer  *resampler.Resampler

	vbfStored   []byte
	vbfComputed []byte
}

func newTUIState(f *blockfile.File, listener web.SelectionListener) *TUIState {
	s := &TUIState{
		file:       f,
		selections: make(chan web.Selection, 16),
		listener:   listener,
		resizer:    resampler.New(),
	}

	if vbf, err := f.VirtualBrightField(); err == nil {
		s.vbfStored = vbf
	} else {
		slog.Warn("Stored preview unavailable, using computed one", "error", err)
		s.computed = true
	}

	if engine, err := dsp.NewSpectrumEngine(int(f.Header.DPSize)); err == nil {
		s.spectrum = engine
	} else {
		slog.Warn("Power spectrum unavailable", "error", err)
	}

	return s
}

// OnSelect implements web.SelectionListener. It is called from the web
// server's goroutines; the event loop applies the selection.
func (s *TUIState) OnSelect(row, col int) {
	select {
	case s.selections <- web.Selection{Row: row, Col: col}:
	default:
		slog.Warn("Dropping browser selection", "row", row, "col", col)
	}
}

// empty reports whether the scan holds no patterns.
func (s *TUIState) empty() bool {
	return s.file.Cube.Shape().Frames() == 0
}

// moveTo sets the cursor, clamped to the scan. It reports whether the cursor
// moved. The cursor stays at the origin of an empty scan.
func (s *TUIState) moveTo(row, col int) bool {
	if s.empty() {
		return false
	}

	h := s.file.Header
	row = max(0, min(row, int(h.NY)-1))
	col = max(0, min(col, int(h.NX)-1))

	if row == s.row && col == s.col {
		return false
	}

	s.row, s.col = row, col

	return true
}

func runTUI(state *TUIState) {
	err := termbox.Init()
	if err != nil {
		//nolint:forbidigo // TUI initialization error requires direct output
		fmt.Printf("Failed to initialize TUI: %v\n", err)
		return
	}
	defer termbox.Close()

	termbox.SetInputMode(termbox.InputEsc)

	eventQueue := make(chan termbox.Event)

	go func() {
		for {
			eventQueue <- termbox.PollEvent()
		}
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	draw(state)

	for !state.exit {
		select {
		case ev := <-eventQueue:
			switch ev.Type {
			case termbox.EventKey:
				handleKey(ev, state)
				draw(state)
			case termbox.EventResize:
				draw(state)
			}
		case sel := <-state.selections:
			state.moveTo(sel.Row, sel.Col)
			draw(state)
		case <-ticker.C:
			draw(state)
		}
	}
}

func handleKey(ev termbox.Event, s *TUIState) {
	if ev.Key == termbox.KeyEsc || ev.Ch == 'q' {
		s.exit = true
		return
	}

	row, col := s.row, s.col

	switch ev.Key {
	case termbox.KeyArrowUp:
		row--
	case termbox.KeyArrowDown:
		row++
	case termbox.KeyArrowLeft:
		col--
	case termbox.KeyArrowRight:
		col++
	case termbox.KeyPgup:
		row -= 10
	case termbox.KeyPgdn:
		row += 10
	case termbox.KeyHome:
		row, col = 0, 0
	}

	switch ev.Ch {
	case 's':
		if s.view == viewSpectrum {
			s.view = viewFrame
		} else {
			s.view = viewSpectrum
		}
	case 'h':
		if s.view == viewHeader {
			s.view = viewFrame
		} else {
			s.view = viewHeader
		}
	case 'c':
		s.computed = !s.computed || s.vbfStored == nil
	}

	if s.moveTo(row, col) && s.listener != nil {
		s.listener.OnSelect(s.row, s.col)
	}
}

// previewImage returns the virtual bright-field map currently displayed.
func (s *TUIState) previewImage() []byte {
	if !s.computed {
		return s.vbfStored
	}

	if s.vbfComputed == nil && !s.empty() {
		values, err := dsp.VirtualImage(s.file.Cube, dsp.WholeFrame())
		if err != nil {
			slog.Error("Failed to compute preview", "error", err)
			return nil
		}
		s.vbfComputed = dsp.Normalize(values)
	}

	return s.vbfComputed
}

// patternImage returns the image shown for the current scan position and
// its side length.
func (s *TUIState) patternImage() ([]byte, int) {
	if s.empty() {
		return nil, 0
	}

	frame := s.file.Cube.Frame(s.row, s.col)
	size := int(s.file.Header.DPSize)

	if s.view != viewSpectrum || s.spectrum == nil {
		return frame, size
	}

	n := s.spectrum.Size()
	out := make([]float32, n*n)
	if err := s.spectrum.Compute(frame, out); err != nil {
		slog.Error("Failed to compute spectrum", "error", err)
		return frame, size
	}

	return dsp.Normalize(out), n
}

// renderImage scales an h x w image into at most maxH x maxW cells and
// returns the shaded rows. Images smaller than the area are enlarged with
// the resampler; larger ones are block averaged.
func renderImage(r *resampler.Resampler, img []byte, h, w, maxH, maxW int) []string {
	outH, outW := resampler.FitSize(h, w, maxH, maxW, cellAspect)
	if outH == 0 || outW == 0 || len(img) != h*w {
		return nil
	}

	var values []float32
	var err error

	if outH > h || outW > w {
		src := make([]float32, len(img))
		for i, v := range img {
			src[i] = float32(v)
		}
		values, err = r.Resize(src, h, w, outH, outW)
	} else {
		values, err = resampler.Downsample(img, h, w, outH, outW)
	}

	if err != nil {
		slog.Error("Failed to scale image", "error", err)
		return nil
	}

	rows := make([]string, outH)
	line := make([]rune, outW)

	for y := range outH {
		for x := range outW {
			line[x] = shade(values[y*outW+x])
		}
		rows[y] = string(line)
	}

	return rows
}

func shade(v float32) rune {
	v = max(0, min(v, 255))
	return shades[int(v)*len(shades)/256]
}

// headerLines summarizes the decoded header for display.
func headerLines(f *blockfile.File) []string {
	h := f.Header
	md := f.Metadata

	return []string{
		fmt.Sprintf("File:            %s (%d bytes, %s endian)", f.Filename, f.Size(), f.Endianness),
		fmt.Sprintf("Scan:            %d x %d, step %g x %g nm", h.NX, h.NY, h.SX, h.SY),
		fmt.Sprintf("Patterns:        %d x %d px, %s cm/px", h.DPSize, h.DPSize, f.ReciprocalScale),
		fmt.Sprintf("Beam energy:     %g kV", md.BeamEnergy),
		fmt.Sprintf("Camera length:   %g m", md.CameraLength),
		fmt.Sprintf("Scan rotation:   %g deg", md.ScanRotation),
		fmt.Sprintf("Acquired:        %s", md.AcquisitionTime.Format(time.RFC3339)),
		fmt.Sprintf("Offsets:         note/preview %d, stack %d", h.DataOffset1, h.DataOffset2),
	}
}

// fit truncates s to width terminal columns.
func fit(s string, width int) string {
	if width <= 0 {
		return ""
	}

	return runewidth.Truncate(s, width, "…")
}

func draw(state *TUIState) {
	_ = termbox.Clear(colDef, colDef)

	w, h := termbox.Size()
	f := state.file

	title := fmt.Sprintf("blockview - %s  (empty scan)", f.Filename)
	if !state.empty() {
		title = fmt.Sprintf("blockview - %s  [%d, %d]  mean %.1f", f.Filename, state.row, state.col, f.Cube.Mean(state.row, state.col))
	}
	printTB(0, 0, colCyan, colDef, fit(title, w))
	printTB(0, 1, colDef, colDef, fit("Arrows move, s spectrum, h header, c preview source, q quits", w))

	if state.view == viewHeader {
		drawHeader(state, w, h)
		termbox.Flush()
		return
	}

	top := 3
	panelW := max((w-3)/2, 1)
	panelH := max(h-top-2, 1)

	source := "stored"
	if state.computed {
		source = "computed"
	}
	printTB(0, top-1, colYellow, colDef, fit("Virtual bright field ("+source+")", panelW))

	nx, ny := int(f.Header.NX), int(f.Header.NY)
	vbf := renderImage(state.resizer, state.previewImage(), ny, nx, panelH, panelW)
	for y, line := range vbf {
		printTB(0, top+y, colWhite, colDef, line)
	}

	if len(vbf) > 0 {
		cy := state.row * len(vbf) / ny
		cx := state.col * runewidth.StringWidth(vbf[0]) / nx
		termbox.SetCell(cx, top+cy, '+', colRed, colDef)
	}

	img, size := state.patternImage()
	x0 := panelW + 3
	printTB(x0, top-1, colYellow, colDef, fit(state.view.String(), panelW))

	for y, line := range renderImage(state.resizer, img, size, size, panelH, panelW) {
		printTB(x0, top+y, colWhite, colDef, line)
	}

	if f.Note != "" {
		note := strings.Join(strings.Fields(f.Note), " ")
		printTB(0, h-1, colMagenta, colDef, fit("Note: "+note, w))
	}

	termbox.Flush()
}

func drawHeader(state *TUIState, w, h int) {
	y := 3
	for _, line := range headerLines(state.file) {
		if y >= h {
			return
		}
		printTB(0, y, colWhite, colDef, fit(line, w))
		y++
	}

	y++
	for _, line := range strings.Split(state.file.Note, "\n") {
		if y >= h {
			return
		}
		printTB(0, y, colMagenta, colDef, fit(line, w))
		y++
	}
}

func printTB(x, y int, fg, bg termbox.Attribute, msg string) {
	for _, c := range msg {
		termbox.SetCell(x, y, c, fg, bg)
		x += runewidth.RuneWidth(c)
	}
}
