// Package web serves a browser viewer for an opened blockfile: header and
// metadata, the virtual bright-field map and the pattern at the selected
// scan position. Selections are shared between all browsers over a
// WebSocket.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"blockfile/dsp"
	"blockfile/pkg/blockfile"
)

// ErrUnsupportedPlatform is returned when browser opening is not supported.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

//go:embed static/*
var staticFiles embed.FS

// SelectionListener is notified when a browser selects a scan position.
type SelectionListener interface {
	OnSelect(row, col int)
}

// Message represents a WebSocket message.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Selection is a scan position.
type Selection struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// StatePayload describes the scan and the current selection.
type StatePayload struct {
	Filename string `json:"filename"`
	NX       int    `json:"nx"`
	NY       int    `json:"ny"`
	DPSize   int    `json:"dpSize"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
}

// HeaderPayload is the response of /api/header.
type HeaderPayload struct {
	Filename        string                  `json:"filename"`
	Size            int64                   `json:"size"`
	Endianness      string                  `json:"endianness"`
	Fields          map[string]any          `json:"fields"`
	Note            string                  `json:"note"`
	Metadata        map[string]any          `json:"metadata"`
	ReciprocalScale blockfile.OptionalFloat `json:"reciprocalScale"`
}

// ImagePayload carries an 8-bit grey image. Pixels are base64 encoded.
type ImagePayload struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pixels []byte `json:"pixels"`
}

// FramePayload is the response of /api/frame and /api/spectrum.
type FramePayload struct {
	Row  int     `json:"row"`
	Col  int     `json:"col"`
	Mean float64 `json:"mean"`
	ImagePayload
}

// Server is the web server for the blockfile viewer.
type Server struct {
	file       *blockfile.File
	port       int
	hub        *Hub
	httpServer *http.Server

	spectrumOnce sync.Once
	spectrum     *dsp.SpectrumEngine
	spectrumErr  error

	mu       sync.RWMutex
	row, col int
	listener SelectionListener

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new web server for f.
func NewServer(f *blockfile.File, port int) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		file:   f,
		port:   port,
		hub:    NewHub(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetListener registers the listener for browser selections.
func (s *Server) SetListener(l SelectionListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Handler returns the HTTP handler serving the UI and API.
func (s *Server) Handler() (http.Handler, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to create static file system: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/state", s.handleAPIState)
	mux.HandleFunc("GET /api/header", s.handleAPIHeader)
	mux.HandleFunc("GET /api/axes", s.handleAPIAxes)
	mux.HandleFunc("GET /api/vbf", s.handleAPIVBF)
	mux.HandleFunc("GET /api/frame", s.handleAPIFrame)
	mux.HandleFunc("GET /api/spectrum", s.handleAPISpectrum)
	mux.HandleFunc("GET /api/profile", s.handleAPIProfile)

	return mux, nil
}

// Start starts the web server. It blocks until the server stops.
func (s *Server) Start() error {
	go s.hub.Run(s.ctx)

	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Web server starting", "port", s.port, "url", fmt.Sprintf("http://localhost:%d", s.port))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleIndex serves the main HTML page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

//nolint:gochecknoglobals // WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// handleWebSocket handles WebSocket connections.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(s.hub, conn)

	if !s.hub.Join(client, s.stateMessage()) {
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump(s.handleClientMessage)
}

func (s *Server) state() StatePayload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.file.Header

	return StatePayload{
		Filename: s.file.Filename,
		NX:       int(h.NX),
		NY:       int(h.NY),
		DPSize:   int(h.DPSize),
		Row:      s.row,
		Col:      s.col,
	}
}

// stateMessage encodes the current state for a newly connected client.
func (s *Server) stateMessage() []byte {
	data, err := json.Marshal(Message{Type: "state", Payload: s.state()})
	if err != nil {
		slog.Error("Failed to marshal state", "error", err)
		return nil
	}

	return data
}

// handleClientMessage handles incoming WebSocket messages.
func (s *Server) handleClientMessage(data []byte) {
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("Failed to parse WebSocket message", "error", err)
		return
	}

	switch msg.Type {
	case "select":
		var sel Selection
		if err := json.Unmarshal(msg.Payload, &sel); err != nil {
			slog.Error("Invalid select payload", "error", err)
			return
		}

		if !s.inScan(sel.Row, sel.Col) {
			slog.Warn("Selection outside scan", "row", sel.Row, "col", sel.Col)
			return
		}

		s.mu.RLock()
		l := s.listener
		s.mu.RUnlock()

		if l != nil {
			l.OnSelect(sel.Row, sel.Col)
		}

		s.Select(sel.Row, sel.Col)

	default:
		slog.Debug("Unknown WebSocket message", "type", msg.Type)
	}
}

// Select moves the shared scan position and notifies all browsers. It
// reports false, changing nothing, if the position is outside the scan.
func (s *Server) Select(row, col int) bool {
	if !s.inScan(row, col) {
		return false
	}

	s.mu.Lock()
	s.row, s.col = row, col
	s.mu.Unlock()

	s.hub.BroadcastMessage(Message{Type: "selected", Payload: Selection{Row: row, Col: col}})

	return true
}

func (s *Server) inScan(row, col int) bool {
	h := s.file.Header
	return row >= 0 && row < int(h.NY) && col >= 0 && col < int(h.NX)
}

// OnSelect implements SelectionListener so the terminal UI can drive the
// browsers.
func (s *Server) OnSelect(row, col int) {
	s.Select(row, col)
}

// Selection returns the current scan position.
func (s *Server) Selection() (row, col int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.row, s.col
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleAPIState handles the REST API state endpoint.
func (s *Server) handleAPIState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.state())
}

func (s *Server) handleAPIHeader(w http.ResponseWriter, _ *http.Request) {
	f := s.file

	writeJSON(w, HeaderPayload{
		Filename:        f.Filename,
		Size:            f.Size(),
		Endianness:      f.Endianness.String(),
		Fields:          f.Header.Map(),
		Note:            f.Note,
		Metadata:        f.MetadataTree(),
		ReciprocalScale: f.ReciprocalScale,
	})
}

func (s *Server) handleAPIAxes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.file.Axes)
}

// handleAPIVBF serves the stored preview, or with ?source=computed the
// whole-frame mean image recomputed from the stack.
func (s *Server) handleAPIVBF(w http.ResponseWriter, r *http.Request) {
	h := s.file.Header
	img := ImagePayload{Width: int(h.NX), Height: int(h.NY)}

	switch r.URL.Query().Get("source") {
	case "", "stored":
		vbf, err := s.file.VirtualBrightField()
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		img.Pixels = vbf

	case "computed":
		values, err := dsp.VirtualImage(s.file.Cube, dsp.WholeFrame())
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		img.Pixels = dsp.Normalize(values)

	default:
		http.Error(w, "source must be stored or computed", http.StatusBadRequest)
		return
	}

	writeJSON(w, img)
}

// position parses row and col query parameters, defaulting to the current
// selection.
func (s *Server) position(r *http.Request) (int, int, error) {
	row, col := s.Selection()

	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"row", &row}, {"col", &col}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid %s %q", p.name, v)
		}
		*p.dst = n
	}

	return row, col, nil
}

func (s *Server) frame(w http.ResponseWriter, r *http.Request) (int, int, []byte, bool) {
	row, col, err := s.position(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, 0, nil, false
	}

	frame, err := s.file.Cube.FrameAt(row, col)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return 0, 0, nil, false
	}

	return row, col, frame, true
}

func (s *Server) handleAPIFrame(w http.ResponseWriter, r *http.Request) {
	row, col, frame, ok := s.frame(w, r)
	if !ok {
		return
	}

	size := int(s.file.Header.DPSize)

	writeJSON(w, FramePayload{
		Row:          row,
		Col:          col,
		Mean:         dsp.Mean(frame),
		ImagePayload: ImagePayload{Width: size, Height: size, Pixels: frame},
	})
}

func (s *Server) spectrumEngine() (*dsp.SpectrumEngine, error) {
	s.spectrumOnce.Do(func() {
		s.spectrum, s.spectrumErr = dsp.NewSpectrumEngine(int(s.file.Header.DPSize))
	})

	return s.spectrum, s.spectrumErr
}

func (s *Server) handleAPISpectrum(w http.ResponseWriter, r *http.Request) {
	row, col, frame, ok := s.frame(w, r)
	if !ok {
		return
	}

	engine, err := s.spectrumEngine()
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	n := engine.Size()
	out := make([]float32, n*n)
	if err := engine.Compute(frame, out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, FramePayload{
		Row:          row,
		Col:          col,
		Mean:         dsp.Mean(frame),
		ImagePayload: ImagePayload{Width: n, Height: n, Pixels: dsp.Normalize(out)},
	})
}

// handleAPIProfile serves the radial profile of a pattern around its centre.
func (s *Server) handleAPIProfile(w http.ResponseWriter, r *http.Request) {
	row, col, frame, ok := s.frame(w, r)
	if !ok {
		return
	}

	size := int(s.file.Header.DPSize)
	c := float64(size-1) / 2

	profile, err := dsp.RadialProfile(frame, size, c, c)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, map[string]any{"row": row, "col": col, "profile": profile})
}

// OpenBrowser opens the default browser to the specified URL.
func OpenBrowser(url string) error {
	ctx := context.Background()
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/c", "start", url)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
	}

	return cmd.Start()
}
