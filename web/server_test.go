package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"blockfile/pkg/blockfile"
)

func testFile(t *testing.T) *blockfile.File {
	t.Helper()

	shape := blockfile.Shape{NY: 3, NX: 4, Height: 8, Width: 8}
	cube := blockfile.NewCube(shape)

	for row := range shape.NY {
		for col := range shape.NX {
			frame := cube.Frame(row, col)
			for i := range frame {
				frame[i] = uint8(row*50 + col*10 + i%3)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := blockfile.Write(&buf, cube, blockfile.WriteParams{
		ScanScaleX:      2,
		ScanScaleY:      2,
		ReciprocalScale: 0.5,
		Note:            "web test",
	}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	f, err := blockfile.ReadBytes(buf.Bytes(), blockfile.ReadOptions{})
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}

	f.Filename = "test.blo"

	return f
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	s := NewServer(testFile(t), 0)

	handler, err := s.Handler()
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)

	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		s.cancel()
	})

	return s, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decoding %s failed: %v", url, err)
		}
	}

	return resp.StatusCode
}

func TestIndex(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}

	if code := getJSON(t, ts.URL+"/nope", nil); code != http.StatusNotFound {
		t.Errorf("unknown path status %d, want 404", code)
	}
}

func TestAPIHeader(t *testing.T) {
	_, ts := newTestServer(t)

	var h struct {
		Filename        string         `json:"filename"`
		Endianness      string         `json:"endianness"`
		Fields          map[string]any `json:"fields"`
		Note            string         `json:"note"`
		Metadata        map[string]any `json:"metadata"`
		ReciprocalScale *float64       `json:"reciprocalScale"`
	}

	if code := getJSON(t, ts.URL+"/api/header", &h); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}

	if h.Filename != "test.blo" || h.Note != "web test" || h.Endianness != "little" {
		t.Errorf("unexpected header payload: %+v", h)
	}

	if h.Fields[blockfile.FieldID] != "IMGBLO" {
		t.Errorf("ID = %v", h.Fields[blockfile.FieldID])
	}

	if v, _ := h.Fields[blockfile.FieldNX].(float64); v != 4 {
		t.Errorf("NX = %v, want 4", h.Fields[blockfile.FieldNX])
	}

	if h.ReciprocalScale == nil || *h.ReciprocalScale != 0.5 {
		t.Errorf("reciprocalScale = %v, want 0.5", h.ReciprocalScale)
	}

	if _, ok := h.Metadata["Acquisition_instrument"]; !ok {
		t.Error("metadata lacks Acquisition_instrument")
	}
}

func TestAPIAxes(t *testing.T) {
	_, ts := newTestServer(t)

	var axes []blockfile.Axis
	if code := getJSON(t, ts.URL+"/api/axes", &axes); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}

	if len(axes) != 4 {
		t.Fatalf("got %d axes", len(axes))
	}

	if axes[0].Name != "x" || axes[0].Size != 4 || axes[1].Unit != "cm" || axes[3].Size != 3 {
		t.Errorf("unexpected axes: %+v", axes)
	}
}

func TestAPIVBF(t *testing.T) {
	s, ts := newTestServer(t)

	var img ImagePayload
	if code := getJSON(t, ts.URL+"/api/vbf", &img); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}

	want := blockfile.VirtualBrightField(s.file.Cube)
	if img.Width != 4 || img.Height != 3 || !bytes.Equal(img.Pixels, want) {
		t.Errorf("vbf = %+v, want pixels %v", img, want)
	}

	if code := getJSON(t, ts.URL+"/api/vbf?source=computed", &img); code != http.StatusOK {
		t.Fatalf("computed status %d", code)
	}

	if len(img.Pixels) != 12 || img.Pixels[0] != 0 || img.Pixels[11] != 255 {
		t.Errorf("computed vbf = %v", img.Pixels)
	}

	if code := getJSON(t, ts.URL+"/api/vbf?source=bogus", nil); code != http.StatusBadRequest {
		t.Errorf("bogus source status %d, want 400", code)
	}
}

func TestAPIFrame(t *testing.T) {
	s, ts := newTestServer(t)

	var fr FramePayload
	if code := getJSON(t, ts.URL+"/api/frame?row=2&col=1", &fr); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}

	if fr.Row != 2 || fr.Col != 1 || fr.Width != 8 || fr.Height != 8 {
		t.Errorf("unexpected frame payload: %+v", fr)
	}

	if !bytes.Equal(fr.Pixels, s.file.Cube.Frame(2, 1)) {
		t.Error("frame pixels differ")
	}

	if code := getJSON(t, ts.URL+"/api/frame?row=3&col=0", nil); code != http.StatusNotFound {
		t.Errorf("out of range status %d, want 404", code)
	}

	if code := getJSON(t, ts.URL+"/api/frame?row=x", nil); code != http.StatusBadRequest {
		t.Errorf("invalid row status %d, want 400", code)
	}
}

func TestAPISpectrumAndProfile(t *testing.T) {
	_, ts := newTestServer(t)

	var fr FramePayload
	if code := getJSON(t, ts.URL+"/api/spectrum?row=1&col=1", &fr); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}

	if fr.Width != 8 || len(fr.Pixels) != 64 {
		t.Errorf("spectrum is %dx%d with %d pixels", fr.Width, fr.Height, len(fr.Pixels))
	}

	var prof struct {
		Profile []float64 `json:"profile"`
	}
	if code := getJSON(t, ts.URL+"/api/profile", &prof); code != http.StatusOK {
		t.Fatalf("profile status %d", code)
	}

	if len(prof.Profile) == 0 {
		t.Error("empty profile")
	}
}

type recordingListener struct {
	mu  sync.Mutex
	got []Selection
}

func (l *recordingListener) OnSelect(row, col int) {
	l.mu.Lock()
	l.got = append(l.got, Selection{Row: row, Col: col})
	l.mu.Unlock()
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}

	return msg
}

func TestWebSocketSelect(t *testing.T) {
	s, ts := newTestServer(t)

	listener := &recordingListener{}
	s.SetListener(listener)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if msg := readMessage(t, conn); msg.Type != "state" {
		t.Fatalf("first message %q, want state", msg.Type)
	}

	if err := conn.WriteJSON(Message{Type: "select", Payload: Selection{Row: 2, Col: 3}}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != "selected" {
		t.Fatalf("message %q, want selected", msg.Type)
	}

	payload, _ := msg.Payload.(map[string]any)
	if payload["row"] != 2.0 || payload["col"] != 3.0 {
		t.Errorf("selected payload = %v", msg.Payload)
	}

	if row, col := s.Selection(); row != 2 || col != 3 {
		t.Errorf("Selection = %d, %d", row, col)
	}

	listener.mu.Lock()
	got := append([]Selection(nil), listener.got...)
	listener.mu.Unlock()

	if len(got) != 1 || got[0] != (Selection{Row: 2, Col: 3}) {
		t.Errorf("listener saw %v", got)
	}

	// The terminal side drives the browsers too.
	s.OnSelect(0, 1)

	if msg := readMessage(t, conn); msg.Type != "selected" {
		t.Errorf("message %q after OnSelect, want selected", msg.Type)
	}
}

func TestSelectOutOfRange(t *testing.T) {
	s, _ := newTestServer(t)

	if s.Select(3, 0) || s.Select(0, 4) || s.Select(-1, 0) {
		t.Error("out of range selection accepted")
	}

	if !s.Select(2, 3) {
		t.Error("valid selection rejected")
	}
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	h := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		h.Run(ctx)
		close(done)
	}()

	h.BroadcastMessage(Message{Type: "selected", Payload: Selection{}})

	if n := h.ClientCount(); n != 0 {
		t.Errorf("ClientCount = %d", n)
	}

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestHubJoinGreetingAndStop(t *testing.T) {
	h := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := newClient(h, nil)
	if !h.Join(c, []byte("hello")) {
		t.Fatal("Join rejected by a running hub")
	}

	if msg := <-c.send; string(msg) != "hello" {
		t.Errorf("first message %q, want greeting", msg)
	}

	if n := h.ClientCount(); n != 1 {
		t.Errorf("ClientCount = %d, want 1", n)
	}

	cancel()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("unexpected message after stop")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client queue not closed on stop")
	}

	// Joining a stopped hub must neither block nor register.
	late := newClient(h, nil)
	if h.Join(late, []byte("hello")) {
		t.Error("stopped hub accepted a client")
	}

	if len(late.send) != 0 {
		t.Error("stopped hub queued a greeting")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := newClient(h, nil)
	if !h.Join(c, nil) {
		t.Fatal("Join failed")
	}

	// Nobody drains c.send, so it overflows.
	for range sendQueueSize + 1 {
		h.Broadcast([]byte("x"))
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketAfterHubStop(t *testing.T) {
	s := NewServer(testFile(t), 0)
	t.Cleanup(s.cancel)

	handler, err := s.Handler()
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		s.hub.Run(ctx)
		close(done)
	}()

	cancel()
	<-done

	ts := httptest.NewServer(handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("stopped hub sent a message")
	}

	if n := s.hub.ClientCount(); n != 0 {
		t.Errorf("ClientCount = %d after stop", n)
	}
}
