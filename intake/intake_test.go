package intake

import (
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"scribe.town/session"
	"scribe.town/worker"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	open     bool
	frames   [][]float32
	finished bool
	got      chan struct{}
}

func newFakeRecognizer(open bool) *fakeRecognizer {
	return &fakeRecognizer{open: open, got: make(chan struct{}, 16)}
}

func (f *fakeRecognizer) Send(frame []float32) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	f.got <- struct{}{}
	return nil
}

func (f *fakeRecognizer) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeRecognizer) Finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = true
	f.open = false
}

func (f *fakeRecognizer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
}

func (f *fakeRecognizer) sent() [][]float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]float32, len(f.frames))
	copy(out, f.frames)
	return out
}

func encodeFrame(frame []float32) []byte {
	buf := make([]byte, 4*len(frame))
	for i, s := range frame {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	return buf
}

type intakeFixture struct {
	registry *session.Registry
	rec      *session.Record
	bridge   *fakeRecognizer
	srv      *httptest.Server
}

func newIntakeFixture(t *testing.T, bridgeOpen bool) *intakeFixture {
	t.Helper()

	registry := session.NewRegistry(log.New(io.Discard))
	rec := registry.Create("s1", worker.Config{ConnectionID: "s1"})
	bridge := newFakeRecognizer(bridgeOpen)

	h := NewHandler(
		log.New(io.Discard),
		registry,
		func(*session.Record) (session.Recognizer, error) { return bridge, nil },
		func(rec *session.Record) { rec.TakeBridge() },
	)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &intakeFixture{registry: registry, rec: rec, bridge: bridge, srv: srv}
}

func (fx *intakeFixture) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "?connectionId=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial intake: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestIntakeRequiresConnectionID(t *testing.T) {
	fx := newIntakeFixture(t, true)

	resp, err := http.Get(fx.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestIntakeUnknownSession(t *testing.T) {
	fx := newIntakeFixture(t, true)

	resp, err := http.Get(fx.srv.URL + "?connectionId=ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestIntakeRejectsSecondPeer(t *testing.T) {
	fx := newIntakeFixture(t, true)
	fx.dial(t, "s1")

	// Wait for the first connection to register itself.
	deadline := time.Now().Add(time.Second)
	for fx.rec.Intake() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(fx.srv.URL + "?connectionId=s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestIntakeForwardsFrames(t *testing.T) {
	fx := newIntakeFixture(t, true)
	conn := fx.dial(t, "s1")

	frame := []float32{0.25, -0.75}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case <-fx.bridge.got:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge never received the frame")
	}

	sent := fx.bridge.sent()
	if len(sent) != 1 || len(sent[0]) != 2 {
		t.Fatalf("sent = %v, want one 2-sample frame", sent)
	}
	if sent[0][0] != 0.25 || sent[0][1] != -0.75 {
		t.Errorf("frame = %v, want [0.25 -0.75]", sent[0])
	}
}

func TestIntakeFinishesBridgeOnDisconnect(t *testing.T) {
	fx := newIntakeFixture(t, true)
	conn := fx.dial(t, "s1")

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("write close: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fx.bridge.mu.Lock()
		finished := fx.bridge.finished
		fx.bridge.mu.Unlock()
		if finished && fx.rec.Intake() == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bridge not finished or intake still attached after disconnect")
}

func TestIntakeDropsFramesWhileBridgeClosed(t *testing.T) {
	fx := newIntakeFixture(t, false)
	conn := fx.dial(t, "s1")

	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame([]float32{0.5})); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case <-fx.bridge.got:
		t.Fatal("frame reached a closed bridge")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDecodeFrame(t *testing.T) {
	if got := DecodeFrame(nil); got != nil {
		t.Errorf("decode nil = %v, want nil", got)
	}
	if got := DecodeFrame([]byte{1, 2, 3}); got != nil {
		t.Errorf("decode misaligned = %v, want nil", got)
	}

	frame := DecodeFrame(encodeFrame([]float32{1.5, -2.25}))
	if len(frame) != 2 || frame[0] != 1.5 || frame[1] != -2.25 {
		t.Errorf("decode = %v, want [1.5 -2.25]", frame)
	}
}
