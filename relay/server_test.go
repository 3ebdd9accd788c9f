package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"scribe.town/fanout"
	"scribe.town/session"
	"scribe.town/stt"
	"scribe.town/worker"
)

type relayFixture struct {
	registry *session.Registry
	server   *Server
	srv      *httptest.Server
}

// newRelayFixture wires a full relay around a shell script standing in
// for the worker process.
func newRelayFixture(t *testing.T, workerScript string) *relayFixture {
	t.Helper()

	command := ""
	if workerScript != "" {
		path := filepath.Join(t.TempDir(), "worker.sh")
		if err := os.WriteFile(path, []byte("#!/bin/sh\n"+workerScript), 0o755); err != nil {
			t.Fatal(err)
		}
		command = path
	}

	logger := log.New(io.Discard)
	registry := session.NewRegistry(logger)
	initiator := &session.Initiator{
		Registry:  registry,
		IntakeURL: "ws://localhost:0/ws/bot-audio-intake",
		Leave: worker.LeaveTimeouts{
			WaitingRoomTimeout:  300000,
			NoOneJoinedTimeout:  300000,
			EveryoneLeftTimeout: 300000,
		},
	}
	launcher := worker.NewLauncher(logger, "", command, 2*time.Second)
	server := NewServer(logger, logger.WithPrefix("hear"), registry, initiator, launcher, stt.Options{})

	r := chi.NewRouter()
	server.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &relayFixture{registry: registry, server: server, srv: srv}
}

func (fx *relayFixture) start(t *testing.T, meetLink string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"meetLink": meetLink})
	resp, err := http.Post(fx.srv.URL+"/api/transcript/start", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.ConnectionID
}

func TestStartEndpoint(t *testing.T) {
	fx := newRelayFixture(t, "")

	id := fx.start(t, "https://meet.google.com/abc-defg-hij")
	if id == "" {
		t.Fatal("empty connection id")
	}
	if _, ok := fx.registry.Get(id); !ok {
		t.Error("no session record after start")
	}
}

func TestStartEndpointRejectsBadLink(t *testing.T) {
	fx := newRelayFixture(t, "")

	body, _ := json.Marshal(map[string]string{"meetLink": "https://zoom.us/j/123"})
	resp, err := http.Post(fx.srv.URL+"/api/transcript/start", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if got := len(fx.registry.All()); got != 0 {
		t.Errorf("registry has %d records, want 0", got)
	}
}

func TestStopUnknownSessionSucceeds(t *testing.T) {
	fx := newRelayFixture(t, "")

	resp, err := http.Post(fx.srv.URL+"/api/transcript/stop?connectionId=ghost", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	fx := newRelayFixture(t, "")

	resp, err := http.Get(fx.srv.URL + "/api/transcript/stream?connectionId=ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// readEvents consumes SSE data frames until the stream closes.
func readEvents(t *testing.T, body io.Reader) []fanout.Event {
	t.Helper()
	var events []fanout.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev fanout.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event payload %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestStreamDeliversWorkerOutputThenCloses(t *testing.T) {
	fx := newRelayFixture(t, `
echo '{"type":"transcript","segment":"one","isFinal":true}'
echo '{"type":"transcript","segment":"two","isFinal":true}'
echo '{"type":"transcript","segment":"three","isFinal":true,"speechFinal":true}'
exit 0
`)

	id := fx.start(t, "https://meet.google.com/abc-defg-hij")

	resp, err := http.Get(fx.srv.URL + "/api/transcript/stream?connectionId=" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}

	events := readEvents(t, resp.Body)
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5: %+v", len(events), events)
	}
	if events[0].Type != fanout.TypeStatus {
		t.Errorf("event 0 = %+v, want opening status", events[0])
	}
	for i, want := range []string{"one", "two", "three"} {
		ev := events[i+1]
		if ev.Type != fanout.TypeTranscript || ev.Segment != want {
			t.Errorf("event %d = %+v, want transcript %q", i+1, ev, want)
		}
	}
	last := events[len(events)-1]
	if last.Type != fanout.TypeStatus || !strings.Contains(last.Message, "exited with code 0") {
		t.Errorf("last event = %+v, want exit status", last)
	}

	// Cleanup runs on worker exit and removes the record.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := fx.registry.Get(id); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("session record still present after worker exit")
}

func TestStreamConflictWhileWorkerRuns(t *testing.T) {
	fx := newRelayFixture(t, `
while true; do sleep 0.1; done
`)

	id := fx.start(t, "https://meet.google.com/abc-defg-hij")

	first, err := http.Get(fx.srv.URL + "/api/transcript/stream?connectionId=" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Body.Close()

	rec, _ := fx.registry.Get(id)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec.Sink() != nil && rec.ProcessAlive() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	second, err := http.Get(fx.srv.URL + "/api/transcript/stream?connectionId=" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Errorf("second stream status = %d, want 409", second.StatusCode)
	}

	fx.server.Cleanup(id)
}

func TestCleanupIdempotent(t *testing.T) {
	fx := newRelayFixture(t, "")

	id := fx.start(t, "https://meet.google.com/abc-defg-hij")
	rec, _ := fx.registry.Get(id)

	sink := fanout.NewSink()
	rec.SetSink(sink)
	bridge := &stubRecognizer{open: true}
	rec.SetBridge(bridge)

	fx.server.Cleanup(id)
	fx.server.Cleanup(id)

	if _, ok := fx.registry.Get(id); ok {
		t.Error("record still present after cleanup")
	}
	if bridge.finishes != 1 {
		t.Errorf("bridge finished %d times, want 1", bridge.finishes)
	}
	if sink.TrySend(fanout.Status("server", "late")) {
		t.Error("sink accepted an event after cleanup")
	}
}

func TestCleanupUnknownSession(t *testing.T) {
	fx := newRelayFixture(t, "")
	fx.server.Cleanup("ghost")
}

type stubRecognizer struct {
	open     bool
	finishes int
}

func (s *stubRecognizer) Send([]float32) error { return nil }
func (s *stubRecognizer) IsOpen() bool         { return s.open }

func (s *stubRecognizer) Finish() {
	s.finishes++
	s.open = false
}

func (s *stubRecognizer) Close() { s.open = false }
