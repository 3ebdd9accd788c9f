// Package agent is the worker-side audio agent. It joins a meeting
// surface, mixes and resamples the captured audio, and streams frames
// to the relay's intake socket, reconnecting with backoff when the
// connection drops unexpectedly.
package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

const eventSource = "scribe-bot"

// Event is the line format the agent writes to stdout. The launcher on
// the relay side decodes these opportunistically and forwards them to
// the client's event stream.
type Event struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// Reporter serializes agent events as JSON lines.
type Reporter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

func (r *Reporter) Info(format string, args ...any) {
	r.emit("info", fmt.Sprintf(format, args...))
}

func (r *Reporter) Error(format string, args ...any) {
	r.emit("error", fmt.Sprintf(format, args...))
}

func (r *Reporter) emit(kind, message string) {
	line, err := json.Marshal(Event{
		Type:      kind,
		Source:    eventSource,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   message,
	})
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s\n", line)
}
