package session

import (
	"sync"
	"time"

	"scribe.town/fanout"
	"scribe.town/worker"
)

// Recognizer is the record's view of a recognition bridge handle.
type Recognizer interface {
	Send(frame []float32) error
	IsOpen() bool
	Finish()
	Close()
}

// Peer is the record's view of the worker's audio intake connection.
type Peer interface {
	Close() error
}

// Record is the in-memory state for one active transcription session.
// The config is immutable; the four resource handles are each owned by
// exactly one component, which is the only writer of its field. The
// record's mutex only makes individual handle reads and writes atomic;
// there is no session-wide lock, and teardown relies on Take* swaps plus
// presence checks instead of mutual exclusion.
type Record struct {
	ID        string
	Config    worker.Config
	CreatedAt time.Time

	mu      sync.Mutex
	process *worker.Handle
	bridge  Recognizer
	intake  Peer
	sink    *fanout.Sink
}

func (r *Record) Process() *worker.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.process
}

func (r *Record) SetProcess(h *worker.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process = h
}

// TakeProcess clears the process handle and returns what was there, so
// racing cleanup paths stop a process at most once.
func (r *Record) TakeProcess() *worker.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.process
	r.process = nil
	return h
}

// ProcessAlive reports whether the record holds a live worker handle.
func (r *Record) ProcessAlive() bool {
	h := r.Process()
	return h != nil && h.Alive()
}

func (r *Record) Bridge() Recognizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bridge
}

func (r *Record) SetBridge(b Recognizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridge = b
}

func (r *Record) TakeBridge() Recognizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bridge
	r.bridge = nil
	return b
}

func (r *Record) Intake() Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intake
}

func (r *Record) SetIntake(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intake = p
}

// SetIntakeIfAbsent binds p only when no peer is attached, so racing
// connections for the same session cannot both bind.
func (r *Record) SetIntakeIfAbsent(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.intake != nil {
		return false
	}
	r.intake = p
	return true
}

func (r *Record) TakeIntake() Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.intake
	r.intake = nil
	return p
}

func (r *Record) Sink() *fanout.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink
}

func (r *Record) SetSink(s *fanout.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// AttachSink binds s as the session's event sink. It fails when a sink
// is already attached and the worker process is still alive; a sink
// left behind by a dead worker is displaced and returned for the caller
// to close. The check and the bind happen under one lock, so two racing
// attaches cannot both succeed.
func (r *Record) AttachSink(s *fanout.Sink) (prev *fanout.Sink, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink != nil && r.process != nil && r.process.Alive() {
		return nil, false
	}
	prev = r.sink
	r.sink = s
	return prev, true
}

func (r *Record) TakeSink() *fanout.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sink
	r.sink = nil
	return s
}
