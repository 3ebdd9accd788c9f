package session

import (
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"scribe.town/metrics"
	"scribe.town/worker"
)

// Registry is the process-wide table of active sessions. One instance
// lives for the life of the service, owned by the serve command's
// composition root.
type Registry struct {
	log *log.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		log:     logger,
		records: make(map[string]*Record),
	}
}

func (reg *Registry) Create(id string, cfg worker.Config) *Record {
	rec := &Record{
		ID:        id,
		Config:    cfg,
		CreatedAt: time.Now(),
	}

	reg.mu.Lock()
	reg.records[id] = rec
	reg.mu.Unlock()

	metrics.SessionsActive.Inc()
	reg.log.Info("session registered", "session", id, "meeting", cfg.NativeMeetingID)
	return rec
}

func (reg *Registry) Get(id string) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.records[id]
	return rec, ok
}

// Remove is a no-op for an unknown id.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	_, ok := reg.records[id]
	delete(reg.records, id)
	reg.mu.Unlock()

	if ok {
		metrics.SessionsActive.Dec()
		reg.log.Info("session removed", "session", id)
	}
}

// All returns the registered records ordered by creation time.
func (reg *Registry) All() []*Record {
	reg.mu.RLock()
	records := make([]*Record, 0, len(reg.records))
	for _, rec := range reg.records {
		records = append(records, rec)
	}
	reg.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}
