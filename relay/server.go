// Package relay is the composition point of the transcription service:
// it owns the HTTP surface, wires the session registry to the worker
// launcher, the audio intake, the recognition bridge, and the event
// fan-out, and coordinates teardown.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scribe.town/fanout"
	"scribe.town/intake"
	"scribe.town/session"
	"scribe.town/stt"
	"scribe.town/worker"
)

type Server struct {
	log       *log.Logger
	hearLog   *log.Logger
	registry  *session.Registry
	initiator *session.Initiator
	launcher  *worker.Launcher
	sttOpts   stt.Options
	intake    *intake.Handler
}

func NewServer(
	logger *log.Logger,
	hearLogger *log.Logger,
	registry *session.Registry,
	initiator *session.Initiator,
	launcher *worker.Launcher,
	sttOpts stt.Options,
) *Server {
	s := &Server{
		log:       logger,
		hearLog:   hearLogger,
		registry:  registry,
		initiator: initiator,
		launcher:  launcher,
		sttOpts:   sttOpts,
	}

	s.intake = intake.NewHandler(
		logger.WithPrefix("intake"),
		registry,
		s.openBridge,
		func(rec *session.Record) {
			// The worker may reconnect with a fresh socket; the next
			// connection gets a fresh bridge under the same record.
			rec.TakeBridge()
		},
	)

	return s
}

func (s *Server) Routes(r chi.Router) {
	r.Post("/api/transcript/start", s.handleStart)
	r.Post("/api/transcript/stop", s.handleStop)
	r.Get("/api/transcript/stream", s.handleStream)
	r.Get("/ws/bot-audio-intake", s.intake.ServeHTTP)
	r.Get("/api/sessions", s.handleSessions)
	r.Handle("/metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MeetLink string `json:"meetLink"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	id, err := s.initiator.Start(body.MeetLink)
	if err != nil {
		if errors.Is(err, session.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		s.log.Error("start session", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to start session"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"connectionId": id})
}

// handleStop is idempotent: stopping an unknown or already-stopped
// session succeeds.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("connectionId")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "connectionId is required"})
		return
	}

	s.log.Info("stop requested", "session", id)
	s.Cleanup(id)

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "transcription for " + id + " stopped",
	})
}

// handleStream attaches the client's event sink and starts the worker.
// Events flow until the worker exits, cleanup runs, or the client
// disconnects, whichever comes first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("connectionId")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "connectionId is required"})
		return
	}

	rec, ok := s.registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "invalid or expired connectionId"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	sink := fanout.NewSink()
	prev, ok := rec.AttachSink(sink)
	if !ok {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "stream already active for this connectionId"})
		return
	}
	if prev != nil {
		prev.Close()
	}

	fanout.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Info("event stream attached", "session", id)

	emit := s.emitter(rec)
	emit(fanout.Status("server", "event stream established, starting bot"))

	handle, err := s.launcher.Start(rec.Process(), rec.Config, emit, func(int) {
		s.Cleanup(id)
	})
	switch {
	case err == nil:
		rec.SetProcess(handle)
	case errors.Is(err, worker.ErrAlreadyRunning):
		s.log.Info("worker already running, reattaching stream", "session", id)
	default:
		s.log.Error("launch worker", "session", id, "error", err)
		emit(fanout.Error("launcher", "failed to run bot: "+err.Error()))
		go s.Cleanup(id)
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("event stream cancelled by client", "session", id)
			s.Cleanup(id)
			return
		case ev, open := <-sink.Events():
			if !open {
				return
			}
			if err := fanout.WriteSSE(w, flusher, ev); err != nil {
				s.log.Warn("event stream write", "session", id, "error", err)
				s.Cleanup(id)
				return
			}
		}
	}
}

type sessionInfo struct {
	ConnectionID    string    `json:"connectionId"`
	MeetingURL      string    `json:"meetingUrl"`
	NativeMeetingID string    `json:"nativeMeetingId"`
	BotName         string    `json:"botName"`
	CreatedAt       time.Time `json:"createdAt"`
	WorkerAlive     bool      `json:"workerAlive"`
	ClientAttached  bool      `json:"clientAttached"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	records := s.registry.All()
	infos := make([]sessionInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, sessionInfo{
			ConnectionID:    rec.ID,
			MeetingURL:      rec.Config.MeetingURL,
			NativeMeetingID: rec.Config.NativeMeetingID,
			BotName:         rec.Config.BotName,
			CreatedAt:       rec.CreatedAt,
			WorkerAlive:     rec.ProcessAlive(),
			ClientAttached:  rec.Sink() != nil,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

// emitter routes events to whatever sink the record currently holds;
// with no sink attached the event is dropped.
func (s *Server) emitter(rec *session.Record) func(fanout.Event) {
	return func(ev fanout.Event) {
		if snk := rec.Sink(); snk != nil {
			snk.TrySend(ev)
		}
	}
}

func (s *Server) openBridge(rec *session.Record) (session.Recognizer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	bridge, err := stt.Open(ctx, s.sttOpts, s.hearLog, s.emitter(rec))
	if err != nil {
		return nil, err
	}
	return bridge, nil
}
