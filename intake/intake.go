// Package intake terminates the worker-side audio connection. Each
// session accepts exactly one inbound stream of raw float32 frames and
// relays them to the session's recognition bridge.
package intake

import (
	"encoding/binary"
	"math"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"scribe.town/metrics"
	"scribe.town/session"
)

// Handler accepts the worker's audio connection for a session.
type Handler struct {
	log      *log.Logger
	registry *session.Registry
	upgrader websocket.Upgrader

	// openBridge opens the session's recognition bridge on first
	// contact; wired by the relay so the intake stays decoupled from
	// backend credentials.
	openBridge func(rec *session.Record) (session.Recognizer, error)

	// finished runs when the worker connection goes away, before the
	// bridge is finished.
	finished func(rec *session.Record)
}

func NewHandler(
	logger *log.Logger,
	registry *session.Registry,
	openBridge func(rec *session.Record) (session.Recognizer, error),
	finished func(rec *session.Record),
) *Handler {
	return &Handler{
		log:      logger,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		openBridge: openBridge,
		finished:   finished,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("connectionId")
	if id == "" {
		http.Error(w, "connectionId is required", http.StatusBadRequest)
		return
	}

	rec, ok := h.registry.Get(id)
	if !ok {
		h.log.Warn("intake rejected, unknown session", "session", id)
		http.Error(w, "unknown connectionId", http.StatusNotFound)
		return
	}

	if rec.Intake() != nil {
		h.log.Warn("intake rejected, peer already connected", "session", id)
		http.Error(w, "audio intake already connected", http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("intake upgrade failed", "session", id, "error", err)
		return
	}

	if !rec.SetIntakeIfAbsent(conn) {
		h.log.Warn("intake rejected, peer already connected", "session", id)
		msg := websocket.FormatCloseMessage(
			websocket.ClosePolicyViolation,
			"audio intake already connected",
		)
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}
	h.log.Info("worker audio connected", "session", id)

	bridge := rec.Bridge()
	if bridge == nil {
		bridge, err = h.openBridge(rec)
		if err != nil {
			h.log.Error("open recognition bridge", "session", id, "error", err)
			rec.TakeIntake()
			_ = conn.Close()
			return
		}
		rec.SetBridge(bridge)
	}

	h.readFrames(rec, conn, bridge)
}

// readFrames pumps audio until the worker disconnects. Frames that
// arrive while the bridge is not open are dropped: this is a real-time
// path, not a durable queue.
func (h *Handler) readFrames(rec *session.Record, conn *websocket.Conn, bridge session.Recognizer) {
	defer func() {
		if rec.TakeIntake() != nil {
			_ = conn.Close()
		}
		if h.finished != nil {
			h.finished(rec)
		}
		if bridge.IsOpen() {
			bridge.Finish()
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("worker audio read", "session", rec.ID, "error", err)
			} else {
				h.log.Info("worker audio disconnected", "session", rec.ID)
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		frame := DecodeFrame(data)
		if frame == nil {
			continue
		}

		if !bridge.IsOpen() {
			metrics.FramesDropped.Inc()
			continue
		}
		if err := bridge.Send(frame); err != nil {
			metrics.FramesDropped.Inc()
			continue
		}
		metrics.FramesForwarded.Inc()
	}
}

// DecodeFrame interprets a binary message as little-endian float32
// mono samples. Messages that are not float32-aligned are discarded.
func DecodeFrame(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}

	frame := make([]float32, len(data)/4)
	for i := range frame {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		frame[i] = math.Float32frombits(bits)
	}
	return frame
}
