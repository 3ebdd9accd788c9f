package agent

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"
)

const (
	baseRetryDelay = 2 * time.Second
	maxRetries     = 5
)

// Conn is one outbound connection to the intake socket.
type Conn interface {
	// Send writes one frame of float32 samples.
	Send(frame []float32) error

	// Close performs a clean shutdown with the given reason.
	Close(reason string) error

	// Done is closed once the connection is over, however it ended.
	Done() <-chan struct{}

	// CleanClose reports whether the close was deliberate. Valid only
	// after Done is closed.
	CleanClose() bool
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

// Uplink drives the agent's outbound leg as an explicit
// connect → open → backoff-wait machine. An unexpected close or a
// failed dial counts against the retry budget with exponentially
// increasing delay; a clean close ends the loop. A successful open
// resets the budget.
type Uplink struct {
	URL    string
	Dial   DialFunc
	Sleep  func(time.Duration)
	Report *Reporter
}

// Run streams frames until the channel closes (clean shutdown), ctx is
// cancelled, or the retry budget is exhausted.
func (u *Uplink) Run(ctx context.Context, frames <-chan []float32) error {
	sleep := u.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	retries := 0
	for {
		conn, err := u.Dial(ctx, u.URL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			u.Report.Error("intake connection failed: %v", err)
			if retries >= maxRetries {
				u.Report.Error("giving up after %d reconnect attempts", maxRetries)
				return fmt.Errorf("intake connection: retries exhausted: %w", err)
			}
			delay := baseRetryDelay << retries
			retries++
			u.Report.Info("reconnecting to intake in %s (retry %d/%d)", delay, retries, maxRetries)
			sleep(delay)
			continue
		}

		u.Report.Info("intake connection open, sending audio")
		retries = 0

		clean, drained := u.stream(ctx, conn, frames)
		if drained {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if clean {
			u.Report.Info("intake connection closed cleanly, stopping")
			return nil
		}

		u.Report.Error("intake connection dropped")
		if retries >= maxRetries {
			u.Report.Error("giving up after %d reconnect attempts", maxRetries)
			return fmt.Errorf("intake connection: retries exhausted")
		}
		delay := baseRetryDelay << retries
		retries++
		u.Report.Info("reconnecting to intake in %s (retry %d/%d)", delay, retries, maxRetries)
		sleep(delay)
	}
}

// stream pumps frames into conn until it dies or the source ends.
// drained means the frame channel closed and a clean close was sent.
func (u *Uplink) stream(ctx context.Context, conn Conn, frames <-chan []float32) (clean, drained bool) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close("agent shutting down")
			return true, false
		case <-conn.Done():
			return conn.CleanClose(), false
		case frame, ok := <-frames:
			if !ok {
				_ = conn.Close("streaming finished")
				return true, true
			}
			if err := conn.Send(frame); err != nil {
				// The read side will surface the close.
				continue
			}
		}
	}
}

type wsConn struct {
	conn  *websocket.Conn
	done  chan struct{}
	clean bool
}

// DialWebSocket opens a websocket Conn to the intake endpoint.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	w := &wsConn{conn: c, done: make(chan struct{})}
	go w.readLoop()
	return w, nil
}

func (w *wsConn) readLoop() {
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			w.clean = websocket.IsCloseError(err, websocket.CloseNormalClosure)
			close(w.done)
			return
		}
	}
}

func (w *wsConn) Send(frame []float32) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(frame))
}

func (w *wsConn) Close(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}

func (w *wsConn) Done() <-chan struct{} { return w.done }

func (w *wsConn) CleanClose() bool { return w.clean }

// encodeFrame lays out samples as little-endian float32, the wire
// format the intake socket decodes.
func encodeFrame(frame []float32) []byte {
	buf := make([]byte, 4*len(frame))
	for i, s := range frame {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	return buf
}
