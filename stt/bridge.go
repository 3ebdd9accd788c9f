package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"scribe.town/fanout"
)

const (
	DefaultBaseURL = "wss://api.deepgram.com/v1/listen"
	PingInterval   = 30 * time.Second
	PongTimeout    = 60 * time.Second
)

// ErrNotOpen is returned by Send while the bridge is not in the open
// state. Callers drop the frame; the bridge never buffers audio.
var ErrNotOpen = errors.New("recognition bridge is not open")

type state int

const (
	stateConnecting state = iota
	stateOpen
	stateClosed
)

// Options configure one bridge connection.
type Options struct {
	APIKey     string
	BaseURL    string // defaults to DefaultBaseURL
	Model      string // defaults to nova-2
	Language   string // defaults to en-US
	SampleRate int    // defaults to 16000
}

func (o Options) endpoint() (string, error) {
	base := o.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse recognition url: %w", err)
	}

	model := o.Model
	if model == "" {
		model = "nova-2"
	}
	language := o.Language
	if language == "" {
		language = "en-US"
	}
	rate := o.SampleRate
	if rate == 0 {
		rate = 16000
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Bridge owns one live connection to the speech-recognition backend.
// Its lifecycle is one-way: connecting, then open, then closed. A
// backend error closes the bridge and a fresh Open call is the only way
// to get a new one.
type Bridge struct {
	log  *log.Logger
	emit func(fanout.Event)

	done chan struct{} // closed on transition to stateClosed

	mu   sync.Mutex
	st   state
	conn *websocket.Conn
	pcm  []byte // reusable conversion buffer
}

// Open dials the recognition backend and starts the receive loop.
// Transcript, status, and error events flow through emit until the
// bridge closes.
func Open(ctx context.Context, opts Options, logger *log.Logger, emit func(fanout.Event)) (*Bridge, error) {
	endpoint, err := opts.endpoint()
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		log:  logger,
		emit: emit,
		st:   stateConnecting,
		done: make(chan struct{}),
	}

	header := http.Header{}
	if opts.APIKey != "" {
		header.Set("Authorization", "Token "+opts.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		b.mu.Lock()
		b.st = stateClosed
		b.mu.Unlock()
		return nil, fmt.Errorf("dial recognition backend: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.st = stateOpen
	b.mu.Unlock()

	logger.Info("recognition bridge open")

	go b.receiveLoop()
	go b.keepAlive()

	return b, nil
}

func (b *Bridge) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st == stateOpen
}

// Send converts one canonical frame (32-bit float, mono) to the wire
// encoding and writes it to the backend.
func (b *Bridge) Send(frame []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st != stateOpen {
		return ErrNotOpen
	}

	b.pcm = appendPCM16LE(b.pcm[:0], frame)
	if err := b.conn.WriteMessage(websocket.BinaryMessage, b.pcm); err != nil {
		return fmt.Errorf("send audio frame: %w", err)
	}
	return nil
}

// Finish tells the backend the audio stream is complete, then closes.
// It is safe to call in any state.
func (b *Bridge) Finish() {
	b.mu.Lock()
	if b.st == stateOpen {
		if err := b.conn.WriteJSON(map[string]string{"type": "CloseStream"}); err != nil {
			b.log.Debug("send close stream", "error", err)
		}
	}
	b.mu.Unlock()

	b.Close()
}

// Close is idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == stateClosed {
		return
	}
	b.st = stateClosed
	close(b.done)
	if b.conn != nil {
		_ = b.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = b.conn.Close()
	}
}

// liveResponse is the backend's transcript message shape.
type liveResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (b *Bridge) receiveLoop() {
	for {
		var resp liveResponse
		if err := b.conn.ReadJSON(&resp); err != nil {
			b.mu.Lock()
			wasOpen := b.st == stateOpen
			b.mu.Unlock()

			if wasOpen && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Error("recognition backend error", "error", err)
				b.emit(fanout.Error("recognizer", err.Error()))
			} else if wasOpen {
				b.emit(fanout.Status("recognizer", "recognition connection closed"))
			}

			b.Close()
			return
		}

		if len(resp.Channel.Alternatives) == 0 {
			continue
		}
		segment := resp.Channel.Alternatives[0].Transcript
		if segment == "" {
			continue
		}

		b.log.Debug("hear", "txt", segment, "final", resp.IsFinal)
		b.emit(fanout.Transcript(segment, resp.IsFinal, resp.SpeechFinal))
	}
}

func (b *Bridge) keepAlive() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		if b.st != stateOpen {
			b.mu.Unlock()
			return
		}
		err := b.conn.WriteControl(
			websocket.PingMessage,
			nil,
			time.Now().Add(PongTimeout),
		)
		b.mu.Unlock()

		if err != nil {
			b.log.Debug("keepalive ping", "error", err)
			return
		}
	}
}

// appendPCM16LE converts float32 samples to 16-bit little-endian PCM,
// clamping to [-1, 1].
func appendPCM16LE(dst []byte, frame []float32) []byte {
	for _, sample := range frame {
		v := math.Max(-1, math.Min(1, float64(sample)))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(math.Round(v*32767))))
	}
	return dst
}
