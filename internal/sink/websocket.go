package sink

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ecrlink/internal/terminal"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSendBuffer = 64
	writeWait         = 5 * time.Second
)

// Upgrader accepts any origin; CORS policy is enforced by the HTTP layer.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocket forwards relay events to one websocket client as JSON text frames.
type WebSocket struct {
	ID string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

var _ terminal.Subscriber = (*WebSocket)(nil)

func NewWebSocket(conn *websocket.Conn, buffer int) *WebSocket {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	w := &WebSocket{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	go w.writePump()
	return w
}

// Deliver queues ev for the client. A full queue drops the event.
func (w *WebSocket) Deliver(ev terminal.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("sink.WebSocket marshal failed")
		return
	}
	select {
	case <-w.done:
	case w.send <- data:
	default:
		n := w.dropped.Add(1)
		log.Warn().Str("sink", w.ID).Str("kind", string(ev.Kind)).Uint64("dropped", n).Msg("sink.WebSocket client too slow, event dropped")
	}
}

func (w *WebSocket) Dropped() uint64 {
	return w.dropped.Load()
}

// ReadPump discards client frames and returns when the client goes away.
func (w *WebSocket) ReadPump() {
	defer w.Close()
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

func (w *WebSocket) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}

func (w *WebSocket) writePump() {
	defer w.Close()
	for {
		select {
		case <-w.done:
			return
		case msg := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Str("sink", w.ID).Err(err).Msg("sink.WebSocket write failed")
				return
			}
		}
	}
}
