package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// controlMessage is a JSON text frame from the client. Binary frames carry
// raw 16-bit PCM mono 16 kHz audio; text frames carry control.
type controlMessage struct {
	Type string `json:"type"` // start, stop
}

// wsEmitter serializes event writes; gorilla connections allow one
// concurrent writer.
type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsEmitter) Emit(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(ev)
}

// ServeConn runs one transcription session over an upgraded websocket
// connection. It returns when the session has been reconciled into the
// pipeline, fallen back to batch, or ended with nothing to do. The caller
// closes the connection.
func ServeConn(ctx context.Context, conn *websocket.Conn, opts Options) error {
	opts.Emitter = &wsEmitter{conn: conn}
	s := NewSession(opts)
	if err := s.Start(ctx); err != nil {
		return err
	}

	for {
		if opts.Config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(opts.Config.IdleTimeout))
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return s.Finish(ctx)
			}
			reason := "connection_lost"
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				reason = "idle_timeout"
			}
			return s.Abort(ctx, reason)
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := s.HandleAudio(ctx, data); err != nil {
				s.send(Event{Type: EventError, SessionID: s.id, Error: err.Error()})
				return s.Abort(ctx, "audio_rejected")
			}
		case websocket.TextMessage:
			var ctl controlMessage
			if err := json.Unmarshal(data, &ctl); err != nil {
				s.send(Event{Type: EventError, SessionID: s.id, Error: "malformed control message"})
				continue
			}
			switch ctl.Type {
			case "stop":
				finishErr := s.Finish(ctx)
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return finishErr
			case "start", "":
				// Session is already running; tolerated for clients that
				// announce themselves.
			default:
				s.send(Event{Type: EventError, SessionID: s.id, Error: "unknown control type " + ctl.Type})
			}
		}
	}
}
