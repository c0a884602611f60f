package transcript

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
)

const defaultHandshakeTimeout = 10 * time.Second

// wsMessage is one text frame from a transcript relay. Frames with a non-empty error
// are reported as transient recognizer errors.
type wsMessage struct {
	model.TranscriptEvent
	Error string `json:"error"`
}

func (m *wsMessage) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &m.TranscriptEvent); err != nil {
		return err
	}
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	m.Error = e.Error
	return nil
}

// WebSocket receives transcript events from a relay that streams JSON text frames,
// e.g. a browser page running the platform speech engine. Each Start dials a new
// connection; a dropped connection ends the run so the supervisor can re-dial.
type WebSocket struct {
	url    string
	header http.Header
	dialer websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	onResult func(model.TranscriptEvent)
	onError  func(error)
	onEnd    func()
}

var _ interfaces.Recognizer = (*WebSocket)(nil)

type WebSocketOption func(*WebSocket)

func WithHeader(key, value string) WebSocketOption {
	return func(w *WebSocket) {
		w.header.Add(key, value)
	}
}

func NewWebSocket(url string, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		url:    url,
		header: http.Header{},
		dialer: websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSocket) OnResult(fn func(model.TranscriptEvent)) { w.onResult = fn }
func (w *WebSocket) OnError(fn func(error))                  { w.onError = fn }
func (w *WebSocket) OnEnd(fn func())                         { w.onEnd = fn }

// Start dials the relay. It is a no-op while connected.
func (w *WebSocket) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		return nil
	}

	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return goerr.Wrap(model.ErrUnsupported, "transcript relay not found",
				goerr.V("url", w.url),
				goerr.V("status", resp.StatusCode))
		}
		return goerr.Wrap(err, "failed to connect to transcript relay", goerr.V("url", w.url))
	}

	w.conn = conn
	go w.read(conn)
	return nil
}

// Stop closes the connection. OnEnd is reported by the read loop.
func (w *WebSocket) Stop() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if err := conn.Close(); err != nil {
		return goerr.Wrap(err, "failed to close transcript relay connection")
	}
	return nil
}

func (w *WebSocket) read(conn *websocket.Conn) {
	defer func() {
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()

		if w.onEnd != nil {
			w.onEnd()
		}
	}()

	// numbers frames the relay sent without a sequence; each connection starts over
	var sequence int
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !w.closedLocally(conn) {
				w.fail(goerr.Wrap(err, "transcript relay connection lost", goerr.V("url", w.url)))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.fail(goerr.Wrap(err, "invalid transcript frame", goerr.V("frame", string(data))))
			continue
		}
		if msg.Error != "" {
			w.fail(goerr.New("transcript relay reported an error", goerr.V("error", msg.Error)))
			continue
		}
		if msg.Sequence == 0 {
			sequence++
			msg.Sequence = sequence
		} else {
			sequence = msg.Sequence
		}
		if w.onResult != nil {
			w.onResult(msg.TranscriptEvent)
		}
	}
}

func (w *WebSocket) closedLocally(conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != conn
}

func (w *WebSocket) fail(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
