package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/parley/pkg/core"
)

const defaultWSConnectTimeout = 15 * time.Second

// Compile-time interface checks.
var (
	_ Transport        = (*WebSocketTransport)(nil)
	_ ConnectionCloser = (*WebSocketTransport)(nil)
)

// WebSocketTransportConfig configures a WebSocketTransport.
type WebSocketTransportConfig struct {
	// URL is the realtime endpoint. http(s) schemes are rewritten to
	// ws(s).
	URL string

	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer

	// ConnectTimeout bounds the dial plus session handshake when the
	// caller's context carries no deadline.
	ConnectTimeout time.Duration
}

// WebSocketTransport speaks the realtime agent protocol over a single
// websocket connection. Outbound audio is sent as base64 JSON frames;
// inbound events feed the registered listeners from the read loop.
type WebSocketTransport struct {
	cfg WebSocketTransportConfig

	conn      *websocket.Conn
	listeners Listeners
	done      chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	history *historyLog
}

// NewWebSocketTransport returns an unopened transport.
func NewWebSocketTransport(cfg WebSocketTransportConfig) *WebSocketTransport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultWSConnectTimeout
	}
	return &WebSocketTransport{cfg: cfg}
}

type wsSessionUpdate struct {
	Type    string           `json:"type"`
	Session wsSessionPayload `json:"session"`
}

type wsSessionPayload struct {
	Instructions string `json:"instructions,omitempty"`
	AgentName    string `json:"agent_name,omitempty"`
}

type wsAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// Open dials the endpoint with the ephemeral credential as a bearer
// token and sends the agent configuration as the first frame.
func (t *WebSocketTransport) Open(ctx context.Context, credential string, agent *AgentDefinition, listeners Listeners) error {
	if t.conn != nil {
		return core.NewInvalidRequestError("transport is already open")
	}
	wsURL, err := websocketEndpoint(t.cfg.URL)
	if err != nil {
		return err
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+strings.TrimSpace(credential))

	dialer := t.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return core.NewTransportError("dial", fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err))
		}
		return core.NewTransportError("dial", err)
	}

	update := wsSessionUpdate{Type: "session.update"}
	if agent != nil {
		update.Session.Instructions = agent.Instructions
		update.Session.AgentName = agent.Name
	}
	if err := conn.WriteJSON(update); err != nil {
		_ = conn.Close()
		return core.NewTransportError("session.update", err)
	}

	t.conn = conn
	t.listeners = listeners
	t.done = make(chan struct{})
	t.history = newHistoryLog()
	go t.readLoop()
	return nil
}

// History returns a copy of every structured message item observed so far.
func (t *WebSocketTransport) History() []Item {
	if t.history == nil {
		return nil
	}
	return t.history.snapshot()
}

// SendAudio sends one PCM frame as a base64 JSON append.
func (t *WebSocketTransport) SendAudio(frame []byte) error {
	if t.conn == nil {
		return core.NewInvalidRequestError("transport is not open")
	}
	if t.closed.Load() {
		return core.NewTransportError("audio", fmt.Errorf("transport is closed"))
	}
	msg := wsAudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame),
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(msg)
}

// Disconnect sends a close frame and closes the connection. Safe to call
// more than once; later calls wait for the read loop to drain.
func (t *WebSocketTransport) Disconnect(ctx context.Context) error {
	if t.conn == nil {
		return nil
	}
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseConnections drops the socket without the close handshake.
func (t *WebSocketTransport) CloseConnections() error {
	if t.conn == nil {
		return nil
	}
	t.closed.Store(true)
	return t.conn.Close()
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.done)
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.notifyDisconnect()
				return
			}
			if t.listeners.OnError != nil {
				t.listeners.OnError(core.NewTransportError("read", err))
			}
			t.notifyDisconnect()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		event, err := decodeAgentEvent(data)
		if err != nil {
			if t.listeners.OnError != nil {
				t.listeners.OnError(err)
			}
			continue
		}
		t.history.observe(event)
		event.dispatch(t.listeners)
	}
}

func (t *WebSocketTransport) notifyDisconnect() {
	if t.listeners.OnDisconnect != nil {
		t.listeners.OnDisconnect()
	}
}

func websocketEndpoint(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", core.NewInvalidRequestError("invalid realtime endpoint URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", core.NewInvalidRequestError("realtime endpoint must use http(s) or ws(s)")
	}
	return u.String(), nil
}
