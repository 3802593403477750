package realtime

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Transport abstracts one real-time bidirectional connection to the
// conversational agent. Implementations must register every listener
// before emitting the first event, and must tolerate Disconnect being
// called more than once.
type Transport interface {
	// Open establishes the connection using a single-use ephemeral
	// credential. This is the only lifecycle call that may fail the
	// overall connect.
	Open(ctx context.Context, credential string, agent *AgentDefinition, listeners Listeners) error

	// History returns a copy of every structured item observed so far.
	// Used by the polling fallback for transports that do not reliably
	// emit incremental events.
	History() []Item

	// SendAudio forwards one outbound audio frame to the agent.
	SendAudio(frame []byte) error

	// Disconnect closes the connection. Best effort: callers bound it
	// with a timeout and proceed regardless of the outcome.
	Disconnect(ctx context.Context) error
}

// PeerConnectionProvider is an optional Transport capability: a transport
// backed by a WebRTC peer connection may expose it for state verification
// and forced closure. Query with a type assertion and never assume it is
// present; this is a best-effort compatibility shim, not a contract.
type PeerConnectionProvider interface {
	PeerConnection() *webrtc.PeerConnection
}

// ConnectionCloser is an optional Transport capability for direct,
// unconditional closure of the transport's internal connection handles,
// bypassing any graceful shutdown protocol.
type ConnectionCloser interface {
	CloseConnections() error
}

// MediaSink is a local media output or input element under the manager's
// awareness. Sinks are force-stopped during teardown and inspected by the
// disconnection verification.
type MediaSink interface {
	// Pause halts playback or capture without releasing resources.
	Pause() error
	// Detach drops the sink's source so nothing can restart it.
	Detach() error
	// Stop releases every underlying resource (tracks, processes).
	Stop() error
	// Active reports whether the sink still plays or holds a source.
	Active() bool
}
