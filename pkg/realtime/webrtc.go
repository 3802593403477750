package realtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/vango-go/parley/pkg/core"
)

// Compile-time interface checks.
var (
	_ Transport              = (*WebRTCTransport)(nil)
	_ PeerConnectionProvider = (*WebRTCTransport)(nil)
	_ ConnectionCloser       = (*WebRTCTransport)(nil)
)

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP offer.
const iceGatherTimeout = 15 * time.Second

// audioFrameDuration is the sample duration attached to each outbound
// audio frame.
const audioFrameDuration = 20 * time.Millisecond

// WebRTCTransportConfig configures a WebRTCTransport.
type WebRTCTransportConfig struct {
	// SignalURL is the HTTP endpoint that accepts an SDP offer and
	// returns the agent's SDP answer. The ephemeral credential is sent
	// as a bearer token.
	SignalURL string

	// HTTPClient overrides the client used for SDP signaling.
	HTTPClient *http.Client

	// ICEServers configures STUN/TURN. Empty means host candidates only.
	ICEServers []webrtc.ICEServer
}

// WebRTCTransport connects to the conversational agent over a WebRTC
// peer connection: one outbound audio track for the caller's voice, one
// data channel carrying agent protocol events. Signaling is a single
// HTTP round-trip; all ICE candidates are gathered before the offer is
// published so no trickle exchange is needed.
type WebRTCTransport struct {
	cfg WebRTCTransportConfig

	pc        *webrtc.PeerConnection
	track     *webrtc.TrackLocalStaticSample
	events    *webrtc.DataChannel
	listeners Listeners

	history *historyLog

	closed       atomic.Bool
	disconnected sync.Once
}

// NewWebRTCTransport returns an unopened transport.
func NewWebRTCTransport(cfg WebRTCTransportConfig) *WebRTCTransport {
	return &WebRTCTransport{cfg: cfg, history: newHistoryLog()}
}

// Open negotiates the peer connection and data channel. The connection
// is usable when Open returns; events begin flowing as soon as the data
// channel opens.
func (t *WebRTCTransport) Open(ctx context.Context, credential string, agent *AgentDefinition, listeners Listeners) error {
	if t.pc != nil {
		return core.NewInvalidRequestError("transport is already open")
	}
	if strings.TrimSpace(t.cfg.SignalURL) == "" {
		return core.NewInvalidRequestError("signal URL must not be empty")
	}
	t.listeners = listeners

	settingEngine := webrtc.SettingEngine{}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
	if err != nil {
		return core.NewTransportError("peer connection", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "parley-mic",
	)
	if err != nil {
		_ = pc.Close()
		return core.NewTransportError("audio track", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return core.NewTransportError("add track", err)
	}

	events, err := pc.CreateDataChannel("agent-events", nil)
	if err != nil {
		_ = pc.Close()
		return core.NewTransportError("data channel", err)
	}
	events.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.handleFrame(msg.Data)
	})
	events.OnOpen(func() {
		if agent == nil {
			return
		}
		t.sendSessionUpdate(agent)
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go t.pumpRemoteAudio(remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			t.notifyDisconnect()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return core.NewTransportError("create offer", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return core.NewTransportError("set local description", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		_ = pc.Close()
		return core.NewTransportError("ice gathering", fmt.Errorf("timed out after %s", iceGatherTimeout))
	case <-ctx.Done():
		_ = pc.Close()
		return ctx.Err()
	}

	answer, err := t.exchangeSDP(ctx, credential, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = pc.Close()
		return core.NewTransportError("set remote description", err)
	}

	t.pc = pc
	t.track = track
	t.events = events
	return nil
}

// exchangeSDP performs the single signaling round-trip: POST the offer,
// receive the answer.
func (t *WebRTCTransport) exchangeSDP(ctx context.Context, credential, offerSDP string) (string, error) {
	client := t.cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.SignalURL, bytes.NewReader([]byte(offerSDP)))
	if err != nil {
		return "", core.NewTransportError("signal", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(credential))

	resp, err := client.Do(req)
	if err != nil {
		return "", core.NewTransportError("signal", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", core.NewTransportError("signal", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", core.NewCredentialError(
			fmt.Sprintf("SDP exchange rejected (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode,
		)
	}
	answer := strings.TrimSpace(string(body))
	if answer == "" {
		return "", core.NewTransportError("signal", fmt.Errorf("empty SDP answer"))
	}
	return answer, nil
}

func (t *WebRTCTransport) sendSessionUpdate(agent *AgentDefinition) {
	payload := fmt.Sprintf(
		`{"type":"session.update","session":{"instructions":%q,"agent_name":%q}}`,
		agent.Instructions, agent.Name,
	)
	if err := t.events.SendText(payload); err != nil && t.listeners.OnError != nil {
		t.listeners.OnError(core.NewTransportError("session.update", err))
	}
}

func (t *WebRTCTransport) handleFrame(data []byte) {
	event, err := decodeAgentEvent(data)
	if err != nil {
		if t.listeners.OnError != nil {
			t.listeners.OnError(err)
		}
		return
	}
	t.history.observe(event)
	event.dispatch(t.listeners)
}

// pumpRemoteAudio forwards the agent's return audio track to the audio
// listener, one packet payload per call. Exits when the track ends or
// the transport closes.
func (t *WebRTCTransport) pumpRemoteAudio(remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if t.closed.Load() {
			return
		}
		if len(pkt.Payload) > 0 && t.listeners.OnAudio != nil {
			t.listeners.OnAudio(pkt.Payload)
		}
	}
}

func (t *WebRTCTransport) notifyDisconnect() {
	t.disconnected.Do(func() {
		if t.listeners.OnDisconnect != nil {
			t.listeners.OnDisconnect()
		}
	})
}

// History returns a copy of every structured item received on the data
// channel so far.
func (t *WebRTCTransport) History() []Item {
	return t.history.snapshot()
}

// SendAudio writes one encoded audio frame to the outbound track.
func (t *WebRTCTransport) SendAudio(frame []byte) error {
	if t.track == nil {
		return core.NewInvalidRequestError("transport is not open")
	}
	if t.closed.Load() {
		return core.NewTransportError("audio", fmt.Errorf("transport is closed"))
	}
	if err := t.track.WriteSample(media.Sample{Data: frame, Duration: audioFrameDuration}); err != nil {
		return core.NewTransportError("audio", err)
	}
	return nil
}

// Disconnect closes the data channel and the peer connection. Safe to
// call more than once.
func (t *WebRTCTransport) Disconnect(ctx context.Context) error {
	if t.pc == nil {
		return nil
	}
	t.closed.Store(true)
	var firstErr error
	if t.events != nil {
		if err := t.events.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.pc.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	t.notifyDisconnect()
	if firstErr != nil {
		return core.NewTransportError("disconnect", firstErr)
	}
	return nil
}

// CloseConnections force-closes the peer connection without data channel
// shutdown.
func (t *WebRTCTransport) CloseConnections() error {
	if t.pc == nil {
		return nil
	}
	t.closed.Store(true)
	return t.pc.Close()
}

// PeerConnection exposes the underlying peer connection for state
// verification and forced closure.
func (t *WebRTCTransport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}
