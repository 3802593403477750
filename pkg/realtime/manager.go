package realtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// ConnectionState is the manager's lifecycle state.
type ConnectionState string

const (
	StateIdle          ConnectionState = "idle"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
	StateDisconnected  ConnectionState = "disconnected"
	StateError         ConnectionState = "error"
)

const (
	defaultDisconnectTimeout = 1 * time.Second
	defaultReverifyDelay     = 1 * time.Second
	defaultPollInterval      = 500 * time.Millisecond
	defaultMonitorInterval   = 5 * time.Second
	defaultIdleThreshold     = 5 * time.Second
)

// Callbacks are the caller's transcript and error sinks for one session.
// Registered before the transport opens so no event is lost.
type Callbacks struct {
	// OnTranscript receives trimmed, non-empty text with role user or
	// assistant, at most once per unique underlying item.
	OnTranscript func(text string, role Role)
	OnError      func(err error)
}

// StatusNotification is pushed to the status-change callback on every
// connection state transition. Verification is a snapshot; callers never
// receive live references to manager state.
type StatusNotification struct {
	Status         string             `json:"status"`
	Message        string             `json:"message"`
	IsConnected    bool               `json:"is_connected"`
	IsForceStopped bool               `json:"is_force_stopped"`
	Error          string             `json:"error,omitempty"`
	Verification   VerificationReport `json:"verification"`
	Timestamp      time.Time          `json:"timestamp"`
}

// DebugRecord is a structured debug event for operator inspection.
type DebugRecord struct {
	Level     string         `json:"level"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// peerHandle is the narrow view of a WebRTC peer connection the manager
// needs for verification and forced closure. *webrtc.PeerConnection
// satisfies it.
type peerHandle interface {
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	Close() error
	GetSenders() []*webrtc.RTPSender
	GetReceivers() []*webrtc.RTPReceiver
}

// monitorLoop is a cancellable background loop handle. A nil handle on
// the manager means the loop is stopped.
type monitorLoop struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newMonitorLoop() *monitorLoop {
	return &monitorLoop{stop: make(chan struct{}), done: make(chan struct{})}
}

func (l *monitorLoop) halt() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// Config configures a Manager. NewTransport is required; everything else
// has defaults.
type Config struct {
	Logger       *slog.Logger
	NewTransport func() Transport

	// Agent overrides the default English tutor persona.
	Agent *AgentDefinition

	DisconnectTimeout time.Duration
	ReverifyDelay     time.Duration
	PollInterval      time.Duration
	MonitorInterval   time.Duration
	ActivityGCDelay   time.Duration
	IdleThreshold     time.Duration
}

// Manager owns the realtime session lifecycle: connect, event-stream
// reconciliation, transcript emission, and guaranteed teardown with
// self-verification. At most one session is open per manager; connecting
// while connected tears the old session down first.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	activity *activityTracker

	mu        sync.Mutex
	state     ConnectionState
	transport Transport
	sess      *session
	peer      peerHandle
	sinks     []MediaSink
	netMon    *monitorLoop
	convMon   *monitorLoop

	connected          atomic.Bool
	forceStopped       atomic.Bool
	lastActivityNano   atomic.Int64
	disconnectedAtNano atomic.Int64

	cbMu         sync.RWMutex
	onTranscript func(text string, role Role)
	onError      func(err error)
	onStatus     func(StatusNotification)
	onDebug      func(DebugRecord)
}

// New constructs a Manager in the Idle state.
func New(cfg Config) (*Manager, error) {
	if cfg.NewTransport == nil {
		return nil, fmt.Errorf("realtime: NewTransport is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}
	if cfg.ReverifyDelay <= 0 {
		cfg.ReverifyDelay = defaultReverifyDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = defaultIdleThreshold
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		activity: newActivityTracker(cfg.ActivityGCDelay),
		state:    StateIdle,
	}, nil
}

// SetStatusChangeCallback registers the status notification sink.
func (m *Manager) SetStatusChangeCallback(fn func(StatusNotification)) {
	m.cbMu.Lock()
	m.onStatus = fn
	m.cbMu.Unlock()
}

// SetDebugCallback registers the debug record sink.
func (m *Manager) SetDebugCallback(fn func(DebugRecord)) {
	m.cbMu.Lock()
	m.onDebug = fn
	m.cbMu.Unlock()
}

// RegisterMediaSink places a local media element under the manager's
// awareness: it is force-stopped during teardown and inspected by the
// disconnection verification.
func (m *Manager) RegisterMediaSink(sink MediaSink) {
	if sink == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, sink)
	m.mu.Unlock()
}

// GetConnectionState returns the current lifecycle state.
func (m *Manager) GetConnectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a session is currently open.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// GetActiveNetworkRequests returns copies of every tracked network call
// not yet garbage-collected.
func (m *Manager) GetActiveNetworkRequests() []NetworkRequest {
	return m.activity.snapshot()
}

// Connect opens a realtime session with the given single-use credential.
// An already-open session is fully torn down first. Transport open is the
// only operation that fails the call; the error is also surfaced through
// the error callback.
func (m *Manager) Connect(ctx context.Context, credential string, cb Callbacks) error {
	if strings.TrimSpace(credential) == "" {
		return fmt.Errorf("realtime: credential must not be empty")
	}

	if m.connected.Load() || m.currentTransport() != nil {
		m.debugLog("warn", "Connection", "already connected, tearing down existing session first", nil)
		m.Disconnect(ctx)
	}

	m.setState(StateConnecting)

	// Callbacks registered before the transport opens.
	m.cbMu.Lock()
	m.onTranscript = cb.OnTranscript
	m.onError = cb.OnError
	m.cbMu.Unlock()

	agent := m.cfg.Agent
	if agent == nil {
		agent = NewEnglishTutorAgent()
	}

	now := time.Now()
	sess := newSession(credential, now)
	tr := m.cfg.NewTransport()

	reqID := m.activity.begin("CONNECT", "realtime session")
	if err := tr.Open(ctx, credential, agent, m.listenersFor(sess)); err != nil {
		m.activity.finish(reqID, RequestFailed)
		m.debugLog("error", "Connection", "realtime connect failed", map[string]any{"error": err.Error()})
		m.setState(StateError)
		m.emitError(err)
		m.setState(StateDisconnected)
		return fmt.Errorf("connect realtime session: %w", err)
	}
	m.activity.finish(reqID, RequestCompleted)
	m.debugLog("success", "Connection", "realtime connect succeeded", nil)

	netMon := newMonitorLoop()
	convMon := newMonitorLoop()

	m.mu.Lock()
	m.transport = tr
	m.sess = sess
	m.peer = nil
	if provider, ok := tr.(PeerConnectionProvider); ok {
		// Best-effort compatibility shim; absence is fine.
		if pc := provider.PeerConnection(); pc != nil {
			m.peer = pc
		}
	}
	m.netMon = netMon
	m.convMon = convMon
	m.state = StateConnected
	m.mu.Unlock()

	m.connected.Store(true)
	m.forceStopped.Store(false)
	m.lastActivityNano.Store(now.UnixNano())
	m.disconnectedAtNano.Store(0)

	go m.consume(sess)
	go m.runNetworkMonitor(netMon)
	go m.runConversationMonitor(convMon, sess, tr)

	m.notifyStatus("connected", "realtime session established", "")
	return nil
}

// SendAudio forwards one outbound audio frame to the open session.
func (m *Manager) SendAudio(frame []byte) error {
	if !m.connected.Load() {
		return fmt.Errorf("realtime: no open session")
	}
	tr := m.currentTransport()
	if tr == nil {
		return fmt.Errorf("realtime: no open session")
	}
	return tr.SendAudio(frame)
}

// Disconnect tears down the session. Idempotent and unconditional: every
// step runs regardless of earlier step failures, failures are absorbed
// and reported through the status/debug callbacks, and the manager always
// ends in the Disconnected state.
func (m *Manager) Disconnect(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.forceCleanup(fmt.Errorf("disconnect panic: %v", r))
		}
	}()

	m.debugLog("info", "Disconnect", "disconnecting session", map[string]any{
		"has_session":  m.currentTransport() != nil,
		"is_connected": m.connected.Load(),
	})

	// Flags flip before any I/O so concurrent checks observe the
	// disconnect immediately.
	m.connected.Store(false)
	m.forceStopped.Store(true)
	m.disconnectedAtNano.Store(time.Now().UnixNano())
	m.setState(StateDisconnecting)

	m.stopMonitors()

	m.mu.Lock()
	sess := m.sess
	tr := m.transport
	peer := m.peer
	m.mu.Unlock()

	if sess != nil {
		sess.shutdown()
	}

	var absorbed error

	absorbed = multierr.Append(absorbed, m.stopAllMediaSinks())

	if tr != nil {
		reqID := m.activity.begin("DISCONNECT", "session disconnect")
		if err := m.timedTransportDisconnect(ctx, tr); err != nil {
			m.activity.finish(reqID, RequestFailed)
			m.debugLog("error", "Disconnect", "transport disconnect failed, continuing teardown", map[string]any{"error": err.Error()})
			absorbed = multierr.Append(absorbed, err)
		} else {
			m.activity.finish(reqID, RequestCompleted)
			m.debugLog("success", "Disconnect", "transport disconnect complete", nil)
		}

		if closer, ok := tr.(ConnectionCloser); ok {
			if err := closer.CloseConnections(); err != nil {
				m.debugLog("warn", "Disconnect", "internal connection closure failed", map[string]any{"error": err.Error()})
				absorbed = multierr.Append(absorbed, err)
			}
		}
	}

	if peer != nil {
		absorbed = multierr.Append(absorbed, closePeer(peer))
	}

	// Transport teardown can re-attach tracks to sinks; stop them again.
	absorbed = multierr.Append(absorbed, m.stopAllMediaSinks())

	m.mu.Lock()
	m.transport = nil
	m.sess = nil
	m.peer = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if remaining := m.activity.activeCount(); remaining > 0 {
		m.debugLog("warn", "Disconnect", "network requests still active after teardown", map[string]any{"count": remaining})
	}
	if absorbed != nil {
		m.debugLog("warn", "Disconnect", "teardown completed with absorbed failures", map[string]any{"errors": absorbed.Error()})
		m.logger.Warn("session teardown completed with absorbed failures", "error", absorbed)
	}

	m.notifyStatus("disconnected", "session teardown complete", "")

	// Asynchronous settling (ICE close, track release) may land after the
	// synchronous teardown; verify once more shortly after.
	time.AfterFunc(m.cfg.ReverifyDelay, func() {
		m.notifyStatus("disconnected", "final verification complete", "")
	})
}

// forceCleanup is the catch path: even after an unexpected teardown
// failure the manager must not be left in an ambiguous state.
func (m *Manager) forceCleanup(cause error) {
	m.connected.Store(false)
	m.forceStopped.Store(true)
	m.disconnectedAtNano.Store(time.Now().UnixNano())

	m.stopMonitors()
	_ = m.stopAllMediaSinks()

	m.mu.Lock()
	sess := m.sess
	m.transport = nil
	m.sess = nil
	m.peer = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	if sess != nil {
		sess.shutdown()
	}

	m.logger.Error("forced session cleanup", "error", cause)
	m.notifyStatus("error", "error during session teardown", cause.Error())
}

// VerifyDisconnection computes a fresh report of teardown completeness.
// Pure aside from reading media sink state; safe to call at any time.
func (m *Manager) VerifyDisconnection() VerificationReport {
	now := time.Now()

	m.mu.Lock()
	tr := m.transport
	sess := m.sess
	peer := m.peer
	netMon := m.netMon
	convMon := m.convMon
	sinks := append([]MediaSink(nil), m.sinks...)
	m.mu.Unlock()

	connected := m.connected.Load()
	forced := m.forceStopped.Load()

	checks := make([]Check, 0, 9)

	checks = append(checks, boolCheck("internal connection flag", !connected,
		"internal state reports disconnected",
		"internal state still reports connected"))

	checks = append(checks, boolCheck("session reference", tr == nil && sess == nil,
		"session references cleared",
		"session references still held"))

	if peer != nil {
		pcState := peer.ConnectionState()
		checks = append(checks, boolCheck("peer connection state", peerStateClosed(pcState),
			fmt.Sprintf("peer connection state: %s", pcState),
			fmt.Sprintf("peer connection state: %s", pcState)))
		iceState := peer.ICEConnectionState()
		checks = append(checks, boolCheck("ice connection state", iceStateClosed(iceState),
			fmt.Sprintf("ICE state: %s", iceState),
			fmt.Sprintf("ICE state: %s", iceState)))
	} else {
		checks = append(checks, Check{
			Name:    "peer connection state",
			Status:  CheckPassed,
			Message: "no peer connection observed (cleanly released)",
		})
	}

	activeSinks := 0
	for _, sink := range sinks {
		if sink.Active() {
			activeSinks++
		}
	}
	mediaCheck := Check{Name: "active media sinks", Status: CheckPassed, Message: "no active media sinks"}
	if activeSinks > 0 {
		mediaCheck.Status = CheckWarning
		mediaCheck.Message = fmt.Sprintf("%d media sinks still active", activeSinks)
	}
	checks = append(checks, mediaCheck)

	if last := m.lastActivityNano.Load(); last != 0 {
		idle := now.Sub(time.Unix(0, last))
		activityCheck := Check{
			Name:    "last activity",
			Status:  CheckPassed,
			Message: fmt.Sprintf("%.0fs since last activity", idle.Seconds()),
		}
		if idle <= m.cfg.IdleThreshold {
			activityCheck.Status = CheckWarning
		}
		checks = append(checks, activityCheck)
	}

	forceCheck := boolCheck("force stop executed", forced,
		"force stop executed, all connections halted",
		"force stop was not executed")
	forceCheck.Critical = true
	checks = append(checks, forceCheck)

	netCheck := boolCheck("network monitor", netMon == nil,
		"network monitor stopped",
		"network monitor still running")
	netCheck.Critical = true
	checks = append(checks, netCheck)

	convCheck := boolCheck("conversation monitor", convMon == nil,
		"conversation monitor stopped",
		"conversation monitor still running")
	convCheck.Critical = true
	checks = append(checks, convCheck)

	return buildReport(now, checks)
}

func boolCheck(name string, ok bool, passMsg, failMsg string) Check {
	if ok {
		return Check{Name: name, Status: CheckPassed, Message: passMsg}
	}
	return Check{Name: name, Status: CheckFailed, Message: failMsg}
}

func peerStateClosed(s webrtc.PeerConnectionState) bool {
	return s == webrtc.PeerConnectionStateClosed ||
		s == webrtc.PeerConnectionStateDisconnected ||
		s == webrtc.PeerConnectionStateFailed
}

func iceStateClosed(s webrtc.ICEConnectionState) bool {
	return s == webrtc.ICEConnectionStateClosed ||
		s == webrtc.ICEConnectionStateDisconnected ||
		s == webrtc.ICEConnectionStateFailed
}

// closePeer forcibly closes a peer connection and stops every sender and
// receiver track on it. Defensive throughout: handles may already be
// closed or half-released.
func closePeer(peer peerHandle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = multierr.Append(err, fmt.Errorf("peer close panic: %v", r))
		}
	}()
	if peer.ConnectionState() != webrtc.PeerConnectionStateClosed {
		err = multierr.Append(err, peer.Close())
	}
	for _, sender := range peer.GetSenders() {
		if sender != nil {
			err = multierr.Append(err, sender.Stop())
		}
	}
	for _, receiver := range peer.GetReceivers() {
		if receiver != nil {
			err = multierr.Append(err, receiver.Stop())
		}
	}
	return err
}

// timedTransportDisconnect waits for the transport disconnect with a
// bounded timeout. The timeout only stops the wait; the underlying call
// keeps running and its late result is discarded.
func (m *Manager) timedTransportDisconnect(ctx context.Context, tr Transport) error {
	done := make(chan error, 1)
	go func() {
		done <- tr.Disconnect(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(m.cfg.DisconnectTimeout):
		return fmt.Errorf("transport disconnect timed out after %s", m.cfg.DisconnectTimeout)
	}
}

// stopAllMediaSinks force-stops every registered sink. Each sink's
// failures are absorbed so one broken sink cannot shield the others.
func (m *Manager) stopAllMediaSinks() error {
	m.mu.Lock()
	sinks := append([]MediaSink(nil), m.sinks...)
	m.mu.Unlock()

	var err error
	for _, sink := range sinks {
		err = multierr.Append(err, stopSink(sink))
	}
	return err
}

func stopSink(sink MediaSink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = multierr.Append(err, fmt.Errorf("media sink stop panic: %v", r))
		}
	}()
	err = multierr.Append(err, sink.Pause())
	err = multierr.Append(err, sink.Detach())
	err = multierr.Append(err, sink.Stop())
	return err
}

func (m *Manager) stopMonitors() {
	m.mu.Lock()
	netMon := m.netMon
	convMon := m.convMon
	m.netMon = nil
	m.convMon = nil
	m.mu.Unlock()

	if netMon != nil {
		netMon.halt()
		m.debugLog("success", "Disconnect", "network monitor stopped", nil)
	}
	if convMon != nil {
		convMon.halt()
		m.debugLog("success", "Disconnect", "conversation monitor stopped", nil)
	}
}

// runNetworkMonitor periodically audits for network activity surviving a
// disconnect, which would indicate a lingering billable connection.
func (m *Manager) runNetworkMonitor(loop *monitorLoop) {
	defer close(loop.done)
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-loop.stop:
			return
		case <-ticker.C:
			if m.forceStopped.Load() && !m.connected.Load() {
				m.logger.Warn("network activity may persist after disconnect")
				m.notifyStatus("warning", "network activity may persist after disconnect", "")
			}
		}
	}
}

// runConversationMonitor re-reads the transport's full history as a
// reliability fallback for transports that do not emit every incremental
// event. Candidates flow through the same reconciliation channel.
func (m *Manager) runConversationMonitor(loop *monitorLoop, sess *session, tr Transport) {
	defer close(loop.done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-loop.stop:
			return
		case <-ticker.C:
			if !m.connected.Load() || m.forceStopped.Load() {
				continue
			}
			m.pollHistory(sess, tr)
		}
	}
}

func (m *Manager) pollHistory(sess *session, tr Transport) {
	defer func() {
		if r := recover(); r != nil {
			m.debugLog("warn", "Poll", "history poll failed", map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	for _, item := range tr.History() {
		if item.Type != "message" {
			continue
		}
		it := item
		sess.enqueue(candidate{source: sourcePoll, item: &it})
	}
}

// handleTransportDisconnect reacts to the transport's own disconnect
// notification. Notifications from superseded sessions are ignored.
func (m *Manager) handleTransportDisconnect(sess *session) {
	m.mu.Lock()
	current := m.sess == sess
	if current {
		m.peer = nil
	}
	m.mu.Unlock()
	if !current {
		return
	}
	m.connected.Store(false)
	m.disconnectedAtNano.Store(time.Now().UnixNano())
	m.notifyStatus("disconnected", "transport reported disconnect", "")
}

// deliverAudio fans one inbound agent audio frame out to every registered
// sink that accepts writes. Frames from a superseded session, or arriving
// once teardown has begun, are dropped.
func (m *Manager) deliverAudio(sess *session, frame []byte) {
	m.mu.Lock()
	current := m.sess == sess
	sinks := append([]MediaSink(nil), m.sinks...)
	m.mu.Unlock()
	if !current || !m.connected.Load() || m.forceStopped.Load() {
		return
	}
	for _, sink := range sinks {
		w, ok := sink.(io.Writer)
		if !ok {
			continue
		}
		if _, err := w.Write(frame); err != nil {
			m.debugLog("warn", "Audio", "sink write failed", map[string]any{"error": err.Error()})
		}
	}
}

func (m *Manager) currentTransport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

func (m *Manager) setState(state ConnectionState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) emitTranscript(text string, role Role) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m.lastActivityNano.Store(time.Now().UnixNano())
	m.cbMu.RLock()
	fn := m.onTranscript
	m.cbMu.RUnlock()
	if fn != nil {
		fn(text, role)
	}
}

func (m *Manager) emitError(err error) {
	if err == nil {
		return
	}
	m.logger.Error("realtime session error", "error", err)
	m.cbMu.RLock()
	fn := m.onError
	m.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (m *Manager) notifyStatus(status, message, errMsg string) {
	m.cbMu.RLock()
	fn := m.onStatus
	m.cbMu.RUnlock()
	if fn == nil {
		return
	}
	fn(StatusNotification{
		Status:         status,
		Message:        message,
		IsConnected:    m.connected.Load(),
		IsForceStopped: m.forceStopped.Load(),
		Error:          errMsg,
		Verification:   m.VerifyDisconnection(),
		Timestamp:      time.Now(),
	})
}

func (m *Manager) debugLog(level, category, message string, data map[string]any) {
	switch level {
	case "error":
		m.logger.Error(message, "category", category)
	case "warn":
		m.logger.Warn(message, "category", category)
	default:
		m.logger.Debug(message, "category", category)
	}
	m.cbMu.RLock()
	fn := m.onDebug
	m.cbMu.RUnlock()
	if fn != nil {
		fn(DebugRecord{
			Level:     level,
			Category:  category,
			Message:   message,
			Data:      data,
			Timestamp: time.Now(),
		})
	}
}
