// Package gateway terminates device WebSocket connections, decodes
// TransportMessage frames, drives each device's runtime state machine, and
// publishes accepted messages onto the bus.
package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"microclaw/host/internal/bus"
	"microclaw/host/internal/devicert"
	"microclaw/host/internal/logging"
	"microclaw/host/internal/protocol"
	"microclaw/host/internal/queue"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
)

// Dispatcher hands a device's pending command actions to the execution
// queue. The gateway enqueues under the device_id group so commands for one
// device never race each other, matching the per-group serialisation queue
// invariant.
type Dispatcher interface {
	Enqueue(group, id string, payload any)
}

// QueueDispatcher adapts *queue.Queue to Dispatcher.
type QueueDispatcher struct{ Queue *queue.Queue }

// Enqueue implements Dispatcher.
func (d QueueDispatcher) Enqueue(group, id string, payload any) { d.Queue.Enqueue(group, id, payload) }

// deviceConn is one connected device's transport and runtime state.
// runtime is single-threaded by design (see internal/devicert), but
// readLoop and writeLoop both touch it from separate goroutines — runtimeMu
// serialises those calls.
type deviceConn struct {
	conn      *websocket.Conn
	send      chan []byte
	deviceID  string
	runtimeMu sync.Mutex
	runtime   *devicert.State
	log       *logging.Logger
}

// Options configures a Server.
type Options struct {
	Logger           *logging.Logger
	Bus              *bus.Bus
	Dispatcher       Dispatcher
	Authenticator    DeviceAuthenticator
	AllowedOrigins   []string
	MaxPayloadBytes  int64
	MaxClients       int
	PingInterval     time.Duration
	SafetyFailLimit  int
	HeartbeatTimeout time.Duration
}

// Server terminates device WebSocket connections and wires each one to the
// bus and execution queue.
type Server struct {
	log              *logging.Logger
	bus              *bus.Bus
	dispatcher       Dispatcher
	authenticator    DeviceAuthenticator
	upgrader         websocket.Upgrader
	maxPayloadBytes  int64
	maxClients       int
	pingInterval     time.Duration
	safetyFailLimit  int
	heartbeatTimeout time.Duration

	mu             sync.RWMutex
	devices        map[*deviceConn]bool
	pendingClients int
	startedAt      time.Time
	startupErr     error

	published uint64
	replayed  uint64
}

// New constructs a Server from opts, filling in defaults.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	authenticator := opts.Authenticator
	if authenticator == nil {
		authenticator = AllowAllAuthenticator{}
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	heartbeatTimeout := opts.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = time.Duration(pongWaitMultiplier) * pingInterval
	}
	s := &Server{
		log:              logger,
		bus:              opts.Bus,
		dispatcher:       opts.Dispatcher,
		authenticator:    authenticator,
		maxPayloadBytes:  opts.MaxPayloadBytes,
		maxClients:       opts.MaxClients,
		pingInterval:     pingInterval,
		safetyFailLimit:  opts.SafetyFailLimit,
		heartbeatTimeout: heartbeatTimeout,
		devices:          make(map[*deviceConn]bool),
		startedAt:        time.Now(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: buildOriginChecker(logger, opts.AllowedOrigins)}
	return s
}

// SnapshotDeviceCounts implements httpapi.ReadinessProvider.
func (s *Server) SnapshotDeviceCounts() (connected, pending int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices), s.pendingClients
}

// StartupError implements httpapi.ReadinessProvider.
func (s *Server) StartupError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startupErr
}

// Uptime implements httpapi.ReadinessProvider.
func (s *Server) Uptime() time.Duration { return time.Since(s.startedAt) }

// Stats implements httpapi.StatsFunc's signature.
func (s *Server) Stats() (published, replayed uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.published, s.replayed
}

// ServeHTTP upgrades the request to a device WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.log.With(logging.String("remote_addr", r.RemoteAddr))

	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if subject, err := s.authenticator.Authenticate(r); err != nil {
		reqLogger.Warn("rejecting device connection: authentication failed", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	} else if strings.TrimSpace(subject) != "" {
		deviceID = subject
	}
	if deviceID == "" {
		deviceID = devicert.DeviceID
	}
	reqLogger = reqLogger.With(logging.String("device_id", deviceID))

	if s.maxClients > 0 {
		s.mu.Lock()
		if len(s.devices)+s.pendingClients >= s.maxClients {
			s.mu.Unlock()
			reqLogger.Warn("refusing device connection: client limit reached", logging.Int("max_clients", s.maxClients))
			http.Error(w, "service unavailable: client limit reached", http.StatusServiceUnavailable)
			return
		}
		s.pendingClients++
		s.mu.Unlock()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.maxClients > 0 {
			s.mu.Lock()
			if s.pendingClients > 0 {
				s.pendingClients--
			}
			s.mu.Unlock()
		}
		reqLogger.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	var runtimeOpts []devicert.Option
	if s.safetyFailLimit > 0 {
		runtimeOpts = append(runtimeOpts, devicert.WithSafetyFailLimit(s.safetyFailLimit))
	}
	dc := &deviceConn{
		conn:     conn,
		send:     make(chan []byte, 64),
		deviceID: deviceID,
		runtime:  devicert.New(runtimeOpts...),
		log:      reqLogger,
	}

	s.mu.Lock()
	if s.maxClients > 0 && s.pendingClients > 0 {
		s.pendingClients--
	}
	s.devices[dc] = true
	s.mu.Unlock()

	if s.maxPayloadBytes > 0 {
		dc.conn.SetReadLimit(s.maxPayloadBytes)
	}

	waitDuration := time.Duration(pongWaitMultiplier) * s.pingInterval
	if err := dc.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		dc.log.Error("failed to set initial read deadline", logging.Error(err))
		_ = dc.conn.Close()
		return
	}
	dc.conn.SetPongHandler(func(string) error {
		return dc.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go s.readLoop(dc, waitDuration)
	go s.writeLoop(dc)
}

func (s *Server) readLoop(dc *deviceConn, waitDuration time.Duration) {
	defer func() {
		s.deregister(dc)
		_ = dc.conn.Close()
	}()
	for {
		messageType, raw, err := dc.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				dc.log.Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				dc.log.Warn("unexpected websocket close", logging.Error(err))
			} else {
				dc.log.Error("read error", logging.Error(err))
			}
			return
		}
		if err := dc.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			dc.log.Error("failed to extend read deadline", logging.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			dc.log.Debug("dropping non-text message")
			continue
		}
		s.handleInbound(dc, raw)
	}
}

func (s *Server) handleInbound(dc *deviceConn, raw []byte) {
	var msg protocol.TransportMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		dc.log.Debug("dropping invalid transport message", logging.Error(err))
		return
	}
	if msg.Expired(time.Now()) {
		dc.log.Warn("dropping expired transport message", logging.String("message_id", msg.Envelope.MessageID))
		return
	}

	dc.runtimeMu.Lock()
	action := dc.runtime.ApplyTransportMessage(msg)
	dc.runtimeMu.Unlock()

	if s.bus != nil {
		if _, err := s.bus.Publish(msg.Envelope, raw); err != nil {
			dc.log.Error("failed to publish message to bus", logging.Error(err))
		} else {
			s.mu.Lock()
			s.published++
			s.mu.Unlock()
		}
	}

	s.applyAction(dc, action)
}

func (s *Server) applyAction(dc *deviceConn, action devicert.RuntimeAction) {
	switch action.Kind {
	case devicert.ActionEmitCommand:
		if s.dispatcher != nil {
			s.dispatcher.Enqueue(dc.deviceID, action.Command.Envelope.MessageID, action.Command)
		}
		s.sendJSON(dc, action.Command)
	case devicert.ActionEmitAck:
		s.sendJSON(dc, action.Status)
	case devicert.ActionRaiseUiState:
		dc.log.Info("ui state", logging.String("message", action.UiState))
	case devicert.ActionNone:
	}
}

func (s *Server) sendJSON(dc *deviceConn, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		dc.log.Error("failed to marshal outbound payload", logging.Error(err))
		return
	}
	select {
	case dc.send <- raw:
	default:
		dc.log.Warn("dropping outbound message: send buffer full")
	}
}

func (s *Server) writeLoop(dc *deviceConn) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = dc.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-dc.send:
			if !ok {
				_ = dc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := dc.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				dc.log.Error("failed to set write deadline", logging.Error(err))
				s.deregister(dc)
				return
			}
			if err := dc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				dc.log.Error("write error", logging.Error(err))
				s.deregister(dc)
				return
			}
		case <-pingTicker.C:
			if err := dc.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				dc.log.Warn("ping failure", logging.Error(err))
				s.deregister(dc)
				return
			}
			s.superviseRuntime(dc)
		}
	}
}

// superviseRuntime evaluates the time-based runtime transitions (stale
// heartbeat, sticky safety lockdown) that arrival of a message alone does
// not trigger. Called once per ping interval for each connected device.
func (s *Server) superviseRuntime(dc *deviceConn) {
	nowMs := time.Duration(time.Now().UnixMilli()) * time.Millisecond
	dc.runtimeMu.Lock()
	wentOffline := dc.runtime.MarkOfflineIfStale(nowMs, s.heartbeatTimeout)
	lockedDown := dc.runtime.SafetyLockdownCheck()
	dc.runtimeMu.Unlock()
	if wentOffline {
		dc.log.Warn("device marked offline: heartbeat stale")
	}
	if lockedDown {
		dc.log.Warn("device entered safe mode: safety fail limit reached")
	}
}

func (s *Server) deregister(dc *deviceConn) {
	s.mu.Lock()
	delete(s.devices, dc)
	s.mu.Unlock()
}

func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	if logger == nil {
		logger = logging.L()
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}
	localHosts := map[string]struct{}{"127.0.0.1": {}, "localhost": {}, "::1": {}}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logger.Warn("rejecting request with invalid origin", logging.String("origin", originHeader), logging.Error(err))
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		if _, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]; ok {
			return true
		}
		logger.Warn("rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}
