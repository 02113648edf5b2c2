// Package relay multiplexes one room-server socket per active tab. Each
// tab holds a persistent local port to the relay; the relay owns the
// socket, its heartbeat, and the grace-delayed teardown that lets a
// reloading tab keep its session.
package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simulwatch/relay/internal/protocol"
	"github.com/simulwatch/relay/internal/settings"
)

const (
	// DefaultHeartbeatInterval is how often an open socket sends a
	// keep-alive frame.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultTeardownGrace is the window between losing a tab's port and
	// closing its socket, letting a final in-flight forward (the last
	// analytics flush in particular) go out first.
	DefaultTeardownGrace = 500 * time.Millisecond
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	HeartbeatInterval time.Duration
	TeardownGrace     time.Duration
	DefaultRoomURL    string // used when a CONNECT carries no URL
}

// Service owns the tab-keyed session registry. All registry mutation
// happens under one mutex: a CONNECT for a tab supersedes the previous
// session before any message referencing it is processed.
type Service struct {
	mu       sync.Mutex
	sessions map[string]*session
	ports    map[string]Port
	grace    map[string]*time.Timer

	dialer    Dialer
	store     settings.Store
	logger    *zap.Logger
	heartbeat time.Duration
	graceWait time.Duration
	roomURL   string
}

type session struct {
	tabID       string
	roomID      string
	userID      string
	sock        Socket
	connectedAt time.Time
	stopBeat    chan struct{}
}

// NewService creates a relay service. store may be nil to disable session
// resume for reconnecting tabs.
func NewService(dialer Dialer, store settings.Store, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.TeardownGrace <= 0 {
		opts.TeardownGrace = DefaultTeardownGrace
	}
	return &Service{
		sessions:  make(map[string]*session),
		ports:     make(map[string]Port),
		grace:     make(map[string]*time.Timer),
		dialer:    dialer,
		store:     store,
		logger:    logger,
		heartbeat: opts.HeartbeatInterval,
		graceWait: opts.TeardownGrace,
		roomURL:   opts.DefaultRoomURL,
	}
}

// AttachPort registers a tab's port and starts dispatching its messages.
// A pending grace-window teardown for the same tab is cancelled first, so
// a reconnecting tab never loses its socket to a stale timer.
func (s *Service) AttachPort(tabID string, port Port) {
	s.mu.Lock()
	if t, ok := s.grace[tabID]; ok {
		t.Stop()
		delete(s.grace, tabID)
	}
	s.ports[tabID] = port
	hasSession := s.sessions[tabID] != nil
	s.mu.Unlock()

	s.logger.Debug("port attached", zap.String("tab_id", tabID), zap.Bool("session_live", hasSession))

	if !hasSession && s.store != nil {
		go s.resume(tabID, port)
	}

	go func() {
		for msg := range port.Recv() {
			s.handlePort(tabID, port, msg)
		}
		s.portLost(tabID, port)
	}()
}

// resume reissues a connect from the stored identity of a reloaded tab.
func (s *Service) resume(tabID string, port Port) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, ok, err := s.store.Load(ctx, tabID)
	if err != nil {
		s.logger.Warn("identity load failed", zap.String("tab_id", tabID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.logger.Info("resuming session", zap.String("tab_id", tabID), zap.String("room_id", id.RoomID))
	s.connect(tabID, port, id.URL, id.RoomID, id.UserID)
}

func (s *Service) handlePort(tabID string, port Port, msg protocol.PortMessage) {
	switch msg.Type {
	case protocol.PortConnect:
		url := msg.URL
		if url == "" {
			url = s.roomURL
		}
		s.connect(tabID, port, url, msg.RoomID, msg.UserID)
	case protocol.PortAction, protocol.PortChat, protocol.PortReaction, protocol.PortAnalytics:
		s.forward(tabID, msg)
	case protocol.PortStatus, protocol.PortConnected, protocol.PortServer:
		// relay-to-tab only; a tab sending these is misbehaving
		s.logger.Warn("unexpected port message from tab", zap.String("tab_id", tabID), zap.String("type", string(msg.Type)))
	default:
		s.logger.Warn("unknown port message", zap.String("tab_id", tabID), zap.String("type", string(msg.Type)))
	}
}

// connect tears down any prior session for the tab, dials the room server
// and records the new session. Dial failures surface as STATUS(error);
// retry belongs to the tab side.
func (s *Service) connect(tabID string, port Port, url, roomID, userID string) {
	s.CloseSession(tabID)

	s.logger.Info("connecting",
		zap.String("tab_id", tabID),
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
	)

	var sock Socket
	sock, err := s.dialer.Dial(url, roomID, userID,
		func(raw []byte) { s.inbound(tabID, raw) },
		func(cause error) { s.socketClosed(tabID, sock, cause) },
	)
	if err != nil {
		s.logger.Error("dial failed", zap.String("tab_id", tabID), zap.Error(err))
		_ = port.Send(protocol.PortMessage{Type: protocol.PortStatus, Status: protocol.StatusError})
		return
	}

	sess := &session{
		tabID:       tabID,
		roomID:      roomID,
		userID:      userID,
		sock:        sock,
		connectedAt: time.Now(),
		stopBeat:    make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[tabID] = sess
	s.mu.Unlock()

	// The socket may have died between Dial returning and registration,
	// in which case its close callback ran against an empty registry.
	if !sock.Open() {
		s.socketClosed(tabID, sock, nil)
		return
	}

	_ = port.Send(protocol.PortMessage{Type: protocol.PortStatus, Status: protocol.StatusConnected})
	_ = port.Send(protocol.PortMessage{Type: protocol.PortConnected, RoomID: roomID, UserID: userID})

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.Save(ctx, tabID, settings.Identity{RoomID: roomID, UserID: userID, URL: url}); err != nil {
			s.logger.Warn("identity save failed", zap.String("tab_id", tabID), zap.Error(err))
		}
		cancel()
	}

	go s.heartbeatLoop(sess)
}

// forward sends a tab message to the room server, best effort. Nothing is
// queued or retried; without an open socket the message is dropped.
func (s *Service) forward(tabID string, msg protocol.PortMessage) {
	frameType, ok := protocol.ForwardFrameType(msg.Type)
	if !ok {
		return
	}
	s.mu.Lock()
	sess := s.sessions[tabID]
	s.mu.Unlock()
	if sess == nil || !sess.sock.Open() {
		s.logger.Warn("dropping forward, socket not open",
			zap.String("tab_id", tabID),
			zap.String("kind", string(frameType)),
		)
		return
	}
	if err := sess.sock.Send(protocol.Frame{Type: frameType, Payload: msg.Payload}); err != nil {
		s.logger.Warn("forward failed", zap.String("tab_id", tabID), zap.Error(err))
	}
}

// inbound relays a raw server message onto the tab's port. Parse failures
// are logged and swallowed; they never close the socket.
func (s *Service) inbound(tabID string, raw []byte) {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		s.logger.Warn("malformed server message", zap.String("tab_id", tabID), zap.Error(err))
		return
	}
	s.mu.Lock()
	port := s.ports[tabID]
	s.mu.Unlock()
	if port == nil {
		return
	}
	if err := port.Send(protocol.PortMessage{Type: protocol.PortServer, Frame: &frame}); err != nil {
		s.logger.Debug("port gone, inbound dropped", zap.String("tab_id", tabID))
	}
}

// socketClosed handles socket close or error. Stale callbacks from a
// superseded socket are ignored so a fresh session is never torn down by
// its predecessor.
func (s *Service) socketClosed(tabID string, sock Socket, cause error) {
	s.mu.Lock()
	sess := s.sessions[tabID]
	if sess == nil || sess.sock != sock {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, tabID)
	close(sess.stopBeat)
	port := s.ports[tabID]
	s.mu.Unlock()

	status := protocol.StatusDisconnected
	if cause != nil {
		status = protocol.StatusError
		s.logger.Error("socket error", zap.String("tab_id", tabID), zap.Error(cause))
	} else {
		s.logger.Info("socket closed", zap.String("tab_id", tabID))
	}
	if port != nil {
		_ = port.Send(protocol.PortMessage{Type: protocol.PortStatus, Status: status})
	}
}

// portLost schedules session teardown after the grace window. AttachPort
// for the same tab cancels the timer.
func (s *Service) portLost(tabID string, port Port) {
	s.mu.Lock()
	if s.ports[tabID] != port {
		// a newer port already took over
		s.mu.Unlock()
		return
	}
	delete(s.ports, tabID)
	s.grace[tabID] = time.AfterFunc(s.graceWait, func() {
		s.mu.Lock()
		delete(s.grace, tabID)
		s.mu.Unlock()
		s.CloseSession(tabID)
	})
	s.mu.Unlock()
	s.logger.Info("port lost, teardown scheduled", zap.String("tab_id", tabID), zap.Duration("grace", s.graceWait))
}

// CloseSession tears down the tab's session if one exists and reports
// whether there was one. Idempotent.
func (s *Service) CloseSession(tabID string) bool {
	s.mu.Lock()
	sess := s.sessions[tabID]
	if sess == nil {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, tabID)
	close(sess.stopBeat)
	s.mu.Unlock()

	_ = sess.sock.Close()
	s.logger.Info("session closed", zap.String("tab_id", tabID), zap.String("room_id", sess.roomID))
	return true
}

func (s *Service) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-sess.stopBeat:
			return
		case <-ticker.C:
			if !sess.sock.Open() {
				continue
			}
			if err := sess.sock.Send(protocol.Frame{Type: protocol.FrameHeartbeat}); err != nil {
				s.logger.Debug("heartbeat send failed", zap.String("tab_id", sess.tabID), zap.Error(err))
			}
		}
	}
}

// TabStats is one registry entry snapshot for the /stats endpoint.
type TabStats struct {
	TabID       string    `json:"tab_id"`
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
	SocketOpen  bool      `json:"socket_open"`
}

// Stats returns a snapshot of all live sessions.
func (s *Service) Stats() []TabStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TabStats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, TabStats{
			TabID:       sess.tabID,
			RoomID:      sess.roomID,
			UserID:      sess.userID,
			ConnectedAt: sess.connectedAt,
			SocketOpen:  sess.sock.Open(),
		})
	}
	return out
}

// TabStat returns the snapshot for one tab's session, if it has one.
func (s *Service) TabStat(tabID string) (TabStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[tabID]
	if sess == nil {
		return TabStats{}, false
	}
	return TabStats{
		TabID:       sess.tabID,
		RoomID:      sess.roomID,
		UserID:      sess.userID,
		ConnectedAt: sess.connectedAt,
		SocketOpen:  sess.sock.Open(),
	}, true
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every session and cancels pending teardown timers.
func (s *Service) Shutdown() {
	s.mu.Lock()
	tabs := make([]string, 0, len(s.sessions))
	for tabID := range s.sessions {
		tabs = append(tabs, tabID)
	}
	for tabID, t := range s.grace {
		t.Stop()
		delete(s.grace, tabID)
	}
	s.mu.Unlock()
	for _, tabID := range tabs {
		s.CloseSession(tabID)
	}
}
