package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/simulwatch/relay/internal/protocol"
	"github.com/simulwatch/relay/internal/settings"
)

type fakeSocket struct {
	mu        sync.Mutex
	frames    []protocol.Frame
	open      bool
	url       string
	roomID    string
	userID    string
	onMessage func([]byte)
	onClose   func(error)
}

func (s *fakeSocket) Send(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("socket closed")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSocket) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	onClose := s.onClose
	s.mu.Unlock()
	onClose(nil)
	return nil
}

// serverClose simulates the room server dropping the connection.
func (s *fakeSocket) serverClose(cause error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	onClose := s.onClose
	s.mu.Unlock()
	onClose(cause)
}

func (s *fakeSocket) sentFrames() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	socks []*fakeSocket
	fail  bool
}

func (d *fakeDialer) Dial(url, roomID, userID string, onMessage func([]byte), onClose func(error)) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("dial refused")
	}
	s := &fakeSocket{
		open:      true,
		url:       url,
		roomID:    roomID,
		userID:    userID,
		onMessage: onMessage,
		onClose:   onClose,
	}
	d.socks = append(d.socks, s)
	return s, nil
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socks[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.socks)
}

func newTestService(t *testing.T, store settings.Store, opts Options) (*Service, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	return NewService(d, store, nil, opts), d
}

func recvMsg(t *testing.T, port Port) protocol.PortMessage {
	t.Helper()
	select {
	case msg, ok := <-port.Recv():
		if !ok {
			t.Fatal("port closed while waiting for message")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for port message")
		return protocol.PortMessage{}
	}
}

func expectNoMsg(t *testing.T, port Port) {
	t.Helper()
	select {
	case msg := <-port.Recv():
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func connectTab(t *testing.T, svc *Service, tabID string) (tabPort Port) {
	t.Helper()
	svcPort, tabPort := NewPair()
	svc.AttachPort(tabID, svcPort)
	if err := tabPort.Send(protocol.PortMessage{
		Type:   protocol.PortConnect,
		URL:    "ws://room.example/ws",
		RoomID: "room-1",
		UserID: "alice",
	}); err != nil {
		t.Fatalf("send connect: %v", err)
	}
	if msg := recvMsg(t, tabPort); msg.Type != protocol.PortStatus || msg.Status != protocol.StatusConnected {
		t.Fatalf("expected STATUS connected, got %+v", msg)
	}
	if msg := recvMsg(t, tabPort); msg.Type != protocol.PortConnected {
		t.Fatalf("expected CONNECTED, got %+v", msg)
	}
	return tabPort
}

func TestConnect_EstablishesSession(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{})
	connectTab(t, svc, "tab-1")

	if got := svc.SessionCount(); got != 1 {
		t.Fatalf("expected 1 session, got %d", got)
	}
	sock := dialer.socket(0)
	if sock.roomID != "room-1" || sock.userID != "alice" {
		t.Errorf("dial carried wrong identity: room=%q user=%q", sock.roomID, sock.userID)
	}
}

func TestConnect_SupersedesPriorSession(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{})
	tabPort := connectTab(t, svc, "tab-1")

	if err := tabPort.Send(protocol.PortMessage{
		Type:   protocol.PortConnect,
		URL:    "ws://room.example/ws",
		RoomID: "room-2",
		UserID: "alice",
	}); err != nil {
		t.Fatalf("send second connect: %v", err)
	}
	if msg := recvMsg(t, tabPort); msg.Type != protocol.PortStatus || msg.Status != protocol.StatusConnected {
		t.Fatalf("expected STATUS connected, got %+v", msg)
	}
	recvMsg(t, tabPort) // CONNECTED

	if got := svc.SessionCount(); got != 1 {
		t.Fatalf("expected exactly 1 session after reconnect, got %d", got)
	}
	if dialer.socket(0).Open() {
		t.Error("superseded socket left open")
	}
	if !dialer.socket(1).Open() {
		t.Error("new socket not open")
	}
}

func TestConnect_DialFailureReportsError(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{})
	dialer.fail = true

	svcPort, tabPort := NewPair()
	svc.AttachPort("tab-1", svcPort)
	_ = tabPort.Send(protocol.PortMessage{Type: protocol.PortConnect, URL: "ws://x", RoomID: "r", UserID: "u"})

	if msg := recvMsg(t, tabPort); msg.Type != protocol.PortStatus || msg.Status != protocol.StatusError {
		t.Fatalf("expected STATUS error, got %+v", msg)
	}
	if svc.SessionCount() != 0 {
		t.Error("failed dial must not record a session")
	}
}

func TestForward_SendsLowercaseFrames(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{})
	tabPort := connectTab(t, svc, "tab-1")

	payload := json.RawMessage(`{"action":"play","time":12.5}`)
	_ = tabPort.Send(protocol.PortMessage{Type: protocol.PortAction, Payload: payload})

	waitFor(t, func() bool { return len(dialer.socket(0).sentFrames()) == 1 })
	frame := dialer.socket(0).sentFrames()[0]
	if frame.Type != protocol.FrameAction {
		t.Errorf("expected action frame, got %q", frame.Type)
	}
	if string(frame.Payload) != string(payload) {
		t.Errorf("payload altered in transit: %s", frame.Payload)
	}
}

func TestForward_DroppedWithoutOpenSocket(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{})
	tabPort := connectTab(t, svc, "tab-1")

	dialer.socket(0).serverClose(nil)
	if msg := recvMsg(t, tabPort); msg.Status != protocol.StatusDisconnected {
		t.Fatalf("expected STATUS disconnected, got %+v", msg)
	}

	_ = tabPort.Send(protocol.PortMessage{Type: protocol.PortChat, Payload: json.RawMessage(`{}`)})
	time.Sleep(50 * time.Millisecond)
	if got := len(dialer.socket(0).sentFrames()); got != 0 {
		t.Errorf("forward after close must be dropped, sent %d frames", got)
	}
}

func TestInbound_RelayedInOrder(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{})
	tabPort := connectTab(t, svc, "tab-1")

	sock := dialer.socket(0)
	sock.onMessage([]byte(`{"type":"sync","payload":{"time":10}}`))
	sock.onMessage([]byte(`{"type":"chat","payload":{"id":"1"}}`))

	first := recvMsg(t, tabPort)
	if first.Type != protocol.PortServer || first.Frame.Type != protocol.FrameSync {
		t.Fatalf("expected forwarded sync, got %+v", first)
	}
	second := recvMsg(t, tabPort)
	if second.Frame.Type != protocol.FrameChat {
		t.Fatalf("expected forwarded chat after sync, got %+v", second)
	}
}

func TestInbound_MalformedSwallowed(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{})
	tabPort := connectTab(t, svc, "tab-1")

	sock := dialer.socket(0)
	sock.onMessage([]byte(`not json`))
	sock.onMessage([]byte(`{"payload":{}}`)) // missing type

	expectNoMsg(t, tabPort)
	if !sock.Open() {
		t.Error("parse failure must not close the socket")
	}
	if svc.SessionCount() != 1 {
		t.Error("parse failure must not tear down the session")
	}
}

func TestSocketError_ReportsAndRemovesSession(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{})
	tabPort := connectTab(t, svc, "tab-1")

	dialer.socket(0).serverClose(errors.New("reset by peer"))

	if msg := recvMsg(t, tabPort); msg.Type != protocol.PortStatus || msg.Status != protocol.StatusError {
		t.Fatalf("expected STATUS error, got %+v", msg)
	}
	if svc.SessionCount() != 0 {
		t.Error("errored session must be removed")
	}

	// Removing again is a no-op.
	svc.CloseSession("tab-1")
}

func TestGrace_ReattachWithinWindowKeepsSession(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{TeardownGrace: 80 * time.Millisecond})
	tabPort := connectTab(t, svc, "tab-1")

	tabPort.Close()
	time.Sleep(20 * time.Millisecond)

	svcPort2, _ := NewPair()
	svc.AttachPort("tab-1", svcPort2)

	time.Sleep(150 * time.Millisecond)
	if svc.SessionCount() != 1 {
		t.Fatal("session destroyed despite reconnect within grace window")
	}
	if !dialer.socket(0).Open() {
		t.Fatal("socket closed despite reconnect within grace window")
	}
}

func TestGrace_ExpiryDestroysSession(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{TeardownGrace: 40 * time.Millisecond})
	tabPort := connectTab(t, svc, "tab-1")

	tabPort.Close()
	time.Sleep(120 * time.Millisecond)

	if svc.SessionCount() != 0 {
		t.Fatal("session survived past the grace window")
	}
	if dialer.socket(0).Open() {
		t.Fatal("socket left open past the grace window")
	}
}

func TestHeartbeat_SentWhileOpen(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{HeartbeatInterval: 20 * time.Millisecond})
	connectTab(t, svc, "tab-1")

	waitFor(t, func() bool {
		for _, f := range dialer.socket(0).sentFrames() {
			if f.Type == protocol.FrameHeartbeat {
				return true
			}
		}
		return false
	})
}

func TestResume_ReconnectsFromStoredIdentity(t *testing.T) {
	store := settings.NewMemoryStore()
	_ = store.Save(context.Background(), "tab-1", settings.Identity{
		RoomID: "room-9", UserID: "bob", URL: "ws://room.example/ws",
	})
	svc, dialer := newTestService(t, store, Options{})

	svcPort, tabPort := NewPair()
	svc.AttachPort("tab-1", svcPort)

	if msg := recvMsg(t, tabPort); msg.Type != protocol.PortStatus || msg.Status != protocol.StatusConnected {
		t.Fatalf("expected STATUS connected, got %+v", msg)
	}
	msg := recvMsg(t, tabPort)
	if msg.Type != protocol.PortConnected || msg.RoomID != "room-9" || msg.UserID != "bob" {
		t.Fatalf("expected CONNECTED with stored identity, got %+v", msg)
	}
	if dialer.socket(0).roomID != "room-9" {
		t.Errorf("dial used wrong room: %q", dialer.socket(0).roomID)
	}
}

func TestShutdown_ClosesAllSessions(t *testing.T) {
	svc, dialer := newTestService(t, nil, Options{})
	connectTab(t, svc, "tab-1")

	svcPort, tabPort := NewPair()
	svc.AttachPort("tab-2", svcPort)
	_ = tabPort.Send(protocol.PortMessage{Type: protocol.PortConnect, URL: "ws://x", RoomID: "r2", UserID: "u2"})
	recvMsg(t, tabPort)
	recvMsg(t, tabPort)

	svc.Shutdown()
	if svc.SessionCount() != 0 {
		t.Fatal("sessions survived shutdown")
	}
	if dialer.socket(0).Open() || dialer.socket(1).Open() {
		t.Fatal("sockets left open after shutdown")
	}
}

func TestTabStat_LooksUpSingleSession(t *testing.T) {
	svc, _ := newTestService(t, nil, Options{})
	connectTab(t, svc, "tab-1")

	stat, ok := svc.TabStat("tab-1")
	if !ok {
		t.Fatal("no stat for connected tab")
	}
	if stat.RoomID != "room-1" || stat.UserID != "alice" || !stat.SocketOpen {
		t.Fatalf("stat = %+v", stat)
	}

	if _, ok := svc.TabStat("tab-2"); ok {
		t.Fatal("stat reported for unknown tab")
	}

	if !svc.CloseSession("tab-1") {
		t.Fatal("CloseSession reported no session")
	}
	if svc.CloseSession("tab-1") {
		t.Fatal("repeat CloseSession reported a session")
	}
	if _, ok := svc.TabStat("tab-1"); ok {
		t.Fatal("stat survived CloseSession")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
