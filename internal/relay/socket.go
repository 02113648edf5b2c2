package relay

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/simulwatch/relay/internal/protocol"
)

// Socket is an open connection to the room server.
type Socket interface {
	Send(protocol.Frame) error
	Open() bool
	Close() error
}

// Dialer opens sockets to the room server. onMessage receives each raw
// inbound message in receipt order; onClose fires exactly once when the
// socket stops, with a non-nil error on abnormal closure.
type Dialer interface {
	Dial(rawURL, roomID, userID string, onMessage func([]byte), onClose func(error)) (Socket, error)
}

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 65536
)

// WSDialer dials room servers over gorilla websockets.
type WSDialer struct {
	logger *zap.Logger
}

// NewWSDialer creates a websocket-backed Dialer.
func NewWSDialer(logger *zap.Logger) *WSDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSDialer{logger: logger}
}

// Dial connects to rawURL with roomId/userId as query parameters and
// starts the read and write pumps.
func (d *WSDialer) Dial(rawURL, roomID, userID string, onMessage func([]byte), onClose func(error)) (Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("room url: %w", err)
	}
	q := u.Query()
	q.Set("roomId", roomID)
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	s := &wsSocket{
		conn:   conn,
		send:   make(chan protocol.Frame, 64),
		done:   make(chan struct{}),
		logger: d.logger,
	}
	go s.writePump()
	go s.readPump(onMessage, onClose)
	return s, nil
}

// wsSocket wraps a websocket connection with a buffered write pump, so
// Send never blocks the relay's dispatch loop.
type wsSocket struct {
	conn     *websocket.Conn
	send     chan protocol.Frame
	done     chan struct{}
	closeErr error
	once     sync.Once
	logger   *zap.Logger
}

func (s *wsSocket) Send(f protocol.Frame) error {
	select {
	case <-s.done:
		return fmt.Errorf("socket closed")
	case s.send <- f:
		return nil
	default:
		return fmt.Errorf("socket send buffer full")
	}
}

func (s *wsSocket) Open() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *wsSocket) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *wsSocket) shutdown(err error) {
	s.once.Do(func() {
		s.closeErr = err
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *wsSocket) readPump(onMessage func([]byte), onClose func(error)) {
	s.conn.SetReadLimit(maxFrameBytes)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var cause error
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.Open() {
				cause = err
			}
			s.shutdown(cause)
			onClose(s.closeErr)
			return
		}
		onMessage(raw)
	}
}

func (s *wsSocket) writePump() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Debug("socket write failed", zap.Error(err))
				return
			}
		}
	}
}
