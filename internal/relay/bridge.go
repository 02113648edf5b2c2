package relay

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/simulwatch/relay/internal/protocol"
)

var bridgeUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge binds to localhost; the overlay page's origin is not a
	// localhost origin, so origin checking is handled by CORS config.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeBridge upgrades GET /port into a tab's local channel and attaches
// it to the relay service. The tab identifies itself with a tab_id query
// parameter; absent one, an id is minted for it.
func ServeBridge(svc *Service, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tabID := c.Query("tab_id")
		if tabID == "" {
			tabID = uuid.New().String()
		}
		conn, err := bridgeUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("bridge upgrade failed", zap.Error(err))
			return
		}
		port := newWSPort(conn)
		svc.AttachPort(tabID, port)
	}
}

// DialBridge connects the tab side of the local channel to a running
// relay daemon.
func DialBridge(bridgeURL, tabID string) (Port, error) {
	conn, _, err := websocket.DefaultDialer.Dial(bridgeURL+"?tab_id="+tabID, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	return newWSPort(conn), nil
}

// wsPort adapts a websocket connection to the Port interface. Both ends
// of the bridge use it.
type wsPort struct {
	conn *websocket.Conn
	in   chan protocol.PortMessage
	send chan protocol.PortMessage
	done chan struct{}
	once sync.Once
}

func newWSPort(conn *websocket.Conn) *wsPort {
	p := &wsPort{
		conn: conn,
		in:   make(chan protocol.PortMessage, portBuffer),
		send: make(chan protocol.PortMessage, portBuffer),
		done: make(chan struct{}),
	}
	go p.readPump()
	go p.writePump()
	return p
}

func (p *wsPort) Send(msg protocol.PortMessage) error {
	select {
	case <-p.done:
		return ErrPortClosed
	case p.send <- msg:
		return nil
	default:
		return ErrPortClosed
	}
}

func (p *wsPort) Recv() <-chan protocol.PortMessage {
	return p.in
}

func (p *wsPort) Close() error {
	p.shutdown()
	return nil
}

func (p *wsPort) shutdown() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *wsPort) readPump() {
	defer func() {
		p.shutdown()
		close(p.in)
	}()
	p.conn.SetReadLimit(maxFrameBytes)
	for {
		var msg protocol.PortMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case p.in <- msg:
		default:
			// consumer stalled; drop rather than back up the bridge
		}
	}
}

func (p *wsPort) writePump() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				p.shutdown()
				return
			}
		}
	}
}
