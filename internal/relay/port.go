package relay

import (
	"errors"
	"sync"

	"github.com/simulwatch/relay/internal/protocol"
)

// ErrPortClosed is returned by Send after a port has been closed.
var ErrPortClosed = errors.New("port closed")

// Port is one end of the local duplex channel between a tab and the relay.
// Recv's channel closes when the other end goes away; that close is the
// teardown signal the relay's grace window hangs off.
type Port interface {
	Send(protocol.PortMessage) error
	Recv() <-chan protocol.PortMessage
	Close() error
}

const portBuffer = 64

// pipePort is an in-process Port. Two of them, cross-wired, form a duplex
// channel; used by tests and by same-process embedding of the relay.
type pipePort struct {
	mu     sync.Mutex
	out    chan protocol.PortMessage
	in     chan protocol.PortMessage
	closed bool
}

// NewPair returns two connected in-process ports: what one Sends, the
// other Recvs.
func NewPair() (Port, Port) {
	ab := make(chan protocol.PortMessage, portBuffer)
	ba := make(chan protocol.PortMessage, portBuffer)
	a := &pipePort{out: ab, in: ba}
	b := &pipePort{out: ba, in: ab}
	return a, b
}

func (p *pipePort) Send(msg protocol.PortMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	select {
	case p.out <- msg:
		return nil
	default:
		// peer not draining; drop rather than block the caller
		return ErrPortClosed
	}
}

func (p *pipePort) Recv() <-chan protocol.PortMessage {
	return p.in
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.out)
	return nil
}
