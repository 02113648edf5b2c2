package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/simulwatch/relay/internal/protocol"
)

func TestPairDeliversBothDirections(t *testing.T) {
	a, b := NewPair()
	if err := a.Send(protocol.PortMessage{Type: protocol.PortConnect, RoomID: "room-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Send(protocol.PortMessage{Type: protocol.PortStatus, Status: protocol.StatusConnected}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-b.Recv():
		if msg.Type != protocol.PortConnect || msg.RoomID != "room-1" {
			t.Fatalf("b received %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("b received nothing")
	}
	select {
	case msg := <-a.Recv():
		if msg.Type != protocol.PortStatus {
			t.Fatalf("a received %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("a received nothing")
	}
}

func TestCloseSignalsPeerAndStopsSend(t *testing.T) {
	a, b := NewPair()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("repeat close: %v", err)
	}

	if err := a.Send(protocol.PortMessage{Type: protocol.PortChat}); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("Send after close = %v, want ErrPortClosed", err)
	}

	select {
	case _, ok := <-b.Recv():
		if ok {
			t.Fatal("expected closed channel, got message")
		}
	case <-time.After(time.Second):
		t.Fatal("peer channel not closed")
	}
}

func TestSendDropsWhenPeerNotDraining(t *testing.T) {
	a, _ := NewPair()
	var err error
	for i := 0; i <= portBuffer; i++ {
		err = a.Send(protocol.PortMessage{Type: protocol.PortChat})
	}
	if !errors.Is(err, ErrPortClosed) {
		t.Fatalf("overflow Send = %v, want drop", err)
	}
}
