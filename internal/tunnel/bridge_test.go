package tunnel

import (
	"net"
	"sync"
	"testing"
)

func TestBridgeSlotAcceptWins(t *testing.T) {
	lg := newTestLogger(t, "TestBridgeSlotAcceptWins")

	publicOutside, publicInside := net.Pipe()
	defer publicOutside.Close()

	var mu sync.Mutex
	var pumpedPublic, pumpedAgent net.Conn
	onPumped := func(publicClient, agentConn net.Conn) {
		mu.Lock()
		pumpedPublic = publicClient
		pumpedAgent = agentConn
		mu.Unlock()
		publicClient.Close()
		agentConn.Close()
	}

	slot, err := newBridgeSlot(lg, publicInside, onPumped)
	if err != nil {
		t.Fatalf("newBridgeSlot() returned error: %s", err)
	}

	var writtenPort uint16
	writePort := func(port uint16) error {
		writtenPort = port
		return nil
	}
	killCalled := false
	killControl := func() { killCalled = true }

	addr := slot.acceptor.Addr().String()
	go slot.run(writePort, killControl)

	agentConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial to bridge acceptor failed: %s", err)
	}
	defer agentConn.Close()

	if err := slot.WaitShutdown(); err != nil {
		t.Fatalf("slot shutdown returned error: %s", err)
	}
	if killCalled {
		t.Error("killControl should not be called on a successful accept")
	}
	if writtenPort != slot.bridgePort {
		t.Errorf("writePort received %d, want %d", writtenPort, slot.bridgePort)
	}

	mu.Lock()
	defer mu.Unlock()
	if pumpedPublic == nil || pumpedAgent == nil {
		t.Error("onPumped was never invoked")
	}
}

func TestBridgeSlotTimeout(t *testing.T) {
	lg := newTestLogger(t, "TestBridgeSlotTimeout")

	publicOutside, publicInside := net.Pipe()
	defer publicOutside.Close()

	onPumped := func(net.Conn, net.Conn) {
		t.Error("onPumped should not be called when no agent ever dials in")
	}

	slot, err := newBridgeSlot(lg, publicInside, onPumped)
	if err != nil {
		t.Fatalf("newBridgeSlot() returned error: %s", err)
	}

	writePort := func(uint16) error { return nil }
	killed := make(chan struct{})
	killControl := func() { close(killed) }

	go slot.run(writePort, killControl)

	<-killed

	if err := slot.WaitShutdown(); err != ErrBridgeSlotTimeout {
		t.Errorf("slot shutdown error = %v, want %v", err, ErrBridgeSlotTimeout)
	}
}
