package tunnel

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// errAgentViolatedProtocol is the completion error used when the
// control-liveness read on the server side completes with data instead of
// an error: per spec.md §4.1, agents never write after the handshake, so
// any completed read is itself a protocol violation and treated exactly
// like a lost connection.
var errAgentViolatedProtocol = errors.New("control channel: agent wrote after handshake")

// errBridgeSlotTimedOut is reported as the control channel's completion
// error when it is torn down because a bridge slot's expiry fired.
var errBridgeSlotTimedOut = errors.New("control channel: closed after a bridge slot timed out")

// ControlChannel is the server-side half of the control channel (spec.md
// §3, §4.1): it owns exactly one public listener for as long as it lives
// (invariant 3), serializes writes of bridge-port notifications against
// concurrent bridge slots, and performs the sole permitted control-channel
// read as a liveness check.
//
// Grounded on original_source/proxy_server.cpp's Agent::do_proxy /
// do_accept / do_check_control, re-expressed as goroutines instead of
// chained completion handlers.
type ControlChannel struct {
	*asyncobj.Helper

	name           string
	conn           net.Conn
	publicPort     uint16
	publicListener net.Listener

	writeMu sync.Mutex

	stats ConnStats

	slots map[*BridgeSlot]struct{}
}

// AcceptControlChannel performs the server-side handshake on a freshly
// accepted control connection: read the 2-byte requested public port, then
// open a public listener on it. On any failure, conn is closed and an
// error is returned so the caller can let the agent reconnect and retry
// (spec.md §4.1, §7 "Bind/listen errors").
func AcceptControlChannel(log logger.Logger, conn net.Conn) (*ControlChannel, error) {
	port, err := ReadPort(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("control handshake read failed: %w", err)
	}

	// net.Listen sets SO_REUSEADDR by default on Unix platforms, matching
	// original_source/proxy_server.cpp's explicit reuse_address(true).
	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open public listener on port %d: %w", port, err)
	}

	name := fmt.Sprintf("<Control %s publicPort=%d>", conn.RemoteAddr(), port)
	cc := &ControlChannel{
		name:           name,
		conn:           conn,
		publicPort:     port,
		publicListener: listener,
		slots:          make(map[*BridgeSlot]struct{}),
	}
	cc.Helper = asyncobj.NewHelper(log.ForkLog(name), cc)
	cc.SetIsActivated()

	cc.ILogf("public listener open on port %d", port)
	go cc.acceptLoop()
	go cc.livenessLoop()

	return cc, nil
}

func (cc *ControlChannel) String() string {
	return cc.name
}

// PublicPort returns the public port this control channel's listener is
// bound to.
func (cc *ControlChannel) PublicPort() uint16 {
	return cc.publicPort
}

// writePort serializes a single bridge-port notification against any other
// concurrently completing bridge slots (spec.md §4.3 "Concurrency", §5
// "Shared resources").
func (cc *ControlChannel) writePort(port uint16) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	return WritePort(cc.conn, port)
}

// acceptLoop is the public listener's accept loop (spec.md §4.2): for each
// accepted public client, a bridge slot is created and driven to
// completion in its own goroutine.
func (cc *ControlChannel) acceptLoop() {
	for {
		client, err := cc.publicListener.Accept()
		if err != nil {
			cc.ILogf("public listener ended: %s", err)
			cc.StartShutdown(err)
			return
		}

		cc.stats.New()
		cc.stats.Open()
		cc.DLogf("public client accepted %s", cc.stats.String())

		slot, err := newBridgeSlot(cc.Logger, client, cc.startPump)
		if err != nil {
			cc.WLogf("failed to open ephemeral bridge acceptor: %s", err)
			client.Close()
			cc.stats.Close()
			continue
		}
		cc.addSlot(slot)
		go cc.runSlot(slot)
	}
}

func (cc *ControlChannel) runSlot(slot *BridgeSlot) {
	slot.run(cc.writePort, func() {
		cc.StartShutdown(errBridgeSlotTimedOut)
	})
	slot.WaitShutdown()
	cc.removeSlot(slot)
	cc.stats.Close()
}

// startPump is the BridgeSlot onPumped callback: it starts relaying bytes
// between the public client and the agent-originated socket (spec.md
// §4.3 step "Accept wins").
func (cc *ControlChannel) startPump(publicClient, agentConn net.Conn) {
	NewPump(cc.Logger, publicClient, agentConn, DefaultPumpBufferSize)
}

// livenessLoop performs the single permitted read on the control channel.
// Agents never write after the handshake (spec.md §4.1), so any completed
// read — whether it carries data or an error — means the agent is gone.
func (cc *ControlChannel) livenessLoop() {
	buf := make([]byte, 1)
	_, err := cc.conn.Read(buf)
	if err == nil {
		err = errAgentViolatedProtocol
	}
	cc.ILogf("control channel liveness check ended: %s", err)
	cc.StartShutdown(err)
}

func (cc *ControlChannel) addSlot(s *BridgeSlot) {
	cc.Lock.Lock()
	cc.slots[s] = struct{}{}
	cc.Lock.Unlock()
}

func (cc *ControlChannel) removeSlot(s *BridgeSlot) {
	cc.Lock.Lock()
	delete(cc.slots, s)
	cc.Lock.Unlock()
}

// HandleOnceShutdown closes the control socket and the public listener,
// then cancels every in-flight bridge slot (spec.md invariant 3 and §7:
// only control-channel loss tears down the associated public listener and
// its bridge slots).
func (cc *ControlChannel) HandleOnceShutdown(completionErr error) error {
	cc.conn.Close()
	cc.publicListener.Close()

	cc.Lock.Lock()
	slots := make([]*BridgeSlot, 0, len(cc.slots))
	for s := range cc.slots {
		slots = append(slots, s)
	}
	cc.Lock.Unlock()

	for _, s := range slots {
		s.StartShutdown(completionErr)
	}
	for _, s := range slots {
		s.WaitShutdown()
	}

	return completionErr
}
