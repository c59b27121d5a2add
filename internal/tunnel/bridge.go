package tunnel

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// BridgeSlotExpiry is the fixed window a bridge slot waits for the agent to
// dial its ephemeral port before it is abandoned (spec.md §4.3, §5).
const BridgeSlotExpiry = 5 * time.Second

// ErrBridgeSlotTimeout is the completion error recorded when a bridge slot's
// expiry timer fires before the agent dials in.
var ErrBridgeSlotTimeout = errors.New("bridge slot: timed out waiting for agent to dial ephemeral port")

// BridgeSlot is the per-public-connection state described in spec.md §3
// ("Bridge slot"): an accepted public client socket, a freshly opened
// ephemeral acceptor bound to an OS-chosen port, and an expiry timer.
//
// Grounded on original_source/proxy_server.cpp's Session::do_connect_agent
// (the timer-vs-accept race and closing the control channel on timeout) and
// pkg/wstnet/net_bipipe_listener.go's accept/cancel-on-close shape.
type BridgeSlot struct {
	*asyncobj.Helper

	name         string
	publicClient net.Conn
	acceptor     net.Listener
	bridgePort   uint16
	onPumped     func(publicClient, agentConn net.Conn)
	handedOff    bool
}

// newBridgeSlot opens a new ephemeral TCP acceptor on 0.0.0.0:0 (invariant
// 1: a distinct ephemeral port per slot is the sole matching mechanism). If
// the listen fails, the caller is responsible for closing publicClient.
func newBridgeSlot(log logger.Logger, publicClient net.Conn, onPumped func(net.Conn, net.Conn)) (*BridgeSlot, error) {
	acceptor, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	port := uint16(acceptor.Addr().(*net.TCPAddr).Port)
	name := fmt.Sprintf("<BridgeSlot :%d for %s>", port, publicClient.RemoteAddr())
	s := &BridgeSlot{
		name:         name,
		publicClient: publicClient,
		acceptor:     acceptor,
		bridgePort:   port,
		onPumped:     onPumped,
	}
	s.Helper = asyncobj.NewHelper(log.ForkLog(name), s)
	s.SetIsActivated()
	return s, nil
}

func (s *BridgeSlot) String() string {
	return s.name
}

// run drives the slot to completion: it writes the ephemeral port over the
// control channel (via writePort, which the caller must have already
// serialized against other slots sharing the same control channel), then
// races the 5-second expiry timer against the agent dialing in. It returns
// once the slot has reached a terminal state; the slot's resources are
// released by the subsequent StartShutdown.
func (s *BridgeSlot) run(writePort func(uint16) error, killControl func()) {
	if err := writePort(s.bridgePort); err != nil {
		s.DLogf("failed to notify agent of bridge port: %s", err)
		s.StartShutdown(err)
		return
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		conn, err := s.acceptor.Accept()
		resultCh <- acceptResult{conn, err}
	}()

	timer := time.NewTimer(BridgeSlotExpiry)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != nil {
			// The acceptor was closed out from under us, most likely
			// because the control channel is already shutting down.
			s.StartShutdown(res.err)
			return
		}
		s.DLog("agent-originated socket accepted; starting byte pump")
		s.Lock.Lock()
		s.handedOff = true
		s.Lock.Unlock()
		s.onPumped(s.publicClient, res.conn)
		s.StartShutdown(nil)
	case <-timer.C:
		s.WLog("timed out waiting for agent to dial ephemeral port; closing control channel")
		killControl()
		s.StartShutdown(ErrBridgeSlotTimeout)
	}
}

// HandleOnceShutdown cancels the pending accept (by closing the acceptor)
// and, unless the public client socket was already handed off to a pump,
// closes it too.
func (s *BridgeSlot) HandleOnceShutdown(completionErr error) error {
	s.acceptor.Close()

	s.Lock.Lock()
	handedOff := s.handedOff
	s.Lock.Unlock()
	if !handedOff {
		s.publicClient.Close()
	}

	return completionErr
}
