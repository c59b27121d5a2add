package tunnel

import (
	"context"
	"fmt"
	"net"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// AgentControl is the agent-side half of the control channel (spec.md
// §4.1 "Agent-side contract"): it writes the requested public port once
// immediately after connect, then loops reading bridge-port notifications
// and handing each to a Dialer.
//
// Grounded on original_source/expose.cpp's Agent::do_request /
// do_handle_connection.
type AgentControl struct {
	*asyncobj.Helper

	name   string
	conn   net.Conn
	dialer *Dialer
}

// Handshake performs the agent-side handshake over conn: write publicPort
// as the first 2 bytes, then start the read loop that dials dialer for
// every bridge-port notification received. On write failure, conn is
// closed and an error returned.
func Handshake(log logger.Logger, conn net.Conn, publicPort uint16, dialer *Dialer) (*AgentControl, error) {
	if err := WritePort(conn, publicPort); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}

	name := fmt.Sprintf("<AgentControl %s publicPort=%d>", conn.RemoteAddr(), publicPort)
	ac := &AgentControl{
		name:   name,
		conn:   conn,
		dialer: dialer,
	}
	ac.Helper = asyncobj.NewHelper(log.ForkLog(name), ac)
	ac.SetIsActivated()

	ac.ILogf("handshake complete; requested public port %d", publicPort)
	go ac.readLoop()

	return ac, nil
}

func (ac *AgentControl) String() string {
	return ac.name
}

// readLoop consumes 2-byte bridge-port notifications for as long as the
// control channel lives. Each notification spawns an independent dial
// attempt (spec.md §4.5 "Parallelism"): multiple bridge requests may be in
// flight concurrently and share no state beyond the target address.
func (ac *AgentControl) readLoop() {
	for {
		port, err := ReadPort(ac.conn)
		if err != nil {
			ac.ILogf("control channel read failed: %s", err)
			ac.StartShutdown(err)
			return
		}
		ac.DLogf("bridge port notification: %d", port)
		go ac.dialer.Dial(context.Background(), ac.Logger, port)
	}
}

// HandleOnceShutdown closes the control socket. In-flight Pumps started by
// the read loop are not children of this channel and are left running,
// per spec.md §4.6 ("In-flight byte pumps from the previous SERVING
// session are unaffected").
func (ac *AgentControl) HandleOnceShutdown(completionErr error) error {
	ac.conn.Close()
	return completionErr
}
