package tunnel

import (
	"context"
	"net"
	"strconv"

	"github.com/sammck-go/logger"
)

// Target identifies the private TCP service the agent relays traffic to
// (spec.md glossary: "Target").
type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// Dialer implements the agent-side half of spec.md §4.5: for each
// bridge-port notification, dial the server's ephemeral port and the local
// target, then hand both sockets to a Pump. A dial failure abandons only
// that one bridge request; the control channel and other in-flight
// requests are unaffected.
//
// Grounded on original_source/expose.cpp's Session::do_bridge (resolve ->
// connect proxy -> connect target -> pipe) and
// pkg/wstnet/bipipe_dialer.go's context-cancellable DialContext shape.
type Dialer struct {
	serverHost string
	target     Target
}

// NewDialer creates a Dialer that bridges to serverHost (no port — the
// bridge port varies per request) and target.
func NewDialer(serverHost string, target Target) *Dialer {
	return &Dialer{serverHost: serverHost, target: target}
}

// Dial performs one bridge attempt for bridgePort. It never returns an
// error; failures are logged and the attempt is simply abandoned, per
// spec.md §4.5 and §7 ("Dial errors (agent): abandon the specific bridge
// request; continue serving").
func (d *Dialer) Dial(ctx context.Context, log logger.Logger, bridgePort uint16) {
	var netDialer net.Dialer

	bridgeAddr := net.JoinHostPort(d.serverHost, strconv.Itoa(int(bridgePort)))
	agentConn, err := netDialer.DialContext(ctx, "tcp", bridgeAddr)
	if err != nil {
		log.WLogf("dial to bridge port %s failed: %s", bridgeAddr, err)
		return
	}

	targetConn, err := netDialer.DialContext(ctx, "tcp", d.target.String())
	if err != nil {
		log.WLogf("dial to target %s failed: %s", d.target, err)
		agentConn.Close()
		return
	}

	log.ILogf("bridging %s <=> %s", bridgeAddr, d.target)
	NewPump(log, agentConn, targetConn, DefaultPumpBufferSize)
}
