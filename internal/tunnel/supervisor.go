package tunnel

import (
	"context"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"
)

// ReconnectBackoff is the fixed delay between control-connection attempts
// (spec.md §4.6, §5: "fixed 3-second delay. There is no jitter, no cap, no
// attempt counter surfaced externally").
const ReconnectBackoff = 3 * time.Second

// Supervisor drives the agent's DIALING_CONTROL -> HANDSHAKING -> SERVING
// -> BACKOFF state machine (spec.md §4.6).
//
// Grounded on share/client.go's connectionLoop, which uses the same
// jpillora/backoff library; here the backoff is pinned to a fixed interval
// (Min == Max, Factor 1) instead of the teacher's exponential ramp, since
// spec.md mandates a constant delay with no cap and no externally visible
// attempt counter.
type Supervisor struct {
	log        logger.Logger
	serverAddr string
	publicPort uint16
	dialer     *Dialer
}

// NewSupervisor creates a Supervisor that repeatedly connects to
// serverAddr ("host:port"), requests publicPort, and bridges notified
// connections through dialer.
func NewSupervisor(log logger.Logger, serverAddr string, publicPort uint16, dialer *Dialer) *Supervisor {
	return &Supervisor{
		log:        log.ForkLog("supervisor"),
		serverAddr: serverAddr,
		publicPort: publicPort,
		dialer:     dialer,
	}
}

// Run blocks, reconnecting forever, until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: ReconnectBackoff, Max: ReconnectBackoff, Factor: 1}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sv.log.ILogf("dialing control server %s", sv.serverAddr)
		var netDialer net.Dialer
		conn, err := netDialer.DialContext(ctx, "tcp", sv.serverAddr)
		if err != nil {
			sv.log.WLogf("connect to %s failed: %s", sv.serverAddr, err)
			if !sv.backoffSleep(ctx, b) {
				return ctx.Err()
			}
			continue
		}

		ac, err := Handshake(sv.log, conn, sv.publicPort, sv.dialer)
		if err != nil {
			sv.log.WLogf("handshake with %s failed: %s", sv.serverAddr, err)
			if !sv.backoffSleep(ctx, b) {
				return ctx.Err()
			}
			continue
		}

		sv.log.ILog("serving")
		b.Reset()

		done := make(chan struct{})
		go func() {
			ac.WaitShutdown()
			close(done)
		}()

		select {
		case <-ctx.Done():
			ac.StartShutdown(ctx.Err())
			<-done
			return ctx.Err()
		case <-done:
		}

		if !sv.backoffSleep(ctx, b) {
			return ctx.Err()
		}
	}
}

// backoffSleep waits ReconnectBackoff, or returns false early if ctx is
// cancelled first.
func (sv *Supervisor) backoffSleep(ctx context.Context, b *backoff.Backoff) bool {
	d := b.Duration()
	sv.log.DLogf("reconnecting in %s (attempt %d)", d, int(b.Attempt()))
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
