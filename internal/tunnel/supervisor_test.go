package tunnel

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpillora/backoff"
)

func TestBackoffSleepHonorsContext(t *testing.T) {
	sv := NewSupervisor(newTestLogger(t, "TestBackoffSleepHonorsContext"), "unused:0", 0, nil)
	b := &backoff.Backoff{Min: ReconnectBackoff, Max: ReconnectBackoff, Factor: 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if sv.backoffSleep(ctx, b) {
		t.Error("backoffSleep should return false once ctx is already cancelled")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("backoffSleep took %s to notice a cancelled context", elapsed)
	}
}

// TestSupervisorReconnectsOnHandshakeFailure verifies that a Supervisor
// whose control dials succeed but whose server drops every connection right
// at handshake time keeps retrying at the fixed ReconnectBackoff interval
// instead of giving up (spec.md §4.6).
func TestSupervisorReconnectsOnHandshakeFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() returned error: %s", err)
	}
	defer ln.Close()

	var attempts int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&attempts, 1)
			conn.Close() // agent's handshake write or its first control read fails
		}
	}()

	dialer := NewDialer("127.0.0.1", Target{Host: "127.0.0.1", Port: 1})
	sv := NewSupervisor(newTestLogger(t, "TestSupervisorReconnectsOnHandshakeFailure"), ln.Addr().String(), 0, dialer)

	ctx, cancel := context.WithTimeout(context.Background(), ReconnectBackoff+2*time.Second)
	defer cancel()

	sv.Run(ctx)

	if n := atomic.LoadInt32(&attempts); n < 2 {
		t.Errorf("expected at least 2 connection attempts within one backoff interval plus 2s, got %d", n)
	}
}
