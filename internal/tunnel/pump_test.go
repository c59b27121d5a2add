package tunnel

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/sammck-go/logger"
)

func newTestLogger(t *testing.T, prefix string) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(prefix),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func TestPumpRelaysBothDirections(t *testing.T) {
	lg := newTestLogger(t, "TestPumpRelaysBothDirections")

	leftOutside, leftInside := net.Pipe()
	rightOutside, rightInside := net.Pipe()

	p := NewPump(lg, leftInside, rightInside, 0)

	msgToRight := []byte("hello from the left side")
	msgToLeft := []byte("hello from the right side")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := leftOutside.Write(msgToRight); err != nil {
			t.Errorf("write to leftOutside failed: %s", err)
		}
	}()

	buf := make([]byte, len(msgToRight))
	if _, err := io.ReadFull(rightOutside, buf); err != nil {
		t.Fatalf("read on rightOutside failed: %s", err)
	}
	if string(buf) != string(msgToRight) {
		t.Errorf("rightOutside got %q, want %q", buf, msgToRight)
	}
	<-done

	go func() {
		rightOutside.Write(msgToLeft)
	}()
	buf2 := make([]byte, len(msgToLeft))
	if _, err := io.ReadFull(leftOutside, buf2); err != nil {
		t.Fatalf("read on leftOutside failed: %s", err)
	}
	if string(buf2) != string(msgToLeft) {
		t.Errorf("leftOutside got %q, want %q", buf2, msgToLeft)
	}

	leftOutside.Close()

	if err := p.WaitShutdown(); err != nil && err != io.EOF {
		t.Fatalf("pump shutdown returned unexpected error: %s", err)
	}

	rightOutside.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := rightOutside.Read(make([]byte, 1)); err == nil {
		t.Error("rightOutside should have been closed by the pump's coarse-close behavior")
	}
}

func TestPumpBytesPumpedAccounting(t *testing.T) {
	lg := newTestLogger(t, "TestPumpBytesPumpedAccounting")

	leftOutside, leftInside := net.Pipe()
	rightOutside, rightInside := net.Pipe()

	p := NewPump(lg, leftInside, rightInside, 0)

	payload := []byte("0123456789")
	go leftOutside.Write(payload)
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(rightOutside, buf); err != nil {
		t.Fatalf("read failed: %s", err)
	}

	leftOutside.Close()
	rightOutside.Close()
	p.WaitShutdown()

	aToB, _ := p.BytesPumped()
	if aToB != uint64(len(payload)) {
		t.Errorf("BytesPumped() a->b = %d, want %d", aToB, len(payload))
	}
}
