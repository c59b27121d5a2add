package tunnel

import (
	"context"
	"net"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Server accepts control connections from agents and hands each one off to
// a ControlChannel. It corresponds to spec.md's "Server / Proxy server"
// and the original_source/proxy_server.cpp "Server" class's do_accept
// loop.
type Server struct {
	*asyncobj.Helper

	listener  net.Listener
	agentStat ConnStats
}

// NewServer creates a Server bound to the given logger but does not yet
// listen for anything; call Run to begin accepting control connections.
func NewServer(log logger.Logger) *Server {
	s := &Server{}
	s.Helper = asyncobj.NewHelper(log.ForkLog("server"), s)
	return s
}

// Run listens on addr (e.g. "0.0.0.0:9000") for control connections and
// services them until ctx is cancelled or the listener fails. It blocks
// until shutdown is complete.
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.Lock.Lock()
	s.listener = listener
	s.Lock.Unlock()
	s.SetIsActivated()

	s.ILogf("listening for agents on %s", addr)

	go func() {
		select {
		case <-ctx.Done():
			s.StartShutdown(ctx.Err())
		case <-s.ShutdownDoneChan():
		}
	}()

	go s.acceptLoop()

	return s.WaitShutdown()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.ILogf("control listener ended: %s", err)
			s.StartShutdown(err)
			return
		}

		s.agentStat.New()
		s.agentStat.Open()
		s.DLogf("agent control connection accepted %s", s.agentStat.String())

		cc, err := AcceptControlChannel(s.Logger, conn)
		if err != nil {
			s.WLogf("control handshake failed: %s", err)
			s.agentStat.Close()
			continue
		}
		s.AddShutdownChild(cc)
		go func() {
			cc.WaitShutdown()
			s.agentStat.Close()
		}()
	}
}

// HandleOnceShutdown closes the control listener; in-flight
// ControlChannels are torn down independently through AddShutdownChild.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.Lock.Lock()
	listener := s.listener
	s.Lock.Unlock()
	if listener != nil {
		listener.Close()
	}
	return completionErr
}
