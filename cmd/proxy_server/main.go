package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/outpostlabs/revtun/internal/tunnel"
)

var help = `
  Usage: proxy_server [-v] <control_port>

  <control_port> is the TCP port agents dial to establish a control
  channel (spec §3 "Control port").

  Options:
    -v, Enable verbose (debug) logging

  Version: ` + tunnel.BuildVersion + `
`

func sigHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

// parseArgs parses proxy_server's command-line arguments. It performs no
// I/O, making it safe to unit test.
func parseArgs(args []string) (verbose bool, controlPort uint16, err error) {
	var positional []string
	for _, a := range args {
		if a == "-v" {
			verbose = true
			continue
		}
		positional = append(positional, a)
	}
	if len(positional) != 1 {
		return false, 0, fmt.Errorf("expected exactly one control_port argument, got %d", len(positional))
	}
	v, err := strconv.ParseUint(positional[0], 10, 16)
	if err != nil || v == 0 {
		return false, 0, fmt.Errorf("invalid control_port %q", positional[0])
	}
	return verbose, uint16(v), nil
}

func main() {
	verbose, controlPort, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}

	log, err := tunnel.NewRootLogger("proxy_server", verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sigHandler(ctx, cancel)

	s := tunnel.NewServer(log)
	if err := s.Run(ctx, fmt.Sprintf("0.0.0.0:%d", controlPort)); err != nil {
		log.ILogf("proxy server exited: %s", err)
	}
}
