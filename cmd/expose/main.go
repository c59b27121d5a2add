package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/outpostlabs/revtun/internal/tunnel"
)

var help = `
  Usage: PROXY_HOST=<server_ip>:<control_port> expose <proxy_port>[:<target_host>]:<target_port>

  PROXY_HOST (environment variable) is the address of the proxy_server's
  control port.

  The remote argument takes one of two forms:
    <proxy_port>:<target_port>              (target_host defaults to 127.0.0.1)
    <proxy_port>:<target_host>:<target_port>

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

// parsePort validates a textual port number in [1, 65535].
func parsePort(s, what string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return uint16(v), nil
}

// parseRemote parses "<proxy_port>:<target_port>" or
// "<proxy_port>:<target_host>:<target_port>" (spec.md §2, §8.1).
func parseRemote(s string) (proxyPort uint16, target tunnel.Target, err error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		if proxyPort, err = parsePort(parts[0], "proxy_port"); err != nil {
			return
		}
		var targetPort uint16
		if targetPort, err = parsePort(parts[1], "target_port"); err != nil {
			return
		}
		target = tunnel.Target{Host: "127.0.0.1", Port: targetPort}
	case 3:
		if proxyPort, err = parsePort(parts[0], "proxy_port"); err != nil {
			return
		}
		host := parts[1]
		if host == "" {
			host = "127.0.0.1"
		}
		var targetPort uint16
		if targetPort, err = parsePort(parts[2], "target_port"); err != nil {
			return
		}
		target = tunnel.Target{Host: host, Port: targetPort}
	default:
		err = fmt.Errorf("malformed remote %q", s)
	}
	return
}

// config holds the result of parsing expose's CLI args and environment.
type config struct {
	verbose     bool
	serverHost  string
	controlPort uint16
	proxyPort   uint16
	target      tunnel.Target
}

// parseArgs parses expose's command-line arguments and PROXY_HOST
// environment variable. It performs no I/O beyond reading env via getenv,
// making it safe to unit test.
func parseArgs(args []string, getenv func(string) string) (config, error) {
	var cfg config
	var positional []string
	for _, a := range args {
		if a == "-v" {
			cfg.verbose = true
			continue
		}
		positional = append(positional, a)
	}
	if len(positional) != 1 {
		return cfg, fmt.Errorf("expected exactly one remote argument, got %d", len(positional))
	}

	proxyHostEnv := getenv("PROXY_HOST")
	if proxyHostEnv == "" {
		return cfg, fmt.Errorf("PROXY_HOST environment variable is required")
	}
	serverHost, controlPortStr, err := net.SplitHostPort(proxyHostEnv)
	if err != nil {
		return cfg, fmt.Errorf("malformed PROXY_HOST %q: %w", proxyHostEnv, err)
	}
	controlPort, err := parsePort(controlPortStr, "control_port")
	if err != nil {
		return cfg, err
	}

	proxyPort, target, err := parseRemote(positional[0])
	if err != nil {
		return cfg, err
	}

	cfg.serverHost = serverHost
	cfg.controlPort = controlPort
	cfg.proxyPort = proxyPort
	cfg.target = target
	return cfg, nil
}

func main() {
	cfg, err := parseArgs(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}

	log, err := tunnel.NewRootLogger("expose", cfg.verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sigHandler(ctx, cancel)

	dialer := tunnel.NewDialer(cfg.serverHost, cfg.target)
	serverAddr := net.JoinHostPort(cfg.serverHost, strconv.Itoa(int(cfg.controlPort)))
	sv := tunnel.NewSupervisor(log, serverAddr, cfg.proxyPort, dialer)

	if err := sv.Run(ctx); err != nil {
		log.ILogf("expose exited: %s", err)
	}
}
