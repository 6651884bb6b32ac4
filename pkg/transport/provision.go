// Package transport owns the network surface of an embedded kernel: three
// WebSocket channel endpoints (shell, control, iopub) bound to ephemeral
// ports, plus a raw TCP heartbeat responder isolated from kernel execution.
package transport

import (
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
)

// Transport is the only transport currently supported.
const Transport = "tcp"

// Endpoints holds the bound listeners of one kernel. Listeners are bound on
// the caller's goroutine during host construction so the ports can be
// persisted to the connection file before anything serves.
type Endpoints struct {
	IP        string
	Shell     net.Listener
	Control   net.Listener
	IOPub     net.Listener
	Heartbeat *Heartbeat
}

// Provision resolves the bind address and opens all four endpoints on
// ephemeral ports. The heartbeat responder starts serving immediately on its
// own goroutine; the channel listeners accept nothing until the kernel loop
// brings their servers up. Failure to bind any port is fatal and is returned
// to the caller.
func Provision(ip string, logger zerolog.Logger) (*Endpoints, error) {
	if ip == "" {
		ip = resolveLocalIP()
	}

	e := &Endpoints{IP: ip}

	var err error
	if e.Shell, err = listen(ip, "shell"); err != nil {
		return nil, err
	}
	if e.Control, err = listen(ip, "control"); err != nil {
		e.Close()
		return nil, err
	}
	if e.IOPub, err = listen(ip, "iopub"); err != nil {
		e.Close()
		return nil, err
	}

	// The heartbeat never shares the kernel loop: it must answer liveness
	// probes even while the interpreter is busy.
	if e.Heartbeat, err = StartHeartbeat(ip, logger); err != nil {
		e.Close()
		return nil, err
	}

	logger.Info().
		Str("ip", ip).
		Int("shell_port", e.ShellPort()).
		Int("control_port", e.ControlPort()).
		Int("iopub_port", e.IOPubPort()).
		Int("hb_port", e.HBPort()).
		Msg("Kernel endpoints bound")

	return e, nil
}

func listen(ip, name string) (net.Listener, error) {
	l, err := net.Listen(Transport, net.JoinHostPort(ip, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s endpoint: %w", name, err)
	}
	return l, nil
}

// resolveLocalIP mirrors the convention of binding on the machine's resolved
// hostname address, falling back to loopback when the hostname does not
// resolve.
func resolveLocalIP() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "127.0.0.1"
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return "127.0.0.1"
	}
	return addrs[0]
}

// ShellPort returns the bound shell port.
func (e *Endpoints) ShellPort() int { return port(e.Shell) }

// ControlPort returns the bound control port.
func (e *Endpoints) ControlPort() int { return port(e.Control) }

// IOPubPort returns the bound iopub port.
func (e *Endpoints) IOPubPort() int { return port(e.IOPub) }

// HBPort returns the bound heartbeat port.
func (e *Endpoints) HBPort() int { return e.Heartbeat.Port() }

func port(l net.Listener) int {
	if l == nil {
		return 0
	}
	return l.Addr().(*net.TCPAddr).Port
}

// Close shuts every endpoint. Safe on a partially provisioned set.
func (e *Endpoints) Close() {
	for _, l := range []net.Listener{e.Shell, e.Control, e.IOPub} {
		if l != nil {
			_ = l.Close()
		}
	}
	if e.Heartbeat != nil {
		e.Heartbeat.Close()
	}
}
