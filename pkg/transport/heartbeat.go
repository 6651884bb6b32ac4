package transport

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Heartbeat is a minimal liveness responder: whatever a client writes is
// echoed back unchanged. It runs entirely on its own goroutines so a kernel
// saturated with user code still answers probes.
type Heartbeat struct {
	listener net.Listener
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// StartHeartbeat binds an ephemeral port and begins serving immediately.
func StartHeartbeat(ip string, logger zerolog.Logger) (*Heartbeat, error) {
	l, err := net.Listen(Transport, net.JoinHostPort(ip, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to bind heartbeat endpoint: %w", err)
	}

	h := &Heartbeat{listener: l, logger: logger}
	go h.serve()
	return h, nil
}

// Port returns the bound heartbeat port.
func (h *Heartbeat) Port() int {
	return h.listener.Addr().(*net.TCPAddr).Port
}

func (h *Heartbeat) serve() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if !closed {
				h.logger.Warn().Err(err).Msg("Heartbeat accept failed")
			}
			return
		}
		go h.echo(conn)
	}
}

func (h *Heartbeat) echo(conn net.Conn) {
	defer conn.Close()
	if _, err := io.Copy(conn, conn); err != nil {
		h.logger.Debug().Err(err).Msg("Heartbeat connection ended")
	}
}

// Close stops the responder. Idempotent.
func (h *Heartbeat) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	_ = h.listener.Close()
}
