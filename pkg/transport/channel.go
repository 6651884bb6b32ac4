package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/attache/pkg/session"
)

// Handler processes one request envelope and returns the reply to send back
// on the same connection. A nil reply with nil error sends nothing.
type Handler func(ctx context.Context, env *session.Envelope) (*session.Envelope, error)

// Channel serves one request/reply WebSocket endpoint (shell or control).
// Each connection gets a reader goroutine that decodes envelopes and passes
// them to the handler; the handler is expected to marshal work onto the
// kernel loop, so the reader never touches interpreter state itself.
type Channel struct {
	name     string
	listener net.Listener
	handler  Handler
	logger   zerolog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex // conn -> write lock
}

// NewChannel wraps a bound listener with a handler. Serving does not begin
// until Serve is called from the kernel loop's startup sequence.
func NewChannel(name string, listener net.Listener, handler Handler, logger zerolog.Logger) *Channel {
	c := &Channel{
		name:     name,
		listener: listener,
		handler:  handler,
		logger:   logger.With().Str("channel", name).Logger(),
		conns:    make(map[*websocket.Conn]*sync.Mutex),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleUpgrade)
	c.server = &http.Server{Handler: mux}
	return c
}

// Serve starts accepting connections. It returns immediately; accepting and
// reading happen on internal goroutines.
func (c *Channel) Serve() {
	go func() {
		if err := c.server.Serve(c.listener); err != nil && err != http.ErrServerClosed {
			c.logger.Debug().Err(err).Msg("Channel server stopped")
		}
	}()
}

func (c *Channel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	writeMu := &sync.Mutex{}
	c.mu.Lock()
	c.conns[conn] = writeMu
	c.mu.Unlock()

	c.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Client connected")
	go c.readLoop(conn, writeMu)
}

func (c *Channel) readLoop(conn *websocket.Conn, writeMu *sync.Mutex) {
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		var env session.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("Client read failed")
			}
			return
		}

		reply, err := c.handler(context.Background(), &env)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("msg_type", env.Header.MsgType).
				Msg("Request rejected")
			continue
		}
		if reply == nil {
			continue
		}

		writeMu.Lock()
		err = conn.WriteJSON(reply)
		writeMu.Unlock()
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to write reply")
			return
		}
	}
}

// Close stops the server and drops all connections.
func (c *Channel) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.server.Shutdown(ctx)

	c.mu.Lock()
	for conn := range c.conns {
		conn.Close()
	}
	c.conns = make(map[*websocket.Conn]*sync.Mutex)
	c.mu.Unlock()
}
