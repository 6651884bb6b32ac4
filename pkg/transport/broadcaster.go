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

// Broadcaster serves the iopub channel: one-way fan-out of status, stream
// and result envelopes to every connected client. Clients never send
// anything meaningful on this channel.
type Broadcaster struct {
	listener net.Listener
	logger   zerolog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewBroadcaster wraps a bound listener. Serve starts acceptance.
func NewBroadcaster(listener net.Listener, logger zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		listener: listener,
		logger:   logger.With().Str("channel", "iopub").Logger(),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleUpgrade)
	b.server = &http.Server{Handler: mux}
	return b
}

// Serve starts accepting subscribers. Returns immediately.
func (b *Broadcaster) Serve() {
	go func() {
		if err := b.server.Serve(b.listener); err != nil && err != http.ErrServerClosed {
			b.logger.Debug().Err(err).Msg("Broadcast server stopped")
		}
	}()
}

func (b *Broadcaster) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	// Drain the connection so pings and closes are processed; drop the
	// subscriber on any read error.
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.conns, conn)
			b.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish sends an envelope to every subscriber. Writes are serialized under
// the registry lock; a failed subscriber is dropped, never retried.
func (b *Broadcaster) Publish(env *session.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.conns {
		if err := conn.WriteJSON(env); err != nil {
			b.logger.Warn().
				Err(err).
				Str("msg_type", env.Header.MsgType).
				Msg("Dropping broadcast subscriber")
			delete(b.conns, conn)
			conn.Close()
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close stops the server and drops all subscribers.
func (b *Broadcaster) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = b.server.Shutdown(ctx)

	b.mu.Lock()
	for conn := range b.conns {
		conn.Close()
	}
	b.conns = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()
}
