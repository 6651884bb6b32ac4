// Package client attaches to an embedded kernel through its connection
// file: it validates the descriptor, derives the signing session from the
// embedded key, and speaks the channel protocol over WebSocket.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/attache/pkg/connfile"
	"github.com/harun/attache/pkg/session"
)

// Client is one attached console session.
type Client struct {
	desc   *connfile.Descriptor
	sess   *session.Session
	logger zerolog.Logger

	shellMu   sync.Mutex
	shell     *websocket.Conn
	controlMu sync.Mutex
	control   *websocket.Conn

	closeOnce sync.Once
}

// Attach loads and validates the connection file, then dials the shell and
// control channels.
func Attach(path string, logger zerolog.Logger) (*Client, error) {
	desc, err := connfile.Load(path)
	if err != nil {
		return nil, err
	}

	sess, err := session.FromKey("client", desc.Key)
	if err != nil {
		return nil, err
	}

	c := &Client{desc: desc, sess: sess, logger: logger}

	if c.shell, err = c.dial(desc.ShellPort); err != nil {
		return nil, fmt.Errorf("failed to dial shell channel: %w", err)
	}
	if c.control, err = c.dial(desc.ControlPort); err != nil {
		c.shell.Close()
		return nil, fmt.Errorf("failed to dial control channel: %w", err)
	}

	logger.Debug().
		Str("ip", desc.IP).
		Int("shell_port", desc.ShellPort).
		Msg("Attached to kernel")

	return c, nil
}

func (c *Client) dial(port int) (*websocket.Conn, error) {
	url := fmt.Sprintf("ws://%s/", net.JoinHostPort(c.desc.IP, fmt.Sprintf("%d", port)))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}

// Execute runs code on the kernel and returns the reply.
func (c *Client) Execute(ctx context.Context, code string) (*session.ExecuteReply, error) {
	req, err := c.sess.NewMessage(session.TypeExecuteRequest, session.ExecuteRequest{
		Code:         code,
		StoreHistory: true,
	})
	if err != nil {
		return nil, err
	}

	reply, err := c.roundTrip(ctx, &c.shellMu, c.shell, req, session.TypeExecuteReply)
	if err != nil {
		return nil, err
	}

	var content session.ExecuteReply
	if err := reply.DecodeContent(&content); err != nil {
		return nil, err
	}
	return &content, nil
}

// KernelInfo fetches the kernel banner and language description.
func (c *Client) KernelInfo(ctx context.Context) (*session.KernelInfoReply, error) {
	req, err := c.sess.NewMessage(session.TypeKernelInfoReq, struct{}{})
	if err != nil {
		return nil, err
	}

	reply, err := c.roundTrip(ctx, &c.shellMu, c.shell, req, session.TypeKernelInfoReply)
	if err != nil {
		return nil, err
	}

	var content session.KernelInfoReply
	if err := reply.DecodeContent(&content); err != nil {
		return nil, err
	}
	return &content, nil
}

// Interrupt asks the kernel to cancel the in-flight execution.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := c.sess.NewMessage(session.TypeInterruptRequest, struct{}{})
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, &c.controlMu, c.control, req, session.TypeInterruptReply)
	return err
}

// Shutdown asks the kernel host to stop serving.
func (c *Client) Shutdown(ctx context.Context, restart bool) error {
	req, err := c.sess.NewMessage(session.TypeShutdownRequest, session.ShutdownContent{Restart: restart})
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, &c.controlMu, c.control, req, session.TypeShutdownReply)
	return err
}

// roundTrip sends a request and reads frames until the matching reply
// arrives. The channel is request/reply, but unrelated frames are skipped
// defensively rather than treated as protocol errors.
func (c *Client) roundTrip(ctx context.Context, mu *sync.Mutex, conn *websocket.Conn, req *session.Envelope, replyType string) (*session.Envelope, error) {
	mu.Lock()
	defer mu.Unlock()

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", req.Header.MsgType, err)
	}

	for {
		var reply session.Envelope
		if err := conn.ReadJSON(&reply); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", replyType, err)
		}
		if reply.ParentHeader == nil || reply.ParentHeader.MsgID != req.Header.MsgID {
			continue
		}
		if reply.Header.MsgType != replyType {
			continue
		}
		if err := c.sess.VerifyEnvelope(&reply); err != nil {
			return nil, err
		}
		return &reply, nil
	}
}

// Heartbeat probes the kernel's liveness responder: a random nonce must come
// back unchanged. It succeeds even while the kernel is busy executing.
func (c *Client) Heartbeat(ctx context.Context) error {
	addr := net.JoinHostPort(c.desc.IP, fmt.Sprintf("%d", c.desc.HBPort))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("heartbeat dial failed: %w", err)
	}
	defer conn.Close()

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(nonce); err != nil {
		return fmt.Errorf("heartbeat write failed: %w", err)
	}

	echo := make([]byte, len(nonce))
	if _, err := io.ReadFull(conn, echo); err != nil {
		return fmt.Errorf("heartbeat read failed: %w", err)
	}
	if hex.EncodeToString(echo) != hex.EncodeToString(nonce) {
		return fmt.Errorf("heartbeat echo mismatch")
	}
	return nil
}

// Subscribe dials the iopub channel and streams broadcast envelopes until
// the context ends. Envelopes failing signature verification are dropped.
func (c *Client) Subscribe(ctx context.Context) (<-chan *session.Envelope, error) {
	conn, err := c.dial(c.desc.IOPubPort)
	if err != nil {
		return nil, fmt.Errorf("failed to dial iopub channel: %w", err)
	}

	out := make(chan *session.Envelope, 16)
	go func() {
		defer close(out)
		defer conn.Close()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			var env session.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if err := c.sess.VerifyEnvelope(&env); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping unverified broadcast")
				continue
			}
			select {
			case out <- &env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close drops the channel connections. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.shell.Close()
		c.control.Close()
	})
}
