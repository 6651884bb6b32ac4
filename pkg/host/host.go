// Package host embeds an interactive Lua kernel inside a running process and
// exposes it to remote clients over WebSocket channels. Construction binds
// the sockets and persists the connection file on the caller's goroutine;
// Start brings the interpreter up on a single background loop goroutine, and
// the returned readiness promises tell the embedder when (or whether) the
// kernel came up.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/attache/pkg/connfile"
	"github.com/harun/attache/pkg/kernel"
	"github.com/harun/attache/pkg/session"
	"github.com/harun/attache/pkg/transport"
)

// State tracks host lifecycle progression. States only ever advance.
type State int32

const (
	StateConstructing State = iota
	StateSocketsBound
	StateConnectionFilePersisted
	StateThreadStarted
	StateStreamsReady
	StateKernelConstructed
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StateSocketsBound:
		return "sockets_bound"
	case StateConnectionFilePersisted:
		return "connection_file_persisted"
	case StateThreadStarted:
		return "thread_started"
	case StateStreamsReady:
		return "streams_ready"
	case StateKernelConstructed:
		return "kernel_constructed"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotStarted is returned by Wait when Start was never called.
var ErrNotStarted = errors.New("host was not started")

// Config configures an embedded kernel host. The zero value plus defaults
// from DefaultConfig is usable as-is.
type Config struct {
	// ConnectionFile is the base name of the connection file.
	ConnectionFile string `json:"connection_file" mapstructure:"connection_file"`
	// ConnectionFileWithPID appends "-<pid>" before the extension so
	// concurrent processes never clobber each other.
	ConnectionFileWithPID bool `json:"connection_file_with_pid" mapstructure:"connection_file_with_pid"`
	// IP to bind; empty means the machine's resolved hostname address.
	IP string `json:"ip" mapstructure:"ip"`
	// Banner greets attaching clients.
	Banner string `json:"banner" mapstructure:"banner"`
	// History configures the execution history store.
	History kernel.HistoryConfig `json:"history" mapstructure:"history"`
	// UserNS is the initial variable namespace exposed to remote sessions.
	UserNS map[string]interface{} `json:"-" mapstructure:"-"`
	// Logger is passed explicitly; there is no ambient default.
	Logger zerolog.Logger `json:"-" mapstructure:"-"`
}

// DefaultConfig returns the stock host configuration with the given logger.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		ConnectionFile:        "kernel.json",
		ConnectionFileWithPID: true,
		Banner:                "Hello from attache.",
		History:               kernel.DefaultHistoryConfig(),
		Logger:                logger,
	}
}

// Host is the kernel lifecycle controller.
type Host struct {
	cfg    Config
	logger zerolog.Logger

	sess           *session.Session
	endpoints      *transport.Endpoints
	connectionFile string

	exec    *kernel.Executor
	kern    *kernel.Kernel // constructed on the loop goroutine
	shell   *transport.Channel
	control *transport.Channel
	iopub   *transport.Broadcaster

	streamsReady *Readiness
	kernelReady  *Readiness

	state atomic.Int32

	mu      sync.Mutex // guards started, stopped, cancel
	started bool
	stopped bool
	cancel  context.CancelFunc

	done   chan struct{}
	runErr error

	stopOnce sync.Once
}

// New builds the host on the caller's goroutine: session credentials,
// socket provisioning, connection file. Any failure is returned and the
// host is unusable; partially bound sockets are released.
func New(cfg Config) (*Host, error) {
	if cfg.ConnectionFile == "" {
		cfg.ConnectionFile = "kernel.json"
	}

	h := &Host{
		cfg:          cfg,
		logger:       cfg.Logger,
		exec:         kernel.NewExecutor(0),
		streamsReady: newReadiness(),
		kernelReady:  newReadiness(),
		done:         make(chan struct{}),
	}
	h.state.Store(int32(StateConstructing))

	sess, err := session.New("kernel")
	if err != nil {
		return nil, err
	}
	h.sess = sess

	endpoints, err := transport.Provision(cfg.IP, h.logger)
	if err != nil {
		return nil, err
	}
	h.endpoints = endpoints
	h.state.Store(int32(StateSocketsBound))

	if err := h.writeConnectionFile(); err != nil {
		endpoints.Close()
		return nil, err
	}
	h.state.Store(int32(StateConnectionFilePersisted))

	return h, nil
}

func (h *Host) writeConnectionFile() error {
	h.connectionFile = connfile.Filename(h.cfg.ConnectionFile, h.cfg.ConnectionFileWithPID)

	desc := connfile.Descriptor{
		IP:              h.endpoints.IP,
		Transport:       transport.Transport,
		ShellPort:       h.endpoints.ShellPort(),
		ControlPort:     h.endpoints.ControlPort(),
		IOPubPort:       h.endpoints.IOPubPort(),
		HBPort:          h.endpoints.HBPort(),
		Key:             h.sess.KeyHex(),
		SignatureScheme: connfile.SignatureScheme,
	}
	if err := connfile.Write(h.connectionFile, desc); err != nil {
		return err
	}

	h.logger.Info().
		Str("connection_file", h.connectionFile).
		Int("pid", os.Getpid()).
		Msgf("To attach a client to this kernel, use: attache attach --file %s", h.connectionFile)

	return nil
}

// Start spawns the background loop goroutine and returns immediately. On
// that goroutine, in order: transport streams, kernel construction, then
// serving. Progress and failure are observable through StreamsReady and
// KernelReady; the caller is never left watching a silently dead loop.
func (h *Host) Start() {
	h.mu.Lock()
	if h.started || h.stopped {
		h.mu.Unlock()
		return
	}
	h.started = true
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.state.Store(int32(StateThreadStarted))
	h.mu.Unlock()

	go h.run(ctx)
}

func (h *Host) run(ctx context.Context) {
	defer close(h.done)

	if err := h.setupStreams(); err != nil {
		h.fail(err)
		return
	}
	h.state.Store(int32(StateStreamsReady))
	h.streamsReady.resolve(nil)

	if err := h.createKernel(); err != nil {
		h.fail(err)
		return
	}
	h.state.Store(int32(StateKernelConstructed))
	h.kernelReady.resolve(nil)

	h.serve()
	h.state.Store(int32(StateRunning))
	h.logger.Info().
		Int("pid", os.Getpid()).
		Str("session", h.sess.ID).
		Msg("Kernel serving")

	// The loop body: all interpreter work serializes here until the
	// context is cancelled by Stop. Cancellation is a clean exit, not an
	// error.
	h.exec.Run(ctx)

	h.teardown()
	h.state.Store(int32(StateStopped))
	h.logger.Info().Msg("Kernel stopped")
}

// setupStreams wires the channel servers to the kernel loop. Runs on the
// loop goroutine; the handlers it installs only marshal envelopes onto the
// executor, so reader goroutines never touch interpreter state.
func (h *Host) setupStreams() error {
	h.iopub = transport.NewBroadcaster(h.endpoints.IOPub, h.logger)

	shellHandler := func(ctx context.Context, env *session.Envelope) (*session.Envelope, error) {
		var reply *session.Envelope
		err := h.exec.Submit(ctx, func() error {
			var herr error
			reply, herr = h.kern.HandleShell(ctx, env)
			return herr
		})
		return reply, err
	}

	controlHandler := func(ctx context.Context, env *session.Envelope) (*session.Envelope, error) {
		// Interrupts bypass the queue: queued behind the very execution
		// they cancel, they would deadlock until it finished on its own.
		if env.Header.MsgType == session.TypeInterruptRequest {
			return h.kern.HandleControl(ctx, env)
		}
		var reply *session.Envelope
		err := h.exec.Submit(ctx, func() error {
			var herr error
			reply, herr = h.kern.HandleControl(ctx, env)
			return herr
		})
		return reply, err
	}

	h.shell = transport.NewChannel("shell", h.endpoints.Shell, shellHandler, h.logger)
	h.control = transport.NewChannel("control", h.endpoints.Control, controlHandler, h.logger)
	return nil
}

// createKernel constructs the interpreter on the loop goroutine.
func (h *Host) createKernel() error {
	kern, err := kernel.New(h.sess, h.iopub, h.logger, kernel.Config{
		Banner:  h.cfg.Banner,
		UserNS:  h.cfg.UserNS,
		History: h.cfg.History,
	})
	if err != nil {
		return fmt.Errorf("failed to construct kernel: %w", err)
	}
	kern.OnShutdown = func() {
		// Runs on the loop goroutine; Stop joins the loop, so detach. The
		// short delay lets the shutdown_reply reach the client before the
		// channels close under it.
		go func() {
			time.Sleep(100 * time.Millisecond)
			h.Stop()
		}()
	}
	h.kern = kern
	return nil
}

func (h *Host) serve() {
	h.iopub.Serve()
	h.shell.Serve()
	h.control.Serve()
}

// fail resolves every pending readiness promise with the construction error
// so no waiter hangs on a dead loop.
func (h *Host) fail(err error) {
	h.runErr = err
	h.state.Store(int32(StateFailed))
	h.streamsReady.resolve(err)
	h.kernelReady.resolve(err)
	h.teardown()
	h.logger.Error().Err(err).Msg("Kernel startup failed")
}

func (h *Host) teardown() {
	if h.shell != nil {
		h.shell.Close()
	}
	if h.control != nil {
		h.control.Close()
	}
	if h.iopub != nil {
		h.iopub.Close()
	}
	if h.kern != nil {
		h.kern.Close()
	}
	h.endpoints.Close()
	connfile.Cleanup(h.connectionFile)
}

// StreamsReady resolves when the transport streams exist on the loop, or
// with the error that prevented them.
func (h *Host) StreamsReady() *Readiness { return h.streamsReady }

// KernelReady resolves when the kernel object exists on the loop, or with
// the error that prevented it. A resolved success here guarantees a fully
// constructed kernel; no waiter can observe a partial one.
func (h *Host) KernelReady() *Readiness { return h.kernelReady }

// ConnectionFile returns the path of the persisted connection file.
func (h *Host) ConnectionFile() string { return h.connectionFile }

// Status returns the current lifecycle state.
func (h *Host) Status() State {
	return State(h.state.Load())
}

// Namespace reads a global out of the running interpreter, marshalled
// through the loop like every other interpreter access.
func (h *Host) Namespace(ctx context.Context, name string) (interface{}, error) {
	if err := h.kernelReady.Wait(ctx); err != nil {
		return nil, err
	}
	var value interface{}
	err := h.exec.Submit(ctx, func() error {
		value = h.kern.Namespace(name)
		return nil
	})
	return value, err
}

// Interrupt cancels the in-flight execution, if any. A no-op until the
// kernel has been constructed.
func (h *Host) Interrupt() {
	select {
	case <-h.kernelReady.Done():
		if h.kernelReady.Err() == nil {
			h.kern.Interrupt()
		}
	default:
	}
}

// Stop shuts the host down: the loop exits, channels and sockets close, the
// connection file is removed. Idempotent; blocks until the loop goroutine
// has finished. A host that was never started only releases its sockets and
// connection file, and any later Start is a no-op.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		started := h.started
		cancel := h.cancel
		h.mu.Unlock()

		if !started {
			h.teardown()
			h.state.Store(int32(StateStopped))
			return
		}
		cancel()
		h.exec.Close()
		<-h.done
	})
}

// Wait blocks until the background loop exits and returns its terminal
// error: nil after a clean Stop, the construction error after a failed
// startup.
func (h *Host) Wait(ctx context.Context) error {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	select {
	case <-h.done:
		return h.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
