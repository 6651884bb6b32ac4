package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/attache/pkg/session"
)

// Publisher broadcasts side-channel envelopes on the iopub channel.
type Publisher interface {
	Publish(env *session.Envelope)
}

// Config is the typed kernel configuration.
type Config struct {
	Banner  string                 `json:"banner" mapstructure:"banner"`
	UserNS  map[string]interface{} `json:"-" mapstructure:"-"`
	History HistoryConfig          `json:"history" mapstructure:"history"`
}

// DefaultConfig returns a kernel configuration with history enabled
// in-memory and a generic banner.
func DefaultConfig() Config {
	return Config{
		Banner:  "Attached to a live process.",
		History: DefaultHistoryConfig(),
	}
}

// Kernel dispatches channel requests against the embedded interpreter.
//
// All dispatch happens on the loop goroutine via the Executor; the only
// goroutine-safe entry points are Interrupt and Close. Execution publishes
// busy/idle status and captured output on iopub, replies travel back on the
// channel the request arrived on.
type Kernel struct {
	session *session.Session
	state   *State
	history *History
	pub     Publisher
	logger  zerolog.Logger
	banner  string

	execCount int
	parent    *session.Envelope // request currently executing, loop-only

	// OnShutdown is invoked once when a shutdown_request is accepted.
	// Set before serving begins.
	OnShutdown func()

	execMu     sync.Mutex
	cancelExec context.CancelFunc
}

// New constructs the kernel: interpreter state with the user namespace bound,
// history store, and output capture routed to the publisher.
func New(sess *session.Session, pub Publisher, logger zerolog.Logger, cfg Config) (*Kernel, error) {
	state, err := NewState(cfg.UserNS)
	if err != nil {
		return nil, fmt.Errorf("failed to create interpreter state: %w", err)
	}

	var history *History
	if cfg.History.Enabled {
		history, err = OpenHistory(cfg.History)
		if err != nil {
			state.Close()
			return nil, err
		}
	}

	k := &Kernel{
		session: sess,
		state:   state,
		history: history,
		pub:     pub,
		logger:  logger,
		banner:  cfg.Banner,
	}
	state.SetOutput(k.publishStream)

	return k, nil
}

// HandleShell processes one shell-channel request and returns the reply.
// Must run on the loop goroutine.
func (k *Kernel) HandleShell(ctx context.Context, env *session.Envelope) (*session.Envelope, error) {
	if err := k.session.VerifyEnvelope(env); err != nil {
		return nil, err
	}

	switch env.Header.MsgType {
	case session.TypeExecuteRequest:
		return k.execute(ctx, env)
	case session.TypeKernelInfoReq:
		return k.kernelInfo(env)
	default:
		return nil, fmt.Errorf("unsupported shell message type %q", env.Header.MsgType)
	}
}

// HandleControl processes one control-channel request and returns the reply.
// Must run on the loop goroutine, except interrupt_request which the
// transport may route through Interrupt directly so it is not queued behind
// the execution it is meant to cancel.
func (k *Kernel) HandleControl(ctx context.Context, env *session.Envelope) (*session.Envelope, error) {
	if err := k.session.VerifyEnvelope(env); err != nil {
		return nil, err
	}

	switch env.Header.MsgType {
	case session.TypeShutdownRequest:
		var content session.ShutdownContent
		if err := env.DecodeContent(&content); err != nil {
			return nil, err
		}
		reply, err := k.session.Reply(env, session.TypeShutdownReply, session.ShutdownContent{Restart: content.Restart})
		if err != nil {
			return nil, err
		}
		if k.OnShutdown != nil {
			k.OnShutdown()
		}
		return reply, nil
	case session.TypeInterruptRequest:
		k.Interrupt()
		return k.session.Reply(env, session.TypeInterruptReply, struct{}{})
	default:
		return nil, fmt.Errorf("unsupported control message type %q", env.Header.MsgType)
	}
}

// Interrupt cancels the in-flight execution, if any. Safe from any
// goroutine.
func (k *Kernel) Interrupt() {
	k.execMu.Lock()
	cancel := k.cancelExec
	k.execMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (k *Kernel) execute(ctx context.Context, env *session.Envelope) (*session.Envelope, error) {
	var req session.ExecuteRequest
	if err := env.DecodeContent(&req); err != nil {
		return nil, err
	}

	k.parent = env
	defer func() { k.parent = nil }()

	k.publishStatus(env, "busy")
	defer k.publishStatus(env, "idle")

	if !req.Silent {
		k.execCount++
	}
	count := k.execCount

	execCtx, cancel := context.WithCancel(ctx)
	k.execMu.Lock()
	k.cancelExec = cancel
	k.execMu.Unlock()

	value, evalErr := k.state.Eval(execCtx, req.Code)

	k.execMu.Lock()
	k.cancelExec = nil
	k.execMu.Unlock()
	cancel()

	if req.StoreHistory && k.history != nil {
		if err := k.history.Append(k.session.ID, count, req.Code, value); err != nil {
			k.logger.Warn().Err(err).Msg("Failed to record history")
		}
	}

	if evalErr != nil {
		k.logger.Debug().Err(evalErr).Int("execution_count", count).Msg("Execution failed")
		k.publishError(env, evalErr)
		return k.session.Reply(env, session.TypeExecuteReply, session.ExecuteReply{
			Status:         "error",
			ExecutionCount: count,
			ErrName:        "LuaError",
			ErrValue:       evalErr.Error(),
		})
	}

	if value != "" {
		k.publishResult(env, count, value)
	}

	return k.session.Reply(env, session.TypeExecuteReply, session.ExecuteReply{
		Status:         "ok",
		ExecutionCount: count,
		Value:          value,
	})
}

func (k *Kernel) kernelInfo(env *session.Envelope) (*session.Envelope, error) {
	return k.session.Reply(env, session.TypeKernelInfoReply, session.KernelInfoReply{
		Banner:          k.banner,
		Implementation:  "attache",
		LanguageName:    "lua",
		LanguageVersion: "5.1",
		ProtocolVersion: session.ProtocolVersion,
	})
}

// publishStream forwards captured interpreter output to iopub, chained to
// the request being executed.
func (k *Kernel) publishStream(name, text string) {
	parent := k.parent
	var env *session.Envelope
	var err error
	content := session.StreamContent{Name: name, Text: text}
	if parent != nil {
		env, err = k.session.Reply(parent, session.TypeStream, content)
	} else {
		env, err = k.session.NewMessage(session.TypeStream, content)
	}
	if err != nil {
		k.logger.Warn().Err(err).Msg("Failed to build stream message")
		return
	}
	k.pub.Publish(env)
}

func (k *Kernel) publishStatus(parent *session.Envelope, state string) {
	env, err := k.session.Reply(parent, session.TypeStatus, session.StatusContent{ExecutionState: state})
	if err != nil {
		k.logger.Warn().Err(err).Msg("Failed to build status message")
		return
	}
	k.pub.Publish(env)
}

func (k *Kernel) publishResult(parent *session.Envelope, count int, value string) {
	env, err := k.session.Reply(parent, session.TypeExecuteResult, session.ExecuteReply{
		Status:         "ok",
		ExecutionCount: count,
		Value:          value,
	})
	if err != nil {
		k.logger.Warn().Err(err).Msg("Failed to build result message")
		return
	}
	k.pub.Publish(env)
}

func (k *Kernel) publishError(parent *session.Envelope, evalErr error) {
	env, err := k.session.Reply(parent, session.TypeError, session.ExecuteReply{
		Status:   "error",
		ErrName:  "LuaError",
		ErrValue: evalErr.Error(),
	})
	if err != nil {
		k.logger.Warn().Err(err).Msg("Failed to build error message")
		return
	}
	k.pub.Publish(env)
}

// Namespace reads a global from the interpreter. Must run on the loop
// goroutine; exposed for the embedding application via the host.
func (k *Kernel) Namespace(name string) interface{} {
	return k.state.Get(name)
}

// Close releases the interpreter and the history store. The history store
// may be closed again from an exit hook on another goroutine; both paths are
// safe.
func (k *Kernel) Close() {
	k.state.Close()
	if k.history != nil {
		if err := k.history.Close(); err != nil {
			k.logger.Warn().Err(err).Msg("Failed to close history store")
		}
	}
}
