package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/attache/pkg/session"
)

// capturePublisher collects iopub traffic for assertions.
type capturePublisher struct {
	mu   sync.Mutex
	msgs []*session.Envelope
}

func (p *capturePublisher) Publish(env *session.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, env)
}

func (p *capturePublisher) ofType(msgType string) []*session.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*session.Envelope
	for _, m := range p.msgs {
		if m.Header.MsgType == msgType {
			out = append(out, m)
		}
	}
	return out
}

func newTestKernel(t *testing.T, cfg Config) (*Kernel, *session.Session, *capturePublisher) {
	t.Helper()
	sess, err := session.New("kernel")
	require.NoError(t, err)

	pub := &capturePublisher{}
	k, err := New(sess, pub, zerolog.Nop(), cfg)
	require.NoError(t, err)
	t.Cleanup(k.Close)

	return k, sess, pub
}

func executeReq(t *testing.T, sess *session.Session, code string) *session.Envelope {
	t.Helper()
	env, err := sess.NewMessage(session.TypeExecuteRequest, session.ExecuteRequest{
		Code:         code,
		StoreHistory: true,
	})
	require.NoError(t, err)
	return env
}

func TestKernel_Execute(t *testing.T) {
	t.Run("should reply ok with the value", func(t *testing.T) {
		k, sess, _ := newTestKernel(t, DefaultConfig())

		reply, err := k.HandleShell(context.Background(), executeReq(t, sess, "40 + 2"))
		require.NoError(t, err)

		var content session.ExecuteReply
		require.NoError(t, reply.DecodeContent(&content))
		assert.Equal(t, "ok", content.Status)
		assert.Equal(t, "42", content.Value)
		assert.Equal(t, 1, content.ExecutionCount)
	})

	t.Run("should increment the execution counter", func(t *testing.T) {
		k, sess, _ := newTestKernel(t, DefaultConfig())

		for i := 1; i <= 3; i++ {
			reply, err := k.HandleShell(context.Background(), executeReq(t, sess, "1"))
			require.NoError(t, err)
			var content session.ExecuteReply
			require.NoError(t, reply.DecodeContent(&content))
			assert.Equal(t, i, content.ExecutionCount)
		}
	})

	t.Run("should keep state across executions", func(t *testing.T) {
		k, sess, _ := newTestKernel(t, DefaultConfig())

		_, err := k.HandleShell(context.Background(), executeReq(t, sess, "counter = 10"))
		require.NoError(t, err)

		reply, err := k.HandleShell(context.Background(), executeReq(t, sess, "counter + 5"))
		require.NoError(t, err)

		var content session.ExecuteReply
		require.NoError(t, reply.DecodeContent(&content))
		assert.Equal(t, "15", content.Value)
	})

	t.Run("should reply error for failing code", func(t *testing.T) {
		k, sess, pub := newTestKernel(t, DefaultConfig())

		reply, err := k.HandleShell(context.Background(), executeReq(t, sess, `error("nope")`))
		require.NoError(t, err)

		var content session.ExecuteReply
		require.NoError(t, reply.DecodeContent(&content))
		assert.Equal(t, "error", content.Status)
		assert.Contains(t, content.ErrValue, "nope")
		assert.NotEmpty(t, pub.ofType(session.TypeError))
	})

	t.Run("should publish busy then idle around execution", func(t *testing.T) {
		k, sess, pub := newTestKernel(t, DefaultConfig())

		req := executeReq(t, sess, "1")
		_, err := k.HandleShell(context.Background(), req)
		require.NoError(t, err)

		statuses := pub.ofType(session.TypeStatus)
		require.Len(t, statuses, 2)

		var first, second session.StatusContent
		require.NoError(t, statuses[0].DecodeContent(&first))
		require.NoError(t, statuses[1].DecodeContent(&second))
		assert.Equal(t, "busy", first.ExecutionState)
		assert.Equal(t, "idle", second.ExecutionState)
		assert.Equal(t, req.Header.MsgID, statuses[0].ParentHeader.MsgID)
	})

	t.Run("should publish print output as a stream chained to the request", func(t *testing.T) {
		k, sess, pub := newTestKernel(t, DefaultConfig())

		req := executeReq(t, sess, `print("live")`)
		_, err := k.HandleShell(context.Background(), req)
		require.NoError(t, err)

		streams := pub.ofType(session.TypeStream)
		require.Len(t, streams, 1)

		var content session.StreamContent
		require.NoError(t, streams[0].DecodeContent(&content))
		assert.Equal(t, "stdout", content.Name)
		assert.Equal(t, "live\n", content.Text)
		assert.Equal(t, req.Header.MsgID, streams[0].ParentHeader.MsgID)
	})

	t.Run("should reject an unsigned request", func(t *testing.T) {
		k, sess, _ := newTestKernel(t, DefaultConfig())

		env := executeReq(t, sess, "1")
		env.Signature = "forged"

		_, err := k.HandleShell(context.Background(), env)
		assert.Error(t, err)
	})

	t.Run("should record history", func(t *testing.T) {
		k, sess, _ := newTestKernel(t, DefaultConfig())

		_, err := k.HandleShell(context.Background(), executeReq(t, sess, "7 * 6"))
		require.NoError(t, err)

		entries, err := k.history.Tail(sess.ID, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "7 * 6", entries[0].Source)
		assert.Equal(t, "42", entries[0].Output)
	})
}

func TestKernel_KernelInfo(t *testing.T) {
	t.Run("should report the banner", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Banner = "Hello from a live process."
		k, sess, _ := newTestKernel(t, cfg)

		req, err := sess.NewMessage(session.TypeKernelInfoReq, struct{}{})
		require.NoError(t, err)

		reply, err := k.HandleShell(context.Background(), req)
		require.NoError(t, err)

		var content session.KernelInfoReply
		require.NoError(t, reply.DecodeContent(&content))
		assert.Equal(t, "Hello from a live process.", content.Banner)
		assert.Equal(t, "lua", content.LanguageName)
	})
}

func TestKernel_Control(t *testing.T) {
	t.Run("should invoke the shutdown hook", func(t *testing.T) {
		k, sess, _ := newTestKernel(t, DefaultConfig())

		called := false
		k.OnShutdown = func() { called = true }

		req, err := sess.NewMessage(session.TypeShutdownRequest, session.ShutdownContent{})
		require.NoError(t, err)

		reply, err := k.HandleControl(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, session.TypeShutdownReply, reply.Header.MsgType)
		assert.True(t, called)
	})

	t.Run("should interrupt a running execution", func(t *testing.T) {
		k, sess, _ := newTestKernel(t, DefaultConfig())

		done := make(chan *session.Envelope, 1)
		go func() {
			reply, _ := k.HandleShell(context.Background(), executeReq(t, sess, "while true do end"))
			done <- reply
		}()

		// Let the loop start spinning before interrupting.
		time.Sleep(100 * time.Millisecond)
		k.Interrupt()

		select {
		case reply := <-done:
			require.NotNil(t, reply)
			var content session.ExecuteReply
			require.NoError(t, reply.DecodeContent(&content))
			assert.Equal(t, "error", content.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("interrupt did not stop execution")
		}
	})

	t.Run("should reject unknown control types", func(t *testing.T) {
		k, sess, _ := newTestKernel(t, DefaultConfig())

		req, err := sess.NewMessage(session.TypeExecuteRequest, session.ExecuteRequest{Code: "1"})
		require.NoError(t, err)

		_, err = k.HandleControl(context.Background(), req)
		assert.Error(t, err)
	})
}

func TestKernel_Namespace(t *testing.T) {
	t.Run("should expose the injected namespace", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.UserNS = map[string]interface{}{"demo_var": 42}
		k, _, _ := newTestKernel(t, cfg)

		assert.Equal(t, float64(42), k.Namespace("demo_var"))
	})
}
