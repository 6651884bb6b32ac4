// Package kernel implements the interactive Lua interpreter served to remote
// clients. The interpreter state is single-goroutine: every operation on it
// is marshalled through an Executor owned by the host's background loop.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// ErrStateClosed is returned when using a closed interpreter state.
var ErrStateClosed = errors.New("kernel state is closed")

// OutputFunc receives interpreter output as it is produced. Name is "stdout"
// or "stderr".
type OutputFunc func(name, text string)

// State wraps a gopher-lua LState with a sandboxed stdlib, namespace
// injection and print capture.
//
// LState is not goroutine-safe. All calls must come from the goroutine that
// owns the state; the Executor enforces this for the running kernel.
type State struct {
	L      *lua.LState
	output OutputFunc
	closed bool
}

// NewState creates a sandboxed interpreter state and binds the initial user
// namespace into its globals.
func NewState(userNS map[string]interface{}) (*State, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	s := &State{L: L}
	openSafeLibraries(L)
	s.installPrint()
	s.removeUnsafeGlobals()

	for name, value := range userNS {
		L.SetGlobal(name, toLuaValue(L, value))
	}

	return s, nil
}

// openSafeLibraries opens only interpreter libraries that cannot touch the
// host filesystem or spawn processes. io, os, debug and package stay closed:
// a remote client already gets the process, but not the machine around it
// unless the embedder binds it in explicitly.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (s *State) removeUnsafeGlobals() {
	for _, name := range []string{"dofile", "loadfile"} {
		s.L.SetGlobal(name, lua.LNil)
	}
}

// installPrint replaces print so output travels the iopub channel instead of
// the host's stdout.
func (s *State) installPrint() {
	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		if s.output != nil {
			s.output("stdout", strings.Join(parts, "\t")+"\n")
		}
		return 0
	}))
}

// SetOutput installs the sink receiving captured print output.
func (s *State) SetOutput(fn OutputFunc) {
	s.output = fn
}

// Eval runs a chunk of code and returns the rendered result values, if any.
// Expression chunks are compiled as "return <code>" first so a bare
// "1 + 1" behaves like a REPL line. The context bounds execution: cancelling
// it aborts the running chunk.
func (s *State) Eval(ctx context.Context, code string) (string, error) {
	if s.closed {
		return "", ErrStateClosed
	}

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	fn, err := s.compile(code)
	if err != nil {
		return "", err
	}

	base := s.L.GetTop()
	s.L.Push(fn)

	if err := s.pcall(); err != nil {
		s.L.SetTop(base)
		return "", err
	}

	top := s.L.GetTop()
	results := make([]string, 0, top-base)
	for i := base + 1; i <= top; i++ {
		results = append(results, s.L.ToStringMeta(s.L.Get(i)).String())
	}
	s.L.SetTop(base)

	return strings.Join(results, "\t"), nil
}

// compile prefers the expression form so single expressions produce values.
func (s *State) compile(code string) (*lua.LFunction, error) {
	if fn, err := s.L.LoadString("return " + code); err == nil {
		return fn, nil
	}
	fn, err := s.L.LoadString(code)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}
	return fn, nil
}

func (s *State) pcall() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()
	return s.L.PCall(0, lua.MultRet, nil)
}

// Get reads a global back out of the interpreter as a Go value.
func (s *State) Get(name string) interface{} {
	if s.closed {
		return nil
	}
	return toGoValue(s.L.GetGlobal(name))
}

// Close releases the interpreter. Idempotent.
func (s *State) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}
