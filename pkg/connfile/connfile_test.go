package connfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor() Descriptor {
	return Descriptor{
		IP:              "127.0.0.1",
		Transport:       "tcp",
		ShellPort:       50001,
		ControlPort:     50002,
		IOPubPort:       50003,
		HBPort:          50004,
		Key:             "0123456789abcdef0123456789abcdef",
		SignatureScheme: SignatureScheme,
	}
}

func TestFilename(t *testing.T) {
	t.Run("should insert pid before extension when enabled", func(t *testing.T) {
		got := Filename("kernel.json", true)
		want := fmt.Sprintf("kernel-%d.json", os.Getpid())
		assert.Equal(t, want, got)
	})

	t.Run("should return base unchanged when disabled", func(t *testing.T) {
		assert.Equal(t, "kernel.json", Filename("kernel.json", false))
	})

	t.Run("should handle base without extension", func(t *testing.T) {
		got := FilenameForPID("kernel", 1234)
		assert.Equal(t, "kernel-1234", got)
	})

	t.Run("should keep directory components", func(t *testing.T) {
		got := FilenameForPID(filepath.Join("run", "kernel.json"), 7)
		assert.Equal(t, filepath.Join("run", "kernel-7.json"), got)
	})

	t.Run("should produce distinct names for distinct pids", func(t *testing.T) {
		a := FilenameForPID("kernel.json", 100)
		b := FilenameForPID("kernel.json", 101)
		assert.NotEqual(t, a, b)
	})
}

func TestWrite(t *testing.T) {
	t.Run("should round-trip the descriptor", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kernel.json")
		require.NoError(t, Write(path, testDescriptor()))

		loaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, testDescriptor(), *loaded)
	})

	t.Run("should restrict permissions to owner", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kernel.json")
		require.NoError(t, Write(path, testDescriptor()))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0), info.Mode().Perm()&0077, "no group/world bits allowed")
	})

	t.Run("should tighten an existing wider file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kernel.json")
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

		require.NoError(t, Write(path, testDescriptor()))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0), info.Mode().Perm()&0077)
	})
}

func TestCleanup(t *testing.T) {
	t.Run("should remove the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kernel.json")
		require.NoError(t, Write(path, testDescriptor()))

		Cleanup(path)
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("should be idempotent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kernel.json")
		require.NoError(t, Write(path, testDescriptor()))

		Cleanup(path)
		assert.NotPanics(t, func() { Cleanup(path) })
	})

	t.Run("should tolerate a path that never existed", func(t *testing.T) {
		assert.NotPanics(t, func() { Cleanup(filepath.Join(t.TempDir(), "nope.json")) })
	})
}

func TestLoad(t *testing.T) {
	t.Run("should reject a file missing required fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kernel.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"ip": "127.0.0.1"}`), 0600))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("should reject out-of-range ports", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kernel.json")
		bad := `{"ip":"127.0.0.1","transport":"tcp","shell_port":0,"control_port":1,"iopub_port":2,"hb_port":3,"key":"k"}`
		require.NoError(t, os.WriteFile(path, []byte(bad), 0600))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("should reject invalid JSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kernel.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("should fail on a missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})
}
