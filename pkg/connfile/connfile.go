// Package connfile persists the connection descriptor a remote client needs
// to attach to an embedded kernel: the bound channel ports, the transport,
// and the session signing key. The key grants full control of the hosting
// process, so the file is always written owner-only.
package connfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SignatureScheme is the HMAC scheme used to sign channel messages.
const SignatureScheme = "hmac-sha256"

// Descriptor holds everything a client needs to attach to a running kernel.
type Descriptor struct {
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	ShellPort       int    `json:"shell_port"`
	ControlPort     int    `json:"control_port"`
	IOPubPort       int    `json:"iopub_port"`
	HBPort          int    `json:"hb_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
}

// Filename computes the connection file path from a base name. With withPID
// set, "-<pid>" is inserted before the extension so two processes sharing a
// working directory never overwrite each other's descriptor.
func Filename(base string, withPID bool) string {
	if !withPID {
		return base
	}
	return FilenameForPID(base, os.Getpid())
}

// FilenameForPID is Filename with an explicit pid, for callers that manage
// descriptors of other processes.
func FilenameForPID(base string, pid int) string {
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s-%d%s", name, pid, ext)
}

// Write serializes the descriptor to path and restricts the file to the
// owning user. The key is a secret: permissions are masked so no group or
// world bits survive, matching the contract that holding the file means
// holding the process.
func Write(path string, desc Descriptor) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal connection descriptor: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write connection file: %w", err)
	}

	// WriteFile honors umask only on creation; re-mask in case the path
	// already existed with wider bits.
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat connection file: %w", err)
	}
	if err := os.Chmod(path, info.Mode().Perm()&0700); err != nil {
		return fmt.Errorf("failed to restrict connection file permissions: %w", err)
	}

	return nil
}

// Cleanup removes the connection file. Best effort: a missing file or a
// permission error is not reported, and calling it twice is safe. It runs
// from the host's shutdown path, which may be a different goroutine than the
// writer's.
func Cleanup(path string) {
	_ = os.Remove(path)
}

// Load reads and validates a connection file. Validation happens before
// unmarshalling so a truncated or hand-edited file fails with a field-level
// message instead of a zero-valued descriptor.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connection file: %w", err)
	}

	if err := validate(data); err != nil {
		return nil, fmt.Errorf("invalid connection file %s: %w", path, err)
	}

	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse connection file: %w", err)
	}

	return &desc, nil
}
