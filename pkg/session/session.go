// Package session provides the signing identity shared by every channel of an
// embedded kernel. All shell, control and iopub messages carry an HMAC-SHA256
// signature computed with the session key, so a client holding the connection
// file is the only party the kernel will talk to.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// keyBytes is the size of the generated signing key.
const keyBytes = 32

// Session is the identity and signing context for one embedded kernel.
// The zero value is unusable; construct with New or FromKey.
type Session struct {
	ID       string
	Username string
	key      []byte
}

// New creates a session with a fresh random signing key.
func New(username string) (*Session, error) {
	key := make([]byte, keyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return &Session{
		ID:       uuid.NewString(),
		Username: username,
		key:      key,
	}, nil
}

// FromKey creates a session around an existing hex-encoded key, as read from
// a connection file by an attaching client.
func FromKey(username, hexKey string) (*Session, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("session key is empty")
	}
	return &Session{
		ID:       uuid.NewString(),
		Username: username,
		key:      key,
	}, nil
}

// KeyHex returns the signing key hex-encoded for the connection file.
func (s *Session) KeyHex() string {
	return hex.EncodeToString(s.key)
}

// Sign computes the HMAC-SHA256 signature over the given segments in order.
func (s *Session) Sign(segments ...[]byte) string {
	h := hmac.New(sha256.New, s.key)
	for _, seg := range segments {
		h.Write(seg)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature in constant time.
func (s *Session) Verify(signature string, segments ...[]byte) bool {
	expected := s.Sign(segments...)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
