package session

import (
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ProtocolVersion is the envelope format version sent in every header.
const ProtocolVersion = "1.0"

// Message types exchanged over the shell, control and iopub channels.
const (
	TypeExecuteRequest   = "execute_request"
	TypeExecuteReply     = "execute_reply"
	TypeKernelInfoReq    = "kernel_info_request"
	TypeKernelInfoReply  = "kernel_info_reply"
	TypeShutdownRequest  = "shutdown_request"
	TypeShutdownReply    = "shutdown_reply"
	TypeInterruptRequest = "interrupt_request"
	TypeInterruptReply   = "interrupt_reply"
	TypeStream           = "stream"
	TypeStatus           = "status"
	TypeExecuteResult    = "execute_result"
	TypeError            = "error"
)

// Header identifies one message and the session it belongs to.
type Header struct {
	MsgID    string    `json:"msg_id"`
	MsgType  string    `json:"msg_type"`
	Session  string    `json:"session"`
	Username string    `json:"username"`
	Date     time.Time `json:"date"`
	Version  string    `json:"version"`
}

// Envelope is the signed unit framed onto every channel.
type Envelope struct {
	Header       Header          `json:"header"`
	ParentHeader *Header         `json:"parent_header,omitempty"`
	Content      json.RawMessage `json:"content"`
	Signature    string          `json:"signature"`
}

// NewMessage builds a signed envelope of the given type.
func (s *Session) NewMessage(msgType string, content interface{}) (*Envelope, error) {
	return s.newMessage(msgType, nil, content)
}

// Reply builds a signed envelope chained to a parent request, so the client
// can correlate replies and side-channel output with what it sent.
func (s *Session) Reply(parent *Envelope, msgType string, content interface{}) (*Envelope, error) {
	return s.newMessage(msgType, &parent.Header, content)
}

func (s *Session) newMessage(msgType string, parent *Header, content interface{}) (*Envelope, error) {
	msgID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s content: %w", msgType, err)
	}

	env := &Envelope{
		Header: Header{
			MsgID:    msgID,
			MsgType:  msgType,
			Session:  s.ID,
			Username: s.Username,
			Date:     time.Now().UTC(),
			Version:  ProtocolVersion,
		},
		ParentHeader: parent,
		Content:      raw,
	}
	if err := s.SignEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}

// SignEnvelope computes and stores the envelope signature over the canonical
// header, parent header and content segments.
func (s *Session) SignEnvelope(env *Envelope) error {
	segments, err := env.segments()
	if err != nil {
		return err
	}
	env.Signature = s.Sign(segments...)
	return nil
}

// VerifyEnvelope checks the envelope signature against this session's key.
func (s *Session) VerifyEnvelope(env *Envelope) error {
	segments, err := env.segments()
	if err != nil {
		return err
	}
	if !s.Verify(env.Signature, segments...) {
		return fmt.Errorf("envelope %s: signature mismatch", env.Header.MsgID)
	}
	return nil
}

func (e *Envelope) segments() ([][]byte, error) {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	parent := []byte("{}")
	if e.ParentHeader != nil {
		parent, err = json.Marshal(e.ParentHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal parent header: %w", err)
		}
	}
	content := []byte(e.Content)
	if content == nil {
		content = []byte("{}")
	}
	return [][]byte{header, parent, content}, nil
}

// DecodeContent unmarshals the envelope content into v.
func (e *Envelope) DecodeContent(v interface{}) error {
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("failed to decode %s content: %w", e.Header.MsgType, err)
	}
	return nil
}

// ExecuteRequest asks the kernel to run a chunk of code.
type ExecuteRequest struct {
	Code           string `json:"code"`
	Silent         bool   `json:"silent,omitempty"`
	StoreHistory   bool   `json:"store_history"`
	StopOnError    bool   `json:"stop_on_error,omitempty"`
	AllowStdin     bool   `json:"allow_stdin,omitempty"`
	ExecutionCount int    `json:"-"`
}

// ExecuteReply reports the outcome of one execution.
type ExecuteReply struct {
	Status         string `json:"status"` // "ok" or "error"
	ExecutionCount int    `json:"execution_count"`
	Value          string `json:"value,omitempty"`
	ErrName        string `json:"ename,omitempty"`
	ErrValue       string `json:"evalue,omitempty"`
}

// KernelInfoReply describes the kernel to a connecting client.
type KernelInfoReply struct {
	Banner          string `json:"banner"`
	Implementation  string `json:"implementation"`
	LanguageName    string `json:"language_name"`
	LanguageVersion string `json:"language_version"`
	ProtocolVersion string `json:"protocol_version"`
}

// StreamContent is side-channel output published on iopub.
type StreamContent struct {
	Name string `json:"name"` // "stdout" or "stderr"
	Text string `json:"text"`
}

// StatusContent announces kernel state transitions on iopub.
type StatusContent struct {
	ExecutionState string `json:"execution_state"` // "starting", "busy", "idle"
}

// ShutdownContent carries the restart flag of a shutdown exchange.
type ShutdownContent struct {
	Restart bool `json:"restart"`
}
