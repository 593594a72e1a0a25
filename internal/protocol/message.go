// Package protocol defines the message shapes exchanged between surfaces,
// the coordinator and the inference host.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies a UI surface.
type Role string

const (
	RoleControl Role = "control"
	RoleSummary Role = "summary"
	RoleChat    Role = "chat"
)

// Roles lists every known role in display order.
var Roles = []Role{RoleControl, RoleSummary, RoleChat}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleControl, RoleSummary, RoleChat:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Task is the kind of work a request asks the host for.
type Task string

const (
	TaskChat             Task = "chat"
	TaskSummary          Task = "summary"
	TaskSummariseFurther Task = "summarise-further"
	TaskPing             Task = "ping"
)

// Status marks whether a request starts, continues or aborts a conversation.
type Status string

const (
	StatusNewChat Status = "new_chat"
	StatusOldChat Status = "old_chat"
	StatusAbort   Status = "abort"
)

// Request is the body the host expects inside an Envelope. All three keys are
// always serialized since the host indexes data.status unconditionally.
type Request struct {
	Status Status `json:"status"`
	Task   Task   `json:"task"`
	Text   string `json:"text"`
}

// Envelope wraps a Request for transmission to the host.
type Envelope struct {
	Data Request `json:"data"`
}

// Wrap returns the serialized envelope for req.
func Wrap(req Request) ([]byte, error) {
	return json.Marshal(Envelope{Data: req})
}

// PingProbe is the zero-content liveness probe.
func PingProbe() Request {
	return Request{Task: TaskPing}
}

// AbortRequest is what surfaces send to stop a generation.
func AbortRequest() Request {
	return Request{Status: StatusAbort, Task: TaskChat, Text: "None"}
}

// UIKind classifies a frame received from a surface.
type UIKind int

const (
	UITask UIKind = iota
	UIVerify
	UISendExtraction
	UIInitialize
)

func (k UIKind) String() string {
	switch k {
	case UITask:
		return "task"
	case UIVerify:
		return "verify"
	case UISendExtraction:
		return "send_extraction"
	case UIInitialize:
		return "initialize"
	}
	return "unknown"
}

// Control sentinels sent by the control surface.
const (
	SentinelVerify         = 1
	SentinelSendExtraction = 2
)

// InitializeMarker is sent by the summary panel when it opens.
const InitializeMarker = "initialize"

// UIRequest is a decoded surface frame.
type UIRequest struct {
	Kind    UIKind
	Request Request
}

// ErrMalformedRequest is returned for surface frames that match no known shape.
var ErrMalformedRequest = errors.New("malformed surface request")

// ParseUIRequest decodes a surface frame. Sentinels are accepted only from the
// control surface and the initialize marker only from the summary panel.
func ParseUIRequest(role Role, raw []byte) (UIRequest, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return UIRequest{}, ErrMalformedRequest
	}

	switch raw[0] {
	case '{':
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return UIRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		if req.Task == "" {
			return UIRequest{}, fmt.Errorf("%w: missing task", ErrMalformedRequest)
		}
		return UIRequest{Kind: UITask, Request: req}, nil

	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return UIRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		if s == InitializeMarker && role == RoleSummary {
			return UIRequest{Kind: UIInitialize}, nil
		}
		return UIRequest{}, fmt.Errorf("%w: unexpected string %q from %s", ErrMalformedRequest, s, role)
	}

	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return UIRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if role != RoleControl {
		return UIRequest{}, fmt.Errorf("%w: sentinel %d from %s", ErrMalformedRequest, n, role)
	}
	switch n {
	case SentinelVerify:
		return UIRequest{Kind: UIVerify}, nil
	case SentinelSendExtraction:
		return UIRequest{Kind: UISendExtraction}, nil
	}
	return UIRequest{}, fmt.Errorf("%w: unknown sentinel %d", ErrMalformedRequest, n)
}
