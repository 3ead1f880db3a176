package control

import (
	"encoding/json"
	"time"
)

// Frame types.
const (
	FrameReq   = "req"
	FrameRes   = "res"
	FrameEvent = "event"
)

// Error codes used by the control plane.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeUnknownMethod = "UNKNOWN_METHOD"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeMethodFailed  = "METHOD_FAILED"
	CodeForbidden     = "FORBIDDEN"
)

// WebSocket close codes.
const (
	CloseAuthFailed       = 4001
	CloseHandshakeTimeout = 4002
	CloseRateLimited      = 4029
)

// Frame is one JSON message on the wire.
type Frame struct {
	Type string `json:"type"`

	// req
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      *bool       `json:"ok,omitempty"`
	Payload any         `json:"payload,omitempty"`
	Error   *FrameError `json:"error,omitempty"`

	// event
	Event        string `json:"event,omitempty"`
	Seq          int64  `json:"seq,omitempty"`
	Ts           int64  `json:"ts,omitempty"`
	StateVersion int64  `json:"stateVersion,omitempty"`
}

// FrameError is the error shape on responses.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func okFrame(id string, payload any) *Frame {
	ok := true
	return &Frame{Type: FrameRes, ID: id, OK: &ok, Payload: payload}
}

func errFrame(id, code, message string) *Frame {
	ok := false
	return &Frame{Type: FrameRes, ID: id, OK: &ok, Error: &FrameError{Code: code, Message: message}}
}

func eventFrame(event string, seq int64, payload any) *Frame {
	return &Frame{
		Type:    FrameEvent,
		Event:   event,
		Seq:     seq,
		Ts:      time.Now().UnixMilli(),
		Payload: payload,
	}
}
