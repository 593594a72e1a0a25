package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Keys and markers used by the inference host.
const (
	keyEcho        = "echo message from native host"
	keyPing        = "ping"
	keyError       = "error"
	keyResponse    = "ai_response"
	keyChunk       = "ai_response_chunk"
	pongMarker     = "pong"
	relaunchMarker = "relaunching kcpp exe"
	EndOfStream    = "^^^stop^^^"
)

// InboundKind is the tag of an Inbound message.
type InboundKind int

const (
	InboundUnrecognized InboundKind = iota
	InboundEcho
	InboundPong
	InboundRelaunch
	InboundFullResponse
	InboundChunk
)

func (k InboundKind) String() string {
	switch k {
	case InboundEcho:
		return "echo"
	case InboundPong:
		return "pong"
	case InboundRelaunch:
		return "relaunch"
	case InboundFullResponse:
		return "full_response"
	case InboundChunk:
		return "chunk"
	}
	return "unrecognized"
}

// Inbound is a classified host frame.
type Inbound struct {
	Kind InboundKind
	Text string
	// Done is set on a response or chunk carrying the end-of-stream sentinel.
	Done bool
	// Err explains why a frame was unrecognized.
	Err error
}

// ErrMalformedReply is set on Inbound.Err for frames matching no known shape.
var ErrMalformedReply = errors.New("malformed reply")

// Classify maps a raw host frame onto exactly one Inbound variant.
func Classify(raw []byte) Inbound {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return unrecognized(fmt.Errorf("%w: %v", ErrMalformedReply, err))
	}

	if v, ok := fields[keyEcho]; ok {
		var echo struct {
			Data struct {
				Text string `json:"text"`
			} `json:"data"`
		}
		// The echo payload is informational; an odd shape is still an echo.
		_ = json.Unmarshal(v, &echo)
		return Inbound{Kind: InboundEcho, Text: echo.Data.Text}
	}

	if v, ok := fields[keyPing]; ok {
		if s, ok := stringField(v); ok && s == pongMarker {
			return Inbound{Kind: InboundPong}
		}
		return unrecognized(fmt.Errorf("%w: ping without pong marker", ErrMalformedReply))
	}

	if v, ok := fields[keyError]; ok {
		if s, ok := stringField(v); ok && s == relaunchMarker {
			return Inbound{Kind: InboundRelaunch, Text: s}
		}
		return unrecognized(fmt.Errorf("%w: host error %s", ErrMalformedReply, string(v)))
	}

	if v, ok := fields[keyChunk]; ok {
		s, ok := stringField(v)
		if !ok {
			return unrecognized(fmt.Errorf("%w: non-string chunk", ErrMalformedReply))
		}
		if s == EndOfStream {
			return Inbound{Kind: InboundChunk, Done: true}
		}
		return Inbound{Kind: InboundChunk, Text: s}
	}

	if v, ok := fields[keyResponse]; ok {
		s, ok := stringField(v)
		if !ok {
			return unrecognized(fmt.Errorf("%w: non-string response", ErrMalformedReply))
		}
		if s == EndOfStream {
			return Inbound{Kind: InboundFullResponse, Done: true}
		}
		return Inbound{Kind: InboundFullResponse, Text: s}
	}

	return unrecognized(fmt.Errorf("%w: no known key", ErrMalformedReply))
}

func unrecognized(err error) Inbound {
	return Inbound{Kind: InboundUnrecognized, Err: err}
}

func stringField(v json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}
