// Package router turns surface requests into host messages and host replies
// into surface deliveries.
//
// Step is a pure function: given the current State and one Event it returns
// the next State and the Effects the coordinator must carry out. Replies from
// the host carry no routing key, so they go to the role of the most recently
// forwarded request (the TaskContext). A request from another role reassigns
// routing for every later reply; concurrent conversations are not isolated.
package router

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/eachlabs/kbridge/internal/channel"
	"github.com/eachlabs/kbridge/internal/health"
	"github.com/eachlabs/kbridge/internal/link"
	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/session"
)

// Statuses delivered to surfaces besides the ping results.
const (
	StatusConnecting       = "Connecting..."
	StatusConnected        = "connected"
	StatusReconnecting     = "reconnecting"
	StatusConnectionFailed = "connection_failed"
	StatusSendFailed       = "failed_to_send_message_to_backend"
	StatusNoExtraction     = "no_extraction"
)

// PendingTask is the TaskContext: the most recently forwarded request.
type PendingTask struct {
	Role   protocol.Role   `json:"role"`
	Task   protocol.Task   `json:"task"`
	Status protocol.Status `json:"status"`
}

// Forward is a request on its way to the host.
type Forward struct {
	Role    protocol.Role
	Request protocol.Request
	Retried bool
}

// State is the router state.
type State struct {
	Task *PendingTask
	// Parked holds forwards waiting for a reconnect.
	Parked []Forward
}

// Effect is an action for the coordinator.
type Effect interface{ effect() }

// Probe runs a health check.
type Probe struct{}

// Connect asks the link to connect.
type Connect struct{}

// Send writes a forward to the link.
type Send struct{ Forward Forward }

// Deliver routes a message to a surface.
type Deliver struct {
	Role    protocol.Role
	Message *channel.Message
}

// LoadExtraction reads the session slot.
type LoadExtraction struct{}

// Log records something worth knowing without acting on it.
type Log struct {
	Level zerolog.Level
	Msg   string
	Role  protocol.Role
	Err   error
}

func (Probe) effect()          {}
func (Connect) effect()        {}
func (Send) effect()           {}
func (Deliver) effect()        {}
func (LoadExtraction) effect() {}
func (Log) effect()            {}

// Event is an input to Step.
type Event interface{ event() }

// UIFrame is a raw frame from a surface.
type UIFrame struct {
	Role protocol.Role
	Raw  []byte
}

// HostReply is a classified frame from the host.
type HostReply struct{ Inbound protocol.Inbound }

// ProbeResult is the immediate outcome of a Probe.
type ProbeResult struct{ Result health.Result }

// SendResult is the outcome of a Send.
type SendResult struct {
	Forward Forward
	Err     error
}

// LinkNotice is a connectivity change.
type LinkNotice struct{ Notice link.Notice }

// ExtractionLoaded is the outcome of LoadExtraction.
type ExtractionLoaded struct {
	Extraction session.Extraction
	Err        error
}

func (UIFrame) event()          {}
func (HostReply) event()        {}
func (ProbeResult) event()      {}
func (SendResult) event()       {}
func (LinkNotice) event()       {}
func (ExtractionLoaded) event() {}

// Step applies ev to s.
func Step(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case UIFrame:
		return onUIFrame(s, ev)
	case HostReply:
		return onHostReply(s, ev.Inbound)
	case ProbeResult:
		if ev.Result == health.Failed {
			return s, []Effect{status(protocol.RoleControl, health.PingFailed), Connect{}}
		}
		return s, nil
	case SendResult:
		return onSendResult(s, ev)
	case LinkNotice:
		return onLinkNotice(s, ev.Notice)
	case ExtractionLoaded:
		return onExtraction(s, ev)
	}
	return s, nil
}

// Target is the role the next host reply will be delivered to.
func (s State) Target() protocol.Role {
	if s.Task == nil {
		// The control surface's connect precedes any task, and the first
		// content it triggers is a page summary.
		return protocol.RoleSummary
	}
	return s.Task.Role
}

func onUIFrame(s State, ev UIFrame) (State, []Effect) {
	req, err := protocol.ParseUIRequest(ev.Role, ev.Raw)
	if err != nil {
		return s, []Effect{Log{Level: zerolog.WarnLevel, Msg: "dropping surface frame", Role: ev.Role, Err: err}}
	}

	switch req.Kind {
	case protocol.UIVerify:
		return s, []Effect{Probe{}}
	case protocol.UISendExtraction:
		return s, []Effect{LoadExtraction{}}
	case protocol.UIInitialize:
		return s, []Effect{Log{Level: zerolog.InfoLevel, Msg: "summary panel initialized", Role: ev.Role}}
	}
	return forward(s, ev.Role, req.Request)
}

func forward(s State, role protocol.Role, req protocol.Request) (State, []Effect) {
	s.Task = &PendingTask{Role: role, Task: req.Task, Status: req.Status}
	return s, []Effect{Send{Forward: Forward{Role: role, Request: req}}}
}

func onExtraction(s State, ev ExtractionLoaded) (State, []Effect) {
	if ev.Err != nil {
		return s, []Effect{
			Log{Level: zerolog.WarnLevel, Msg: "no extraction to send", Role: protocol.RoleControl, Err: ev.Err},
			status(protocol.RoleControl, StatusNoExtraction),
		}
	}
	req := protocol.Request{
		Status: protocol.StatusNewChat,
		Task:   protocol.TaskSummary,
		Text:   ev.Extraction.Prompt(),
	}
	return forward(s, protocol.RoleSummary, req)
}

func onSendResult(s State, ev SendResult) (State, []Effect) {
	if ev.Err == nil {
		return s, nil
	}

	retryable := errors.Is(ev.Err, link.ErrLinkUnavailable) || errors.Is(ev.Err, link.ErrSendFailure)
	if !retryable || ev.Forward.Retried {
		return s, []Effect{
			Log{Level: zerolog.ErrorLevel, Msg: "giving up on request", Role: ev.Forward.Role, Err: ev.Err},
			status(ev.Forward.Role, StatusSendFailed),
		}
	}

	parked := ev.Forward
	parked.Retried = true
	s.Parked = append(append([]Forward(nil), s.Parked...), parked)
	return s, []Effect{Connect{}}
}

func onLinkNotice(s State, n link.Notice) (State, []Effect) {
	var effects []Effect
	switch n.Kind {
	case link.NoticeConnecting:
		effects = append(effects, status(protocol.RoleControl, StatusConnecting))

	case link.NoticeConnected:
		effects = append(effects, status(protocol.RoleControl, StatusConnected))
		for _, f := range s.Parked {
			effects = append(effects, Send{Forward: f})
		}
		s.Parked = nil

	case link.NoticeReconnecting:
		effects = append(effects, status(protocol.RoleControl, StatusReconnecting))

	case link.NoticeFailed:
		effects = append(effects, status(protocol.RoleControl, StatusConnectionFailed))
		for _, f := range s.Parked {
			effects = append(effects, status(f.Role, StatusSendFailed))
		}
		s.Parked = nil
	}
	return s, effects
}

func onHostReply(s State, in protocol.Inbound) (State, []Effect) {
	switch in.Kind {
	case protocol.InboundEcho:
		return s, []Effect{Log{Level: zerolog.DebugLevel, Msg: "host echo: " + in.Text}}

	case protocol.InboundPong, protocol.InboundRelaunch:
		st, _ := health.StatusFor(in)
		return s, []Effect{status(protocol.RoleControl, st)}

	case protocol.InboundFullResponse:
		return s, []Effect{Deliver{Role: s.Target(), Message: channel.ResponseMessage(in.Text, in.Done)}}

	case protocol.InboundChunk:
		if in.Done {
			return s, []Effect{Deliver{Role: s.Target(), Message: channel.ResponseMessage("", true)}}
		}
		return s, []Effect{Deliver{Role: s.Target(), Message: channel.ChunkMessage(in.Text)}}

	case protocol.InboundUnrecognized:
		return s, []Effect{Log{Level: zerolog.WarnLevel, Msg: "dropping unrecognized host reply", Err: in.Err}}
	}
	return s, nil
}

func status(role protocol.Role, st string) Deliver {
	return Deliver{Role: role, Message: channel.StatusMessage(st)}
}
