package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/kbridge/internal/channel"
	"github.com/eachlabs/kbridge/internal/health"
	"github.com/eachlabs/kbridge/internal/link"
	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/session"
)

func reply(raw string) Event {
	return HostReply{Inbound: protocol.Classify([]byte(raw))}
}

func deliveries(effects []Effect) []Deliver {
	var out []Deliver
	for _, e := range effects {
		if d, ok := e.(Deliver); ok {
			out = append(out, d)
		}
	}
	return out
}

func sends(effects []Effect) []Forward {
	var out []Forward
	for _, e := range effects {
		if s, ok := e.(Send); ok {
			out = append(out, s.Forward)
		}
	}
	return out
}

func hasConnect(effects []Effect) bool {
	for _, e := range effects {
		if _, ok := e.(Connect); ok {
			return true
		}
	}
	return false
}

func TestChatRequestForwardsOnce(t *testing.T) {
	s, effects := Step(State{}, UIFrame{Role: protocol.RoleChat, Raw: []byte(`{"status":"new_chat","task":"chat","text":"hello"}`)})

	fwd := sends(effects)
	require.Len(t, fwd, 1)
	assert.Equal(t, protocol.RoleChat, fwd[0].Role)

	frame, err := protocol.Wrap(fwd[0].Request)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"status":"new_chat","task":"chat","text":"hello"}}`, string(frame))

	require.NotNil(t, s.Task)
	assert.Equal(t, PendingTask{Role: protocol.RoleChat, Task: protocol.TaskChat, Status: protocol.StatusNewChat}, *s.Task)
}

func TestRepliesFollowTaskContext(t *testing.T) {
	s := State{Task: &PendingTask{Role: protocol.RoleChat, Task: protocol.TaskChat}}

	_, effects := Step(s, reply(`{"ai_response_chunk":"hi"}`))
	d := deliveries(effects)
	require.Len(t, d, 1)
	assert.Equal(t, protocol.RoleChat, d[0].Role)
	assert.Equal(t, channel.KindChunk, d[0].Message.Kind)
	assert.Equal(t, "hi", d[0].Message.Content)
}

func TestFirstReplyDefaultsToSummary(t *testing.T) {
	_, effects := Step(State{}, reply(`{"ai_response":"A page about Go."}`))
	d := deliveries(effects)
	require.Len(t, d, 1)
	assert.Equal(t, protocol.RoleSummary, d[0].Role)
	assert.Equal(t, channel.KindResponse, d[0].Message.Kind)
	assert.False(t, d[0].Message.IsDone)
}

func TestNewRoleReassignsRouting(t *testing.T) {
	s, _ := Step(State{}, UIFrame{Role: protocol.RoleSummary, Raw: []byte(`{"status":"new_chat","task":"summary","text":"page"}`)})
	s, _ = Step(s, UIFrame{Role: protocol.RoleChat, Raw: []byte(`{"status":"old_chat","task":"chat","text":"and?"}`)})

	_, effects := Step(s, reply(`{"ai_response_chunk":"late summary chunk"}`))
	assert.Equal(t, protocol.RoleChat, deliveries(effects)[0].Role)
}

func TestAbortDoesNotSuppressReplies(t *testing.T) {
	s, effects := Step(State{}, UIFrame{Role: protocol.RoleChat, Raw: []byte(`{"status":"abort","task":"chat","text":"None"}`)})
	require.Len(t, sends(effects), 1)
	assert.Equal(t, protocol.AbortRequest(), sends(effects)[0].Request)

	_, effects = Step(s, reply(`{"ai_response_chunk":"still"}`))
	assert.Equal(t, "still", deliveries(effects)[0].Message.Content)

	_, effects = Step(s, reply(`{"ai_response":"^^^stop^^^"}`))
	d := deliveries(effects)
	require.Len(t, d, 1)
	assert.True(t, d[0].Message.IsDone)
	assert.Empty(t, d[0].Message.Content)
}

func TestEndOfStreamChunkIsNotContent(t *testing.T) {
	s := State{Task: &PendingTask{Role: protocol.RoleChat, Task: protocol.TaskChat}}

	_, effects := Step(s, reply(`{"ai_response_chunk":"^^^stop^^^"}`))
	d := deliveries(effects)
	require.Len(t, d, 1)
	assert.Equal(t, protocol.RoleChat, d[0].Role)
	assert.Equal(t, channel.KindResponse, d[0].Message.Kind)
	assert.True(t, d[0].Message.IsDone)
	assert.Empty(t, d[0].Message.Content)
}

func TestPingReplies(t *testing.T) {
	s := State{Task: &PendingTask{Role: protocol.RoleChat}}

	_, effects := Step(s, reply(`{"ping":"pong"}`))
	d := deliveries(effects)
	require.Len(t, d, 1)
	assert.Equal(t, protocol.RoleControl, d[0].Role)
	assert.Equal(t, health.PingSuccess, d[0].Message.Status)

	_, effects = Step(s, reply(`{"error":"relaunching kcpp exe"}`))
	d = deliveries(effects)
	require.Len(t, d, 1)
	assert.Equal(t, protocol.RoleControl, d[0].Role)
	assert.Equal(t, health.PingFailed, d[0].Message.Status)
}

func TestEchoAndUnrecognizedAreOnlyLogged(t *testing.T) {
	for _, raw := range []string{`{"echo message from native host":{"data":{"text":"x"}}}`, `{"weird":1}`, `nope`} {
		_, effects := Step(State{}, reply(raw))
		require.Len(t, effects, 1, raw)
		_, ok := effects[0].(Log)
		assert.True(t, ok, raw)
	}
}

func TestVerifyProbeFailureConnects(t *testing.T) {
	_, effects := Step(State{}, UIFrame{Role: protocol.RoleControl, Raw: []byte(`1`)})
	assert.Equal(t, []Effect{Probe{}}, effects)

	_, effects = Step(State{}, ProbeResult{Result: health.Failed})
	d := deliveries(effects)
	require.Len(t, d, 1)
	assert.Equal(t, health.PingFailed, d[0].Message.Status)
	assert.True(t, hasConnect(effects))

	_, effects = Step(State{}, ProbeResult{Result: health.Pending})
	assert.Empty(t, effects)
}

func TestSendExtraction(t *testing.T) {
	_, effects := Step(State{}, UIFrame{Role: protocol.RoleControl, Raw: []byte(`2`)})
	assert.Equal(t, []Effect{LoadExtraction{}}, effects)

	s, effects := Step(State{}, ExtractionLoaded{Extraction: session.Extraction{Title: "T", TextContent: "body"}})
	fwd := sends(effects)
	require.Len(t, fwd, 1)
	assert.Equal(t, protocol.RoleSummary, fwd[0].Role)
	assert.Equal(t, protocol.Request{Status: protocol.StatusNewChat, Task: protocol.TaskSummary, Text: "T\n\nbody"}, fwd[0].Request)
	assert.Equal(t, protocol.RoleSummary, s.Target())

	_, effects = Step(State{}, ExtractionLoaded{Err: session.ErrEmpty})
	d := deliveries(effects)
	require.Len(t, d, 1)
	assert.Equal(t, StatusNoExtraction, d[0].Message.Status)
	assert.Empty(t, sends(effects))
}

func TestInitializeAndMalformedFrames(t *testing.T) {
	s, effects := Step(State{}, UIFrame{Role: protocol.RoleSummary, Raw: []byte(`"initialize"`)})
	assert.Nil(t, s.Task)
	require.Len(t, effects, 1)
	assert.IsType(t, Log{}, effects[0])

	s, effects = Step(State{}, UIFrame{Role: protocol.RoleChat, Raw: []byte(`{"status":`)})
	assert.Nil(t, s.Task)
	require.Len(t, effects, 1)
	assert.IsType(t, Log{}, effects[0])
}

func TestSendFailureRetriesOnceAfterReconnect(t *testing.T) {
	fwd := Forward{Role: protocol.RoleChat, Request: protocol.Request{Status: protocol.StatusNewChat, Task: protocol.TaskChat, Text: "hi"}}

	s, effects := Step(State{}, SendResult{Forward: fwd, Err: link.ErrLinkUnavailable})
	assert.Equal(t, []Effect{Connect{}}, effects)
	require.Len(t, s.Parked, 1)
	assert.True(t, s.Parked[0].Retried)

	s, effects = Step(s, LinkNotice{Notice: link.Notice{Kind: link.NoticeConnected}})
	assert.Empty(t, s.Parked)
	retried := sends(effects)
	require.Len(t, retried, 1)
	assert.Equal(t, fwd.Request, retried[0].Request)
	assert.True(t, retried[0].Retried)

	// The retry fails too: the surface is told and nothing else is attempted.
	_, effects = Step(s, SendResult{Forward: retried[0], Err: errors.Join(link.ErrSendFailure, errors.New("pipe"))})
	assert.False(t, hasConnect(effects))
	d := deliveries(effects)
	require.Len(t, d, 1)
	assert.Equal(t, protocol.RoleChat, d[0].Role)
	assert.Equal(t, StatusSendFailed, d[0].Message.Status)
}

func TestConnectionFailureFailsParked(t *testing.T) {
	fwd := Forward{Role: protocol.RoleSummary, Request: protocol.Request{Task: protocol.TaskSummary, Text: "x"}}
	s, _ := Step(State{}, SendResult{Forward: fwd, Err: link.ErrLinkUnavailable})

	s, effects := Step(s, LinkNotice{Notice: link.Notice{Kind: link.NoticeFailed}})
	assert.Empty(t, s.Parked)
	d := deliveries(effects)
	require.Len(t, d, 2)
	assert.Equal(t, protocol.RoleControl, d[0].Role)
	assert.Equal(t, StatusConnectionFailed, d[0].Message.Status)
	assert.Equal(t, protocol.RoleSummary, d[1].Role)
	assert.Equal(t, StatusSendFailed, d[1].Message.Status)
}

func TestStepDoesNotMutateInput(t *testing.T) {
	orig := State{Parked: make([]Forward, 1, 4)}
	next, _ := Step(orig, SendResult{Forward: Forward{Role: protocol.RoleChat}, Err: link.ErrLinkUnavailable})
	assert.Len(t, orig.Parked, 1)
	assert.Len(t, next.Parked, 2)

	task := &PendingTask{Role: protocol.RoleSummary}
	before := State{Task: task}
	_, _ = Step(before, UIFrame{Role: protocol.RoleChat, Raw: []byte(`{"status":"new_chat","task":"chat","text":"x"}`)})
	assert.Equal(t, protocol.RoleSummary, task.Role)
}

func TestLinkNoticesReachControl(t *testing.T) {
	cases := map[link.NoticeKind]string{
		link.NoticeConnecting:   StatusConnecting,
		link.NoticeConnected:    StatusConnected,
		link.NoticeReconnecting: StatusReconnecting,
		link.NoticeFailed:       StatusConnectionFailed,
	}
	for kind, want := range cases {
		_, effects := Step(State{}, LinkNotice{Notice: link.Notice{Kind: kind}})
		d := deliveries(effects)
		require.Len(t, d, 1, kind.String())
		assert.Equal(t, protocol.RoleControl, d[0].Role)
		assert.Equal(t, want, d[0].Message.Status)
	}
}
