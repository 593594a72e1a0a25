// Package link owns the single connection to the inference host.
//
// A Link is confined to one goroutine (the coordinator actor). Blocking work
// such as dialing, reading frames and waiting out reconnect delays happens on
// helper goroutines that report back through the Post callback as Events; the
// owner feeds those events to Handle.
package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/eachlabs/kbridge/internal/metrics"
)

var (
	ErrLinkUnavailable    = errors.New("native link unavailable")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSendFailure        = errors.New("native link send failed")
)

// State is the connection state of the link.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// NoticeKind classifies connectivity notices.
type NoticeKind int

const (
	NoticeConnecting NoticeKind = iota
	NoticeConnected
	NoticeReconnecting
	NoticeFailed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeConnecting:
		return "connecting"
	case NoticeConnected:
		return "connected"
	case NoticeReconnecting:
		return "reconnecting"
	case NoticeFailed:
		return "connection_failed"
	}
	return "unknown"
}

// Notice reports a connectivity change to the owner.
type Notice struct {
	Kind    NoticeKind
	Attempt int
	Err     error
}

// Event is produced by the link's helper goroutines.
type Event interface {
	linkEvent()
}

// Dialed carries the result of a dial.
type Dialed struct {
	gen  uint64
	conn Conn
	err  error
}

// Received carries one inbound frame.
type Received struct {
	gen   uint64
	Frame []byte
}

// Closed reports that the read side of a connection ended.
type Closed struct {
	gen uint64
	err error
}

// RetryDue fires when a reconnect delay has elapsed.
type RetryDue struct {
	gen uint64
}

func (Dialed) linkEvent()   {}
func (Received) linkEvent() {}
func (Closed) linkEvent()   {}
func (RetryDue) linkEvent() {}

// Config configures a Link.
type Config struct {
	Dialer     Dialer
	RetryDelay time.Duration
	MaxRetries int
	// Post hands an event to the owning actor.
	Post   func(Event)
	Logger zerolog.Logger
}

// Link is the NativeLink.
type Link struct {
	dialer Dialer
	post   func(Event)
	policy backoff.BackOff
	log    zerolog.Logger

	state    State
	conn     Conn
	gen      uint64
	auto     bool
	attempts int
	timer    *time.Timer
}

// New creates a disconnected link.
func New(cfg Config) *Link {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RetryDelay), uint64(cfg.MaxRetries))

	l := &Link{
		dialer: cfg.Dialer,
		post:   cfg.Post,
		policy: policy,
		log:    cfg.Logger,
	}
	l.setState(Disconnected)
	return l
}

// State returns the current connection state.
func (l *Link) State() State {
	return l.state
}

// Attempts returns the number of automatic reconnects since the last success.
func (l *Link) Attempts() int {
	return l.attempts
}

// Connect opens the host connection unless one is open or being opened.
// The outcome arrives later as a Dialed event.
func (l *Link) Connect(ctx context.Context) []Notice {
	if l.state == Connecting || l.state == Connected {
		l.log.Debug().Str("state", l.state.String()).Msg("connect ignored")
		return nil
	}
	l.auto = false
	return l.dial(ctx)
}

func (l *Link) dial(ctx context.Context) []Notice {
	l.stopTimer()
	l.setState(Connecting)
	l.gen++
	gen := l.gen

	go func() {
		conn, err := l.dialer.Dial(ctx)
		l.post(Dialed{gen: gen, conn: conn, err: err})
	}()

	return []Notice{{Kind: NoticeConnecting, Attempt: l.attempts}}
}

// Send writes one frame. It fails with ErrLinkUnavailable unless Connected;
// a write error tears the connection down and fails with ErrSendFailure.
func (l *Link) Send(frame []byte) error {
	if l.state != Connected {
		return ErrLinkUnavailable
	}
	if err := l.conn.WriteFrame(frame); err != nil {
		l.log.Warn().Err(err).Msg("write to host failed")
		l.teardown()
		return fmt.Errorf("%w: %v", ErrSendFailure, err)
	}
	metrics.HostFrames.WithLabelValues("out", "request").Inc()
	return nil
}

// Close tears the connection down without scheduling a reconnect.
func (l *Link) Close() {
	l.teardown()
}

func (l *Link) teardown() {
	l.stopTimer()
	l.gen++
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.setState(Disconnected)
}

// Handle applies an event. It returns the frame for a current Received
// event and any connectivity notices.
func (l *Link) Handle(ctx context.Context, ev Event) ([]byte, []Notice) {
	switch ev := ev.(type) {
	case Dialed:
		return nil, l.handleDialed(ctx, ev)

	case Received:
		if ev.gen != l.gen || l.state != Connected {
			return nil, nil
		}
		return ev.Frame, nil

	case Closed:
		if ev.gen != l.gen || l.state != Connected {
			return nil, nil
		}
		l.log.Warn().Err(ev.err).Msg("host connection lost")
		_ = l.conn.Close()
		l.conn = nil
		l.setState(Disconnected)
		return nil, l.retryOrFail(ev.err)

	case RetryDue:
		if ev.gen != l.gen || l.state != Disconnected {
			return nil, nil
		}
		l.auto = true
		return nil, l.dial(ctx)
	}
	return nil, nil
}

func (l *Link) handleDialed(ctx context.Context, ev Dialed) []Notice {
	if ev.gen != l.gen || l.state != Connecting {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return nil
	}

	if ev.err != nil {
		l.log.Warn().Err(ev.err).Bool("automatic", l.auto).Msg("connect failed")
		if l.auto {
			l.setState(Disconnected)
			return l.retryOrFail(ev.err)
		}
		l.setState(Failed)
		return []Notice{{Kind: NoticeFailed, Err: ev.err}}
	}

	l.conn = ev.conn
	l.policy.Reset()
	l.attempts = 0
	l.auto = false
	l.setState(Connected)
	l.log.Info().Msg("connected to host")

	go l.readLoop(ev.gen, ev.conn)
	return []Notice{{Kind: NoticeConnected}}
}

func (l *Link) retryOrFail(cause error) []Notice {
	delay := l.policy.NextBackOff()
	if delay == backoff.Stop {
		l.setState(Failed)
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, l.attempts, cause)
		l.log.Error().Err(err).Msg("giving up on host")
		return []Notice{{Kind: NoticeFailed, Attempt: l.attempts, Err: err}}
	}

	l.attempts++
	metrics.ReconnectAttempts.Inc()
	gen := l.gen
	l.timer = time.AfterFunc(delay, func() {
		l.post(RetryDue{gen: gen})
	})
	l.log.Info().Int("attempt", l.attempts).Dur("delay", delay).Msg("reconnect scheduled")
	return []Notice{{Kind: NoticeReconnecting, Attempt: l.attempts, Err: cause}}
}

func (l *Link) readLoop(gen uint64, conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			l.post(Closed{gen: gen, err: err})
			return
		}
		l.post(Received{gen: gen, Frame: frame})
	}
}

func (l *Link) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Link) setState(s State) {
	l.state = s
	metrics.LinkState.Set(float64(s))
}
