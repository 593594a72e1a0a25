// Package coordinator runs the single actor that owns the host link, the
// surface ports and the routing state.
package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eachlabs/kbridge/internal/channel"
	"github.com/eachlabs/kbridge/internal/health"
	"github.com/eachlabs/kbridge/internal/link"
	"github.com/eachlabs/kbridge/internal/metrics"
	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/router"
	"github.com/eachlabs/kbridge/internal/session"
)

// Config holds coordinator configuration.
type Config struct {
	Dialer     link.Dialer
	RetryDelay time.Duration
	MaxRetries int
	Slot       *session.Slot
	QueueSize  int
	Logger     zerolog.Logger
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	Session           string              `json:"session"`
	Link              string              `json:"link"`
	ReconnectAttempts int                 `json:"reconnect_attempts"`
	Attached          []protocol.Role     `json:"attached"`
	Task              *router.PendingTask `json:"task,omitempty"`
	Parked            int                 `json:"parked"`
	Health            health.Report       `json:"health"`
}

type attachEvent struct {
	role protocol.Role
	port channel.Port
}

type detachEvent struct {
	role protocol.Role
	id   string
}

type connectEvent struct{}

// Coordinator is the process-wide coordinator. Every field below events is
// touched only by the Run goroutine.
type Coordinator struct {
	events chan any
	done   chan struct{}
	log    zerolog.Logger

	link    *link.Link
	monitor *health.Monitor
	ports   *channel.Registry
	slot    *session.Slot
	state   router.State

	snap atomic.Pointer[Snapshot]
}

// New wires a coordinator. Nothing runs until Run is called.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("coordinator: dialer is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Slot == nil {
		slot, err := session.NewSlot("")
		if err != nil {
			return nil, err
		}
		cfg.Slot = slot
	}

	c := &Coordinator{
		events: make(chan any, cfg.QueueSize),
		done:   make(chan struct{}),
		log:    cfg.Logger.With().Str("component", "coordinator").Logger(),
		ports:  channel.NewRegistry(cfg.Logger.With().Str("component", "ports").Logger()),
		slot:   cfg.Slot,
	}
	c.link = link.New(link.Config{
		Dialer:     cfg.Dialer,
		RetryDelay: cfg.RetryDelay,
		MaxRetries: cfg.MaxRetries,
		Post:       func(ev link.Event) { c.post(ev) },
		Logger:     cfg.Logger.With().Str("component", "link").Logger(),
	})
	c.monitor = health.NewMonitor(c.link, cfg.Logger.With().Str("component", "health").Logger())
	c.publish()
	return c, nil
}

// Attach registers a surface port for role.
func (c *Coordinator) Attach(role protocol.Role, p channel.Port) {
	c.post(attachEvent{role: role, port: p})
}

// Detach unregisters the port with the given id if it is still current.
func (c *Coordinator) Detach(role protocol.Role, id string) {
	c.post(detachEvent{role: role, id: id})
}

// Submit queues a raw surface frame from role.
func (c *Coordinator) Submit(role protocol.Role, raw []byte) {
	c.post(router.UIFrame{Role: role, Raw: raw})
}

// Connect asks for a host connection, as an explicit user action would.
func (c *Coordinator) Connect() {
	c.post(connectEvent{})
}

// Slot returns the extraction slot.
func (c *Coordinator) Slot() *session.Slot {
	return c.slot
}

// Snapshot returns the latest published state.
func (c *Coordinator) Snapshot() Snapshot {
	s := *c.snap.Load()
	s.Attached = c.ports.Attached()
	s.Health = c.monitor.Report()
	return s
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Run processes events until ctx is cancelled, then closes the link and all
// ports.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info().Str("session", c.slot.ID()).Msg("coordinator started")
	defer func() {
		c.link.Close()
		c.ports.CloseAll()
		c.publish()
		close(c.done)
		c.log.Info().Msg("coordinator stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

// handle processes one event. A panic is contained to the event that
// caused it.
func (c *Coordinator) handle(ctx context.Context, ev any) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Type("event", ev).Msg("event handler panicked")
		}
		metrics.EventLatency.Observe(time.Since(start).Seconds())
		c.publish()
	}()

	switch ev := ev.(type) {
	case attachEvent:
		c.ports.Attach(ev.role, ev.port)

	case detachEvent:
		c.ports.Detach(ev.role, ev.id)

	case connectEvent:
		c.dispatch(ctx, noticeEvents(c.link.Connect(ctx))...)

	case link.Event:
		frame, notices := c.link.Handle(ctx, ev)
		c.dispatch(ctx, noticeEvents(notices)...)
		if frame != nil {
			in := protocol.Classify(frame)
			metrics.HostFrames.WithLabelValues("in", in.Kind.String()).Inc()
			c.monitor.Observe(in)
			c.dispatch(ctx, router.HostReply{Inbound: in})
		}

	case router.Event:
		c.dispatch(ctx, ev)

	default:
		c.log.Warn().Type("event", ev).Msg("unknown event")
	}
}

// dispatch runs events through the router, applying effects and feeding
// their immediate results back in order.
func (c *Coordinator) dispatch(ctx context.Context, events ...router.Event) {
	queue := append([]router.Event(nil), events...)
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		var effects []router.Effect
		c.state, effects = router.Step(c.state, ev)
		for _, eff := range effects {
			queue = append(queue, c.apply(ctx, eff)...)
		}
	}
}

func (c *Coordinator) apply(ctx context.Context, eff router.Effect) []router.Event {
	switch eff := eff.(type) {
	case router.Probe:
		return []router.Event{router.ProbeResult{Result: c.monitor.Ping()}}

	case router.Connect:
		return noticeEvents(c.link.Connect(ctx))

	case router.Send:
		frame, err := protocol.Wrap(eff.Forward.Request)
		if err == nil {
			err = c.link.Send(frame)
		}
		if err == nil {
			c.log.Debug().
				Str("role", string(eff.Forward.Role)).
				Str("task", string(eff.Forward.Request.Task)).
				Str("status", string(eff.Forward.Request.Status)).
				Msg("forwarded to host")
		}
		return []router.Event{router.SendResult{Forward: eff.Forward, Err: err}}

	case router.Deliver:
		// Route logs and counts its own failures; there is nothing to retry.
		_ = c.ports.Route(ctx, eff.Role, eff.Message)

	case router.LoadExtraction:
		e, err := c.slot.Get()
		return []router.Event{router.ExtractionLoaded{Extraction: e, Err: err}}

	case router.Log:
		l := c.log.WithLevel(eff.Level)
		if eff.Role != "" {
			l = l.Str("role", string(eff.Role))
		}
		if eff.Err != nil {
			l = l.Err(eff.Err)
		}
		l.Msg(eff.Msg)
	}
	return nil
}

func noticeEvents(ns []link.Notice) []router.Event {
	out := make([]router.Event, 0, len(ns))
	for _, n := range ns {
		out = append(out, router.LinkNotice{Notice: n})
	}
	return out
}

func (c *Coordinator) publish() {
	s := &Snapshot{
		Session:           c.slot.ID(),
		Link:              c.link.State().String(),
		ReconnectAttempts: c.link.Attempts(),
		Parked:            len(c.state.Parked),
	}
	if c.state.Task != nil {
		t := *c.state.Task
		s.Task = &t
	}
	c.snap.Store(s)
}
