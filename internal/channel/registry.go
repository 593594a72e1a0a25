package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eachlabs/kbridge/internal/metrics"
	"github.com/eachlabs/kbridge/internal/protocol"
)

// outboxSize bounds the messages waiting for one surface.
const outboxSize = 64

var (
	// ErrRoleNotAttached is returned by Route when no surface is open for a role.
	ErrRoleNotAttached = errors.New("role not attached")

	// ErrPortBackedUp is returned by Route when a surface stopped draining its
	// messages. The port is closed.
	ErrPortBackedUp = errors.New("port backed up")

	// ErrPortClosed is returned by Route for a port that is shutting down.
	ErrPortClosed = errors.New("port closed")
)

// Registry is the PortRegistry: at most one Port per role. Every port is
// written by its own outbox goroutine; Route never waits on a surface.
type Registry struct {
	mu    sync.RWMutex
	ports map[protocol.Role]*outbox
	log   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		ports: make(map[protocol.Role]*outbox),
		log:   log,
	}
}

// Attach binds p to role, closing whatever was bound before.
func (r *Registry) Attach(role protocol.Role, p Port) {
	r.mu.Lock()
	old := r.ports[role]
	if old != nil && old.port.ID() == p.ID() {
		r.mu.Unlock()
		return
	}
	ob := r.newOutbox(role, p)
	r.ports[role] = ob
	r.mu.Unlock()

	metrics.PortsAttached.WithLabelValues(string(role)).Set(1)
	if old != nil {
		r.log.Info().Str("role", string(role)).Str("old", old.port.ID()).Str("new", p.ID()).Msg("port replaced")
		old.stop()
		return
	}
	r.log.Info().Str("role", string(role)).Str("port", p.ID()).Msg("port attached")
}

// Detach unbinds role if id is still its current port. A stale close from a
// replaced port leaves the replacement alone.
func (r *Registry) Detach(role protocol.Role, id string) bool {
	r.mu.Lock()
	cur, ok := r.ports[role]
	if !ok || cur.port.ID() != id {
		r.mu.Unlock()
		return false
	}
	delete(r.ports, role)
	r.mu.Unlock()

	cur.stop()
	metrics.PortsAttached.WithLabelValues(string(role)).Set(0)
	r.log.Info().Str("role", string(role)).Str("port", id).Msg("port detached")
	return true
}

// Route queues msg for the surface bound to role. Nothing is buffered for an
// unattached role: the message is dropped.
func (r *Registry) Route(ctx context.Context, role protocol.Role, msg *Message) error {
	r.mu.RLock()
	ob, ok := r.ports[role]
	r.mu.RUnlock()

	if !ok {
		metrics.Deliveries.WithLabelValues(string(role), "dropped").Inc()
		r.log.Debug().Str("role", string(role)).Str("kind", msg.Kind).Msg("no port, message dropped")
		return fmt.Errorf("%w: %s", ErrRoleNotAttached, role)
	}

	if err := ob.push(msg); err != nil {
		metrics.Deliveries.WithLabelValues(string(role), "error").Inc()
		r.log.Warn().Err(err).Str("role", string(role)).Str("port", ob.port.ID()).Msg("delivery failed")
		if errors.Is(err, ErrPortBackedUp) {
			r.drop(ob)
		}
		return err
	}
	return nil
}

// Attached lists roles with an open port.
func (r *Registry) Attached() []protocol.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Role, 0, len(r.ports))
	for _, role := range protocol.Roles {
		if _, ok := r.ports[role]; ok {
			out = append(out, role)
		}
	}
	return out
}

// CloseAll closes and forgets every port.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ports := r.ports
	r.ports = make(map[protocol.Role]*outbox)
	r.mu.Unlock()

	for role, ob := range ports {
		metrics.PortsAttached.WithLabelValues(string(role)).Set(0)
		ob.shutdown()
	}
}

// drop removes a failed port if it is still current and closes it.
func (r *Registry) drop(ob *outbox) {
	r.mu.Lock()
	if r.ports[ob.role] == ob {
		delete(r.ports, ob.role)
		metrics.PortsAttached.WithLabelValues(string(ob.role)).Set(0)
	}
	r.mu.Unlock()
	ob.stop()
}

// outbox owns every write to one port.
type outbox struct {
	role  protocol.Role
	port  Port
	queue chan *Message
	done  chan struct{}
	once  sync.Once
}

func (r *Registry) newOutbox(role protocol.Role, p Port) *outbox {
	ob := &outbox{
		role:  role,
		port:  p,
		queue: make(chan *Message, outboxSize),
		done:  make(chan struct{}),
	}
	go r.drain(ob)
	return ob
}

func (r *Registry) drain(ob *outbox) {
	for {
		select {
		case <-ob.done:
			return
		case msg := <-ob.queue:
			if err := ob.send(msg); err != nil {
				metrics.Deliveries.WithLabelValues(string(ob.role), "error").Inc()
				r.log.Warn().Err(err).Str("role", string(ob.role)).Str("port", ob.port.ID()).Msg("delivery failed, closing port")
				r.drop(ob)
				return
			}
			metrics.Deliveries.WithLabelValues(string(ob.role), "ok").Inc()
		}
	}
}

func (ob *outbox) send(msg *Message) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("port panicked: %v", v)
		}
	}()
	return ob.port.Send(context.Background(), msg)
}

func (ob *outbox) push(msg *Message) error {
	select {
	case <-ob.done:
		return ErrPortClosed
	default:
	}
	select {
	case ob.queue <- msg:
		return nil
	default:
		return ErrPortBackedUp
	}
}

// stop ends the writer and closes the port without waiting for either.
func (ob *outbox) stop() {
	ob.once.Do(func() {
		close(ob.done)
		go func() { _ = ob.port.Close() }()
	})
}

// shutdown ends the writer and closes the port before returning.
func (ob *outbox) shutdown() {
	ob.once.Do(func() {
		close(ob.done)
		_ = ob.port.Close()
	})
}
