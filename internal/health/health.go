// Package health probes the inference host for liveness.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eachlabs/kbridge/internal/link"
	"github.com/eachlabs/kbridge/internal/metrics"
	"github.com/eachlabs/kbridge/internal/protocol"
)

// Status strings delivered to the control surface.
const (
	PingSuccess = "ping_success"
	PingFailed  = "ping_failed"
)

// Result is the immediate outcome of Ping.
type Result int

const (
	// Pending means the probe was sent; liveness arrives as a reply.
	Pending Result = iota
	// Failed means the probe could not be sent at all.
	Failed
)

// Sender is the part of the link the monitor needs.
type Sender interface {
	State() link.State
	Send(frame []byte) error
}

// Report is the last known probe outcome.
type Report struct {
	LastProbe  time.Time `json:"last_probe,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	LastReply  time.Time `json:"last_reply,omitempty"`
}

// Monitor is the HealthMonitor.
type Monitor struct {
	link Sender
	log  zerolog.Logger

	mu     sync.RWMutex
	report Report
}

// NewMonitor creates a monitor probing over l.
func NewMonitor(l Sender, log zerolog.Logger) *Monitor {
	return &Monitor{link: l, log: log}
}

// Ping sends a liveness probe. It fails immediately, without sending, when
// the link is not connected or the write itself fails.
func (m *Monitor) Ping() Result {
	now := time.Now()
	if m.link.State() != link.Connected {
		m.log.Debug().Msg("ping skipped, link not connected")
		m.record(now, PingFailed)
		return Failed
	}

	frame, err := protocol.Wrap(protocol.PingProbe())
	if err != nil {
		m.record(now, PingFailed)
		return Failed
	}
	if err := m.link.Send(frame); err != nil {
		m.log.Warn().Err(err).Msg("ping send failed")
		m.record(now, PingFailed)
		return Failed
	}

	m.record(now, "pending")
	metrics.Pings.WithLabelValues("sent").Inc()
	return Pending
}

// StatusFor maps a host reply to a ping status. ok is false for replies
// that are not probe answers.
func StatusFor(in protocol.Inbound) (status string, ok bool) {
	switch in.Kind {
	case protocol.InboundPong:
		return PingSuccess, true
	case protocol.InboundRelaunch:
		return PingFailed, true
	}
	return "", false
}

// Observe records a probe answer.
func (m *Monitor) Observe(in protocol.Inbound) {
	status, ok := StatusFor(in)
	if !ok {
		return
	}
	metrics.Pings.WithLabelValues(status).Inc()

	m.mu.Lock()
	m.report.LastReply = time.Now()
	m.report.LastResult = status
	m.mu.Unlock()
}

// Report returns the last probe outcome.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.report
}

func (m *Monitor) record(at time.Time, result string) {
	if result == PingFailed {
		metrics.Pings.WithLabelValues("unsent").Inc()
	}
	m.mu.Lock()
	m.report.LastProbe = at
	m.report.LastResult = result
	m.mu.Unlock()
}
