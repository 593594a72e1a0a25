package link

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory host connection.
type fakeConn struct {
	frames  chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
	failOn  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn != nil {
		return c.failOn
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the host going away.
func (c *fakeConn) drop() { c.Close() }

// fakeDialer hands out scripted results.
type fakeDialer struct {
	mu      sync.Mutex
	calls   atomic.Int32
	results []error
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	n := int(d.calls.Add(1)) - 1
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < len(d.results) && d.results[n] != nil {
		return nil, d.results[n]
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type harness struct {
	t      *testing.T
	link   *Link
	dialer *fakeDialer
	events chan Event
}

func newHarness(t *testing.T, results ...error) *harness {
	h := &harness{t: t, dialer: &fakeDialer{results: results}, events: make(chan Event, 64)}
	h.link = New(Config{
		Dialer:     h.dialer,
		RetryDelay: time.Millisecond,
		MaxRetries: 3,
		Post:       func(ev Event) { h.events <- ev },
		Logger:     zerolog.Nop(),
	})
	return h
}

// next pumps one event through the link.
func (h *harness) next() ([]byte, []Notice) {
	h.t.Helper()
	select {
	case ev := <-h.events:
		return h.link.Handle(context.Background(), ev)
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for link event")
		return nil, nil
	}
}

func kinds(ns []Notice) []NoticeKind {
	out := make([]NoticeKind, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Kind)
	}
	return out
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.link.Connect(ctx)
	assert.Equal(t, []NoticeKind{NoticeConnecting}, kinds(first))
	assert.Nil(t, h.link.Connect(ctx), "second connect while connecting")

	_, notices := h.next()
	assert.Equal(t, []NoticeKind{NoticeConnected}, kinds(notices))
	assert.Equal(t, Connected, h.link.State())

	assert.Nil(t, h.link.Connect(ctx), "connect while connected")
	assert.Equal(t, int32(1), h.dialer.calls.Load())
}

func TestSendRequiresConnection(t *testing.T) {
	h := newHarness(t)
	err := h.link.Send([]byte(`{}`))
	assert.True(t, errors.Is(err, ErrLinkUnavailable))
	assert.Equal(t, int32(0), h.dialer.calls.Load())
}

func TestSendAndReceive(t *testing.T) {
	h := newHarness(t)
	h.link.Connect(context.Background())
	h.next()

	require.NoError(t, h.link.Send([]byte(`{"data":{}}`)))
	conn := h.dialer.last()
	assert.Equal(t, [][]byte{[]byte(`{"data":{}}`)}, conn.written)

	conn.frames <- []byte(`{"ping":"pong"}`)
	frame, notices := h.next()
	assert.Empty(t, notices)
	assert.Equal(t, `{"ping":"pong"}`, string(frame))
}

func TestSendFailureTearsDown(t *testing.T) {
	h := newHarness(t)
	h.link.Connect(context.Background())
	h.next()

	h.dialer.last().failOn = errors.New("broken pipe")
	err := h.link.Send([]byte(`{}`))
	assert.True(t, errors.Is(err, ErrSendFailure))
	assert.Equal(t, Disconnected, h.link.State())

	// The reader notices the close but the connection is already stale.
	_, notices := h.next()
	assert.Empty(t, notices)
	assert.Equal(t, Disconnected, h.link.State())
}

func TestExplicitConnectFailure(t *testing.T) {
	h := newHarness(t, errors.New("no such file"))
	h.link.Connect(context.Background())

	_, notices := h.next()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeFailed, notices[0].Kind)
	assert.Equal(t, Failed, h.link.State())

	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event after explicit failure: %#v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReconnectExhaustion(t *testing.T) {
	dialErr := errors.New("refused")
	// First dial succeeds, the three automatic retries fail.
	h := newHarness(t, nil, dialErr, dialErr, dialErr)
	h.link.Connect(context.Background())
	h.next()

	h.dialer.last().drop()

	_, notices := h.next() // Closed
	assert.Equal(t, []NoticeKind{NoticeReconnecting}, kinds(notices))

	for attempt := 1; attempt <= 3; attempt++ {
		_, notices = h.next() // RetryDue
		assert.Equal(t, []NoticeKind{NoticeConnecting}, kinds(notices), "attempt %d", attempt)
		_, notices = h.next() // Dialed with error
		require.Len(t, notices, 1)
		if attempt < 3 {
			assert.Equal(t, NoticeReconnecting, notices[0].Kind)
		} else {
			assert.Equal(t, NoticeFailed, notices[0].Kind)
			assert.True(t, errors.Is(notices[0].Err, ErrReconnectExhausted))
		}
	}

	assert.Equal(t, Failed, h.link.State())
	assert.Equal(t, int32(4), h.dialer.calls.Load())

	select {
	case ev := <-h.events:
		t.Fatalf("unexpected automatic activity: %#v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	// An explicit connect still works and restores the retry budget.
	h.link.Connect(context.Background())
	_, notices = h.next()
	assert.Equal(t, []NoticeKind{NoticeConnected}, kinds(notices))
	assert.Equal(t, 0, h.link.Attempts())
}

func TestSuccessfulReconnectResetsCounter(t *testing.T) {
	dialErr := errors.New("refused")
	h := newHarness(t, nil, dialErr, nil)
	h.link.Connect(context.Background())
	h.next()

	h.dialer.last().drop()
	h.next() // Closed -> reconnecting
	h.next() // RetryDue
	h.next() // dial fails -> reconnecting
	assert.Equal(t, 2, h.link.Attempts())
	h.next() // RetryDue
	_, notices := h.next()
	assert.Equal(t, []NoticeKind{NoticeConnected}, kinds(notices))
	assert.Equal(t, 0, h.link.Attempts())
	assert.Equal(t, Connected, h.link.State())
}

func TestCloseIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.link.Connect(context.Background())
	h.next()

	h.link.Close()
	assert.Equal(t, Disconnected, h.link.State())

	_, notices := h.next() // stale Closed from the reader
	assert.Empty(t, notices)
	assert.Equal(t, Disconnected, h.link.State())
}

func TestStaleGenerationIgnored(t *testing.T) {
	h := newHarness(t)
	h.link.Connect(context.Background())
	h.next()

	old := h.link.gen - 1
	frame, notices := h.link.Handle(context.Background(), Received{gen: old, Frame: []byte(`{"ping":"pong"}`)})
	assert.Nil(t, frame)
	assert.Empty(t, notices)

	_, notices = h.link.Handle(context.Background(), Closed{gen: old, err: io.EOF})
	assert.Empty(t, notices)
	assert.Equal(t, Connected, h.link.State())
}
