package surface

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/eachlabs/kbridge/internal/channel"
	"github.com/eachlabs/kbridge/internal/health"
	"github.com/eachlabs/kbridge/internal/router"
)

// ErrTaskFailed is returned when the coordinator reports a failure status.
var ErrTaskFailed = errors.New("task failed")

// Task sends one request and prints what comes back, then returns.
type Task struct {
	Out io.Writer
	Err io.Writer
	// Quiet suppresses connectivity statuses.
	Quiet bool
}

// Run calls send, then prints messages from every client until the reply
// stream ends, a failure status arrives, or ctx is done.
func (t Task) Run(ctx context.Context, send func() error, clients ...*Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	merged := make(chan *channel.Message, 16)
	errc := make(chan error, len(clients))
	for _, c := range clients {
		c := c
		go func() {
			for {
				m, err := c.Receive(ctx)
				if err != nil {
					if ctx.Err() == nil {
						errc <- err
					}
					return
				}
				select {
				case merged <- m:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if err := send(); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return fmt.Errorf("port closed before the reply ended: %w", err)
		case m := <-merged:
			done, err := t.render(m)
			if done || err != nil {
				return err
			}
		}
	}
}

// render prints m and reports whether the task is over.
func (t Task) render(m *channel.Message) (bool, error) {
	switch m.Kind {
	case channel.KindChunk:
		fmt.Fprint(t.Out, m.Content)
		return false, nil

	case channel.KindResponse:
		if m.IsDone {
			fmt.Fprintln(t.Out)
			return true, nil
		}
		fmt.Fprintln(t.Out, m.Content)
		return false, nil
	}

	switch m.Status {
	case health.PingSuccess:
		fmt.Fprintln(t.Out, "host is alive")
		return true, nil
	case health.PingFailed, router.StatusSendFailed, router.StatusConnectionFailed, router.StatusNoExtraction:
		return true, fmt.Errorf("%w: %s", ErrTaskFailed, m.Status)
	}
	if !t.Quiet {
		fmt.Fprintf(t.Err, "[%s]\n", m.Status)
	}
	return false, nil
}
