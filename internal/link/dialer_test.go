package link

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/kbridge/internal/protocol"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestProcessDialerRoundTrip(t *testing.T) {
	requireTool(t, "cat")
	d := &ProcessDialer{Command: "cat", Framing: protocol.FramingLines, Logger: zerolog.Nop()}

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteFrame([]byte(`{"ping":"pong"}`)))
	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"ping":"pong"}`, string(frame))
}

func TestProcessDialerWithoutCommand(t *testing.T) {
	_, err := (&ProcessDialer{}).Dial(context.Background())
	assert.Error(t, err)
}

func TestProcessCloseReturnsWhileHostLingers(t *testing.T) {
	requireTool(t, "sh")
	// The host drops its stdout but keeps running.
	d := &ProcessDialer{Command: "sh", Args: []string{"-c", "exec 1>&-; sleep 3"}, Logger: zerolog.Nop()}

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)

	_, err = conn.ReadFrame()
	require.Error(t, err)

	begin := time.Now()
	assert.NoError(t, conn.Close())
	assert.Less(t, time.Since(begin), 200*time.Millisecond)
	assert.NoError(t, conn.Close())
}
