package link

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eachlabs/kbridge/internal/protocol"
)

// exitGrace is how long a closed host may keep running before it is killed.
const exitGrace = 2 * time.Second

// Conn is an open frame stream to the inference host.
type Conn interface {
	protocol.FrameReader
	protocol.FrameWriter
	Close() error
}

// Dialer opens a Conn. Dial may block; the Link always calls it off the
// actor goroutine.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ProcessDialer spawns the host as a child process and talks to it over
// stdin/stdout, the way a browser launches a native messaging host.
type ProcessDialer struct {
	Command  string
	Args     []string
	Dir      string
	Env      []string
	Framing  protocol.Framing
	MaxFrame int
	Logger   zerolog.Logger
}

// Dial starts the host process.
func (d *ProcessDialer) Dial(ctx context.Context) (Conn, error) {
	if d.Command == "" {
		return nil, fmt.Errorf("host command not configured")
	}

	cmd := exec.CommandContext(ctx, d.Command, d.Args...)
	cmd.Dir = d.Dir
	if len(d.Env) > 0 {
		cmd.Env = append(os.Environ(), d.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open host stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open host stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start host %s: %w", d.Command, err)
	}

	log := d.Logger.With().Int("pid", cmd.Process.Pid).Logger()
	log.Info().Str("command", d.Command).Msg("host process started")
	go pipeLog(stderr, log)

	return &processConn{
		cmd:    cmd,
		stdin:  stdin,
		reader: protocol.NewFrameReader(d.Framing, stdout, d.MaxFrame),
		writer: protocol.NewFrameWriter(d.Framing, stdin),
		log:    log,
	}, nil
}

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader protocol.FrameReader
	writer protocol.FrameWriter
	log    zerolog.Logger
	once   sync.Once
}

func (c *processConn) ReadFrame() ([]byte, error) { return c.reader.ReadFrame() }
func (c *processConn) WriteFrame(p []byte) error { return c.writer.WriteFrame(p) }

// Close closes stdin and returns. The host gets a grace period to exit on its
// own before it is killed; reaping happens off the caller's goroutine.
func (c *processConn) Close() error {
	c.once.Do(func() {
		_ = c.stdin.Close()
		go c.reap()
	})
	return nil
}

func (c *processConn) reap() {
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(exitGrace):
		_ = c.cmd.Process.Kill()
		err = <-done
	}
	c.log.Info().Err(err).Msg("host process exited")
}

func pipeLog(r io.Reader, log zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// TCPDialer connects to a host that listens on a socket.
type TCPDialer struct {
	Address  string
	Timeout  time.Duration
	Framing  protocol.Framing
	MaxFrame int
}

// Dial connects to the host address.
func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to host: %w", err)
	}
	return &netConn{
		conn:   conn,
		reader: protocol.NewFrameReader(d.Framing, conn, d.MaxFrame),
		writer: protocol.NewFrameWriter(d.Framing, conn),
	}, nil
}

type netConn struct {
	conn   net.Conn
	reader protocol.FrameReader
	writer protocol.FrameWriter
}

func (c *netConn) ReadFrame() ([]byte, error) { return c.reader.ReadFrame() }
func (c *netConn) WriteFrame(p []byte) error { return c.writer.WriteFrame(p) }
func (c *netConn) Close() error { return c.conn.Close() }
