// Package surface is the client side of a role port: terminal surfaces and
// one-shot commands use it to talk to a running kbridge.
package surface

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/eachlabs/kbridge/internal/channel"
	"github.com/eachlabs/kbridge/internal/protocol"
)

// ErrClosed is returned by Receive once the port is gone.
var ErrClosed = errors.New("port closed")

// Client is one open role port.
type Client struct {
	role protocol.Role
	conn *websocket.Conn

	writeMu sync.Mutex

	// inbox is closed when the read loop ends; readErr is set before.
	inbox   chan *channel.Message
	readErr error

	// done is closed by Close; readDone when the read loop has returned.
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// Dial opens the port for role on the kbridge at base (http://host:port).
func Dial(ctx context.Context, base, token string, role protocol.Role) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/port/" + string(role)

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("open %s port: %w (HTTP %d)", role, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("open %s port: %w", role, err)
	}
	c := &Client{
		role:     role,
		conn:     conn,
		inbox:    make(chan *channel.Message, 64),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Role returns the role this client is bound to.
func (c *Client) Role() protocol.Role {
	return c.role
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Request sends a task request.
func (c *Client) Request(req protocol.Request) error {
	return c.write(req)
}

// Verify asks for a health check. Control only.
func (c *Client) Verify() error {
	return c.write(protocol.SentinelVerify)
}

// SendExtraction asks for the stored extraction to be summarised. Control
// only.
func (c *Client) SendExtraction() error {
	return c.write(protocol.SentinelSendExtraction)
}

// Initialize announces a summary panel.
func (c *Client) Initialize() error {
	return c.write(protocol.InitializeMarker)
}

// Abort asks the host to stop generating.
func (c *Client) Abort() error {
	return c.write(protocol.AbortRequest())
}

// Receive blocks for the next message from the coordinator.
func (c *Client) Receive(ctx context.Context) (*channel.Message, error) {
	select {
	case msg, ok := <-c.inbox:
		if !ok {
			return nil, c.readErr
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.inbox)
	for {
		var msg channel.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.readErr = err
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.readErr = ErrClosed
			}
			return
		}
		select {
		case c.inbox <- &msg:
		case <-c.done:
			c.readErr = ErrClosed
			return
		}
	}
}

// Close closes the port and waits for the read loop to finish. Unread
// messages are discarded.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.readDone
	return err
}
