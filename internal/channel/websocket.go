package channel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eachlabs/kbridge/internal/protocol"
)

const writeTimeout = 5 * time.Second

// WebSocketPort is a Port backed by a surface's WebSocket connection.
type WebSocketPort struct {
	id   string
	role protocol.Role
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

// NewWebSocketPort wraps an upgraded connection.
func NewWebSocketPort(role protocol.Role, conn *websocket.Conn) *WebSocketPort {
	return &WebSocketPort{
		id:   uuid.New().String(),
		role: role,
		conn: conn,
	}
}

func (p *WebSocketPort) ID() string {
	return p.id
}

func (p *WebSocketPort) Role() protocol.Role {
	return p.role
}

func (p *WebSocketPort) Send(ctx context.Context, msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetWriteDeadline(deadline)
	return p.conn.WriteJSON(msg)
}

// Close sends a close frame, unless a write is stuck in progress, and drops
// the connection. Dropping it also ends ReadLoop.
func (p *WebSocketPort) Close() error {
	var err error
	p.once.Do(func() {
		if p.writeMu.TryLock() {
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "port closed"),
				time.Now().Add(time.Second))
			p.writeMu.Unlock()
		}
		err = p.conn.Close()
	})
	return err
}

// ReadLoop hands every text frame to fn until the connection ends.
func (p *WebSocketPort) ReadLoop(fn func(raw []byte)) error {
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		fn(data)
	}
}
