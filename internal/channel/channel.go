// Package channel holds the ports that connect UI surfaces to the coordinator.
package channel

import (
	"context"
	"time"
)

// Port is one open surface connection bound to a role.
type Port interface {
	// ID uniquely identifies this connection.
	ID() string

	// Send delivers a message to the surface.
	Send(ctx context.Context, msg *Message) error

	// Close shuts the connection down.
	Close() error
}

// Message kinds.
const (
	KindStatus   = "status"
	KindResponse = "response"
	KindChunk    = "chunk"
)

// Message is what a surface receives.
type Message struct {
	Kind      string    `json:"kind"`
	Status    string    `json:"status,omitempty"`
	Content   string    `json:"text,omitempty"`
	Timestamp time.Time `json:"ts"`

	// For streaming assistant responses
	IsPartial bool `json:"partial,omitempty"`
	IsDone    bool `json:"done,omitempty"`
}

// StatusMessage reports coordinator or link status.
func StatusMessage(status string) *Message {
	return &Message{Kind: KindStatus, Status: status, Timestamp: time.Now()}
}

// ResponseMessage carries a full reply; done marks the end-of-stream sentinel.
func ResponseMessage(text string, done bool) *Message {
	return &Message{Kind: KindResponse, Content: text, IsDone: done, Timestamp: time.Now()}
}

// ChunkMessage carries a streamed fragment.
func ChunkMessage(text string) *Message {
	return &Message{Kind: KindChunk, Content: text, IsPartial: true, Timestamp: time.Now()}
}
