// Package ws adapts a WebSocket connection to the audio and text sinks used
// by the response pipeline. Audio goes out as binary frames and text as text
// frames, matching what browser clients expect.
package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/realchar/pkg/provider/tts"
)

// Conn wraps a websocket connection. Writes are serialised so the token
// stream and the audio stream of one reply can share a connection.
type Conn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// New wraps conn.
func New(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// SendAudio implements tts.Transport.
func (c *Conn) SendAudio(ctx context.Context, audio []byte) error {
	return c.write(ctx, websocket.MessageBinary, audio)
}

// SendText writes a text frame.
func (c *Conn) SendText(ctx context.Context, text string) error {
	return c.write(ctx, websocket.MessageText, []byte(text))
}

// Close performs a normal closing handshake.
func (c *Conn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *Conn) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

var _ tts.Transport = (*Conn)(nil)
