package pipeline

import (
	"context"
	"strings"
)

// TextCollector buffers every token of a reply regardless of reply markers.
// At the end of the stream the buffer is handed to OnDone and cleared.
type TextCollector struct {
	// OnNewToken, if set, sees each raw token as it arrives, e.g. to forward
	// it to a text client.
	OnNewToken func(ctx context.Context, token string) error

	// OnDone, if set, receives the joined reply once generation ends.
	OnDone func(ctx context.Context, text string) error

	buf  strings.Builder
	last string
}

var _ Callback = (*TextCollector)(nil)

// OnToken appends token to the buffer.
func (c *TextCollector) OnToken(ctx context.Context, token string) error {
	c.buf.WriteString(token)
	if c.OnNewToken != nil {
		return c.OnNewToken(ctx, token)
	}
	return nil
}

// OnEnd flushes the buffered reply.
func (c *TextCollector) OnEnd(ctx context.Context) error {
	c.last = c.buf.String()
	c.buf.Reset()
	if c.OnDone != nil {
		return c.OnDone(ctx, c.last)
	}
	return nil
}

// Pending returns the text buffered since the last flush.
func (c *TextCollector) Pending() string {
	return c.buf.String()
}

// Text returns the reply flushed by the most recent OnEnd.
func (c *TextCollector) Text() string {
	return c.last
}
