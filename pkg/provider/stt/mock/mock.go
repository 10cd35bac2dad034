// Package mock provides a test double for stt.Transcriber.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/realchar/pkg/provider/stt"
)

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned by every Transcribe call.
	Text string

	// Err, if non-nil, is returned instead of Text.
	Err error

	// Requests records every call in order.
	Requests []stt.Request
}

// Transcribe records req and returns Text, Err.
func (m *Transcriber) Transcribe(_ context.Context, req stt.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return "", m.Err
	}
	return m.Text, nil
}

// Recorded returns a copy of the requests received so far.
func (m *Transcriber) Recorded() []stt.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stt.Request(nil), m.Requests...)
}

var _ stt.Transcriber = (*Transcriber)(nil)
