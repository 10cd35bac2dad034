// Package conversation holds per-session dialogue state and its persistence.
package conversation

import (
	"context"
	"fmt"

	"github.com/MrWong99/realchar/pkg/provider/llm"
)

// Exchange is one user message and the character's reply.
type Exchange struct {
	User      string
	Assistant string
}

// History is the dialogue of one session. It is owned by a single turn at a
// time and is not safe for concurrent use.
type History struct {
	SystemPrompt string

	// Summary condenses exchanges dropped by [Compact]. Empty until the
	// history is first compacted.
	Summary string

	Exchanges []Exchange
}

// New returns an empty History with the given system prompt.
func New(systemPrompt string) *History {
	return &History{SystemPrompt: systemPrompt}
}

// Messages renders the history as chat messages: the system prompt first,
// then the summary of compacted exchanges if any, then each remaining
// exchange as a user and an assistant message.
func (h *History) Messages() []llm.Message {
	msgs := make([]llm.Message, 0, 2+2*len(h.Exchanges))
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: h.SystemPrompt})
	if h.Summary != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: summaryPrefix + h.Summary})
	}
	for _, e := range h.Exchanges {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: e.User},
			llm.Message{Role: llm.RoleAssistant, Content: e.Assistant},
		)
	}
	return msgs
}

// Append records a completed exchange.
func (h *History) Append(user, assistant string) {
	h.Exchanges = append(h.Exchanges, Exchange{User: user, Assistant: assistant})
}

// Len returns the number of exchanges.
func (h *History) Len() int {
	return len(h.Exchanges)
}

// Load builds a History for sessionID from the stored interactions, oldest
// first.
func Load(ctx context.Context, store InteractionStore, systemPrompt, sessionID string) (*History, error) {
	h := New(systemPrompt)
	if sessionID == "" {
		return h, nil
	}
	past, err := store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conversation: load session %q: %w", sessionID, err)
	}
	for _, in := range past {
		h.Append(in.ClientMessage, in.ServerMessage)
	}
	return h, nil
}
