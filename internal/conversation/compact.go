package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/realchar/pkg/provider/llm"
)

// charsPerToken approximates English text across common tokenizers.
const charsPerToken = 4

const summaryPrefix = "Summary of the earlier conversation: "

const summarisePrompt = "Summarise the following conversation between a user and a character. " +
	"Keep facts the user revealed, questions still open, promises made and the emotional tone. " +
	"Be concise. Reply with the summary only."

// Summariser condenses a run of exchanges into a short text. previous is the
// summary of everything before them, which the result must still cover.
type Summariser interface {
	Summarise(ctx context.Context, previous string, exchanges []Exchange) (string, error)
}

// LLMSummariser summarises with a completion call.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser returns a Summariser backed by p.
func NewLLMSummariser(p llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: p}
}

func (s *LLMSummariser) Summarise(ctx context.Context, previous string, exchanges []Exchange) (string, error) {
	var sb strings.Builder
	if previous != "" {
		fmt.Fprintf(&sb, "Earlier summary: %s\n\n", previous)
	}
	for _, e := range exchanges {
		fmt.Fprintf(&sb, "User: %s\nCharacter: %s\n", e.User, e.Assistant)
	}
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisePrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature:  0.3,
	})
	if err != nil {
		return "", fmt.Errorf("conversation: summarise: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// EstimateTokens returns a rough token count of everything h renders.
func (h *History) EstimateTokens() int {
	chars := len(h.SystemPrompt) + len(h.Summary)
	for _, e := range h.Exchanges {
		chars += len(e.User) + len(e.Assistant)
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// Compact keeps h within budget estimated tokens. While it is over budget and
// more than one exchange remains, the oldest half of the exchanges is folded
// into h.Summary. A budget of zero or less disables compaction.
//
// On error h keeps every exchange it had not yet folded.
func Compact(ctx context.Context, h *History, budget int, s Summariser) error {
	if budget <= 0 {
		return nil
	}
	for h.EstimateTokens() > budget && len(h.Exchanges) > 1 {
		half := len(h.Exchanges) / 2
		summary, err := s.Summarise(ctx, h.Summary, h.Exchanges[:half])
		if err != nil {
			return err
		}
		h.Summary = summary
		h.Exchanges = append([]Exchange(nil), h.Exchanges[half:]...)
	}
	return nil
}
