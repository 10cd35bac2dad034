package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/realchar/pkg/provider/llm"
	llmmock "github.com/MrWong99/realchar/pkg/provider/llm/mock"
)

func TestLLMFallback_StreamCompletion(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("503")}
	secondary := &llmmock.Provider{StreamChunks: llmmock.Tokens(">", "Hi")}
	f := NewLLMFallback("primary", primary, CircuitBreakerConfig{})
	f.AddFallback("secondary", secondary)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{SystemPrompt: "sys"})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != ">Hi" {
		t.Errorf("text = %q, want >Hi", text)
	}
	if len(primary.StreamCalls) != 1 || len(secondary.StreamCalls) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.StreamCalls), len(secondary.StreamCalls))
	}
	if secondary.StreamCalls[0].Req.SystemPrompt != "sys" {
		t.Error("request not forwarded to fallback")
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "primary"}}
	f := NewLLMFallback("primary", primary, CircuitBreakerConfig{})
	f.AddFallback("secondary", &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "secondary"}})

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "primary" {
		t.Fatalf("Complete = %v, %v; want primary", resp, err)
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	boom := errors.New("boom")
	f := NewLLMFallback("a", &llmmock.Provider{CompleteErr: boom}, CircuitBreakerConfig{})
	f.AddFallback("b", &llmmock.Provider{CompleteErr: boom})

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if f.Breaker("a") == nil || f.Breaker("b") == nil {
		t.Error("breakers not registered")
	}
}
