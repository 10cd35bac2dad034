package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/realchar/internal/pipeline"
	"github.com/MrWong99/realchar/pkg/provider/llm"
	llmmock "github.com/MrWong99/realchar/pkg/provider/llm/mock"
)

func testRequest() llm.CompletionRequest {
	return llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
}

// recorder logs every callback invocation as "<name>:<token>" or "<name>:end".
type recorder struct {
	name   string
	events *[]string
	err    error
}

func (r *recorder) OnToken(_ context.Context, token string) error {
	*r.events = append(*r.events, r.name+":"+token)
	return r.err
}

func (r *recorder) OnEnd(context.Context) error {
	*r.events = append(*r.events, r.name+":end")
	return nil
}

func TestGenerate_FansOutInOrder(t *testing.T) {
	t.Parallel()
	var events []string
	p := &llmmock.Provider{StreamChunks: llmmock.Tokens("a", "", "b")}

	got, err := pipeline.Generate(context.Background(), p, testRequest(),
		&recorder{name: "x", events: &events},
		&recorder{name: "y", events: &events},
	)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "ab" {
		t.Errorf("reply = %q, want %q", got, "ab")
	}
	want := "x:a y:a x:b y:b x:end y:end"
	if strings.Join(events, " ") != want {
		t.Errorf("events = %q, want %q", strings.Join(events, " "), want)
	}
	if calls := p.Calls(); len(calls) != 1 || calls[0].Req.Messages[0].Content != "hi" {
		t.Errorf("stream calls = %+v", calls)
	}
}

func TestGenerate_FinalChunkText(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi"}, {Text: " there", FinishReason: "stop"}}}
	got, err := pipeline.Generate(context.Background(), p, testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hi there" {
		t.Errorf("reply = %q", got)
	}
}

func TestGenerate_StreamStartError(t *testing.T) {
	t.Parallel()
	boom := errors.New("401 unauthorized")
	p := &llmmock.Provider{StreamErr: boom}
	if _, err := pipeline.Generate(context.Background(), p, testRequest()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestGenerate_MidStreamErrorSkipsEnd(t *testing.T) {
	t.Parallel()
	var events []string
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "partial"},
		{Text: "connection reset", FinishReason: llm.FinishReasonError},
	}}
	_, err := pipeline.Generate(context.Background(), p, testRequest(), &recorder{name: "x", events: &events})
	if !errors.Is(err, pipeline.ErrStream) {
		t.Fatalf("err = %v, want ErrStream", err)
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("err = %v, want provider message", err)
	}
	for _, e := range events {
		if e == "x:end" {
			t.Error("OnEnd called after stream error")
		}
	}
}

func TestGenerate_CallbackErrorAborts(t *testing.T) {
	t.Parallel()
	boom := errors.New("client gone")
	var events []string
	p := &llmmock.Provider{StreamChunks: llmmock.Tokens("a", "b")}
	_, err := pipeline.Generate(context.Background(), p, testRequest(),
		&recorder{name: "x", events: &events, err: boom},
		&recorder{name: "y", events: &events},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if strings.Join(events, " ") != "x:a" {
		t.Errorf("events = %q, want only x:a", events)
	}
}

func TestGenerate_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &llmmock.Provider{StreamChunks: llmmock.Tokens("a")}
	if _, err := pipeline.Generate(ctx, p, testRequest()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestTextCollector(t *testing.T) {
	t.Parallel()
	var (
		streamed []string
		done     string
	)
	c := &pipeline.TextCollector{
		OnNewToken: func(_ context.Context, tok string) error {
			streamed = append(streamed, tok)
			return nil
		},
		OnDone: func(_ context.Context, text string) error {
			done = text
			return nil
		},
	}
	p := &llmmock.Provider{StreamChunks: llmmock.Tokens("thinking", ">", "Hello", ".")}
	if _, err := pipeline.Generate(context.Background(), p, testRequest(), c); err != nil {
		t.Fatal(err)
	}

	if done != "thinking>Hello." {
		t.Errorf("OnDone text = %q", done)
	}
	if c.Text() != done {
		t.Errorf("Text = %q, want %q", c.Text(), done)
	}
	if c.Pending() != "" {
		t.Errorf("Pending = %q, want empty after end", c.Pending())
	}
	if len(streamed) != 4 {
		t.Errorf("OnNewToken saw %d tokens, want 4", len(streamed))
	}
}

func TestTextCollector_HookErrorPropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New("write failed")
	c := &pipeline.TextCollector{OnNewToken: func(context.Context, string) error { return boom }}
	if err := c.OnToken(context.Background(), "x"); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if c.Pending() != "x" {
		t.Errorf("Pending = %q, want token buffered before hook", c.Pending())
	}
}
