package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/realchar/pkg/provider/tts"
	"github.com/MrWong99/realchar/pkg/provider/tts/mock"
)

type speechRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
	Voice string `json:"voice"`
}

func newSpeechServer(t *testing.T, audio []byte) (*httptest.Server, func() []speechRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []speechRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}
		var req speechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []speechRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]speechRequest(nil), reqs...)
	}
}

func TestStream_FirstSegmentUsesFastModel(t *testing.T) {
	t.Parallel()
	audio := bytes.Repeat([]byte{0xAB}, chunkSize+10)
	srv, requests := newSpeechServer(t, audio)
	p, err := New("sk-test", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr := &mock.Transport{}

	if err := p.Stream(context.Background(), tts.Segment{Text: "Hello", Transport: tr, VoiceID: "nova", First: true}); err != nil {
		t.Fatalf("Stream first: %v", err)
	}
	if err := p.Stream(context.Background(), tts.Segment{Text: "Bye", Transport: tr, VoiceID: "nova"}); err != nil {
		t.Fatalf("Stream second: %v", err)
	}

	reqs := requests()
	if len(reqs) != 2 {
		t.Fatalf("requests: got %d, want 2", len(reqs))
	}
	if reqs[0].Model != FastModel || reqs[1].Model != DefaultModel {
		t.Errorf("models: got %q then %q", reqs[0].Model, reqs[1].Model)
	}
	if reqs[0].Voice != "nova" || reqs[0].Input != "Hello" {
		t.Errorf("first request: %+v", reqs[0])
	}

	// Two segments, each split into a full chunk and a 10-byte tail.
	got := tr.Received()
	if len(got) != 4 {
		t.Fatalf("chunks: got %d, want 4", len(got))
	}
	if len(got[0]) != chunkSize || len(got[1]) != 10 {
		t.Errorf("chunk sizes: %d, %d", len(got[0]), len(got[1]))
	}
}

func TestStream_InterruptedBeforeStart(t *testing.T) {
	t.Parallel()
	srv, requests := newSpeechServer(t, []byte("x"))
	p, _ := New("sk-test", "", WithBaseURL(srv.URL))
	in := tts.NewInterrupt()
	in.Fire()

	if err := p.Stream(context.Background(), tts.Segment{Text: "x", Transport: &mock.Transport{}, Interrupt: in}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if n := len(requests()); n != 0 {
		t.Errorf("expected no request, got %d", n)
	}
}

func TestStream_TransportErrorPropagates(t *testing.T) {
	t.Parallel()
	srv, _ := newSpeechServer(t, []byte("audio"))
	p, _ := New("sk-test", "", WithBaseURL(srv.URL))
	boom := &mock.Transport{Err: context.DeadlineExceeded}

	err := p.Stream(context.Background(), tts.Segment{Text: "x", Transport: boom})
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v, want transport error", err)
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	srv, requests := newSpeechServer(t, []byte("mp3"))
	p, _ := New("sk-test", "gpt-4o-mini-tts", WithBaseURL(srv.URL))

	audio, err := p.Generate(context.Background(), "Good morning", "", "en-US")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(audio) != "mp3" {
		t.Errorf("audio: got %q", audio)
	}
	reqs := requests()
	if reqs[0].Voice != defaultVoice || reqs[0].Model != "gpt-4o-mini-tts" {
		t.Errorf("request: %+v", reqs[0])
	}
}

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}
