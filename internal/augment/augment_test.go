package augment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	embmock "github.com/MrWong99/realchar/pkg/provider/embeddings/mock"
)

// ─── search ──────────────────────────────────────────────────────────────────

func TestSearch_Disabled(t *testing.T) {
	t.Parallel()
	_, err := NewSearch(SearchConfig{}).Augment(context.Background(), Request{Query: "q"})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestSearch_Formats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{"answer box", `{"answerBox":{"answer":"42"}}`, "42"},
		{"highlighted", `{"answerBox":{"snippetHighlighted":["a","b"]}}`, "a b"},
		{"organic", `{"knowledgeGraph":{"description":"kg"},"organic":[{"snippet":"s1"},{"snippet":"s2"}]}`, "kg s1 s2"},
		{"empty", `{}`, noSearchResult},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var gotKey, gotQuery string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotKey = r.Header.Get("X-API-KEY")
				var in map[string]string
				_ = json.NewDecoder(r.Body).Decode(&in)
				gotQuery = in["q"]
				fmt.Fprint(w, tt.body)
			}))
			t.Cleanup(srv.Close)

			s := NewSearch(SearchConfig{APIKey: "k", Endpoint: srv.URL, HTTPClient: srv.Client()})
			got, err := s.Augment(context.Background(), Request{Query: "meaning of life"})
			if err != nil {
				t.Fatalf("Augment: %v", err)
			}
			want := "\n---\nInternet search result:\n---\nQuestion: meaning of life\nSearch Result: " + tt.want
			if got != want {
				t.Errorf("got %q\nwant %q", got, want)
			}
			if gotKey != "k" || gotQuery != "meaning of life" {
				t.Errorf("request key=%q q=%q", gotKey, gotQuery)
			}
		})
	}
}

func TestSearch_HTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	s := NewSearch(SearchConfig{APIKey: "k", Endpoint: srv.URL})
	_, err := s.Augment(context.Background(), Request{Query: "q"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v, want status 429", err)
	}
}

func TestSearch_RateLimitHonoursContext(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	s := NewSearch(SearchConfig{APIKey: "k", Endpoint: srv.URL, RatePerSecond: 0.01})
	if _, err := s.Augment(context.Background(), Request{Query: "q"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Augment(ctx, Request{Query: "q"}); err == nil {
		t.Error("expected rate limiter to refuse a second query within the deadline")
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}

// ─── knowledge base ──────────────────────────────────────────────────────────

func TestKnowledgeBase(t *testing.T) {
	t.Parallel()
	var gotPath, gotAuth, gotQuestion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		gotQuestion = in["question"]
		fmt.Fprint(w, `{"context":"notes about rockets"}`)
	}))
	t.Cleanup(srv.Close)

	kb := NewKnowledgeBase(srv.URL+"/", nil)
	got, err := kb.Augment(context.Background(), Request{
		Query:         "rockets?",
		KnowledgeBase: KnowledgeBaseCredentials{APIKey: "secret", BrainID: "b-1"},
	})
	if err != nil {
		t.Fatalf("Augment: %v", err)
	}
	if gotPath != "/brains/b-1/question_context" || gotAuth != "Bearer secret" || gotQuestion != "rockets?" {
		t.Errorf("request path=%q auth=%q question=%q", gotPath, gotAuth, gotQuestion)
	}
	want := "\n---\nSecond brain result:\n---\nQuestion: rockets?\nQuery Result: notes about rockets"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestKnowledgeBase_Errors(t *testing.T) {
	t.Parallel()
	if _, err := NewKnowledgeBase("", nil).Augment(context.Background(), Request{Query: "q"}); !errors.Is(err, ErrDisabled) {
		t.Errorf("no credentials: err = %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"detail":"no context"}`)
	}))
	t.Cleanup(srv.Close)
	_, err := NewKnowledgeBase(srv.URL, nil).Augment(context.Background(), Request{
		Query:         "q",
		KnowledgeBase: KnowledgeBaseCredentials{APIKey: "k", BrainID: "b"},
	})
	if err == nil {
		t.Error("missing context field: expected error")
	}
}

// ─── memory ──────────────────────────────────────────────────────────────────

type mockRows struct {
	data []string
	idx  int
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return nil }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if len(dest) != 1 {
		return fmt.Errorf("scan: %d destinations", len(dest))
	}
	*dest[0].(*string) = r.data[r.idx-1]
	return nil
}

type mockDB struct {
	execArgs  []any
	execSQL   string
	queryArgs []any
	rows      []string
	queryErr  error
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execSQL, m.execArgs = sql, args
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	m.queryArgs = args
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return &mockRows{data: m.rows}, nil
}

func TestMemory_Augment(t *testing.T) {
	t.Parallel()
	db := &mockDB{rows: []string{"likes jazz", "lives in Oslo"}}
	m := NewMemory(db, &embmock.Provider{}, 2)

	got, err := m.Augment(context.Background(), Request{Query: "music?", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "likes jazz\nlives in Oslo" {
		t.Errorf("got %q", got)
	}
	if db.queryArgs[1] != "u1" || db.queryArgs[2] != 2 {
		t.Errorf("query args = %v", db.queryArgs)
	}

	db.queryArgs = nil
	if got, err := m.Augment(context.Background(), Request{Query: "q"}); got != "" || err != nil {
		t.Errorf("anonymous: %q, %v", got, err)
	}
	if db.queryArgs != nil {
		t.Error("anonymous request queried the database")
	}
}

func TestMemory_QueryError(t *testing.T) {
	t.Parallel()
	boom := errors.New("conn refused")
	m := NewMemory(&mockDB{queryErr: boom}, &embmock.Provider{}, 0)
	if _, err := m.Augment(context.Background(), Request{Query: "q", UserID: "u"}); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestMemory_SaveAndMigrate(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	m := NewMemory(db, &embmock.Provider{DimensionsValue: 8}, 3)
	if err := m.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(db.execSQL, "vector(8)") {
		t.Errorf("schema = %s", db.execSQL)
	}

	rec := &MemoryRecord{UserID: "u1", SourceSessionID: "s1", Content: "prefers tea"}
	if err := m.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" {
		t.Error("ID not generated")
	}
	if len(db.execArgs) != 5 || db.execArgs[1] != "u1" || db.execArgs[3] != "prefers tea" {
		t.Errorf("exec args = %v", db.execArgs)
	}
	if err := m.Save(context.Background(), &MemoryRecord{Content: "x"}); err == nil {
		t.Error("expected error for missing user id")
	}
}

// ─── action ──────────────────────────────────────────────────────────────────

type browseInput struct {
	Input string `json:"input"`
}

// inMemoryConnector serves a browse tool backed by handler over in-memory
// transports and counts connection attempts.
func inMemoryConnector(t *testing.T, handler func(ctx context.Context, in browseInput) error, connects *atomic.Int32) Connector {
	t.Helper()
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "browser", Version: "0.0.1"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "browse", Description: "drive a browser"},
		func(ctx context.Context, _ *mcpsdk.CallToolRequest, in browseInput) (*mcpsdk.CallToolResult, any, error) {
			if err := handler(ctx, in); err != nil {
				return nil, nil, err
			}
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "done"}}}, nil, nil
		})
	return func(ctx context.Context, client *mcpsdk.Client) (*mcpsdk.ClientSession, error) {
		connects.Add(1)
		clientT, serverT := mcpsdk.NewInMemoryTransports()
		if _, err := server.Connect(ctx, serverT, nil); err != nil {
			return nil, err
		}
		return client.Connect(ctx, clientT, nil)
	}
}

func TestAction_DelegatesAndReusesSession(t *testing.T) {
	t.Parallel()
	var connects atomic.Int32
	inputs := make(chan string, 2)
	a := NewAction(ActionConfig{
		Tool: "browse",
		Connect: inMemoryConnector(t, func(_ context.Context, in browseInput) error {
			inputs <- in.Input
			return nil
		}, &connects),
	})
	t.Cleanup(func() { _ = a.Close() })

	for _, q := range []string{"multion book a table", "multion order pizza"} {
		got, err := a.Augment(context.Background(), Request{Query: q})
		if err != nil {
			t.Fatalf("Augment(%q): %v", q, err)
		}
		if got != actionHandled {
			t.Errorf("got %q", got)
		}
		if in := <-inputs; in != q {
			t.Errorf("tool input = %q, want %q", in, q)
		}
	}
	if connects.Load() != 1 {
		t.Errorf("connects = %d, want 1", connects.Load())
	}
}

func TestAction_ToolError(t *testing.T) {
	t.Parallel()
	var connects atomic.Int32
	a := NewAction(ActionConfig{
		Tool: "browse",
		Connect: inMemoryConnector(t, func(context.Context, browseInput) error {
			return errors.New("site unreachable")
		}, &connects),
	})
	t.Cleanup(func() { _ = a.Close() })

	_, err := a.Augment(context.Background(), Request{Query: "multion x"})
	if err == nil || !strings.Contains(err.Error(), "site unreachable") {
		t.Errorf("err = %v, want tool failure", err)
	}
}

func TestAction_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var connects atomic.Int32
	a := NewAction(ActionConfig{
		Tool:    "browse",
		Timeout: 50 * time.Millisecond,
		Connect: inMemoryConnector(t, func(ctx context.Context, _ browseInput) error {
			select {
			case <-ctx.Done():
			case <-release:
			}
			return nil
		}, &connects),
	})
	t.Cleanup(func() { _ = a.Close() })

	start := time.Now()
	if _, err := a.Augment(context.Background(), Request{Query: "multion slow"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Augment took %v, want bounded by the timeout", elapsed)
	}
}

func TestAction_Disabled(t *testing.T) {
	t.Parallel()
	_, err := NewAction(ActionConfig{Tool: "browse"}).Augment(context.Background(), Request{Query: "q"})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestAction_ConnectFailureRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	a := NewAction(ActionConfig{
		Tool: "browse",
		Connect: func(context.Context, *mcpsdk.Client) (*mcpsdk.ClientSession, error) {
			calls.Add(1)
			return nil, errors.New("login failed")
		},
	})
	for range 2 {
		if _, err := a.Augment(context.Background(), Request{Query: "q"}); err == nil {
			t.Fatal("expected error")
		}
	}
	if calls.Load() != 2 {
		t.Errorf("connect attempts = %d, want 2", calls.Load())
	}
}
