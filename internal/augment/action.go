package augment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ActionTimeout bounds one delegated action.
const ActionTimeout = 30 * time.Second

// actionHandled is handed to the model after the tool finished, so it
// reports the outcome instead of attempting the task itself.
const actionHandled = "This query has been handled by a browser agent successfully. " +
	"The result has been delivered to the user. Do not try to complete this " +
	"request. Instead, inform user about the successful execution."

// Connector opens a session with the action tool server.
type Connector func(ctx context.Context, client *mcpsdk.Client) (*mcpsdk.ClientSession, error)

// ActionConfig configures [Action].
type ActionConfig struct {
	// Tool is the tool invoked with {"input": query}.
	Tool string

	// Connect opens the session. Use [StdioConnector] or [HTTPConnector].
	Connect Connector

	// Timeout overrides [ActionTimeout].
	Timeout time.Duration
}

// Action delegates a browser task to a tool server over the Model Context
// Protocol. The session is opened on first use and reused afterwards; a
// failed connection attempt is retried on the next call.
type Action struct {
	tool    string
	connect Connector
	timeout time.Duration
	client  *mcpsdk.Client

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

var _ Augmenter = (*Action)(nil)

// NewAction returns an action augmenter. A nil Connect disables it.
func NewAction(cfg ActionConfig) *Action {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = ActionTimeout
	}
	return &Action{
		tool:    cfg.Tool,
		connect: cfg.Connect,
		timeout: timeout,
		client:  mcpsdk.NewClient(&mcpsdk.Implementation{Name: "realchar-action", Version: "1.0.0"}, nil),
	}
}

// Name implements [Augmenter].
func (a *Action) Name() string { return "action" }

// Augment implements [Augmenter]. The whole call, including a first
// connection, is bounded by the action timeout.
func (a *Action) Augment(ctx context.Context, req Request) (string, error) {
	if a.connect == nil || a.tool == "" {
		return "", ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	session, err := a.sessionFor(ctx)
	if err != nil {
		return "", err
	}
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      a.tool,
		Arguments: map[string]any{"input": req.Query},
	})
	if err != nil {
		return "", fmt.Errorf("augment: action %q: %w", a.tool, err)
	}
	if res.IsError {
		return "", fmt.Errorf("augment: action %q failed: %s", a.tool, toolText(res))
	}
	return actionHandled, nil
}

func (a *Action) sessionFor(ctx context.Context) (*mcpsdk.ClientSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}
	slog.Info("connecting action tool server", "tool", a.tool)
	s, err := a.connect(ctx, a.client)
	if err != nil {
		return nil, fmt.Errorf("augment: action connect: %w", err)
	}
	a.session = s
	return s, nil
}

// Close ends the tool server session, if any.
func (a *Action) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	err := a.session.Close()
	a.session = nil
	return err
}

func toolText(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// StdioConnector launches command as a subprocess and speaks MCP over its
// standard streams. env is appended to the current environment.
func StdioConnector(command string, env map[string]string) Connector {
	return func(ctx context.Context, client *mcpsdk.Client) (*mcpsdk.ClientSession, error) {
		parts := strings.Fields(command)
		if len(parts) == 0 {
			return nil, errors.New("empty command")
		}
		// The subprocess outlives the call that happened to start it.
		cmd := exec.CommandContext(context.WithoutCancel(ctx), parts[0], parts[1:]...)
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	}
}

// HTTPConnector connects to a streamable-HTTP MCP endpoint. A non-empty
// token is sent as a bearer token.
func HTTPConnector(endpoint, token string) Connector {
	return func(ctx context.Context, client *mcpsdk.Client) (*mcpsdk.ClientSession, error) {
		var base http.RoundTripper = http.DefaultTransport
		if token != "" {
			base = bearerTransport{token: token, base: base}
		}
		hc := newHTTPClient(base)
		hc.Timeout = 0
		return client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: hc}, nil)
	}
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}
