package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

// PythonExecTool runs a Python snippet inside the sandbox via the shell
// executor, piping the script through stdin to avoid shell-escaping it.
type PythonExecTool struct{ sandbox SandboxExecutor }

func NewPythonExecTool(sandbox SandboxExecutor) *PythonExecTool { return &PythonExecTool{sandbox: sandbox} }

func (t *PythonExecTool) Name() string        { return "python_exec" }
func (t *PythonExecTool) Description() string { return "Execute a Python snippet in the sandbox." }
func (t *PythonExecTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"code":            map[string]any{"type": "string", "description": "Python source to execute."},
		"timeout_seconds": map[string]any{"type": "integer", "description": "Timeout in seconds (0 = no timeout)."},
	}, "code")
}

func (t *PythonExecTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	var input struct {
		Code           string `json:"code"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Code) == "" {
		return errorResult("code is required"), nil
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(input.Code))
	script := fmt.Sprintf("printf '%%s' %s | base64 -d | python3 -", shellQuote(encoded))
	res, err := t.sandbox.Execute(ctx, sess, []string{"sh", "-c", script}, "", input.TimeoutSeconds)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	}), nil
}

// BrowserOpenTool fetches a URL's text content for the model to read,
// without driving the full computer-use browser-automation protocol; it is
// the lightweight "open this page and summarize" counterpart to the
// ComputerCall family.
type BrowserOpenTool struct {
	client     *http.Client
	allowedURL func(string) bool
}

// NewBrowserOpenTool creates a browser_open tool. allowedURL, when non-nil,
// gates which URLs may be fetched (normally the computer-use policy's
// IsDomainAllowed check).
func NewBrowserOpenTool(client *http.Client, allowedURL func(string) bool) *BrowserOpenTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &BrowserOpenTool{client: client, allowedURL: allowedURL}
}

func (t *BrowserOpenTool) Name() string        { return "browser_open" }
func (t *BrowserOpenTool) Description() string { return "Fetch a URL's text content." }
func (t *BrowserOpenTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"url": map[string]any{"type": "string", "description": "URL to fetch."},
	}, "url")
}

func (t *BrowserOpenTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	var input struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.URL) == "" {
		return errorResult("url is required"), nil
	}
	if t.allowedURL != nil && !t.allowedURL(input.URL) {
		return errorResult("url is blocked by policy"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, input.URL, nil)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	defer resp.Body.Close()
	body := make([]byte, maxOutputBytes)
	n, _ := resp.Body.Read(body)
	return &model.ToolResultPayload{Output: string(body[:n])}, nil
}

// SearchTool runs a web search via a configurable provider endpoint
// (e.g. a self-hosted SearxNG instance, or any HTTP JSON search API that
// accepts ?q=).
type SearchTool struct {
	client      *http.Client
	endpointFmt string
}

// NewSearchTool creates a search tool. endpointFmt must contain exactly one
// %s, filled with the URL-escaped query.
func NewSearchTool(client *http.Client, endpointFmt string) *SearchTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &SearchTool{client: client, endpointFmt: endpointFmt}
}

func (t *SearchTool) Name() string        { return "search" }
func (t *SearchTool) Description() string { return "Search the web for a query." }
func (t *SearchTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"query": map[string]any{"type": "string", "description": "Search query."},
	}, "query")
}

func (t *SearchTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return errorResult("query is required"), nil
	}
	if t.endpointFmt == "" {
		return errorResult("search endpoint not configured"), nil
	}
	endpoint := fmt.Sprintf(t.endpointFmt, url.QueryEscape(input.Query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	defer resp.Body.Close()
	body := make([]byte, maxOutputBytes)
	n, _ := resp.Body.Read(body)
	return &model.ToolResultPayload{Output: string(body[:n])}, nil
}

// AskUserTool and RequestTakeoverTool are registered for schema discovery
// only: the Agent Graph Driver's agent node recognizes these tool names
// before dispatch and routes straight to the interrupt node instead of
// calling Execute, so these Execute bodies should never run in practice.

type AskUserTool struct{}

func NewAskUserTool() *AskUserTool { return &AskUserTool{} }

func (t *AskUserTool) Name() string        { return "ask_user" }
func (t *AskUserTool) Description() string { return "Ask the user a clarifying question and wait for a reply." }
func (t *AskUserTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"question": map[string]any{"type": "string", "description": "Question to ask the user."},
	}, "question")
}

func (t *AskUserTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	return errorResult("ask_user must be handled by the interrupt node, not dispatched directly"), nil
}

type RequestTakeoverTool struct{}

func NewRequestTakeoverTool() *RequestTakeoverTool { return &RequestTakeoverTool{} }

func (t *RequestTakeoverTool) Name() string { return "request_takeover" }
func (t *RequestTakeoverTool) Description() string {
	return "Ask the user to manually take over the sandbox session."
}
func (t *RequestTakeoverTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"reason": map[string]any{"type": "string", "description": "Why manual takeover is needed."},
	}, "reason")
}

func (t *RequestTakeoverTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	return errorResult("request_takeover must be handled by the interrupt node, not dispatched directly"), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
