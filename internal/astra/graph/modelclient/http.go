// Package modelclient provides an HTTP-based implementation of
// graph.ModelClient. The Agent Graph Driver never talks to an LLM
// provider directly — the core does not implement the LLM itself — so
// this client instead speaks a small JSON protocol to whatever service
// fronts the model (the HTTP proxy that multiplexes LLM provider APIs is
// an explicit out-of-scope collaborator).
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/astraforge/sandbox-core/internal/astra/graph"
	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/tools"
)

// planSchema is the structural contract the planner node requires of the
// model's /plan response: the planner must attempt structured output and,
// on structure-validation failure, fall back to free-form markdown stored
// as a single in-progress step — a malformed plan_steps array must be
// caught here, not three nodes later when check_completion tries to read
// a Status field that was never set.
var planSchema = compileSchema("plan_response.schema.json", `{
	"type": "object",
	"required": ["markdown", "steps"],
	"properties": {
		"markdown": {"type": "string"},
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["title", "status"],
				"properties": {
					"title":       {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"status":      {"enum": ["todo", "in_progress", "completed"]}
				}
			}
		}
	}
}`)

func compileSchema(uri, src string) *jsonschema.Schema {
	compiled, err := jsonschema.CompileString(uri, src)
	if err != nil {
		// A bad literal schema is a build-time bug, not a runtime condition;
		// panicking at package init surfaces it immediately instead of
		// silently accepting every plan response as valid.
		panic(fmt.Sprintf("modelclient: compile %s: %v", uri, err))
	}
	return compiled
}

// Client calls a configured model-proxy endpoint for each of the three
// node-level operations the driver needs. Endpoints and wire shapes are
// deliberately minimal: the proxy owns prompt construction, provider
// selection, and retries.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client. httpClient defaults to a 2-minute-timeout client
// when nil, generous enough for a slow multi-tool-call model turn without
// hanging a node indefinitely.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

type planRequest struct {
	Goal     string          `json:"goal"`
	Messages []model.Message `json:"messages"`
	Summary  string          `json:"summary"`
}

type planResponse struct {
	Markdown string           `json:"markdown"`
	Steps    []model.PlanStep `json:"steps"`
}

func (c *Client) Plan(ctx context.Context, conv *model.Conversation) (graph.PlanResult, error) {
	raw, err := c.postRaw(ctx, "/plan", planRequest{
		Goal: conv.Goal, Messages: conv.State.Messages, Summary: conv.State.Summary,
	})
	if err != nil {
		return graph.PlanResult{}, err
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return graph.PlanResult{}, fmt.Errorf("modelclient: decode /plan response: %w", err)
	}
	if err := planSchema.Validate(decoded); err != nil {
		return graph.PlanResult{}, fmt.Errorf("modelclient: /plan response failed structure validation: %w", err)
	}

	var resp planResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return graph.PlanResult{}, fmt.Errorf("modelclient: unmarshal /plan response: %w", err)
	}
	return graph.PlanResult{Markdown: resp.Markdown, Steps: resp.Steps}, nil
}

type stepRequest struct {
	Goal     string             `json:"goal"`
	Messages []model.Message    `json:"messages"`
	Plan     string             `json:"plan"`
	Tools    []tools.ToolSchema `json:"tools"`
}

type stepResponse struct {
	AssistantText string                 `json:"assistant_text"`
	ToolCall      *model.PendingToolCall `json:"tool_call,omitempty"`
}

func (c *Client) Step(ctx context.Context, conv *model.Conversation, schemas []tools.ToolSchema) (graph.AgentStepResult, error) {
	var resp stepResponse
	err := c.post(ctx, "/step", stepRequest{
		Goal: conv.Goal, Messages: conv.State.Messages, Plan: conv.State.Plan, Tools: schemas,
	}, &resp)
	if err != nil {
		return graph.AgentStepResult{}, err
	}
	return graph.AgentStepResult{AssistantText: resp.AssistantText, ToolCall: resp.ToolCall}, nil
}

type summarizeRequest struct {
	Messages        []model.Message `json:"messages"`
	PreviousSummary string          `json:"previous_summary"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

func (c *Client) Summarize(ctx context.Context, conv *model.Conversation) (string, error) {
	var resp summarizeResponse
	err := c.post(ctx, "/summarize", summarizeRequest{
		Messages: conv.State.Messages, PreviousSummary: conv.State.Summary,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Summary, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := c.postRaw(ctx, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("modelclient: decode %s response: %w", path, err)
	}
	return nil
}

// postRaw does the same request as post but returns the undecoded response
// body, letting callers (Plan) run structural validation before committing
// to a concrete Go type.
func (c *Client) postRaw(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("modelclient: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("modelclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modelclient: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("modelclient: read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("modelclient: %s returned %d: %s", path, resp.StatusCode, string(data))
	}
	return data, nil
}
