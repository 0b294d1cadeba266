package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/runtime"
)

// SandboxExecutor is the subset of sandbox.Manager the sandbox-backed tools
// need, narrowed to an interface so tools can be tested without a real
// Runtime Adapter.
type SandboxExecutor interface {
	Execute(ctx context.Context, sess *model.Session, command []string, cwd string, timeoutSec int) (*runtime.ExecResult, error)
	ExportFile(ctx context.Context, sess *model.Session, filePath, filename, contentType string) (*model.Artifact, error)
}

func schemaOf(properties map[string]any, required ...string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// ShellTool runs a command line inside the session's sandbox workspace.
type ShellTool struct{ sandbox SandboxExecutor }

func NewShellTool(sandbox SandboxExecutor) *ShellTool { return &ShellTool{sandbox: sandbox} }

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run a shell command in the sandbox workspace." }
func (t *ShellTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"command":         map[string]any{"type": "string", "description": "Shell command to execute."},
		"cwd":             map[string]any{"type": "string", "description": "Working directory, relative to the workspace."},
		"timeout_seconds": map[string]any{"type": "integer", "description": "Timeout in seconds (0 = no timeout)."},
	}, "command")
}

func (t *ShellTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Command) == "" {
		return errorResult("command is required"), nil
	}
	res, err := t.sandbox.Execute(ctx, sess, []string{"sh", "-c", input.Command}, input.Cwd, input.TimeoutSeconds)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	}), nil
}

// ReadFileTool reads a file's contents out of the sandbox workspace.
type ReadFileTool struct{ sandbox SandboxExecutor }

func NewReadFileTool(sandbox SandboxExecutor) *ReadFileTool { return &ReadFileTool{sandbox: sandbox} }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a text file from the sandbox workspace." }
func (t *ReadFileTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"path": map[string]any{"type": "string", "description": "Path inside the workspace."},
	}, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	input, err := pathInput(params)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	clean, verr := validatePath(sess, input)
	if verr != nil {
		return errorResult(verr.Error()), nil
	}
	res, err := t.sandbox.Execute(ctx, sess, []string{"cat", clean}, "", 0)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if res.ExitCode != 0 {
		return errorResult(strings.TrimSpace(res.Stderr)), nil
	}
	return &model.ToolResultPayload{Output: res.Stdout}, nil
}

// SandboxUploader is the subset of sandbox.Manager needed to write a file
// into the sandbox workspace.
type SandboxUploader interface {
	Upload(ctx context.Context, sess *model.Session, filePath string, content []byte) error
}

// WriteFileTool writes UTF-8 content into a file inside the sandbox
// workspace, creating parent directories as needed.
type WriteFileTool struct{ sandbox SandboxUploader }

func NewWriteFileTool(sandbox SandboxUploader) *WriteFileTool {
	return &WriteFileTool{sandbox: sandbox}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file in the sandbox workspace."
}
func (t *WriteFileTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"path":    map[string]any{"type": "string", "description": "Path inside the workspace."},
		"content": map[string]any{"type": "string", "description": "File content to write."},
	}, "path", "content")
}

func (t *WriteFileTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	clean, verr := validatePath(sess, input.Path)
	if verr != nil {
		return errorResult(verr.Error()), nil
	}
	if err := t.sandbox.Upload(ctx, sess, clean, []byte(input.Content)); err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{"status": "written", "path": clean}), nil
}

// ListTool lists a directory's immediate contents.
type ListTool struct{ sandbox SandboxExecutor }

func NewListTool(sandbox SandboxExecutor) *ListTool { return &ListTool{sandbox: sandbox} }

func (t *ListTool) Name() string        { return "list" }
func (t *ListTool) Description() string { return "List files in a sandbox workspace directory." }
func (t *ListTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"path": map[string]any{"type": "string", "description": "Directory path, defaults to the workspace root."},
	})
}

func (t *ListTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	var input struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(params, &input)
	target := input.Path
	if target == "" {
		target = sess.WorkspacePath
	}
	clean, verr := validatePath(sess, target)
	if verr != nil {
		return errorResult(verr.Error()), nil
	}
	res, err := t.sandbox.Execute(ctx, sess, []string{"ls", "-la", clean}, "", 0)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if res.ExitCode != 0 {
		return errorResult(strings.TrimSpace(res.Stderr)), nil
	}
	return &model.ToolResultPayload{Output: res.Stdout}, nil
}

// ViewImageTool reads an image file out of the sandbox and returns it as a
// structured multi-part payload the model's vision input can consume.
type ViewImageTool struct{ sandbox SandboxExporter }

// SandboxExporter is the subset of sandbox.Manager needed to read a binary
// file out of the sandbox as a base64 artifact.
type SandboxExporter interface {
	ExportFile(ctx context.Context, sess *model.Session, filePath, filename, contentType string) (*model.Artifact, error)
}

func NewViewImageTool(sandbox SandboxExporter) *ViewImageTool { return &ViewImageTool{sandbox: sandbox} }

func (t *ViewImageTool) Name() string        { return "view_image" }
func (t *ViewImageTool) Description() string { return "View an image file from the sandbox workspace." }
func (t *ViewImageTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"path": map[string]any{"type": "string", "description": "Path to an image file inside the workspace."},
	}, "path")
}

func (t *ViewImageTool) Execute(ctx context.Context, sess *model.Session, params json.RawMessage) (*model.ToolResultPayload, error) {
	input, err := pathInput(params)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	clean, verr := validatePath(sess, input)
	if verr != nil {
		return errorResult(verr.Error()), nil
	}

	mime := mimeForExt(clean)
	art, err := t.sandbox.ExportFile(ctx, sess, clean, path.Base(clean), mime)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	// ExportFile already persisted the artifact row; re-read the bytes via
	// a fresh read isn't available here, so the dispatcher relies on the
	// artifact's download URL for the image payload.
	parts := []map[string]any{
		{"type": "text", "text": fmt.Sprintf("Viewing %s", clean)},
		{"type": "image_url", "image_url": map[string]string{"url": art.DownloadURL}},
	}
	result := jsonResult(parts)
	result.Artifacts = []model.Artifact{*art}
	return result, nil
}

func mimeForExt(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func pathInput(params json.RawMessage) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	if strings.TrimSpace(input.Path) == "" {
		return "", fmt.Errorf("path is required")
	}
	return input.Path, nil
}

// validatePath cleans p and rejects any path that escapes the session's
// workspace root, per the recorded Open Question decision on path traversal.
func validatePath(sess *model.Session, p string) (string, error) {
	root := sess.WorkspacePath
	if root == "" {
		root = "/workspace"
	}
	var abs string
	if path.IsAbs(p) {
		abs = path.Clean(p)
	} else {
		abs = path.Clean(path.Join(root, p))
	}
	if abs != root && !strings.HasPrefix(abs, strings.TrimRight(root, "/")+"/") {
		return "", fmt.Errorf("path %q escapes workspace root %q", p, root)
	}
	return abs, nil
}
