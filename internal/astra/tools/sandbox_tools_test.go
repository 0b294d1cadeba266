package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/runtime"
)

type fakeSandboxExecutor struct {
	execResult *runtime.ExecResult
	execErr    error
	exportArt  *model.Artifact
	exportErr  error

	lastCommand []string
	lastCwd     string
	lastTimeout int
}

func (f *fakeSandboxExecutor) Execute(ctx context.Context, sess *model.Session, command []string, cwd string, timeoutSec int) (*runtime.ExecResult, error) {
	f.lastCommand = command
	f.lastCwd = cwd
	f.lastTimeout = timeoutSec
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execResult, nil
}

func (f *fakeSandboxExecutor) ExportFile(ctx context.Context, sess *model.Session, filePath, filename, contentType string) (*model.Artifact, error) {
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	return f.exportArt, nil
}

type fakeUploader struct {
	err       error
	lastPath  string
	lastBytes []byte
}

func (f *fakeUploader) Upload(ctx context.Context, sess *model.Session, filePath string, content []byte) error {
	f.lastPath, f.lastBytes = filePath, content
	return f.err
}

func testSessionWithWorkspace(path string) *model.Session {
	return &model.Session{ID: "sess-1", WorkspacePath: path}
}

func TestShellTool_RunsCommand(t *testing.T) {
	exec := &fakeSandboxExecutor{execResult: &runtime.ExecResult{Stdout: "out", ExitCode: 0}}
	tool := NewShellTool(exec)
	params, _ := json.Marshal(map[string]any{"command": "echo hi", "cwd": "sub", "timeout_seconds": 5})

	result, err := tool.Execute(context.Background(), testSessionWithWorkspace("/workspace"), params)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.IsError {
		t.Fatalf("result = %+v, want success", result)
	}
	if exec.lastCwd != "sub" || exec.lastTimeout != 5 {
		t.Fatalf("exec invoked with cwd=%q timeout=%d, want sub/5", exec.lastCwd, exec.lastTimeout)
	}
	if len(exec.lastCommand) != 3 || exec.lastCommand[0] != "sh" {
		t.Fatalf("command = %v, want a sh -c wrapper", exec.lastCommand)
	}
}

func TestShellTool_RequiresCommand(t *testing.T) {
	tool := NewShellTool(&fakeSandboxExecutor{})
	params, _ := json.Marshal(map[string]any{"command": "   "})
	result, err := tool.Execute(context.Background(), testSessionWithWorkspace("/workspace"), params)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !result.IsError {
		t.Fatal("blank command should produce an IsError result")
	}
}

func TestReadFileTool_ReadsCleanPath(t *testing.T) {
	exec := &fakeSandboxExecutor{execResult: &runtime.ExecResult{Stdout: "contents", ExitCode: 0}}
	tool := NewReadFileTool(exec)
	params, _ := json.Marshal(map[string]any{"path": "a.txt"})

	result, err := tool.Execute(context.Background(), testSessionWithWorkspace("/workspace"), params)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.Output != "contents" {
		t.Fatalf("Output = %q, want contents", result.Output)
	}
	if len(exec.lastCommand) != 2 || exec.lastCommand[1] != "/workspace/a.txt" {
		t.Fatalf("command = %v, want cat /workspace/a.txt", exec.lastCommand)
	}
}

func TestReadFileTool_RejectsPathEscape(t *testing.T) {
	tool := NewReadFileTool(&fakeSandboxExecutor{})
	params, _ := json.Marshal(map[string]any{"path": "../../etc/passwd"})
	result, err := tool.Execute(context.Background(), testSessionWithWorkspace("/workspace"), params)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !result.IsError {
		t.Fatal("a path escaping the workspace root should be rejected")
	}
}

func TestReadFileTool_NonZeroExitSurfacesStderr(t *testing.T) {
	exec := &fakeSandboxExecutor{execResult: &runtime.ExecResult{Stderr: "no such file", ExitCode: 1}}
	tool := NewReadFileTool(exec)
	params, _ := json.Marshal(map[string]any{"path": "missing.txt"})

	result, err := tool.Execute(context.Background(), testSessionWithWorkspace("/workspace"), params)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !result.IsError || result.Output != "no such file" {
		t.Fatalf("result = %+v, want the stderr surfaced as an error", result)
	}
}

func TestWriteFileTool_Uploads(t *testing.T) {
	up := &fakeUploader{}
	tool := NewWriteFileTool(up)
	params, _ := json.Marshal(map[string]any{"path": "out.txt", "content": "hello"})

	result, err := tool.Execute(context.Background(), testSessionWithWorkspace("/workspace"), params)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.IsError {
		t.Fatalf("result = %+v, want success", result)
	}
	if up.lastPath != "/workspace/out.txt" || string(up.lastBytes) != "hello" {
		t.Fatalf("Upload called with (%q, %q), want /workspace/out.txt, hello", up.lastPath, up.lastBytes)
	}
}

func TestWriteFileTool_UploadErrorSurfaces(t *testing.T) {
	up := &fakeUploader{err: errors.New("disk full")}
	tool := NewWriteFileTool(up)
	params, _ := json.Marshal(map[string]any{"path": "out.txt", "content": "hello"})

	result, err := tool.Execute(context.Background(), testSessionWithWorkspace("/workspace"), params)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !result.IsError || result.Output != "disk full" {
		t.Fatalf("result = %+v, want the upload error surfaced", result)
	}
}

func TestListTool_DefaultsToWorkspaceRoot(t *testing.T) {
	exec := &fakeSandboxExecutor{execResult: &runtime.ExecResult{Stdout: "a.txt\nb.txt", ExitCode: 0}}
	tool := NewListTool(exec)

	result, err := tool.Execute(context.Background(), testSessionWithWorkspace("/workspace"), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.IsError {
		t.Fatalf("result = %+v, want success", result)
	}
	if len(exec.lastCommand) != 3 || exec.lastCommand[2] != "/workspace" {
		t.Fatalf("command = %v, want ls -la /workspace", exec.lastCommand)
	}
}

func TestViewImageTool_ReturnsImagePart(t *testing.T) {
	exporter := &fakeSandboxExecutor{exportArt: &model.Artifact{ID: "art-1", DownloadURL: "https://example.com/art-1"}}
	tool := NewViewImageTool(exporter)
	params, _ := json.Marshal(map[string]any{"path": "shot.png"})

	result, err := tool.Execute(context.Background(), testSessionWithWorkspace("/workspace"), params)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.IsError {
		t.Fatalf("result = %+v, want success", result)
	}
	if len(result.Artifacts) != 1 || result.Artifacts[0].ID != "art-1" {
		t.Fatalf("Artifacts = %+v, want the exported artifact attached", result.Artifacts)
	}
}

func TestValidatePath_AllowsWorkspaceRootItself(t *testing.T) {
	clean, err := validatePath(testSessionWithWorkspace("/workspace"), "")
	if err != nil {
		t.Fatalf("validatePath(\"\") error: %v", err)
	}
	if clean != "/workspace" {
		t.Fatalf("clean = %q, want /workspace", clean)
	}
}

func TestValidatePath_DefaultsRootWhenSessionHasNone(t *testing.T) {
	sess := &model.Session{ID: "sess-1"}
	clean, err := validatePath(sess, "a.txt")
	if err != nil {
		t.Fatalf("validatePath error: %v", err)
	}
	if clean != "/workspace/a.txt" {
		t.Fatalf("clean = %q, want /workspace/a.txt default root", clean)
	}
}

func TestMimeForExt(t *testing.T) {
	cases := map[string]string{
		"a.png":  "image/png",
		"a.JPG":  "image/jpeg",
		"a.gif":  "image/gif",
		"a.webp": "image/webp",
		"a.bin":  "application/octet-stream",
	}
	for path, want := range cases {
		if got := mimeForExt(path); got != want {
			t.Errorf("mimeForExt(%q) = %q, want %q", path, got, want)
		}
	}
}
