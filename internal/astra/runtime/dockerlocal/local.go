// Package dockerlocal implements the "local" Runtime Adapter backend: one
// sandbox per Docker container on the host running the orchestrator.
//
// Spawn and exec go through the `docker` CLI via cmdrunner so the full set
// of security flags (capability drops, no-new-privileges, read-only root,
// pids-limit) stays exactly the argv vector that a CLI invocation takes.
// Inspect and destroy use the typed Docker Engine API client, since parsing
// `docker inspect` JSON output by hand is exactly the kind of brittle
// string-wrangling a typed client exists to avoid.
package dockerlocal

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/astraforge/sandbox-core/internal/astra/cmdrunner"
	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/runtime"
)

// Options configures the local Docker backend.
type Options struct {
	Host           string // empty uses DOCKER_HOST / the default socket
	Network        string
	User           string
	ReadOnlyRoot   bool
	PidsLimit      int64
	DefaultTimeout int // seconds, 0 = no timeout wrapper
}

// Adapter is the runtime.Adapter implementation backed by a local Docker
// daemon.
type Adapter struct {
	opts   Options
	runner *cmdrunner.Runner
	cli    *client.Client
}

// New constructs a local Docker adapter. runner is shared with the rest of
// the orchestrator so the dry-run switch applies uniformly.
func New(opts Options, runner *cmdrunner.Runner) (*Adapter, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("dockerlocal: new client: %w", err)
	}
	return &Adapter{opts: opts, runner: runner, cli: cli}, nil
}

func (a *Adapter) Backend() model.Backend { return model.BackendLocal }

// containerName deterministically derives the container name from the
// session id so repeated Provision calls for the same session are
// idempotent.
func containerName(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return "sandbox-" + hex.EncodeToString(sum[:])[:12]
}

func (a *Adapter) Provision(ctx context.Context, sessionID string, desc model.RuntimeDescriptor) (*runtime.Handle, error) {
	name := containerName(sessionID)

	argv := []string{"docker", "run", "-d",
		"--name", name,
		"--label", "session=" + sessionID,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", strconv.FormatInt(nonZero(a.opts.PidsLimit, 512), 10),
	}
	if a.opts.Network != "" {
		argv = append(argv, "--network", a.opts.Network)
	}
	if a.opts.User != "" {
		argv = append(argv, "--user", a.opts.User)
	}
	if a.opts.ReadOnlyRoot {
		argv = append(argv, "--read-only", "--tmpfs", "/workspace")
	}
	if desc.Limits.CPU > 0 {
		argv = append(argv, "--cpus", strconv.FormatFloat(desc.Limits.CPU, 'f', -1, 64))
	}
	if desc.Limits.MemoryBytes > 0 {
		argv = append(argv, "--memory", strconv.FormatInt(desc.Limits.MemoryBytes, 10))
	}
	argv = append(argv, desc.Image, "sleep", "infinity")

	res, err := a.runner.Run(ctx, cmdrunner.Request{Argv: argv, AllowFailure: true})
	if err != nil {
		return nil, fmt.Errorf("dockerlocal: spawn: %w", err)
	}
	if res.ExitCode != 0 {
		if isNameConflict(res.Stdout) {
			return a.recoverFromConflict(ctx, sessionID, name)
		}
		return nil, &cmdrunner.CommandFailed{Argv: argv, ExitCode: res.ExitCode, Captured: res.Stdout}
	}

	return &runtime.Handle{BackendRef: "local://" + name}, nil
}

// recoverFromConflict handles the "name already in use" case: remove the
// stale container once and retry; if it's still conflicting after removal,
// inspect it and adopt it if it belongs to this session.
func (a *Adapter) recoverFromConflict(ctx context.Context, sessionID, name string) (*runtime.Handle, error) {
	info, err := a.cli.ContainerInspect(ctx, name)
	if err == nil {
		if info.Config != nil && info.Config.Labels["session"] == sessionID {
			if info.State != nil && info.State.Running {
				return &runtime.Handle{BackendRef: "local://" + name}, nil
			}
			_ = a.cli.ContainerStart(ctx, name, container.StartOptions{})
			return &runtime.Handle{BackendRef: "local://" + name}, nil
		}
		return nil, fmt.Errorf("dockerlocal: %s exists but belongs to another session", name)
	}
	// Not ours and not inspectable as expected: remove once, then fail loudly
	// rather than loop — a second conflict after removal is a real problem.
	_, _ = a.runner.Run(ctx, cmdrunner.Request{Argv: []string{"docker", "rm", "-f", name}, AllowFailure: true})
	return nil, fmt.Errorf("dockerlocal: name conflict for %s could not be resolved", name)
}

func isNameConflict(output string) bool {
	return strings.Contains(output, "is already in use by container") || strings.Contains(output, "Conflict.")
}

func (a *Adapter) Adopt(ctx context.Context, backendRef string) (*runtime.Handle, error) {
	name := strings.TrimPrefix(backendRef, "local://")
	info, err := a.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dockerlocal: adopt %s: %w", name, err)
	}
	if info.State == nil || !info.State.Running {
		return nil, fmt.Errorf("dockerlocal: adopt %s: container not running", name)
	}
	return &runtime.Handle{BackendRef: backendRef}, nil
}

func nameFromRef(ref string) string { return strings.TrimPrefix(ref, "local://") }

func (a *Adapter) Exec(ctx context.Context, h *runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	name := nameFromRef(h.BackendRef)
	shellCmd := strings.Join(req.Command, " ")
	if req.WorkDir != "" {
		shellCmd = fmt.Sprintf("cd %s && %s", shellQuote(req.WorkDir), shellCmd)
	}

	argv := []string{"docker", "exec"}
	for k, v := range req.Env {
		argv = append(argv, "-e", k+"="+v)
	}
	if req.Stdin != nil {
		argv = append(argv, "-i")
	}
	argv = append(argv, name, "sh", "-c", shellCmd)

	var stdout bytes.Buffer
	res, err := a.runner.Run(ctx, cmdrunner.Request{
		Argv:         argv,
		Stdin:        req.Stdin,
		AllowFailure: true,
		Stream: func(line string) {
			stdout.WriteString(line)
			stdout.WriteByte('\n')
		},
	})
	if err != nil {
		return nil, err
	}
	return &runtime.ExecResult{Stdout: stdout.String(), ExitCode: res.ExitCode}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (a *Adapter) WriteFile(ctx context.Context, h *runtime.Handle, path string, content io.Reader) error {
	name := nameFromRef(h.BackendRef)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("dockerlocal: read content: %w", err)
	}
	base := strings.TrimPrefix(path, "/")
	if err := tw.WriteHeader(&tar.Header{Name: base, Mode: 0644, Size: int64(len(data))}); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return a.cli.CopyToContainer(ctx, name, "/", &buf, container.CopyToContainerOptions{})
}

func (a *Adapter) ReadFile(ctx context.Context, h *runtime.Handle, path string) (io.ReadCloser, error) {
	name := nameFromRef(h.BackendRef)
	rc, _, err := a.cli.CopyFromContainer(ctx, name, path)
	if err != nil {
		return nil, fmt.Errorf("dockerlocal: copy from container: %w", err)
	}
	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("dockerlocal: read tar entry: %w", err)
	}
	return struct {
		io.Reader
		io.Closer
	}{Reader: tr, Closer: rc}, nil
}

func (a *Adapter) Archive(ctx context.Context, h *runtime.Handle, includePaths, excludePaths []string) (io.ReadCloser, error) {
	args := []string{"tar", "-czf", "-"}
	for _, ex := range excludePaths {
		args = append(args, "--exclude="+ex)
	}
	args = append(args, includePaths...)

	var out bytes.Buffer
	res, err := a.Exec(ctx, h, runtime.ExecRequest{Command: args})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("dockerlocal: archive failed, exit %d", res.ExitCode)
	}
	out.WriteString(res.Stdout)
	return io.NopCloser(&out), nil
}

func (a *Adapter) Unarchive(ctx context.Context, h *runtime.Handle, archive io.Reader) error {
	name := nameFromRef(h.BackendRef)
	return a.cli.CopyToContainer(ctx, name, "/", archive, container.CopyToContainerOptions{})
}

func (a *Adapter) Stats(ctx context.Context, h *runtime.Handle) (*runtime.Stats, error) {
	name := nameFromRef(h.BackendRef)
	resp, err := a.cli.ContainerStatsOneShot(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dockerlocal: stats: %w", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("dockerlocal: decode stats: %w", err)
	}

	// CPUSeconds is a cumulative counter (matching the source's own
	// accounting model: CPU time consumed since the container started, not
	// a point-in-time percentage), converted from the daemon's nanoseconds.
	cpuSeconds := float64(raw.CPUStats.CPUUsage.TotalUsage) / 1e9

	return &runtime.Stats{
		CPUSeconds:   cpuSeconds,
		MemoryBytes:  int64(raw.MemoryStats.Usage),
		StorageBytes: a.workspaceBytes(ctx, h),
		SampledAt:    time.Now(),
	}, nil
}

// workspaceBytes shells out to `du` rather than the Docker API, which has no
// per-container disk-usage-by-path call; a failed or unavailable `du`
// degrades to 0 instead of failing the whole sample.
func (a *Adapter) workspaceBytes(ctx context.Context, h *runtime.Handle) int64 {
	res, err := a.Exec(ctx, h, runtime.ExecRequest{Command: []string{"du", "-sb", "/workspace"}})
	if err != nil || res.ExitCode != 0 {
		return 0
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (a *Adapter) Terminate(ctx context.Context, h *runtime.Handle) error {
	if h == nil || h.BackendRef == "" {
		return nil
	}
	name := nameFromRef(h.BackendRef)
	timeout := 5
	err := a.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("dockerlocal: stop: %w", err)
	}
	err = a.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("dockerlocal: remove: %w", err)
	}
	return nil
}

// Inspect reports whether the named sandbox is still running, satisfying
// the Runtime Adapter's inspect(ref) contract used by provision idempotency
// and the reaper.
func (a *Adapter) Inspect(ctx context.Context, backendRef string) (running, exists bool, err error) {
	name := nameFromRef(backendRef)
	info, ierr := a.cli.ContainerInspect(ctx, name)
	if ierr != nil {
		if client.IsErrNotFound(ierr) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("dockerlocal: inspect: %w", ierr)
	}
	return info.State != nil && info.State.Running, true, nil
}

func nonZero(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}
