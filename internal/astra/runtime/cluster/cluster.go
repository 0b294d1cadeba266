// Package cluster implements the "cluster" Runtime Adapter backend: one
// sandbox per pod on a shared cluster control plane. The control
// plane is addressed over HTTP by default (modeled on the Daytona-style
// control-plane client the tool pack already uses for sandbox command
// execution); when SANDBOX_CLUSTER_GRPC is set the same interface is driven
// over a gRPC channel instead, so callers never see the transport.
package cluster

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/runtime"
)

// ControlPlane is the transport-level contract the cluster adapter drives.
// HTTPControlPlane satisfies it over REST; a gRPC-backed implementation can
// satisfy it over a control-plane service without changing Adapter.
type ControlPlane interface {
	CreatePod(ctx context.Context, name, namespace, image string, desc model.RuntimeDescriptor) error
	GetPod(ctx context.Context, name, namespace string) (running, exists bool, err error)
	Exec(ctx context.Context, name, namespace string, req runtime.ExecRequest) (*runtime.ExecResult, error)
	CopyIn(ctx context.Context, name, namespace, path string, data io.Reader) error
	CopyOut(ctx context.Context, name, namespace, path string) (io.ReadCloser, error)
	DeletePod(ctx context.Context, name, namespace string) error
}

// Options configures the cluster backend.
type Options struct {
	Namespace      string
	ToolchainTag   string // suffix appended to the pod name, keeps it stable across retries
	PollInterval   time.Duration
	PollDeadline   time.Duration
	NonRootUID     int64
}

// Adapter is the runtime.Adapter implementation backed by a cluster control
// plane.
type Adapter struct {
	cp   ControlPlane
	opts Options
}

// New constructs a cluster adapter against the given control plane.
func New(cp ControlPlane, opts Options) *Adapter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.PollDeadline <= 0 {
		opts.PollDeadline = 2 * time.Minute
	}
	return &Adapter{cp: cp, opts: opts}
}

func (a *Adapter) Backend() model.Backend { return model.BackendCluster }

// podName derives a pod name stable across retries: session id plus the
// toolchain suffix, so a retried Provision for the same session always
// targets the same pod.
func podName(sessionID, toolchain string) string {
	sum := sha256.Sum256([]byte(sessionID))
	name := "sbx-" + hex.EncodeToString(sum[:])[:12]
	if toolchain != "" {
		name += "-" + toolchain
	}
	return name
}

func (a *Adapter) Provision(ctx context.Context, sessionID string, desc model.RuntimeDescriptor) (*runtime.Handle, error) {
	name := podName(sessionID, a.opts.ToolchainTag)
	namespace := a.opts.Namespace

	running, exists, err := a.cp.GetPod(ctx, name, namespace)
	if err != nil {
		return nil, fmt.Errorf("cluster: check existing pod: %w", err)
	}
	if !exists {
		if err := a.cp.CreatePod(ctx, name, namespace, desc.Image, desc); err != nil {
			return nil, fmt.Errorf("cluster: create pod: %w", err)
		}
	} else if running {
		return &runtime.Handle{BackendRef: ref(namespace, name)}, nil
	}

	if err := a.waitReady(ctx, name, namespace); err != nil {
		return nil, err
	}
	return &runtime.Handle{BackendRef: ref(namespace, name)}, nil
}

// waitReady polls GetPod with exponential backoff until the pod reports
// Running or the deadline elapses.
func (a *Adapter) waitReady(ctx context.Context, name, namespace string) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.PollDeadline)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.opts.PollInterval
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = a.opts.PollDeadline

	return backoff.Retry(func() error {
		running, exists, err := a.cp.GetPod(ctx, name, namespace)
		if err != nil {
			return err
		}
		if !exists {
			return backoff.Permanent(fmt.Errorf("cluster: pod %s disappeared while waiting", name))
		}
		if !running {
			return fmt.Errorf("cluster: pod %s not yet running", name)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func ref(namespace, name string) string {
	return fmt.Sprintf("cluster://%s/%s", namespace, name)
}

func parseRef(backendRef string) (namespace, name string) {
	trimmed := strings.TrimPrefix(backendRef, "cluster://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return "", trimmed
	}
	return parts[0], parts[1]
}

func (a *Adapter) Adopt(ctx context.Context, backendRef string) (*runtime.Handle, error) {
	namespace, name := parseRef(backendRef)
	running, exists, err := a.cp.GetPod(ctx, name, namespace)
	if err != nil {
		return nil, fmt.Errorf("cluster: adopt: %w", err)
	}
	if !exists || !running {
		return nil, fmt.Errorf("cluster: adopt %s: not running", backendRef)
	}
	return &runtime.Handle{BackendRef: backendRef}, nil
}

func (a *Adapter) Exec(ctx context.Context, h *runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	namespace, name := parseRef(h.BackendRef)
	return a.cp.Exec(ctx, name, namespace, req)
}

func (a *Adapter) WriteFile(ctx context.Context, h *runtime.Handle, path string, content io.Reader) error {
	namespace, name := parseRef(h.BackendRef)
	return a.cp.CopyIn(ctx, name, namespace, path, content)
}

func (a *Adapter) ReadFile(ctx context.Context, h *runtime.Handle, path string) (io.ReadCloser, error) {
	namespace, name := parseRef(h.BackendRef)
	return a.cp.CopyOut(ctx, name, namespace, path)
}

func (a *Adapter) Archive(ctx context.Context, h *runtime.Handle, includePaths, excludePaths []string) (io.ReadCloser, error) {
	args := []string{"tar", "-czf", "-"}
	for _, ex := range excludePaths {
		args = append(args, "--exclude="+ex)
	}
	args = append(args, includePaths...)
	res, err := a.Exec(ctx, h, runtime.ExecRequest{Command: args})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("cluster: archive failed, exit %d", res.ExitCode)
	}
	return io.NopCloser(bytes.NewBufferString(res.Stdout)), nil
}

func (a *Adapter) Unarchive(ctx context.Context, h *runtime.Handle, archive io.Reader) error {
	namespace, name := parseRef(h.BackendRef)
	return a.cp.CopyIn(ctx, name, namespace, "/", archive)
}

// Stats always reports a zero-usage sample: per-pod CPU/memory accounting
// needs a metrics-server client this adapter does not carry, so the
// accounting sampler treats cluster-backed sessions as unmetered for now.
func (a *Adapter) Stats(ctx context.Context, h *runtime.Handle) (*runtime.Stats, error) {
	return &runtime.Stats{SampledAt: time.Now()}, nil
}

func (a *Adapter) Terminate(ctx context.Context, h *runtime.Handle) error {
	if h == nil || h.BackendRef == "" {
		return nil
	}
	namespace, name := parseRef(h.BackendRef)
	if err := a.cp.DeletePod(ctx, name, namespace); err != nil {
		return fmt.Errorf("cluster: delete pod: %w", err)
	}
	return nil
}

func (a *Adapter) Inspect(ctx context.Context, backendRef string) (running, exists bool, err error) {
	namespace, name := parseRef(backendRef)
	return a.cp.GetPod(ctx, name, namespace)
}

// HTTPControlPlane is the default ControlPlane, speaking a small REST
// protocol to an in-cluster sandbox controller.
type HTTPControlPlane struct {
	BaseURL string
	Client  *http.Client
}

func (c *HTTPControlPlane) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

type createPodRequest struct {
	Name            string                 `json:"name"`
	Namespace       string                 `json:"namespace"`
	Image           string                 `json:"image"`
	CPU             float64                `json:"cpu"`
	MemoryBytes     int64                  `json:"memory_bytes"`
	NonRootUID      int64                  `json:"non_root_uid"`
	NetworkPolicy   string                 `json:"network_policy"`
	SecurityProfile string                 `json:"security_profile"`
}

func (c *HTTPControlPlane) CreatePod(ctx context.Context, name, namespace, image string, desc model.RuntimeDescriptor) error {
	body, _ := json.Marshal(createPodRequest{
		Name: name, Namespace: namespace, Image: image,
		CPU: desc.Limits.CPU, MemoryBytes: desc.Limits.MemoryBytes,
		NetworkPolicy: desc.NetworkPolicy, SecurityProfile: desc.SecurityProfile,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/pods", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("create pod: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPControlPlane) GetPod(ctx context.Context, name, namespace string) (running, exists bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/pods/%s/%s", c.BaseURL, namespace, name), nil)
	if err != nil {
		return false, false, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, false, nil
	}
	if resp.StatusCode >= 300 {
		return false, false, fmt.Errorf("get pod: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Phase string `json:"phase"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, false, err
	}
	return body.Phase == "Running", true, nil
}

func (c *HTTPControlPlane) Exec(ctx context.Context, name, namespace string, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	payload, _ := json.Marshal(struct {
		Command []string `json:"command"`
		WorkDir string   `json:"work_dir"`
	}{Command: req.Command, WorkDir: req.WorkDir})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/pods/%s/%s/exec", c.BaseURL, namespace, name), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out runtime.ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPControlPlane) CopyIn(ctx context.Context, name, namespace, path string, data io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/pods/%s/%s/files?path=%s", c.BaseURL, namespace, name, path), data)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("copy in: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPControlPlane) CopyOut(ctx context.Context, name, namespace, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/pods/%s/%s/files?path=%s", c.BaseURL, namespace, name, path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("copy out: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *HTTPControlPlane) DeletePod(ctx context.Context, name, namespace string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/pods/%s/%s", c.BaseURL, namespace, name), nil)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete pod: unexpected status %d", resp.StatusCode)
	}
	return nil
}
