// Package runtime provides the pluggable backend that actually runs a
// sandbox: local Docker containers for single-node deployments, or a
// cluster control-plane for multi-node ones. Callers depend only on the
// Adapter interface; the sandbox package never imports docker or cluster
// types directly.
package runtime

import (
	"context"
	"io"
	"time"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

// Handle is what an Adapter hands back after Provision/Adopt: enough to
// address the running sandbox on subsequent calls without re-resolving it.
type Handle struct {
	BackendRef      string // opaque adapter-specific address, stored on Session.BackendRef
	ControlEndpoint string // reachable address for exec/file operations, if out-of-process
}

// ExecRequest describes one command to run inside a sandbox.
type ExecRequest struct {
	Command []string
	Stdin   io.Reader
	WorkDir string
	Env     map[string]string
	Timeout time.Duration
}

// ExecResult is the outcome of a completed ExecRequest.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Stats is a point-in-time resource usage sample for a sandbox.
type Stats struct {
	CPUSeconds   float64
	MemoryBytes  int64
	StorageBytes int64
	SampledAt    time.Time
}

// Adapter provisions, operates on, and tears down sandboxes for exactly one
// Backend kind. Every method must be safe to call from multiple goroutines
// for distinct handles; a single handle is only ever driven by the
// LifecycleManager's per-session lock.
type Adapter interface {
	// Backend identifies which model.Backend this adapter serves.
	Backend() model.Backend

	// Provision creates a brand-new sandbox matching desc and returns a
	// Handle addressing it. The sandbox must be ready to accept Exec calls
	// by the time Provision returns.
	Provision(ctx context.Context, sessionID string, desc model.RuntimeDescriptor) (*Handle, error)

	// Adopt attaches to a sandbox that already exists out-of-band (for
	// example a container left running after a process restart),
	// identified by backendRef in the same format Provision's Handle uses.
	Adopt(ctx context.Context, backendRef string) (*Handle, error)

	// Exec runs req inside the sandbox addressed by h and blocks until it
	// completes, the context is cancelled, or req.Timeout elapses.
	Exec(ctx context.Context, h *Handle, req ExecRequest) (*ExecResult, error)

	// WriteFile writes content to path inside the sandbox's workspace.
	WriteFile(ctx context.Context, h *Handle, path string, content io.Reader) error

	// ReadFile reads path from inside the sandbox's workspace.
	ReadFile(ctx context.Context, h *Handle, path string) (io.ReadCloser, error)

	// Archive produces a tar.gz of the given paths (relative to the
	// workspace root) as a stream the caller can offload or store.
	Archive(ctx context.Context, h *Handle, includePaths, excludePaths []string) (io.ReadCloser, error)

	// Unarchive extracts a tar.gz stream into the sandbox's workspace,
	// overwriting any existing files at the same paths.
	Unarchive(ctx context.Context, h *Handle, archive io.Reader) error

	// Stats samples current resource usage.
	Stats(ctx context.Context, h *Handle) (*Stats, error)

	// Terminate destroys the sandbox and releases any backend resources.
	// Terminate must be idempotent: terminating an already-gone sandbox is
	// not an error.
	Terminate(ctx context.Context, h *Handle) error

	// Inspect reports whether the sandbox addressed by backendRef is still
	// running and whether it exists at all, used by provision idempotency
	// and the Reaper.
	Inspect(ctx context.Context, backendRef string) (running, exists bool, err error)
}

// Registry resolves a model.Backend to the Adapter that serves it.
type Registry struct {
	adapters map[model.Backend]Adapter
}

// NewRegistry builds a Registry from the given adapters, keyed by their own
// Backend() value.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Backend]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Backend()] = a
	}
	return r
}

// For returns the adapter registered for backend, or ok=false if none was
// registered (a misconfiguration the caller should surface, not retry).
func (r *Registry) For(backend model.Backend) (Adapter, bool) {
	a, ok := r.adapters[backend]
	return a, ok
}
