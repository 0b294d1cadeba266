// Package sandbox implements the Sandbox Lifecycle Manager, the
// aggregate root for a Session, owning provision/adopt, exec, upload,
// export, screenshot, snapshot, restore, and terminate.
package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/astraforge/sandbox-core/internal/astra/astraerrors"
	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/runtime"
	"github.com/astraforge/sandbox-core/internal/observability"
)

// SessionStore persists the Session aggregate. Implementations must make
// Save atomic with respect to concurrent writers.
type SessionStore interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	Save(ctx context.Context, sess *model.Session) error
}

// ArtifactStore persists Artifact records created by ExportFile.
type ArtifactStore interface {
	Save(ctx context.Context, a *model.Artifact) error
}

// SnapshotGetter resolves a snapshot id to its record, used by auto-restore.
type SnapshotGetter interface {
	Get(ctx context.Context, id string) (*model.Snapshot, error)
}

// Restorer is the subset of the Snapshot Store used for restore-on-provision.
type Restorer interface {
	Restore(ctx context.Context, sess *model.Session, snap *model.Snapshot) error
}

// Manager is the Sandbox Lifecycle Manager.
type Manager struct {
	store     SessionStore
	adapters  *runtime.Registry
	locker    *Locker
	restorer  Restorer
	snapshots SnapshotGetter
	artifacts ArtifactStore
	log       *observability.Logger
	tracer    *observability.Tracer

	// ArtifactBaseURL, when set, is used to build export_file download URLs;
	// otherwise the standard API path is used.
	ArtifactBaseURL string
}

// SetTracer attaches a Tracer that spans every subsequent
// provision/execute/terminate/snapshot-restore operation. Unset (nil)
// leaves the manager untraced.
func (m *Manager) SetTracer(t *observability.Tracer) { m.tracer = t }

// traced runs fn inside a span named "sandbox."+op when a tracer is
// attached, recording any returned error on the span; with no tracer it
// just calls fn directly.
func (m *Manager) traced(ctx context.Context, op, sessionID string, fn func(context.Context) error) error {
	if m.tracer == nil {
		return fn(ctx)
	}
	ctx, span := m.tracer.Start(ctx, "sandbox."+op, observability.SpanOptions{
		Kind:       trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{attribute.String("session_id", sessionID)},
	})
	defer span.End()
	err := fn(ctx)
	if err != nil {
		m.tracer.RecordError(span, err)
	}
	return err
}

// New constructs a Manager.
func New(store SessionStore, adapters *runtime.Registry, restorer Restorer, snapshots SnapshotGetter, artifacts ArtifactStore, log *observability.Logger) *Manager {
	return &Manager{
		store:     store,
		adapters:  adapters,
		locker:    NewLocker(DefaultLockTimeout),
		restorer:  restorer,
		snapshots: snapshots,
		artifacts: artifacts,
		log:       log,
	}
}

func (m *Manager) adapterFor(sess *model.Session) (runtime.Adapter, error) {
	a, ok := m.adapters.For(sess.Runtime.Backend)
	if !ok {
		return nil, fmt.Errorf("sandbox: no adapter registered for backend %s", sess.Runtime.Backend)
	}
	return a, nil
}

func handleOf(sess *model.Session) *runtime.Handle {
	return &runtime.Handle{BackendRef: sess.BackendRef, ControlEndpoint: sess.ControlEndpoint}
}

// Provision brings sess to status=ready, idempotently. If sess is already
// ready and the runtime confirms liveness, Provision is a no-op.
func (m *Manager) Provision(ctx context.Context, sess *model.Session) error {
	return m.traced(ctx, "provision", sess.ID, func(ctx context.Context) error {
		return m.locker.WithLock(ctx, sess.ID, func() error {
			return m.provisionLocked(ctx, sess)
		})
	})
}

func (m *Manager) provisionLocked(ctx context.Context, sess *model.Session) error {
	adapter, err := m.adapterFor(sess)
	if err != nil {
		return err
	}

	if sess.Status == model.StatusReady && sess.BackendRef != "" {
		if running, exists, ierr := adapter.Inspect(ctx, sess.BackendRef); ierr == nil && exists && running {
			return nil
		}
	}

	handle, err := adapter.Provision(ctx, sess.ID, sess.Runtime)
	if err != nil {
		sess.Status = model.StatusFailed
		if sess.Metadata == nil {
			sess.Metadata = map[string]string{}
		}
		sess.Metadata["error_message"] = err.Error()
		_ = m.store.Save(ctx, sess)
		return astraerrors.NewSandboxError("provision", sess.ID, astraerrors.FailureTransient, fmt.Errorf("%w: %v", astraerrors.ErrProvisionFailed, err))
	}

	sess.Status = model.StatusReady
	sess.BackendRef = handle.BackendRef
	sess.ControlEndpoint = handle.ControlEndpoint
	if sess.WorkspacePath == "" {
		sess.WorkspacePath = "/workspace"
	}
	now := time.Now()
	sess.LastActivityAt = now
	sess.LastHeartbeatAt = now
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.ComputeExpiry()

	if sess.RestoreSnapshotID != "" && m.snapshots != nil && m.restorer != nil {
		snap, serr := m.snapshots.Get(ctx, sess.RestoreSnapshotID)
		if serr != nil {
			return m.store.Save(ctx, sess)
		}
		if rerr := m.restorer.Restore(ctx, sess, snap); rerr != nil {
			if m.log != nil {
				m.log.Warn(ctx, "restore during provision failed", "session_id", sess.ID, "error", rerr)
			}
		}
	}

	return m.store.Save(ctx, sess)
}

// Execute runs command inside sess's sandbox. If the session is not ready,
// Execute attempts exactly one auto-reprovision (including snapshot
// restore) before surfacing SandboxNotReady.
func (m *Manager) Execute(ctx context.Context, sess *model.Session, command []string, cwd string, timeoutSec int) (*runtime.ExecResult, error) {
	var res *runtime.ExecResult
	err := m.traced(ctx, "execute", sess.ID, func(ctx context.Context) error {
		if sess.Status != model.StatusReady {
			if err := m.Provision(ctx, sess); err != nil || sess.Status != model.StatusReady {
				return astraerrors.NewSandboxError("execute", sess.ID, astraerrors.FailureTransient, astraerrors.ErrSessionNotFound)
			}
		}

		adapter, err := m.adapterFor(sess)
		if err != nil {
			return err
		}

		argv := command
		if timeoutSec > 0 {
			argv = append([]string{"timeout", strconv.Itoa(timeoutSec)}, command...)
		}

		execRes, err := adapter.Exec(ctx, handleOf(sess), runtime.ExecRequest{
			Command: argv,
			WorkDir: cwd,
			Timeout: time.Duration(timeoutSec) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("sandbox: exec: %w", err)
		}
		res = execRes

		return m.locker.WithLock(ctx, sess.ID, func() error {
			sess.LastActivityAt = time.Now()
			return nil
		})
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// Upload base64-encodes content and decodes it into path inside the
// sandbox, creating parent directories first.
func (m *Manager) Upload(ctx context.Context, sess *model.Session, filePath string, content []byte) error {
	dir := path.Dir(filePath)
	if _, err := m.Execute(ctx, sess, []string{"mkdir", "-p", dir}, "", 0); err != nil {
		return fmt.Errorf("sandbox: upload mkdir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(content)
	script := fmt.Sprintf("printf '%%s' %s | base64 -d > %s", shellQuote(encoded), shellQuote(filePath))
	res, err := m.Execute(ctx, sess, []string{"sh", "-c", script}, "", 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox: upload decode exited %d", res.ExitCode)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ExportFile base64-reads path inside the sandbox, decodes it, and records
// an Artifact with a stable download URL.
func (m *Manager) ExportFile(ctx context.Context, sess *model.Session, filePath, filename, contentType string) (*model.Artifact, error) {
	res, err := m.Execute(ctx, sess, []string{"sh", "-c", "base64 " + shellQuote(filePath)}, "", 0)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: export read exited %d", res.ExitCode)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(res.Stdout))
	if err != nil {
		return nil, fmt.Errorf("sandbox: export decode: %w", err)
	}

	if filename == "" {
		filename = path.Base(filePath)
	}
	id := uuid.NewString()
	art := &model.Artifact{
		ID:          id,
		SessionID:   sess.ID,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   int64(len(decoded)),
		StoragePath: filePath,
		CreatedAt:   time.Now(),
	}
	if m.ArtifactBaseURL != "" {
		art.DownloadURL = strings.TrimRight(m.ArtifactBaseURL, "/") + "/" + id
	} else {
		art.DownloadURL = fmt.Sprintf("/sandbox/sessions/%s/artifacts/%s", sess.ID, id)
	}

	if m.artifacts != nil {
		if err := m.artifacts.Save(ctx, art); err != nil {
			return nil, fmt.Errorf("sandbox: save artifact: %w", err)
		}
	}
	return art, nil
}

// screenshotScript probes for available X11 capture tooling before falling
// back to failure if neither import nor xwd+convert is available.
const screenshotScript = `
set -e
out=/tmp/astraforge-screenshot.png
if command -v import >/dev/null 2>&1; then
  DISPLAY=${DISPLAY:-:0} import -window root "$out"
elif command -v xwd >/dev/null 2>&1 && command -v convert >/dev/null 2>&1; then
  DISPLAY=${DISPLAY:-:0} xwd -root | convert xwd:- "$out"
else
  echo "no screenshot tooling available" >&2
  exit 3
fi
base64 "$out"
`

// CaptureScreenshot captures a PNG of the sandbox's root X11 window.
func (m *Manager) CaptureScreenshot(ctx context.Context, sess *model.Session) ([]byte, error) {
	res, err := m.Execute(ctx, sess, []string{"sh", "-c", screenshotScript}, "", 30)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: screenshot tooling unavailable (exit %d)", res.ExitCode)
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(res.Stdout))
}

// Terminate best-effort destroys sess's sandbox and moves it to terminated.
// Idempotent: terminating an already-terminated session is a no-op.
func (m *Manager) Terminate(ctx context.Context, sess *model.Session, reason string) error {
	return m.traced(ctx, "terminate", sess.ID, func(ctx context.Context) error {
		return m.locker.WithLock(ctx, sess.ID, func() error {
			if sess.Status == model.StatusTerminated {
				return nil
			}
			if sess.BackendRef != "" {
				if adapter, err := m.adapterFor(sess); err == nil {
					if terr := adapter.Terminate(ctx, handleOf(sess)); terr != nil && m.log != nil {
						m.log.Warn(ctx, "runtime terminate failed", "session_id", sess.ID, "error", terr)
					}
				}
			}
			sess.Status = model.StatusTerminated
			if sess.Metadata == nil {
				sess.Metadata = map[string]string{}
			}
			if reason != "" {
				sess.Metadata["terminated_reason"] = reason
			}
			return m.store.Save(ctx, sess)
		})
	})
}
