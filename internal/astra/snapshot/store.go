// Package snapshot produces and consumes compressed tar archives of
// workspace paths through the Runtime Adapter, optionally offloading them
// to an object store. It never interprets archive contents.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/objectstore"
	"github.com/astraforge/sandbox-core/internal/astra/runtime"
	"github.com/astraforge/sandbox-core/internal/infra"
	"github.com/astraforge/sandbox-core/internal/observability"
)

// Store produces and consumes snapshots for sessions via their Runtime
// Adapter handle.
type Store struct {
	adapters *runtime.Registry
	objects  objectstore.Store // nil disables offload
	tracer   *observability.Tracer

	// inFlight serializes concurrent snapshot creation for the same
	// session so at most one archive operation runs per session at a time.
	inFlight infra.Group[string, *model.Snapshot]
}

// New constructs a Store. objects may be nil when no object store is
// configured, per SANDBOX_S3_BUCKET being unset.
func New(adapters *runtime.Registry, objects objectstore.Store) *Store {
	return &Store{adapters: adapters, objects: objects}
}

// SetTracer attaches a Tracer that spans every subsequent Create/Restore
// call. Unset (nil) leaves the store untraced.
func (s *Store) SetTracer(t *observability.Tracer) { s.tracer = t }

func (s *Store) traced(ctx context.Context, op, sessionID string, fn func(context.Context) error) error {
	if s.tracer == nil {
		return fn(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "snapshot."+op, observability.SpanOptions{
		Kind:       trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{attribute.String("session_id", sessionID)},
	})
	defer span.End()
	err := fn(ctx)
	if err != nil {
		s.tracer.RecordError(span, err)
	}
	return err
}

// archivePath is the canonical in-sandbox location for a snapshot archive.
func archivePath(workspace, id string) string {
	return strings.TrimRight(workspace, "/") + "/.sandbox-snapshots/" + id + ".tar.gz"
}

// CreateParams are the caller-supplied inputs to Create.
type CreateParams struct {
	IncludePaths []string
	ExcludePaths []string
	Label        string
}

// Create archives the given workspace paths inside the session's sandbox,
// optionally offloads the resulting bytes to the object store, and returns
// the resulting Snapshot.
func (s *Store) Create(ctx context.Context, sess *model.Session, p CreateParams) (*model.Snapshot, error) {
	var snap *model.Snapshot
	err := s.traced(ctx, "create", sess.ID, func(ctx context.Context) error {
		var ierr error
		snap, ierr, _ = s.inFlight.Do(sess.ID, func() (*model.Snapshot, error) {
			return s.create(ctx, sess, p)
		})
		return ierr
	})
	return snap, err
}

func (s *Store) create(ctx context.Context, sess *model.Session, p CreateParams) (*model.Snapshot, error) {
	adapter, ok := s.adapters.For(sess.Runtime.Backend)
	if !ok {
		return nil, fmt.Errorf("snapshot: no adapter for backend %s", sess.Runtime.Backend)
	}
	handle := &runtime.Handle{BackendRef: sess.BackendRef, ControlEndpoint: sess.ControlEndpoint}

	id := uuid.NewString()
	path := archivePath(sess.WorkspacePath, id)
	includes := p.IncludePaths
	if len(includes) == 0 {
		includes = []string{sess.WorkspacePath}
	}

	if _, err := adapter.Exec(ctx, handle, runtime.ExecRequest{
		Command: []string{"mkdir", "-p", strings.TrimRight(sess.WorkspacePath, "/") + "/.sandbox-snapshots"},
	}); err != nil {
		return nil, fmt.Errorf("snapshot: prepare dir: %w", err)
	}

	tarArgs := []string{"tar", "-czf", path}
	for _, ex := range p.ExcludePaths {
		tarArgs = append(tarArgs, "--exclude="+ex)
	}
	tarArgs = append(tarArgs, includes...)
	res, err := adapter.Exec(ctx, handle, runtime.ExecRequest{Command: tarArgs})
	if err != nil {
		return nil, fmt.Errorf("snapshot: tar: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("snapshot: tar exited %d: %s", res.ExitCode, res.Stdout)
	}

	statRes, err := adapter.Exec(ctx, handle, runtime.ExecRequest{Command: []string{"stat", "-c", "%s", path}})
	var sizeBytes int64
	if err == nil && statRes.ExitCode == 0 {
		sizeBytes, _ = strconv.ParseInt(strings.TrimSpace(statRes.Stdout), 10, 64)
	}

	snap := &model.Snapshot{
		ID:           id,
		SessionID:    sess.ID,
		Label:        p.Label,
		ArchivePath:  path,
		SizeBytes:    sizeBytes,
		IncludePaths: includes,
		ExcludePaths: p.ExcludePaths,
		CreatedAt:    time.Now(),
	}

	if s.objects != nil {
		rc, err := adapter.ReadFile(ctx, handle, path)
		if err != nil {
			return nil, fmt.Errorf("snapshot: read archive for offload: %w", err)
		}
		defer rc.Close()
		key := fmt.Sprintf("snapshots/%s/%s.tar.gz", sess.ID, id)
		if _, err := s.objects.Put(ctx, key, rc, objectstore.PutOptions{ContentType: "application/gzip"}); err != nil {
			return nil, fmt.Errorf("snapshot: offload: %w", err)
		}
		snap.ObjectStoreKey = key
	}

	if sess.Metadata == nil {
		sess.Metadata = map[string]string{}
	}
	sess.Metadata["latest_snapshot_id"] = snap.ID

	return snap, nil
}

// Restore extracts snap into sess's sandbox, fetching the archive from the
// object store first if it is not already present on the sandbox
// filesystem. The extraction flags are mandatory: they preserve the
// sandbox's own ownership/permission metadata and never clobber a
// live-mounted directory.
func (s *Store) Restore(ctx context.Context, sess *model.Session, snap *model.Snapshot) error {
	return s.traced(ctx, "restore", sess.ID, func(ctx context.Context) error {
		return s.restore(ctx, sess, snap)
	})
}

func (s *Store) restore(ctx context.Context, sess *model.Session, snap *model.Snapshot) error {
	adapter, ok := s.adapters.For(sess.Runtime.Backend)
	if !ok {
		return fmt.Errorf("snapshot: no adapter for backend %s", sess.Runtime.Backend)
	}
	handle := &runtime.Handle{BackendRef: sess.BackendRef, ControlEndpoint: sess.ControlEndpoint}

	existsRes, err := adapter.Exec(ctx, handle, runtime.ExecRequest{Command: []string{"test", "-f", snap.ArchivePath}, Timeout: 0})
	archiveExists := err == nil && existsRes.ExitCode == 0

	if !archiveExists {
		if snap.ObjectStoreKey == "" {
			return fmt.Errorf("snapshot: archive missing and no object store key recorded")
		}
		if s.objects == nil {
			return fmt.Errorf("snapshot: archive missing and no object store configured")
		}
		rc, err := s.objects.Get(ctx, snap.ObjectStoreKey)
		if err != nil {
			return fmt.Errorf("snapshot: fetch from object store: %w", err)
		}
		defer rc.Close()
		if err := writeArchive(ctx, adapter, handle, snap.ArchivePath, rc); err != nil {
			return err
		}
	}

	res, err := adapter.Exec(ctx, handle, runtime.ExecRequest{
		Command: []string{"tar", "-xzf", snap.ArchivePath, "-C", "/", "--no-same-owner", "--no-same-permissions", "--no-overwrite-dir", "-m"},
	})
	if err != nil {
		return fmt.Errorf("snapshot: restore extract: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("snapshot: restore extract exited %d: %s", res.ExitCode, res.Stdout)
	}

	if sess.Metadata == nil {
		sess.Metadata = map[string]string{}
	}
	sess.Metadata["latest_snapshot_id"] = snap.ID
	return nil
}

func writeArchive(ctx context.Context, adapter runtime.Adapter, handle *runtime.Handle, path string, data io.Reader) error {
	dir := path[:strings.LastIndex(path, "/")]
	if _, err := adapter.Exec(ctx, handle, runtime.ExecRequest{Command: []string{"mkdir", "-p", dir}}); err != nil {
		return fmt.Errorf("snapshot: mkdir for restore: %w", err)
	}
	if err := adapter.WriteFile(ctx, handle, path, data); err != nil {
		return fmt.Errorf("snapshot: write fetched archive: %w", err)
	}
	return nil
}
