package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/astraforge/sandbox-core/internal/astra/astraerrors"
	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/snapshot"
	"github.com/astraforge/sandbox-core/internal/format"
	"github.com/astraforge/sandbox-core/internal/observability"
)

const maxUploadBytes = 10 * 1024 * 1024 // 10MiB document upload cap, reused for raw file uploads

// routeSandboxSessions dispatches every /sandbox/sessions/... request. A
// plain ServeMux with manual path splitting is kept rather than pulling in
// a path-parameter framework, since the route set is small and fixed.
func (s *Server) routeSandboxSessions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sandbox/sessions/")
	rest = strings.Trim(rest, "/")

	if rest == "" {
		if r.Method == http.MethodPost {
			s.createSandboxSession(w, r)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.getSandboxSession(w, r, sessionID)
	case sub == "" && r.Method == http.MethodDelete:
		s.terminateSandboxSession(w, r, sessionID)
	case (sub == "shell" || sub == "shell/" || sub == "exec" || sub == "exec/") && r.Method == http.MethodPost:
		s.execSandboxSession(w, r, sessionID)
	case (sub == "upload" || sub == "upload/") && r.Method == http.MethodPost:
		s.uploadTextFile(w, r, sessionID)
	case (sub == "files/upload") && r.Method == http.MethodPost:
		s.uploadRawFile(w, r, sessionID)
	case sub == "files/content" && r.Method == http.MethodGet:
		s.readFileContent(w, r, sessionID)
	case sub == "files/export" && r.Method == http.MethodPost:
		s.exportFile(w, r, sessionID)
	case (sub == "snapshot" || sub == "snapshot/" || sub == "snapshots" || sub == "snapshots/") && r.Method == http.MethodPost:
		s.createSnapshot(w, r, sessionID)
	case (sub == "snapshots" || sub == "snapshots/") && r.Method == http.MethodGet:
		s.listSnapshots(w, r, sessionID)
	case (sub == "artifacts" || sub == "artifacts/") && r.Method == http.MethodGet:
		s.listArtifacts(w, r, sessionID)
	case (sub == "heartbeat" || sub == "heartbeat/") && r.Method == http.MethodPost:
		s.heartbeat(w, r, sessionID)
	case (sub == "screenshot" || sub == "screenshot/") && r.Method == http.MethodGet:
		s.screenshot(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

type createSessionRequest struct {
	Workspace         string            `json:"workspace"`
	Backend           string            `json:"backend"`
	Image             string            `json:"image"`
	CPU               float64           `json:"cpu"`
	MemoryBytes       int64             `json:"memory_bytes"`
	EphemeralBytes    int64             `json:"ephemeral_bytes"`
	NetworkPolicy     string            `json:"network_policy"`
	SecurityProfile   string            `json:"security_profile"`
	IdleTimeoutSec    int64             `json:"idle_timeout_sec"`
	MaxLifetimeSec    int64             `json:"max_lifetime_sec"`
	RestoreSnapshotID string            `json:"restore_snapshot_id"`
	HeartbeatExtendsLifetime bool      `json:"heartbeat_extends_lifetime"`
	Metadata          map[string]string `json:"metadata"`
}

func (s *Server) createSandboxSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	backend := model.Backend(req.Backend)
	if backend == "" {
		backend = model.Backend(s.cfg.Sandbox.DefaultBackend)
	}
	image := req.Image
	if image == "" {
		image = s.cfg.Sandbox.Image
	}
	idle := req.IdleTimeoutSec
	if idle == 0 {
		idle = int64(s.cfg.Sandbox.IdleTimeout.Seconds())
	}
	lifetime := req.MaxLifetimeSec
	if lifetime == 0 {
		lifetime = int64(s.cfg.Sandbox.MaxLifetime.Seconds())
	}

	now := time.Now()
	sess := &model.Session{
		ID:        uuid.NewString(),
		UserID:    observability.GetUserID(r.Context()),
		Workspace: req.Workspace,
		Runtime: model.RuntimeDescriptor{
			Backend: backend,
			Image:   image,
			Limits: model.ResourceLimits{
				CPU:            orDefault(req.CPU, s.cfg.Sandbox.CPULimit),
				MemoryBytes:    orDefaultInt(req.MemoryBytes, s.cfg.Sandbox.MemoryLimitMB*1024*1024),
				EphemeralBytes: req.EphemeralBytes,
			},
			NetworkPolicy:   req.NetworkPolicy,
			SecurityProfile: req.SecurityProfile,
		},
		WorkspacePath:            s.cfg.Sandbox.WorkspacePath,
		Status:                   model.StatusStarting,
		CreatedAt:                now,
		LastActivityAt:           now,
		LastHeartbeatAt:          now,
		IdleTimeoutSec:           idle,
		MaxLifetimeSec:           lifetime,
		RestoreSnapshotID:        req.RestoreSnapshotID,
		HeartbeatExtendsLifetime: req.HeartbeatExtendsLifetime,
		Metadata:                 req.Metadata,
	}
	sess.ComputeExpiry()

	if err := s.provisionWithRetry(r.Context(), sess); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.SessionsTotal.WithLabelValues(string(backend)).Inc()
		s.metrics.SessionsActive.WithLabelValues(string(sess.Status)).Inc()
	}
	writeJSON(w, http.StatusCreated, sess)
}

// provisionWithRetry implements §7's ProvisionError policy: "Session
// moves to failed; the Controller may retry once with backoff." A
// transient-classified SandboxError gets exactly one retry after a short
// exponential backoff; any other failure (or a second failure) is
// surfaced as-is.
func (s *Server) provisionWithRetry(ctx context.Context, sess *model.Session) error {
	err := s.sandbox.Provision(ctx, sess)
	if err == nil {
		return nil
	}
	sboxErr, ok := astraerrors.As(err)
	if !ok || !sboxErr.Kind.IsRetryable() {
		return err
	}
	if s.log != nil {
		s.log.Warn(ctx, "provision failed, retrying once", "session_id", sess.ID, "error", err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	return backoff.Retry(func() error {
		return s.sandbox.Provision(ctx, sess)
	}, bo)
}

func (s *Server) getSandboxSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) terminateSandboxSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if err := s.sandbox.Terminate(r.Context(), sess, "requested via controller"); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if s.bus != nil {
		s.bus.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

type execRequest struct {
	Command    []string `json:"command"`
	Cwd        string   `json:"cwd"`
	TimeoutSec int      `json:"timeout_sec"`
}

type execResponse struct {
	ExitCode   int     `json:"exit_code"`
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
	DurationSec float64 `json:"duration_sec"`
}

func (s *Server) execSandboxSession(w http.ResponseWriter, r *http.Request, id string) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, "invalid exec request")
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	start := time.Now()
	res, err := s.sandbox.Execute(r.Context(), sess, req.Command, req.Cwd, req.TimeoutSec)
	duration := time.Since(start).Seconds()
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	_ = s.store.SaveSession(r.Context(), sess)
	if s.log != nil {
		s.log.Debug(r.Context(), "sandbox exec completed", "session_id", id, "exit_code", res.ExitCode,
			"duration", format.FormatDurationSeconds(duration*1000, nil))
	}
	writeJSON(w, http.StatusOK, execResponse{
		ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, DurationSec: duration,
	})
}

type uploadTextRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) uploadTextFile(w http.ResponseWriter, r *http.Request, id string) {
	var req uploadTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "invalid upload request")
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if err := s.sandbox.Upload(r.Context(), sess, req.Path, []byte(req.Content)); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": req.Path})
}

func (s *Server) uploadRawFile(w http.ResponseWriter, r *http.Request, id string) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path query parameter")
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	content, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if err := s.sandbox.Upload(r.Context(), sess, path, content); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "size_bytes": len(content)})
}

func (s *Server) readFileContent(w http.ResponseWriter, r *http.Request, id string) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path query parameter")
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	res, err := s.sandbox.Execute(r.Context(), sess, []string{"sh", "-c", "base64 " + shQuote(path)}, "", 30)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if res.ExitCode != 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("file read failed (exit %d)", res.ExitCode))
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(res.Stdout))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "decode failed")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(decoded)
}

type exportFileRequest struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (s *Server) exportFile(w http.ResponseWriter, r *http.Request, id string) {
	var req exportFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "invalid export request")
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	art, err := s.sandbox.ExportFile(r.Context(), sess, req.Path, req.Filename, req.ContentType)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

type createSnapshotRequest struct {
	Label        string   `json:"label"`
	IncludePaths []string `json:"include_paths"`
	ExcludePaths []string `json:"exclude_paths"`
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	var req createSnapshotRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid snapshot request")
			return
		}
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	snap, err := s.snaps.Create(r.Context(), sess, snapshot.CreateParams{
		Label: req.Label, IncludePaths: req.IncludePaths, ExcludePaths: req.ExcludePaths,
	})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if err := s.store.SaveSnapshot(r.Context(), snap); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request, id string) {
	snaps, err := s.store.ListSnapshots(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request, id string) {
	arts, err := s.store.ListArtifacts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	now := time.Now()
	sess.LastHeartbeatAt = now
	sess.LastActivityAt = now
	if sess.HeartbeatExtendsLifetime && sess.MaxLifetimeSec > 0 {
		expiry := now.Add(time.Duration(sess.MaxLifetimeSec) * time.Second)
		sess.ExpiresAt = &expiry
	}
	if err := s.store.SaveSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"last_heartbeat_at": now.Format(time.RFC3339)})
}

// placeholderPNG is a 1x1 transparent PNG served when screenshot capture
// fails, so a screenshot endpoint never returns an empty body.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	png, err := s.sandbox.CaptureScreenshot(r.Context(), sess)
	if err != nil {
		if s.log != nil {
			s.log.Warn(r.Context(), "screenshot capture failed, serving placeholder", "session_id", id, "error", err)
		}
		_, _ = w.Write(placeholderPNG)
		return
	}
	_, _ = w.Write(png)
}

func shQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
