package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/astraforge/sandbox-core/internal/astra/astraerrors"
	"github.com/astraforge/sandbox-core/internal/astra/model"
)

// SQLiteStore is the default single-node persistence backend, backed by
// the pure-Go modernc.org/sqlite driver (no cgo required to build).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) a sqlite database at path and
// applies the embedded schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers anyway; avoid SQLITE_BUSY churn
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the embedded schema directly: every statement in
// migrations/000001_init.up.sql is CREATE ... IF NOT EXISTS, so re-running
// it on every startup is safe and sidesteps needing golang-migrate's cgo
// sqlite3 driver alongside the pure-Go modernc.org/sqlite one (see
// DESIGN.md).
func (s *SQLiteStore) migrate(ctx context.Context) error {
	sqlBytes, err := migrationsFS.ReadFile("migrations/000001_init.up.sql")
	if err != nil {
		return fmt.Errorf("store: read embedded schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, workspace, backend, image, cpu_limit,
		memory_bytes, ephemeral_bytes, network_policy, security_profile, backend_ref,
		control_endpoint, workspace_path, status, created_at, last_activity_at,
		last_heartbeat_at, expires_at, idle_timeout_sec, max_lifetime_sec,
		restore_snapshot_id, cpu_seconds, storage_bytes, heartbeat_extends_lifetime, metadata
		FROM sessions WHERE id = ?`, id)

	var r sessionRow
	var expires sql.NullTime
	if err := row.Scan(&r.ID, &r.UserID, &r.Workspace, &r.Backend, &r.Image, &r.CPU,
		&r.MemoryBytes, &r.EphemeralBytes, &r.NetworkPolicy, &r.SecurityProfile, &r.BackendRef,
		&r.ControlEndpoint, &r.WorkspacePath, &r.Status, &r.CreatedAt, &r.LastActivityAt,
		&r.LastHeartbeatAt, &expires, &r.IdleTimeoutSec, &r.MaxLifetimeSec,
		&r.RestoreSnapshotID, &r.CPUSeconds, &r.StorageBytes, &r.HeartbeatExtendsLifetime, &r.Metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, astraerrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if expires.Valid {
		r.ExpiresAt = &expires.Time
	}
	return r.toSession()
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *model.Session) error {
	r, err := rowFromSession(sess)
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (id, user_id, workspace, backend, image,
		cpu_limit, memory_bytes, ephemeral_bytes, network_policy, security_profile, backend_ref,
		control_endpoint, workspace_path, status, created_at, last_activity_at, last_heartbeat_at,
		expires_at, idle_timeout_sec, max_lifetime_sec, restore_snapshot_id, cpu_seconds,
		storage_bytes, heartbeat_extends_lifetime, metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			backend=excluded.backend, image=excluded.image, cpu_limit=excluded.cpu_limit,
			memory_bytes=excluded.memory_bytes, ephemeral_bytes=excluded.ephemeral_bytes,
			network_policy=excluded.network_policy, security_profile=excluded.security_profile,
			backend_ref=excluded.backend_ref, control_endpoint=excluded.control_endpoint,
			workspace_path=excluded.workspace_path, status=excluded.status,
			last_activity_at=excluded.last_activity_at, last_heartbeat_at=excluded.last_heartbeat_at,
			expires_at=excluded.expires_at, idle_timeout_sec=excluded.idle_timeout_sec,
			max_lifetime_sec=excluded.max_lifetime_sec, restore_snapshot_id=excluded.restore_snapshot_id,
			cpu_seconds=excluded.cpu_seconds, storage_bytes=excluded.storage_bytes,
			heartbeat_extends_lifetime=excluded.heartbeat_extends_lifetime,
			metadata=excluded.metadata`,
		r.ID, r.UserID, r.Workspace, r.Backend, r.Image, r.CPU, r.MemoryBytes, r.EphemeralBytes,
		r.NetworkPolicy, r.SecurityProfile, r.BackendRef, r.ControlEndpoint, r.WorkspacePath,
		r.Status, r.CreatedAt, r.LastActivityAt, r.LastHeartbeatAt, r.ExpiresAt, r.IdleTimeoutSec,
		r.MaxLifetimeSec, r.RestoreSnapshotID, r.CPUSeconds, r.StorageBytes, r.HeartbeatExtendsLifetime, r.Metadata)
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListReadySessions(ctx context.Context) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, workspace, backend, image, cpu_limit,
		memory_bytes, ephemeral_bytes, network_policy, security_profile, backend_ref,
		control_endpoint, workspace_path, status, created_at, last_activity_at,
		last_heartbeat_at, expires_at, idle_timeout_sec, max_lifetime_sec,
		restore_snapshot_id, cpu_seconds, storage_bytes, heartbeat_extends_lifetime, metadata
		FROM sessions WHERE status = ?`, string(model.StatusReady))
	if err != nil {
		return nil, fmt.Errorf("store: list ready sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var r sessionRow
		var expires sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.Workspace, &r.Backend, &r.Image, &r.CPU,
			&r.MemoryBytes, &r.EphemeralBytes, &r.NetworkPolicy, &r.SecurityProfile, &r.BackendRef,
			&r.ControlEndpoint, &r.WorkspacePath, &r.Status, &r.CreatedAt, &r.LastActivityAt,
			&r.LastHeartbeatAt, &expires, &r.IdleTimeoutSec, &r.MaxLifetimeSec,
			&r.RestoreSnapshotID, &r.CPUSeconds, &r.StorageBytes, &r.HeartbeatExtendsLifetime, &r.Metadata); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		if expires.Valid {
			r.ExpiresAt = &expires.Time
		}
		sess, err := r.toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	r, err := rowFromSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshots (id, session_id, label, archive_path,
		object_store_key, size_bytes, include_paths, exclude_paths, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		r.ID, r.SessionID, r.Label, r.ArchivePath, r.ObjectStoreKey, r.SizeBytes,
		r.IncludePaths, r.ExcludePaths, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, label, archive_path, object_store_key,
		size_bytes, include_paths, exclude_paths, created_at FROM snapshots WHERE id = ?`, id)
	var r snapshotRow
	if err := row.Scan(&r.ID, &r.SessionID, &r.Label, &r.ArchivePath, &r.ObjectStoreKey,
		&r.SizeBytes, &r.IncludePaths, &r.ExcludePaths, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, astraerrors.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("store: get snapshot: %w", err)
	}
	return r.toSnapshot()
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, sessionID string) ([]*model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, label, archive_path, object_store_key,
		size_bytes, include_paths, exclude_paths, created_at FROM snapshots WHERE session_id = ?
		ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	defer rows.Close()
	var out []*model.Snapshot
	for rows.Next() {
		var r snapshotRow
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Label, &r.ArchivePath, &r.ObjectStoreKey,
			&r.SizeBytes, &r.IncludePaths, &r.ExcludePaths, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		snap, err := r.toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveArtifact(ctx context.Context, art *model.Artifact) error {
	r := rowFromArtifact(art)
	_, err := s.db.ExecContext(ctx, `INSERT INTO artifacts (id, session_id, filename, content_type,
		size_bytes, storage_path, download_url, created_at) VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.SessionID, r.Filename, r.ContentType, r.SizeBytes, r.StoragePath, r.DownloadURL, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, filename, content_type, size_bytes,
		storage_path, download_url, created_at FROM artifacts WHERE id = ?`, id)
	var r artifactRow
	if err := row.Scan(&r.ID, &r.SessionID, &r.Filename, &r.ContentType, &r.SizeBytes,
		&r.StoragePath, &r.DownloadURL, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: artifact %s not found", id)
		}
		return nil, fmt.Errorf("store: get artifact: %w", err)
	}
	return r.toArtifact(), nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, sessionID string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, filename, content_type, size_bytes,
		storage_path, download_url, created_at FROM artifacts WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()
	var out []*model.Artifact
	for rows.Next() {
		var r artifactRow
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Filename, &r.ContentType, &r.SizeBytes,
			&r.StoragePath, &r.DownloadURL, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		out = append(out, r.toArtifact())
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, status, plan, plan_steps, summary,
		messages, events, created_at, updated_at, goal, last_snapshot_id
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *SQLiteStore) GetConversationBySession(ctx context.Context, sessionID string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, status, plan, plan_steps, summary,
		messages, events, created_at, updated_at, goal, last_snapshot_id
		FROM conversations WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*model.Conversation, error) {
	var r conversationRow
	if err := row.Scan(&r.ID, &r.SessionID, &r.Status, &r.Plan, &r.PlanSteps, &r.Summary,
		&r.Messages, &r.Events, &r.CreatedAt, &r.UpdatedAt, &r.Goal, &r.LastSnapshotID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, astraerrors.ErrConversationNotFound
		}
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return r.toConversation()
}

func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	r, err := rowFromConversation(conv)
	if err != nil {
		return fmt.Errorf("store: encode conversation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (id, session_id, status, plan,
		plan_steps, summary, messages, events, created_at, updated_at, goal, last_snapshot_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, plan=excluded.plan,
			plan_steps=excluded.plan_steps, summary=excluded.summary, messages=excluded.messages,
			events=excluded.events, updated_at=excluded.updated_at, goal=excluded.goal,
			last_snapshot_id=excluded.last_snapshot_id`,
		r.ID, r.SessionID, r.Status, r.Plan, r.PlanSteps, r.Summary, r.Messages, r.Events,
		r.CreatedAt, r.UpdatedAt, r.Goal, r.LastSnapshotID)
	if err != nil {
		return fmt.Errorf("store: save conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, sessionID string, state model.ConversationState, nextNode string) error {
	payload, err := marshalState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO checkpoints (session_id, next_node, state, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET next_node=excluded.next_node, state=excluded.state,
			updated_at=excluded.updated_at`,
		sessionID, nextNode, payload, time.Now())
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, sessionID string) (model.ConversationState, string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT next_node, state FROM checkpoints WHERE session_id = ?`, sessionID)
	var nextNode, payload string
	if err := row.Scan(&nextNode, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ConversationState{}, "", false, nil
		}
		return model.ConversationState{}, "", false, fmt.Errorf("store: load checkpoint: %w", err)
	}
	state, err := unmarshalState(payload)
	if err != nil {
		return model.ConversationState{}, "", false, err
	}
	return state, nextNode, true, nil
}
