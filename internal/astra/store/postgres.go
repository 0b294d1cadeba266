package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astraforge/sandbox-core/internal/astra/astraerrors"
	"github.com/astraforge/sandbox-core/internal/astra/model"
)

// PostgresStore is the multi-node persistence backend. Unlike SQLiteStore
// it takes the Session row's lock explicitly (SELECT ... FOR UPDATE) around
// SaveSession, since multiple orchestrator processes may contend on the
// same session concurrently.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and runs pending schema migrations via
// golang-migrate before returning.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if err := migratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migration source: %w", err)
	}
	dbDriver, err := pgxmigrate.WithInstance(pool, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("store: init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return fmt.Errorf("store: init migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return s.getSession(ctx, s.pool, id)
}

func (s *PostgresStore) getSession(ctx context.Context, q pgxQuerier, id string) (*model.Session, error) {
	row := q.QueryRow(ctx, `SELECT id, user_id, workspace, backend, image, cpu_limit,
		memory_bytes, ephemeral_bytes, network_policy, security_profile, backend_ref,
		control_endpoint, workspace_path, status, created_at, last_activity_at,
		last_heartbeat_at, expires_at, idle_timeout_sec, max_lifetime_sec,
		restore_snapshot_id, cpu_seconds, storage_bytes, heartbeat_extends_lifetime, metadata
		FROM sessions WHERE id = $1`, id)

	var r sessionRow
	if err := row.Scan(&r.ID, &r.UserID, &r.Workspace, &r.Backend, &r.Image, &r.CPU,
		&r.MemoryBytes, &r.EphemeralBytes, &r.NetworkPolicy, &r.SecurityProfile, &r.BackendRef,
		&r.ControlEndpoint, &r.WorkspacePath, &r.Status, &r.CreatedAt, &r.LastActivityAt,
		&r.LastHeartbeatAt, &r.ExpiresAt, &r.IdleTimeoutSec, &r.MaxLifetimeSec,
		&r.RestoreSnapshotID, &r.CPUSeconds, &r.StorageBytes, &r.HeartbeatExtendsLifetime, &r.Metadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, astraerrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return r.toSession()
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// getSession run either outside or inside the locking transaction SaveSession
// uses.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SaveSession upserts sess inside a transaction that first takes a row lock
// (SELECT ... FOR UPDATE) on any existing row with the same id, giving the
// Reaper, Controller, and Driver mutual exclusion across orchestrator
// processes, not just within one.
func (s *PostgresStore) SaveSession(ctx context.Context, sess *model.Session) error {
	r, err := rowFromSession(sess)
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("store: begin session tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var discard string
	_ = tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, r.ID).Scan(&discard)

	_, err = tx.Exec(ctx, `INSERT INTO sessions (id, user_id, workspace, backend, image,
		cpu_limit, memory_bytes, ephemeral_bytes, network_policy, security_profile, backend_ref,
		control_endpoint, workspace_path, status, created_at, last_activity_at, last_heartbeat_at,
		expires_at, idle_timeout_sec, max_lifetime_sec, restore_snapshot_id, cpu_seconds,
		storage_bytes, heartbeat_extends_lifetime, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		ON CONFLICT (id) DO UPDATE SET
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
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListReadySessions(ctx context.Context) ([]*model.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, workspace, backend, image, cpu_limit,
		memory_bytes, ephemeral_bytes, network_policy, security_profile, backend_ref,
		control_endpoint, workspace_path, status, created_at, last_activity_at,
		last_heartbeat_at, expires_at, idle_timeout_sec, max_lifetime_sec,
		restore_snapshot_id, cpu_seconds, storage_bytes, heartbeat_extends_lifetime, metadata
		FROM sessions WHERE status = $1`, string(model.StatusReady))
	if err != nil {
		return nil, fmt.Errorf("store: list ready sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var r sessionRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.Workspace, &r.Backend, &r.Image, &r.CPU,
			&r.MemoryBytes, &r.EphemeralBytes, &r.NetworkPolicy, &r.SecurityProfile, &r.BackendRef,
			&r.ControlEndpoint, &r.WorkspacePath, &r.Status, &r.CreatedAt, &r.LastActivityAt,
			&r.LastHeartbeatAt, &r.ExpiresAt, &r.IdleTimeoutSec, &r.MaxLifetimeSec,
			&r.RestoreSnapshotID, &r.CPUSeconds, &r.StorageBytes, &r.HeartbeatExtendsLifetime, &r.Metadata); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sess, err := r.toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	r, err := rowFromSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO snapshots (id, session_id, label, archive_path,
		object_store_key, size_bytes, include_paths, exclude_paths, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.SessionID, r.Label, r.ArchivePath, r.ObjectStoreKey, r.SizeBytes,
		r.IncludePaths, r.ExcludePaths, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, session_id, label, archive_path, object_store_key,
		size_bytes, include_paths, exclude_paths, created_at FROM snapshots WHERE id = $1`, id)
	var r snapshotRow
	if err := row.Scan(&r.ID, &r.SessionID, &r.Label, &r.ArchivePath, &r.ObjectStoreKey,
		&r.SizeBytes, &r.IncludePaths, &r.ExcludePaths, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, astraerrors.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("store: get snapshot: %w", err)
	}
	return r.toSnapshot()
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, sessionID string) ([]*model.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, session_id, label, archive_path, object_store_key,
		size_bytes, include_paths, exclude_paths, created_at FROM snapshots WHERE session_id = $1
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

func (s *PostgresStore) SaveArtifact(ctx context.Context, art *model.Artifact) error {
	r := rowFromArtifact(art)
	_, err := s.pool.Exec(ctx, `INSERT INTO artifacts (id, session_id, filename, content_type,
		size_bytes, storage_path, download_url, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.SessionID, r.Filename, r.ContentType, r.SizeBytes, r.StoragePath, r.DownloadURL, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, session_id, filename, content_type, size_bytes,
		storage_path, download_url, created_at FROM artifacts WHERE id = $1`, id)
	var r artifactRow
	if err := row.Scan(&r.ID, &r.SessionID, &r.Filename, &r.ContentType, &r.SizeBytes,
		&r.StoragePath, &r.DownloadURL, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: artifact %s not found", id)
		}
		return nil, fmt.Errorf("store: get artifact: %w", err)
	}
	return r.toArtifact(), nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, sessionID string) ([]*model.Artifact, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, session_id, filename, content_type, size_bytes,
		storage_path, download_url, created_at FROM artifacts WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
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

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, session_id, status, plan, plan_steps, summary,
		messages, events, created_at, updated_at, goal, last_snapshot_id
		FROM conversations WHERE id = $1`, id)
	return scanConversationPgx(row)
}

func (s *PostgresStore) GetConversationBySession(ctx context.Context, sessionID string) (*model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, session_id, status, plan, plan_steps, summary,
		messages, events, created_at, updated_at, goal, last_snapshot_id
		FROM conversations WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanConversationPgx(row)
}

func scanConversationPgx(row pgx.Row) (*model.Conversation, error) {
	var r conversationRow
	if err := row.Scan(&r.ID, &r.SessionID, &r.Status, &r.Plan, &r.PlanSteps, &r.Summary,
		&r.Messages, &r.Events, &r.CreatedAt, &r.UpdatedAt, &r.Goal, &r.LastSnapshotID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, astraerrors.ErrConversationNotFound
		}
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return r.toConversation()
}

func (s *PostgresStore) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	r, err := rowFromConversation(conv)
	if err != nil {
		return fmt.Errorf("store: encode conversation: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO conversations (id, session_id, status, plan,
		plan_steps, summary, messages, events, created_at, updated_at, goal, last_snapshot_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET status=excluded.status, plan=excluded.plan,
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

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, sessionID string, state model.ConversationState, nextNode string) error {
	payload, err := marshalState(state)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO checkpoints (session_id, next_node, state, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (session_id) DO UPDATE SET next_node=excluded.next_node, state=excluded.state,
			updated_at=excluded.updated_at`,
		sessionID, nextNode, payload, time.Now())
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, sessionID string) (model.ConversationState, string, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT next_node, state FROM checkpoints WHERE session_id = $1`, sessionID)
	var nextNode, payload string
	if err := row.Scan(&nextNode, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
