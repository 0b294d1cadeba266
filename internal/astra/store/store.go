// Package store persists the Session, Snapshot, Artifact, Conversation, and
// graph-checkpoint aggregates. Two backends satisfy the same interfaces:
// SQLiteStore for single-node deployments and PostgresStore for multi-node
// ones, the latter adding row-level locking over the Session aggregate.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the full persistence surface the orchestrator needs. Both
// backends implement it; callers depend on the interface, never the
// concrete type, so the Lifecycle Manager, Reaper, and Graph Driver stay
// backend-agnostic.
type Store interface {
	// Sessions
	GetSession(ctx context.Context, id string) (*model.Session, error)
	SaveSession(ctx context.Context, sess *model.Session) error
	ListReadySessions(ctx context.Context) ([]*model.Session, error)

	// Snapshots
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	ListSnapshots(ctx context.Context, sessionID string) ([]*model.Snapshot, error)

	// Artifacts
	SaveArtifact(ctx context.Context, art *model.Artifact) error
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, sessionID string) ([]*model.Artifact, error)

	// Conversations
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetConversationBySession(ctx context.Context, sessionID string) (*model.Conversation, error)
	SaveConversation(ctx context.Context, conv *model.Conversation) error

	// Graph checkpoints
	SaveCheckpoint(ctx context.Context, sessionID string, state model.ConversationState, nextNode string) error
	LoadCheckpoint(ctx context.Context, sessionID string) (state model.ConversationState, nextNode string, ok bool, err error)

	Close() error
}

type sessionRow struct {
	ID                string
	UserID            string
	Workspace         string
	Backend           string
	Image             string
	CPU               float64
	MemoryBytes       int64
	EphemeralBytes    int64
	NetworkPolicy     string
	SecurityProfile   string
	BackendRef        string
	ControlEndpoint   string
	WorkspacePath     string
	Status            string
	CreatedAt         time.Time
	LastActivityAt    time.Time
	LastHeartbeatAt   time.Time
	ExpiresAt         *time.Time
	IdleTimeoutSec    int64
	MaxLifetimeSec    int64
	RestoreSnapshotID string
	CPUSeconds        float64
	StorageBytes      int64
	HeartbeatExtendsLifetime bool
	Metadata          string
}

func rowFromSession(s *model.Session) (sessionRow, error) {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return sessionRow{}, err
	}
	return sessionRow{
		ID:                s.ID,
		UserID:            s.UserID,
		Workspace:         s.Workspace,
		Backend:           string(s.Runtime.Backend),
		Image:             s.Runtime.Image,
		CPU:               s.Runtime.Limits.CPU,
		MemoryBytes:       s.Runtime.Limits.MemoryBytes,
		EphemeralBytes:    s.Runtime.Limits.EphemeralBytes,
		NetworkPolicy:     s.Runtime.NetworkPolicy,
		SecurityProfile:   s.Runtime.SecurityProfile,
		BackendRef:        s.BackendRef,
		ControlEndpoint:   s.ControlEndpoint,
		WorkspacePath:     s.WorkspacePath,
		Status:            string(s.Status),
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.LastActivityAt,
		LastHeartbeatAt:   s.LastHeartbeatAt,
		ExpiresAt:         s.ExpiresAt,
		IdleTimeoutSec:    s.IdleTimeoutSec,
		MaxLifetimeSec:    s.MaxLifetimeSec,
		RestoreSnapshotID: s.RestoreSnapshotID,
		CPUSeconds:        s.CPUSeconds,
		StorageBytes:      s.StorageBytes,
		HeartbeatExtendsLifetime: s.HeartbeatExtendsLifetime,
		Metadata:          string(meta),
	}, nil
}

func (r sessionRow) toSession() (*model.Session, error) {
	var meta map[string]string
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return nil, err
		}
	}
	return &model.Session{
		ID:        r.ID,
		UserID:    r.UserID,
		Workspace: r.Workspace,
		Runtime: model.RuntimeDescriptor{
			Backend: model.Backend(r.Backend),
			Image:   r.Image,
			Limits: model.ResourceLimits{
				CPU:            r.CPU,
				MemoryBytes:    r.MemoryBytes,
				EphemeralBytes: r.EphemeralBytes,
			},
			NetworkPolicy:   r.NetworkPolicy,
			SecurityProfile: r.SecurityProfile,
		},
		BackendRef:        r.BackendRef,
		ControlEndpoint:   r.ControlEndpoint,
		WorkspacePath:     r.WorkspacePath,
		Status:            model.Status(r.Status),
		CreatedAt:         r.CreatedAt,
		LastActivityAt:    r.LastActivityAt,
		LastHeartbeatAt:   r.LastHeartbeatAt,
		ExpiresAt:         r.ExpiresAt,
		IdleTimeoutSec:    r.IdleTimeoutSec,
		MaxLifetimeSec:    r.MaxLifetimeSec,
		RestoreSnapshotID: r.RestoreSnapshotID,
		CPUSeconds:        r.CPUSeconds,
		StorageBytes:      r.StorageBytes,
		HeartbeatExtendsLifetime: r.HeartbeatExtendsLifetime,
		Metadata:          meta,
	}, nil
}

type snapshotRow struct {
	ID             string
	SessionID      string
	Label          string
	ArchivePath    string
	ObjectStoreKey string
	SizeBytes      int64
	IncludePaths   string
	ExcludePaths   string
	CreatedAt      time.Time
}

func rowFromSnapshot(s *model.Snapshot) (snapshotRow, error) {
	inc, err := json.Marshal(s.IncludePaths)
	if err != nil {
		return snapshotRow{}, err
	}
	exc, err := json.Marshal(s.ExcludePaths)
	if err != nil {
		return snapshotRow{}, err
	}
	return snapshotRow{
		ID:             s.ID,
		SessionID:      s.SessionID,
		Label:          s.Label,
		ArchivePath:    s.ArchivePath,
		ObjectStoreKey: s.ObjectStoreKey,
		SizeBytes:      s.SizeBytes,
		IncludePaths:   string(inc),
		ExcludePaths:   string(exc),
		CreatedAt:      s.CreatedAt,
	}, nil
}

func (r snapshotRow) toSnapshot() (*model.Snapshot, error) {
	var inc, exc []string
	if err := json.Unmarshal([]byte(r.IncludePaths), &inc); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.ExcludePaths), &exc); err != nil {
		return nil, err
	}
	return &model.Snapshot{
		ID:             r.ID,
		SessionID:      r.SessionID,
		Label:          r.Label,
		ArchivePath:    r.ArchivePath,
		ObjectStoreKey: r.ObjectStoreKey,
		SizeBytes:      r.SizeBytes,
		IncludePaths:   inc,
		ExcludePaths:   exc,
		CreatedAt:      r.CreatedAt,
	}, nil
}

type conversationRow struct {
	ID             string
	SessionID      string
	Status         string
	Plan           string
	PlanSteps      string
	Summary        string
	Messages       string
	Events         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Goal           string
	LastSnapshotID string
}

func rowFromConversation(c *model.Conversation) (conversationRow, error) {
	steps, err := json.Marshal(c.State.PlanSteps)
	if err != nil {
		return conversationRow{}, err
	}
	msgs, err := json.Marshal(c.State.Messages)
	if err != nil {
		return conversationRow{}, err
	}
	events, err := json.Marshal(c.Events)
	if err != nil {
		return conversationRow{}, err
	}
	return conversationRow{
		ID:             c.ID,
		SessionID:      c.SessionID,
		Status:         string(c.Status),
		Plan:           c.State.Plan,
		PlanSteps:      string(steps),
		Summary:        c.State.Summary,
		Messages:       string(msgs),
		Events:         string(events),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		Goal:           c.Goal,
		LastSnapshotID: c.LastSnapshotID,
	}, nil
}

func (r conversationRow) toConversation() (*model.Conversation, error) {
	var steps []model.PlanStep
	if err := json.Unmarshal([]byte(r.PlanSteps), &steps); err != nil {
		return nil, err
	}
	var msgs []model.Message
	if err := json.Unmarshal([]byte(r.Messages), &msgs); err != nil {
		return nil, err
	}
	var events []model.Event
	if err := json.Unmarshal([]byte(r.Events), &events); err != nil {
		return nil, err
	}
	return &model.Conversation{
		ID:        r.ID,
		SessionID: r.SessionID,
		Status:    model.ConversationStatus(r.Status),
		Goal:      r.Goal,
		State: model.ConversationState{
			Plan:      r.Plan,
			PlanSteps: steps,
			Summary:   r.Summary,
			Messages:  msgs,
		},
		LastSnapshotID: r.LastSnapshotID,
		Events:         events,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

type artifactRow struct {
	ID          string
	SessionID   string
	Filename    string
	ContentType string
	SizeBytes   int64
	StoragePath string
	DownloadURL string
	CreatedAt   time.Time
}

func rowFromArtifact(a *model.Artifact) artifactRow {
	return artifactRow{
		ID:          a.ID,
		SessionID:   a.SessionID,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		SizeBytes:   a.SizeBytes,
		StoragePath: a.StoragePath,
		DownloadURL: a.DownloadURL,
		CreatedAt:   a.CreatedAt,
	}
}

func marshalState(state model.ConversationState) (string, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("store: encode checkpoint state: %w", err)
	}
	return string(b), nil
}

func unmarshalState(payload string) (model.ConversationState, error) {
	var state model.ConversationState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return model.ConversationState{}, fmt.Errorf("store: decode checkpoint state: %w", err)
	}
	return state, nil
}

func (r artifactRow) toArtifact() *model.Artifact {
	return &model.Artifact{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Filename:    r.Filename,
		ContentType: r.ContentType,
		SizeBytes:   r.SizeBytes,
		StoragePath: r.StoragePath,
		DownloadURL: r.DownloadURL,
		CreatedAt:   r.CreatedAt,
	}
}
