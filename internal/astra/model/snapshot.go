package model

import "time"

// Snapshot is an immutable compressed archive of selected workspace paths
// at one instant in a session's life. It is content-agnostic: nothing in
// this package or the snapshot store interprets what is inside the tar.
type Snapshot struct {
	ID            string
	SessionID     string
	Label         string
	ArchivePath   string // in-sandbox path, e.g. <workspace>/.sandbox-snapshots/<id>.tar.gz
	ObjectStoreKey string // set when offloaded, e.g. snapshots/<session_id>/<id>.tar.gz
	SizeBytes     int64
	IncludePaths  []string
	ExcludePaths  []string
	CreatedAt     time.Time
}

// Complete reports whether the snapshot resolves to bytes somewhere, either
// still on the sandbox filesystem or in the configured object store.
func (s *Snapshot) Complete(archiveExistsInSandbox bool) bool {
	if s == nil {
		return false
	}
	return archiveExistsInSandbox || s.ObjectStoreKey != ""
}

// Artifact is a file promoted out of a session and given a stable download
// URL, produced by export_file.
type Artifact struct {
	ID          string
	SessionID   string
	Filename    string
	ContentType string
	SizeBytes   int64
	StoragePath string // in-sandbox or remote
	DownloadURL string
	CreatedAt   time.Time
}
