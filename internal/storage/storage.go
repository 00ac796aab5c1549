// Package storage defines the StorageClient contract spec.md §3 and §4.1.6
// describe: content-addressed checkpoint blobs plus a metadata record per
// checkpoint, queryable by session tag or globally (for "latest"
// restores).
package storage

import (
	"context"
	"io"
	"time"
)

// CheckpointInfo is the metadata record written alongside a checkpoint
// blob (spec.md §4.1.6): `{id, hash, tag, timestamp, sizeBytes, agentType,
// model, workspaceMode, comment?, parentId?}`.
type CheckpointInfo struct {
	ID            string    `db:"id" json:"id"`
	Hash          string    `db:"hash" json:"hash"`
	Tag           string    `db:"tag" json:"tag"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
	SizeBytes     int64     `db:"size_bytes" json:"sizeBytes"`
	AgentType     string    `db:"agent_type" json:"agentType"`
	Model         string    `db:"model" json:"model"`
	WorkspaceMode string    `db:"workspace_mode" json:"workspaceMode"`
	Comment       string    `db:"comment" json:"comment,omitempty"`
	ParentID      string    `db:"parent_id" json:"parentId,omitempty"`
}

// Client is the StorageClient contract. Implementations must treat
// PutBlob as idempotent by hash (spec.md: "no-op if hash exists") and
// list metadata newest-first.
type Client interface {
	// PutBlob uploads blob-by-hash; a second PutBlob with the same hash is
	// a no-op and must not error.
	PutBlob(ctx context.Context, hash string, r io.Reader, size int64) error

	// GetBlob streams a previously-stored blob by hash. The caller owns
	// closing the returned ReadCloser.
	GetBlob(ctx context.Context, hash string) (io.ReadCloser, error)

	// PutMetadata writes a CheckpointInfo record. info.ID must already be
	// set by the caller (spec.md treats checkpoint ids as caller-assigned
	// at creation time, e.g. a uuid).
	PutMetadata(ctx context.Context, info CheckpointInfo) error

	// GetMetadata looks up one checkpoint by id.
	GetMetadata(ctx context.Context, id string) (CheckpointInfo, error)

	// ListCheckpoints returns every checkpoint for tag, newest first. An
	// empty tag lists every checkpoint known to the store, used to
	// resolve `from: "latest"` restores with no session context.
	ListCheckpoints(ctx context.Context, tag string) ([]CheckpointInfo, error)

	// Latest resolves the most recent checkpoint, optionally scoped to
	// tag (empty tag means globally latest).
	Latest(ctx context.Context, tag string) (CheckpointInfo, error)
}

// ErrNotFound is returned by GetMetadata/GetBlob/Latest when nothing
// matches — the Session Engine surfaces this as the "checkpoint missing"
// throw from spec.md §4.1.7.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "storage: not found" }
