// Package storage defines the durable persistence contract the sync kernel
// consumes: per-document snapshots plus an append-only update log, indexed
// by monotonically increasing sequence and queryable by frontier tag.
//
// Grounded on the teacher's internal/store (sqlite persistence of tasks and
// operation log entries) for the doc-lifecycle/CRUD shape, generalized from
// a single sqlite-backed store into an interface with memory and file
// implementations as spec.md requires.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned for a missing doc, snapshot, or update. The Kernel
// treats it as "no such doc yet" rather than a hard failure.
var ErrNotFound = errors.New("storage: not found")

// ErrStorageFailure wraps an underlying I/O error so callers can
// distinguish a transient storage fault from a logical NotFound.
type ErrStorageFailure struct {
	Op  string
	Err error
}

func (e *ErrStorageFailure) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *ErrStorageFailure) Unwrap() error { return e.Err }

// Snapshot is an opaque, fully-replayable CRDT state at a given sequence.
type Snapshot struct {
	DocID       string
	Seq         uint64
	FrontierTag string
	Data        []byte
	CreatedAt   int64 // unix millis
}

// DocumentMetadata is the per-document summary record a Backend maintains
// alongside the update/snapshot logs: latest sequence, latest snapshot
// sequence, and current frontier, plus creation/update timestamps. The file
// backend persists one as docs/<sanitizedDocId>/meta.json and rolls every
// doc's copy into the top-level index.json.
type DocumentMetadata struct {
	DocID             string `json:"docId"`
	CreatedAt         int64  `json:"createdAt"` // unix millis
	UpdatedAt         int64  `json:"updatedAt"` // unix millis
	LatestSeq         uint64 `json:"latestSeq"`
	LatestSnapshotSeq uint64 `json:"latestSnapshotSeq"`
	FrontierTag       string `json:"frontierTag"`
}

// Update is one entry in a document's append-only log.
type Update struct {
	DocID             string
	Seq               uint64
	FrontierTag       string
	ParentFrontierTag string
	ClientID          string
	Data              []byte
	Timestamp         int64 // unix millis
}

// Backend is the capability set the Sync Kernel and compaction routines
// consume. Both the memory and the file implementations satisfy it. They
// differ for a missing doc or snapshot: the memory backend returns
// ErrNotFound from GetLatestSeq, DeleteSnapshot and DeleteDoc, where the
// file backend returns 0 or a nil error.
type Backend interface {
	GetLatestSnapshot(ctx context.Context, docID string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	ListSnapshots(ctx context.Context, docID string) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, docID string, seq uint64) error

	GetUpdates(ctx context.Context, docID string, afterSeq uint64) ([]Update, error)
	GetUpdatesSince(ctx context.Context, docID string, parentFrontierTag string) ([]Update, error)
	AppendUpdate(ctx context.Context, update Update) error
	DeleteUpdates(ctx context.Context, docID string, beforeSeq uint64) (int, error)

	GetLatestSeq(ctx context.Context, docID string) (uint64, error)
	GetCurrentFrontierTag(ctx context.Context, docID string) (string, error)

	DocExists(ctx context.Context, docID string) (bool, error)
	ListDocs(ctx context.Context) ([]string, error)
	DeleteDoc(ctx context.Context, docID string) error
}

// FindUpdatesSince implements the shared linear-scan frontier lookup used by
// both the memory and file backends: the suffix of ascending updates
// starting at the first whose ParentFrontierTag matches tag, or the whole
// log if no such update exists.
func FindUpdatesSince(updates []Update, tag string) []Update {
	for i, u := range updates {
		if u.ParentFrontierTag == tag {
			return updates[i:]
		}
	}
	return updates
}
