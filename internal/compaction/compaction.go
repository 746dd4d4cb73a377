// Package compaction keeps a document's update log from growing
// unboundedly and restores in-memory CRDT state on startup or reconnect.
//
// Grounded on the teacher's internal/sync.Engine (diff the current state
// against a target, fold the result in, log what happened) generalized
// from markdown-file diffing to storage.Backend snapshot/update folding.
package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/docsync/internal/storage"
)

// Policy configures when compaction runs and how much history survives it.
// Defaults are the caller's contract, not magic numbers baked in here.
type Policy struct {
	UpdateThreshold   int
	KeepRecentUpdates int
	MinInterval       time.Duration
}

// Tracker records the last compaction time per doc so MinInterval can be
// enforced across calls. The zero value is ready to use.
type Tracker struct {
	lastCompactionAt map[string]time.Time
}

func NewTracker() *Tracker {
	return &Tracker{lastCompactionAt: make(map[string]time.Time)}
}

// ShouldCompact reports whether docID's update log currently warrants
// compaction under policy, consulting the tracker's last-run time if one is
// recorded.
func ShouldCompact(ctx context.Context, backend storage.Backend, tracker *Tracker, docID string, policy Policy, now time.Time) (bool, error) {
	latestSeq, err := backend.GetLatestSeq(ctx, docID)
	if err != nil && err != storage.ErrNotFound {
		return false, fmt.Errorf("compaction: get latest seq: %w", err)
	}
	if int(latestSeq) < policy.UpdateThreshold {
		return false, nil
	}
	if tracker != nil {
		if last, ok := tracker.lastCompactionAt[docID]; ok {
			if now.Sub(last) < policy.MinInterval {
				return false, nil
			}
		}
	}
	return true, nil
}

// Result is the outcome of one compaction run.
type Result struct {
	NewSnapshot   storage.Snapshot
	PrunedUpdates int
	KeptUpdates   int
}

// Run performs one compaction pass: it snapshots the caller's current CRDT
// state at the log's latest seq/frontier, persists it, then prunes every
// update strictly older than the retention window.
func Run(ctx context.Context, backend storage.Backend, tracker *Tracker, docID string, policy Policy, now time.Time, createSnapshot func() ([]byte, error)) (*Result, error) {
	latestSeq, err := backend.GetLatestSeq(ctx, docID)
	if err != nil && err != storage.ErrNotFound {
		return nil, fmt.Errorf("compaction: get latest seq: %w", err)
	}
	frontierTag, err := backend.GetCurrentFrontierTag(ctx, docID)
	if err != nil && err != storage.ErrNotFound {
		return nil, fmt.Errorf("compaction: get frontier tag: %w", err)
	}

	data, err := createSnapshot()
	if err != nil {
		return nil, fmt.Errorf("compaction: create snapshot: %w", err)
	}

	snap := storage.Snapshot{
		DocID:       docID,
		Seq:         latestSeq,
		FrontierTag: frontierTag,
		Data:        data,
		CreatedAt:   now.UnixMilli(),
	}
	if err := backend.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("compaction: save snapshot: %w", err)
	}

	// Keep exactly KeepRecentUpdates entries: anything with seq strictly
	// below this boundary is pruned.
	var beforeSeq uint64
	if int(latestSeq) > policy.KeepRecentUpdates {
		beforeSeq = latestSeq - uint64(policy.KeepRecentUpdates) + 1
	}
	pruned, err := backend.DeleteUpdates(ctx, docID, beforeSeq)
	if err != nil {
		return nil, fmt.Errorf("compaction: delete updates: %w", err)
	}

	kept := int(latestSeq) - pruned
	if kept < 0 {
		kept = 0
	}

	if tracker != nil {
		if tracker.lastCompactionAt == nil {
			tracker.lastCompactionAt = make(map[string]time.Time)
		}
		tracker.lastCompactionAt[docID] = now
	}

	return &Result{NewSnapshot: snap, PrunedUpdates: pruned, KeptUpdates: kept}, nil
}

// RecoveryResult is the outcome of Recover.
type RecoveryResult struct {
	Success        bool
	DocID          string
	FrontierTag    string
	UpdatesApplied int
	SnapshotUsed   bool
	Error          string
}

// Recover restores docID's live CRDT state: load the latest snapshot (if
// any) via applySnapshot, then replay every update strictly after the
// snapshot's seq via applyUpdate, in order. It never partially mutates
// persisted state — only the caller-supplied in-memory CRDT is touched.
func Recover(
	ctx context.Context,
	backend storage.Backend,
	docID string,
	applySnapshot func(docID string, data []byte) error,
	applyUpdate func(docID string, data []byte) (string, error),
) (*RecoveryResult, error) {
	result := &RecoveryResult{DocID: docID}

	var afterSeq uint64
	snap, err := backend.GetLatestSnapshot(ctx, docID)
	switch {
	case err == nil:
		if applyErr := applySnapshot(docID, snap.Data); applyErr != nil {
			result.Success = false
			result.Error = applyErr.Error()
			return result, nil
		}
		result.SnapshotUsed = true
		result.FrontierTag = snap.FrontierTag
		afterSeq = snap.Seq
	case err == storage.ErrNotFound:
		// no snapshot yet; replay the whole log
	default:
		return nil, fmt.Errorf("compaction: get latest snapshot: %w", err)
	}

	updates, err := backend.GetUpdates(ctx, docID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("compaction: get updates: %w", err)
	}

	for _, u := range updates {
		tag, applyErr := applyUpdate(docID, u.Data)
		if applyErr != nil {
			result.Success = false
			result.Error = applyErr.Error()
			return result, nil
		}
		result.FrontierTag = tag
		result.UpdatesApplied++
	}

	result.Success = true
	return result, nil
}

// VerifyRecovery compares the persisted frontier tag against an
// expectation, e.g. immediately after Recover, to confirm no divergence.
func VerifyRecovery(ctx context.Context, backend storage.Backend, docID string, expectedTag string) (bool, error) {
	tag, err := backend.GetCurrentFrontierTag(ctx, docID)
	if err != nil {
		if err == storage.ErrNotFound {
			return expectedTag == "", nil
		}
		return false, fmt.Errorf("compaction: get frontier tag: %w", err)
	}
	return tag == expectedTag, nil
}

// RecoveryState is a diagnostic snapshot of a doc's recoverability.
type RecoveryState struct {
	HasSnapshot    bool
	SnapshotSeq    uint64
	PendingUpdates int
	FrontierTag    string
}

// GetRecoveryState reports diagnostic information about docID without
// mutating anything.
func GetRecoveryState(ctx context.Context, backend storage.Backend, docID string) (*RecoveryState, error) {
	state := &RecoveryState{}

	var afterSeq uint64
	snap, err := backend.GetLatestSnapshot(ctx, docID)
	switch {
	case err == nil:
		state.HasSnapshot = true
		state.SnapshotSeq = snap.Seq
		afterSeq = snap.Seq
	case err == storage.ErrNotFound:
	default:
		return nil, fmt.Errorf("compaction: get latest snapshot: %w", err)
	}

	updates, err := backend.GetUpdates(ctx, docID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("compaction: get updates: %w", err)
	}
	state.PendingUpdates = len(updates)

	tag, err := backend.GetCurrentFrontierTag(ctx, docID)
	if err != nil && err != storage.ErrNotFound {
		return nil, fmt.Errorf("compaction: get frontier tag: %w", err)
	}
	state.FrontierTag = tag

	return state, nil
}
