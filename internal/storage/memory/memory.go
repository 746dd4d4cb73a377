// Package memory implements storage.Backend with no durability: a
// per-document state map guarded by a single mutex. Grounded on the
// teacher's internal/relay.SessionManager pattern of mutex-guarded
// in-process maps keyed by resource ID, generalized from session/daemon
// records to per-document snapshot+update logs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ehrlich-b/docsync/internal/storage"
)

type docState struct {
	snapshots []storage.Snapshot
	updates   []storage.Update
	latestSeq uint64
	frontier  string
}

// Backend is an in-memory, non-durable storage.Backend.
type Backend struct {
	mu   sync.RWMutex
	docs map[string]*docState
}

func New() *Backend {
	return &Backend{docs: make(map[string]*docState)}
}

func (b *Backend) doc(docID string, create bool) *docState {
	d, ok := b.docs[docID]
	if !ok {
		if !create {
			return nil
		}
		d = &docState{}
		b.docs[docID] = d
	}
	return d
}

func (b *Backend) GetLatestSnapshot(ctx context.Context, docID string) (*storage.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d := b.doc(docID, false)
	if d == nil || len(d.snapshots) == 0 {
		return nil, storage.ErrNotFound
	}
	latest := d.snapshots[len(d.snapshots)-1]
	return &latest, nil
}

func (b *Backend) SaveSnapshot(ctx context.Context, snap storage.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.doc(snap.DocID, true)
	d.snapshots = append(d.snapshots, snap)
	sort.Slice(d.snapshots, func(i, j int) bool { return d.snapshots[i].Seq < d.snapshots[j].Seq })
	return nil
}

func (b *Backend) ListSnapshots(ctx context.Context, docID string) ([]storage.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d := b.doc(docID, false)
	if d == nil {
		return nil, nil
	}
	out := make([]storage.Snapshot, len(d.snapshots))
	copy(out, d.snapshots)
	return out, nil
}

func (b *Backend) DeleteSnapshot(ctx context.Context, docID string, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.doc(docID, false)
	if d == nil {
		return storage.ErrNotFound
	}
	for i, s := range d.snapshots {
		if s.Seq == seq {
			d.snapshots = append(d.snapshots[:i], d.snapshots[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (b *Backend) GetUpdates(ctx context.Context, docID string, afterSeq uint64) ([]storage.Update, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d := b.doc(docID, false)
	if d == nil {
		return nil, nil
	}
	var out []storage.Update
	for _, u := range d.updates {
		if u.Seq > afterSeq {
			out = append(out, u)
		}
	}
	return out, nil
}

func (b *Backend) GetUpdatesSince(ctx context.Context, docID string, parentFrontierTag string) ([]storage.Update, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d := b.doc(docID, false)
	if d == nil {
		return nil, nil
	}
	return storage.FindUpdatesSince(d.updates, parentFrontierTag), nil
}

func (b *Backend) AppendUpdate(ctx context.Context, update storage.Update) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.doc(update.DocID, true)
	d.updates = append(d.updates, update)
	if update.Seq > d.latestSeq {
		d.latestSeq = update.Seq
	}
	d.frontier = update.FrontierTag
	return nil
}

func (b *Backend) DeleteUpdates(ctx context.Context, docID string, beforeSeq uint64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.doc(docID, false)
	if d == nil {
		return 0, nil
	}
	var kept []storage.Update
	pruned := 0
	for _, u := range d.updates {
		if u.Seq < beforeSeq {
			pruned++
			continue
		}
		kept = append(kept, u)
	}
	d.updates = kept
	return pruned, nil
}

func (b *Backend) GetLatestSeq(ctx context.Context, docID string) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d := b.doc(docID, false)
	if d == nil {
		return 0, storage.ErrNotFound
	}
	return d.latestSeq, nil
}

func (b *Backend) GetCurrentFrontierTag(ctx context.Context, docID string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d := b.doc(docID, false)
	if d == nil {
		return "", storage.ErrNotFound
	}
	return d.frontier, nil
}

func (b *Backend) DocExists(ctx context.Context, docID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.docs[docID]
	return ok, nil
}

func (b *Backend) ListDocs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.docs))
	for id := range b.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) DeleteDoc(ctx context.Context, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.docs[docID]; !ok {
		return storage.ErrNotFound
	}
	delete(b.docs, docID)
	return nil
}
