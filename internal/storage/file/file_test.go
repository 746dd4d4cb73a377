package file

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ehrlich-b/docsync/internal/storage"
	"github.com/ehrlich-b/docsync/internal/storage/memfs"
)

func TestAppendUpdateAndGetUpdates(t *testing.T) {
	ctx := context.Background()
	b := New(memfs.New(), "/data", nil)

	for seq := uint64(1); seq <= 3; seq++ {
		u := storage.Update{DocID: "doc1", Seq: seq, FrontierTag: "f" + string(rune('0'+seq)), Data: []byte("payload")}
		if err := b.AppendUpdate(ctx, u); err != nil {
			t.Fatalf("AppendUpdate(%d): %v", seq, err)
		}
	}

	updates, err := b.GetUpdates(ctx, "doc1", 0)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(updates))
	}
	for i, u := range updates {
		if u.Seq != uint64(i+1) {
			t.Errorf("updates[%d].Seq = %d, want %d", i, u.Seq, i+1)
		}
	}

	latest, err := b.GetLatestSeq(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetLatestSeq: %v", err)
	}
	if latest != 3 {
		t.Errorf("GetLatestSeq = %d, want 3", latest)
	}
}

func TestSaveAndGetLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	b := New(memfs.New(), "/data", nil)

	if _, err := b.GetLatestSnapshot(ctx, "doc1"); err != storage.ErrNotFound {
		t.Errorf("GetLatestSnapshot on empty doc = %v, want ErrNotFound", err)
	}

	if err := b.SaveSnapshot(ctx, storage.Snapshot{DocID: "doc1", Seq: 10, FrontierTag: "f10", Data: []byte("snap-a")}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := b.SaveSnapshot(ctx, storage.Snapshot{DocID: "doc1", Seq: 20, FrontierTag: "f20", Data: []byte("snap-b")}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	latest, err := b.GetLatestSnapshot(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetLatestSnapshot: %v", err)
	}
	if latest.Seq != 20 || string(latest.Data) != "snap-b" {
		t.Errorf("GetLatestSnapshot = %+v, want seq=20 data=snap-b", latest)
	}
}

func TestChecksumMismatchIsSkippedNotFatal(t *testing.T) {
	ctx := context.Background()
	fsys := memfs.New()
	b := New(fsys, "/data", nil)

	if err := b.AppendUpdate(ctx, storage.Update{DocID: "doc1", Seq: 1, FrontierTag: "f1", Data: []byte("good")}); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}

	// Corrupt the data file in place without touching its meta sidecar, so
	// the checksum no longer matches.
	path := "/data/docs/doc1/updates/" + seqName(1)
	if err := fsys.WriteFile(path, []byte("corrupted!"), 0o644); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}

	updates, err := b.GetUpdates(ctx, "doc1", 0)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("corrupted update was not skipped: got %d updates, want 0", len(updates))
	}
}

func TestDeleteUpdatesPrunesBeforeSeq(t *testing.T) {
	ctx := context.Background()
	b := New(memfs.New(), "/data", nil)

	for seq := uint64(1); seq <= 5; seq++ {
		if err := b.AppendUpdate(ctx, storage.Update{DocID: "doc1", Seq: seq, FrontierTag: "f", Data: []byte("x")}); err != nil {
			t.Fatalf("AppendUpdate: %v", err)
		}
	}

	pruned, err := b.DeleteUpdates(ctx, "doc1", 4)
	if err != nil {
		t.Fatalf("DeleteUpdates: %v", err)
	}
	if pruned != 3 {
		t.Errorf("pruned = %d, want 3", pruned)
	}

	remaining, err := b.GetUpdates(ctx, "doc1", 0)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("remaining = %d, want 2", len(remaining))
	}
}

func TestListDocsAndDeleteDoc(t *testing.T) {
	ctx := context.Background()
	b := New(memfs.New(), "/data", nil)

	for _, doc := range []string{"a", "b"} {
		if err := b.AppendUpdate(ctx, storage.Update{DocID: doc, Seq: 1, FrontierTag: "f1", Data: []byte("x")}); err != nil {
			t.Fatalf("AppendUpdate(%s): %v", doc, err)
		}
	}

	docs, err := b.ListDocs(ctx)
	if err != nil {
		t.Fatalf("ListDocs: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("ListDocs = %v, want 2 docs", docs)
	}

	exists, err := b.DocExists(ctx, "a")
	if err != nil || !exists {
		t.Errorf("DocExists(a) = %v, %v, want true, nil", exists, err)
	}

	if err := b.DeleteDoc(ctx, "a"); err != nil {
		t.Fatalf("DeleteDoc: %v", err)
	}
	exists, err = b.DocExists(ctx, "a")
	if err != nil || exists {
		t.Errorf("DocExists(a) after delete = %v, %v, want false, nil", exists, err)
	}
}

func TestUpdateWritesPerDocMetaAndGlobalIndex(t *testing.T) {
	ctx := context.Background()
	fsys := memfs.New()
	b := New(fsys, "/data", nil)

	if err := b.AppendUpdate(ctx, storage.Update{DocID: "doc1", Seq: 1, FrontierTag: "f1", Data: []byte("x")}); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}

	metaRaw, err := fsys.ReadFile("/data/docs/doc1/meta.json")
	if err != nil {
		t.Fatalf("read meta.json: %v", err)
	}
	var meta storage.DocumentMetadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		t.Fatalf("unmarshal meta.json: %v", err)
	}
	if meta.DocID != "doc1" || meta.LatestSeq != 1 || meta.FrontierTag != "f1" {
		t.Errorf("meta.json = %+v, want docId=doc1 latestSeq=1 frontierTag=f1", meta)
	}
	if meta.CreatedAt == 0 || meta.UpdatedAt == 0 {
		t.Errorf("meta.json timestamps not set: %+v", meta)
	}

	idxRaw, err := fsys.ReadFile("/data/index.json")
	if err != nil {
		t.Fatalf("read index.json: %v", err)
	}
	var idx index
	if err := json.Unmarshal(idxRaw, &idx); err != nil {
		t.Fatalf("unmarshal index.json: %v", err)
	}
	if idx.Version != 1 {
		t.Errorf("index.json version = %d, want 1", idx.Version)
	}
	if len(idx.Docs) != 1 || idx.Docs[0].DocID != "doc1" {
		t.Errorf("index.json docs = %+v, want one entry for doc1", idx.Docs)
	}
}

func TestSanitizeDocIDPreventsPathTraversal(t *testing.T) {
	if got := sanitizeDocID("../../etc/passwd"); got == "../../etc/passwd" {
		t.Errorf("sanitizeDocID left a path-traversal sequence intact: %q", got)
	}
}
