package oplog

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndQueryByDocID(t *testing.T) {
	s := openTestStore(t)

	if err := s.Append(Entry{DocID: "doc1", ActorID: "u1", ActorType: ActorHuman, OpType: OpCRDTUpdate, FrontierTag: "f1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(Entry{DocID: "doc2", ActorID: "u2", ActorType: ActorHuman, OpType: OpCRDTUpdate, FrontierTag: "g1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := s.Query(Query{DocID: "doc1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].FrontierTag != "f1" {
		t.Errorf("Query(doc1) = %+v, want one entry with frontierTag f1", entries)
	}
}

func TestQueryFiltersByActorTypeAndOpType(t *testing.T) {
	s := openTestStore(t)

	if err := s.Append(Entry{DocID: "doc1", ActorID: "u1", ActorType: ActorHuman, OpType: OpCRDTUpdate}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(Entry{DocID: "doc1", ActorID: "ai-1", ActorType: ActorAI, OpType: OpPresence}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	aiEntries, err := s.Query(Query{ActorType: ActorAI})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(aiEntries) != 1 || aiEntries[0].ActorID != "ai-1" {
		t.Errorf("Query(ActorAI) = %+v, want one entry from ai-1", aiEntries)
	}

	presenceEntries, err := s.Query(Query{OpType: OpPresence})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(presenceEntries) != 1 {
		t.Errorf("Query(OpPresence) returned %d entries, want 1", len(presenceEntries))
	}
}

func TestQueryOrdersByTimestampAscendingAndRespectsLimit(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		e := Entry{DocID: "doc1", ActorID: "u1", ActorType: ActorHuman, OpType: OpSystem, Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := s.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := s.Query(Query{DocID: "doc1", Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Query with Limit=2 returned %d entries, want 2", len(entries))
	}
	if entries[0].Timestamp.After(entries[1].Timestamp) {
		t.Error("entries not ordered ascending by timestamp")
	}
}

func TestInferActorType(t *testing.T) {
	cases := []struct {
		origin, userID string
		want           ActorType
	}{
		{"lfcc:ai:summarizer", "u1", ActorAI},
		{"", "ai-bot", ActorAI},
		{"", "ghost-writer", ActorAI},
		{"", "alice", ActorHuman},
	}
	for _, c := range cases {
		if got := InferActorType(c.origin, c.userID); got != c.want {
			t.Errorf("InferActorType(%q, %q) = %q, want %q", c.origin, c.userID, got, c.want)
		}
	}
}
