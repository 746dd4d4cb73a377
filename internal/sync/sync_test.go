package sync

import (
	"context"
	"testing"
	"time"

	"github.com/ehrlich-b/docsync/internal/authz"
	"github.com/ehrlich-b/docsync/internal/config"
	"github.com/ehrlich-b/docsync/internal/logger"
	"github.com/ehrlich-b/docsync/internal/metrics"
	"github.com/ehrlich-b/docsync/internal/policy"
	"github.com/ehrlich-b/docsync/internal/protocol"
	"github.com/ehrlich-b/docsync/internal/ratelimit"
	"github.com/ehrlich-b/docsync/internal/storage"
	"github.com/ehrlich-b/docsync/internal/storage/memory"
)

func TestMain(m *testing.M) {
	logger.Init("error", "", "sync_test")
	m.Run()
}

func testManifest() *policy.Manifest {
	return &policy.Manifest{
		PolicyID:        "lfcc-default@1",
		MaxUpdateSize:   1 << 20,
		MaxBlocksPerDoc: 10000,
	}
}

func newTestServer(t *testing.T, manifest *policy.Manifest) *Server {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1000, Burst: 1000, StaleAfter: time.Hour, CleanupInterval: time.Hour})
	t.Cleanup(limiter.Shutdown)
	cfg := ServerConfig{
		MaxClientsPerRoom:         10,
		PresenceTTL:               time.Second,
		HandshakeTimeout:          2 * time.Second,
		PresenceBroadcastInterval: 10 * time.Millisecond,
	}
	return NewServer(cfg, manifest, authz.Permissive{}, memory.New(), nil, limiter, metrics.Noop())
}

func newTestClient(manifest *policy.Manifest, docID, clientID string, dial Dialer) *Client {
	cfg := ClientConfig{
		URL:              "pipe://" + docID,
		DocID:            docID,
		ClientID:         clientID,
		Manifest:         manifest,
		Capabilities:     protocol.Capabilities{MaxUpdateSize: 1 << 20},
		Reconnect:        config.ReconnectConfig{Enabled: false},
		PingInterval:     time.Hour,
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	}
	return NewClient(cfg, dial, Handlers{})
}

func connectedPair(t *testing.T, server *Server, docID string) (Transport, Transport) {
	t.Helper()
	clientSide, serverSide := newPipe()
	go server.HandleConnection(context.Background(), serverSide, docID)
	return clientSide, serverSide
}

func TestHandshakeHappyPath(t *testing.T) {
	manifest := testManifest()
	server := newTestServer(t, manifest)

	clientSide, _ := connectedPair(t, server, "doc1")
	dial := func(ctx context.Context, url string) (Transport, error) { return clientSide, nil }

	connected := make(chan struct{}, 1)
	var gotSessionID string
	client := newTestClient(manifest, "doc1", "client1", dial)
	client.handlers.OnConnected = func() { connected <- struct{}{} }

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected never fired")
	}

	if client.State() != StateConnected {
		t.Errorf("State = %v, want %v", client.State(), StateConnected)
	}
	client.mu.Lock()
	gotSessionID = client.sessionID
	client.mu.Unlock()
	if gotSessionID == "" {
		t.Error("sessionID empty after successful handshake")
	}
}

func TestHandshakeRejectsIncompatiblePolicyFamily(t *testing.T) {
	serverManifest := testManifest()
	server := newTestServer(t, serverManifest)

	clientManifest := testManifest()
	clientManifest.PolicyID = "strict-policy@1"

	clientSide, _ := connectedPair(t, server, "doc1")
	dial := func(ctx context.Context, url string) (Transport, error) { return clientSide, nil }

	client := newTestClient(clientManifest, "doc1", "client1", dial)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded despite incompatible policy families")
	}
}

func TestSendUpdateReceivesAck(t *testing.T) {
	manifest := testManifest()
	server := newTestServer(t, manifest)

	clientSide, _ := connectedPair(t, server, "doc1")
	dial := func(ctx context.Context, url string) (Transport, error) { return clientSide, nil }
	client := newTestClient(manifest, "doc1", "client1", dial)

	ackCh := make(chan bool, 1)
	client.handlers.OnUpdateAck = func(seq uint64, applied bool, reason string) { ackCh <- applied }

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	seq, err := client.SendUpdate(ctx, []byte("hello"), "f1", "", "local")
	if err != nil {
		t.Fatalf("SendUpdate: %v", err)
	}
	if seq == 0 {
		t.Error("SendUpdate returned zero seq")
	}

	select {
	case applied := <-ackCh:
		if !applied {
			t.Error("update was not applied")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received doc_ack")
	}
}

func TestSendUpdateFrontierConflictIsRejected(t *testing.T) {
	manifest := testManifest()
	server := newTestServer(t, manifest)

	clientSide, _ := connectedPair(t, server, "doc1")
	dial := func(ctx context.Context, url string) (Transport, error) { return clientSide, nil }
	client := newTestClient(manifest, "doc1", "client1", dial)

	ackCh := make(chan struct {
		applied bool
		reason  string
	}, 1)
	client.handlers.OnUpdateAck = func(seq uint64, applied bool, reason string) {
		ackCh <- struct {
			applied bool
			reason  string
		}{applied, reason}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	// parentFrontierTag "bogus-parent" does not match the room's current empty
	// frontier, so the server must reject this as a conflict.
	if _, err := client.SendUpdate(ctx, []byte("hi"), "f1", "bogus-parent", "local"); err != nil {
		t.Fatalf("SendUpdate: %v", err)
	}

	select {
	case r := <-ackCh:
		if r.applied {
			t.Error("update with mismatched parent frontier was applied, want rejected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received doc_ack")
	}
}

func TestBroadcastReachesSecondClient(t *testing.T) {
	manifest := testManifest()
	server := newTestServer(t, manifest)

	c1Side, _ := connectedPair(t, server, "doc1")
	c2Side, _ := connectedPair(t, server, "doc1")

	dial1 := func(ctx context.Context, url string) (Transport, error) { return c1Side, nil }
	dial2 := func(ctx context.Context, url string) (Transport, error) { return c2Side, nil }

	client1 := newTestClient(manifest, "doc1", "client1", dial1)
	client2 := newTestClient(manifest, "doc1", "client2", dial2)

	remoteCh := make(chan string, 1)
	client2.handlers.OnRemoteUpdate = func(data []byte, frontierTag string) { remoteCh <- string(data) }

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client1.Connect(ctx); err != nil {
		t.Fatalf("client1 Connect: %v", err)
	}
	defer client1.Close()
	if err := client2.Connect(ctx); err != nil {
		t.Fatalf("client2 Connect: %v", err)
	}
	defer client2.Close()

	if _, err := client1.SendUpdate(ctx, []byte("broadcast-me"), "f1", "", "local"); err != nil {
		t.Fatalf("SendUpdate: %v", err)
	}

	select {
	case got := <-remoteCh:
		if got != "broadcast-me" {
			t.Errorf("remote update data = %q, want broadcast-me", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client2 never received the broadcast update")
	}
}

func TestCatchUpRequestReturnsSnapshotWhenNoPriorFrontier(t *testing.T) {
	manifest := testManifest()
	server := newTestServer(t, manifest)

	ctx := context.Background()
	backend := server.backend
	if err := backend.SaveSnapshot(ctx, storage.Snapshot{DocID: "doc1", Seq: 1, FrontierTag: "f1", Data: []byte("snapshot-data")}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	clientSide, _ := connectedPair(t, server, "doc1")
	dial := func(ctx context.Context, url string) (Transport, error) { return clientSide, nil }
	client := newTestClient(manifest, "doc1", "client1", dial)

	caughtUp := make(chan bool, 1)
	client.handlers.OnCatchUpComplete = func(isSnapshot bool, tag string) { caughtUp <- isSnapshot }

	connCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	client.RequestCatchUp(connCtx, true)

	select {
	case isSnapshot := <-caughtUp:
		if !isSnapshot {
			t.Error("expected a snapshot catch-up response")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received catch_up_response")
	}
}
