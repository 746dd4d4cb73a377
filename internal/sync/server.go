package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/docsync/internal/authz"
	"github.com/ehrlich-b/docsync/internal/logger"
	"github.com/ehrlich-b/docsync/internal/metrics"
	"github.com/ehrlich-b/docsync/internal/oplog"
	"github.com/ehrlich-b/docsync/internal/policy"
	"github.com/ehrlich-b/docsync/internal/protocol"
	"github.com/ehrlich-b/docsync/internal/ratelimit"
	"github.com/ehrlich-b/docsync/internal/storage"
)

// ValidationConfig bounds raw frame and update sizes the server accepts.
type ValidationConfig struct {
	MaxMessageSize int
	MaxUpdateSize  int
}

// ServerConfig is the Sync Server's runtime configuration, duration-typed
// for direct use (cmd/docsyncd converts config.ServerConfig's millisecond
// fields into this shape at startup).
type ServerConfig struct {
	MaxClientsPerRoom         int
	PresenceTTL               time.Duration
	HandshakeTimeout          time.Duration
	PresenceBroadcastInterval time.Duration
	IdleTimeout               time.Duration // 0 disables idle eviction
	IdleCheckInterval         time.Duration
	PresenceSweepInterval     time.Duration
	EnableNegotiationLog      bool
	Validation                ValidationConfig
}

// pendingConnection tracks a transport that has connected but not yet
// completed its handshake.
type pendingConnection struct {
	tempID      string
	transport   Transport
	docID       string
	connectedAt time.Time
}

// Server is the Sync Kernel's server half: one process serving any number
// of documents, each isolated into its own Room.
type Server struct {
	cfg      ServerConfig
	manifest *policy.Manifest
	auth     authz.Adapter
	backend  storage.Backend
	oplog    oplog.Sink
	limiter  *ratelimit.Limiter
	metrics  *metrics.Registry

	mu                 sync.Mutex
	rooms              map[string]*Room
	pendingConnections map[string]*pendingConnection

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewServer constructs a Server. oplogSink may be nil, in which case
// operation-log appends are silently skipped. limiter and reg must not be
// nil — pass ratelimit.New(ratelimit.DefaultConfig()) and metrics.Noop()
// for a server that does not care about either.
func NewServer(cfg ServerConfig, manifest *policy.Manifest, auth authz.Adapter, backend storage.Backend, oplogSink oplog.Sink, limiter *ratelimit.Limiter, reg *metrics.Registry) *Server {
	return &Server{
		cfg:                cfg,
		manifest:           manifest,
		auth:               auth,
		backend:            backend,
		oplog:              oplogSink,
		limiter:            limiter,
		metrics:            reg,
		rooms:              make(map[string]*Room),
		pendingConnections: make(map[string]*pendingConnection),
		shutdownCh:         make(chan struct{}),
	}
}

// Start launches the server's background sweeps (idle eviction, presence
// expiry). It returns immediately; the sweeps stop on Shutdown.
func (s *Server) Start(ctx context.Context) {
	if s.cfg.IdleTimeout > 0 {
		go s.idleSweepLoop(ctx)
	}
	go s.presenceSweepLoop(ctx)
}

func (s *Server) idleSweepLoop(ctx context.Context) {
	interval := s.cfg.IdleCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.sweepIdle()
		}
	}
}

func (s *Server) sweepIdle() {
	now := time.Now()
	for _, room := range s.snapshotRooms() {
		for _, sess := range room.sessions() {
			if now.Sub(sess.LastMessageAt()) > s.cfg.IdleTimeout {
				s.sendError(context.Background(), sess.transport, sess.docID, sess.clientID, protocol.ErrIdleTimeout, "idle timeout", nil, nil)
				sess.closeTransport(4000, "idle timeout")
				s.disconnect(sess)
			}
		}
	}
}

func (s *Server) presenceSweepLoop(ctx context.Context) {
	interval := s.cfg.PresenceSweepInterval
	if interval <= 0 {
		interval = s.cfg.PresenceTTL
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			for _, room := range s.snapshotRooms() {
				room.expirePresence(time.Now())
			}
		}
	}
}

func (s *Server) snapshotRooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

func (s *Server) getOrCreateRoom(docID string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[docID]
	if !ok {
		r = newRoom(docID, s)
		s.rooms[docID] = r
	}
	return r
}

func (s *Server) roomSize(docID string) int {
	s.mu.Lock()
	r, ok := s.rooms[docID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return r.clientCount()
}

func (s *Server) removeRoomIfEmpty(r *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.clientCount() == 0 {
		delete(s.rooms, r.docID)
	}
}

// HandleConnection runs one connection's entire lifecycle to completion: it
// blocks until the connection is closed, by either side. Callers invoke it
// in its own goroutine per accepted transport, mirroring the teacher's
// handleDaemonWS/handleClientWS pattern.
func (s *Server) HandleConnection(ctx context.Context, transport Transport, docID string) {
	tempID := uuid.NewString()
	connectedAt := time.Now()

	s.mu.Lock()
	s.pendingConnections[tempID] = &pendingConnection{tempID: tempID, transport: transport, docID: docID, connectedAt: connectedAt}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingConnections, tempID)
		s.mu.Unlock()
	}()

	hsTimeout := s.cfg.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = 5 * time.Second
	}
	hsCtx, cancel := context.WithTimeout(ctx, hsTimeout)
	data, readErr := transport.ReadMessage(hsCtx)
	cancel()
	if readErr != nil {
		s.sendError(ctx, transport, docID, "", protocol.ErrHandshakeTimeout, "handshake timeout", nil, nil)
		transport.Close(4008, "handshake timeout")
		return
	}

	env, err := protocol.Unmarshal(data)
	if err != nil || env.Type != protocol.TypeHandshake {
		s.countInvalid("server")
		s.sendError(ctx, transport, docID, "", protocol.ErrHandshakeTimeout, "first message must be handshake", nil, nil)
		transport.Close(4008, "handshake required")
		return
	}
	if vr := protocol.ValidateServerInbound(env); !vr.OK {
		s.countInvalid("server")
		s.sendError(ctx, transport, docID, env.ClientID, protocol.ErrInvalidMessage, strings.Join(vr.Errors, "; "), nil, nil)
		transport.Close(1008, "invalid handshake")
		return
	}

	sess, ok := s.processHandshake(ctx, transport, docID, env)
	if !ok {
		return
	}

	go s.writeLoop(sess, sess.writerDone)

	s.readLoop(ctx, sess)

	close(sess.send)
	<-sess.writerDone
	s.disconnect(sess)
}

func (s *Server) processHandshake(ctx context.Context, transport Transport, docID string, env protocol.Envelope) (*session, bool) {
	var hs protocol.HandshakePayload
	if err := json.Unmarshal(env.Payload, &hs); err != nil {
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrInvalidMessage, "malformed handshake payload", 1008, "invalid handshake")
		return nil, false
	}

	// 1. Capacity.
	if s.roomSize(docID) >= s.cfg.MaxClientsPerRoom && s.cfg.MaxClientsPerRoom > 0 {
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrRoomFull, "room is full", 1008, "room full")
		return nil, false
	}

	// 2. Server manifest.
	if ok, _ := policy.Validate(s.manifest); !ok {
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrPolicyIncompatible, "server manifest invalid", 1008, "server policy invalid")
		return nil, false
	}

	// 3. Client manifest: structural + hash.
	var clientManifest policy.Manifest
	if err := json.Unmarshal(hs.ClientManifestV09, &clientManifest); err != nil {
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrPolicyIncompatible, "malformed client manifest", 1008, "invalid client manifest")
		return nil, false
	}
	if ok, errs := policy.Validate(&clientManifest); !ok {
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrPolicyIncompatible, strings.Join(errs, "; "), 1008, "invalid client manifest")
		return nil, false
	}
	gotHash, err := clientManifest.Hash()
	if err != nil || gotHash != hs.ClientManifestHash {
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrPolicyIncompatible, "client manifest hash mismatch", 1008, "manifest hash mismatch")
		return nil, false
	}

	// 4. Compatibility.
	if !policy.Compatible(&clientManifest, s.manifest) {
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrPolicyIncompatible, "incompatible policy families", 1008, "incompatible policy")
		return nil, false
	}

	// 5. Negotiation.
	negResult, err := policy.Negotiate(s.cfg.EnableNegotiationLog, &clientManifest, s.manifest)
	if err != nil || !negResult.Success {
		details := map[string]any{}
		if negResult != nil {
			details["errors"] = negResult.Errors
		}
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrPolicyIncompatible, "manifest negotiation failed", 1008, "negotiation failed")
		return nil, false
	}

	// 6. Auth.
	authResult, err := s.authenticate(ctx, authz.Context{DocID: docID, ClientID: env.ClientID, Token: hs.Token, Meta: hs.UserMeta})
	if err != nil || !authResult.Authenticated {
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrUnauthorized, "authentication failed", 1008, "unauthorized")
		return nil, false
	}

	// 7. Session.
	room := s.getOrCreateRoom(docID)
	currentTag, err := s.backend.GetCurrentFrontierTag(ctx, docID)
	if err != nil && err != storage.ErrNotFound {
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrInternal, "failed to read frontier tag", 1011, "internal error")
		return nil, false
	}
	room.mu.Lock()
	room.currentFrontierTag = currentTag
	room.mu.Unlock()

	needsCatchUp := hs.LastFrontierTag != "" && hs.LastFrontierTag != currentTag
	chosenHash, err := negResult.Manifest.Hash()
	if err != nil {
		s.handshakeFail(ctx, transport, docID, env.ClientID, protocol.ErrInternal, "failed to hash effective manifest", 1011, "internal error")
		return nil, false
	}

	sess := &session{
		sessionID:         uuid.NewString(),
		clientID:          env.ClientID,
		docID:             docID,
		userID:            authResult.UserID,
		role:              authResult.Role,
		transport:         transport,
		send:              make(chan []byte, 64),
		effectiveManifest: negResult.Manifest,
		lastFrontierTag:   currentTag,
		closed:            make(chan struct{}),
		writerDone:        make(chan struct{}),
	}
	sess.touch()
	room.addSession(sess)

	serverManifestV09, _ := json.Marshal(s.manifest)
	effectiveManifestV09, _ := json.Marshal(negResult.Manifest)
	ack := protocol.HandshakeAckPayload{
		ServerManifestV09:    serverManifestV09,
		EffectiveManifestV09: effectiveManifestV09,
		ChosenManifestHash:   chosenHash,
		ServerCapabilities: protocol.ServerCapabilities{
			MaxClientsPerRoom: s.cfg.MaxClientsPerRoom,
			PresenceTtlMs:     int(s.cfg.PresenceTTL.Milliseconds()),
			SupportsSnapshots: true,
		},
		SessionID:         sess.sessionID,
		Role:              authResult.Role,
		NeedsCatchUp:      needsCatchUp,
		ServerFrontierTag: currentTag,
	}
	if s.cfg.EnableNegotiationLog {
		for _, f := range negResult.Log {
			ack.NegotiationLog = append(ack.NegotiationLog, protocol.NegotiationLogEntry{
				Field: f.Field, Client: f.Client, Server: f.Server, Resolved: f.Resolved, Strategy: string(f.Strategy),
			})
		}
	}
	if err := s.send(ctx, transport, protocol.TypeHandshakeAck, docID, env.ClientID, 0, ack); err != nil {
		room.removeSession(sess.sessionID)
		s.removeRoomIfEmpty(room)
		return nil, false
	}
	return sess, true
}

func (s *Server) handshakeFail(ctx context.Context, transport Transport, docID, clientID string, code protocol.ErrorCode, message string, closeCode int, closeReason string) {
	s.countHandshakeFailure(string(code))
	s.sendError(ctx, transport, docID, clientID, code, message, nil, nil)
	transport.Close(closeCode, closeReason)
}

func (s *Server) authenticate(ctx context.Context, actx authz.Context) (result authz.AuthResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = authz.AuthResult{Authenticated: false, Reason: "panic in auth adapter"}
			err = nil
		}
	}()
	return s.auth.Authenticate(ctx, actx)
}

func (s *Server) authorize(ctx context.Context, actx authz.Context, action authz.Action) (allowed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			allowed = false
			err = nil
		}
	}()
	return s.auth.Authorize(ctx, actx, action)
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		data, err := sess.transport.ReadMessage(ctx)
		if err != nil {
			return
		}
		if len(data) > s.cfg.Validation.MaxMessageSize && s.cfg.Validation.MaxMessageSize > 0 {
			s.sendError(ctx, sess.transport, sess.docID, sess.clientID, protocol.ErrPayloadTooLarge, "message exceeds maxMessageSize", nil, nil)
			continue
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			s.countInvalid("server")
			continue
		}
		if vr := protocol.ValidateServerInbound(env); !vr.OK {
			s.countInvalid("server")
			s.sendError(ctx, sess.transport, sess.docID, sess.clientID, protocol.ErrInvalidMessage, strings.Join(vr.Errors, "; "), nil, nil)
			continue
		}
		sess.touch()

		if rl := s.limiter.Consume(sess.clientID); !rl.Allowed {
			retry := rl.RetryAfterMs
			s.sendError(ctx, sess.transport, sess.docID, sess.clientID, protocol.ErrRateLimited, "rate limited", &retry, nil)
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			_ = s.send(ctx, sess.transport, protocol.TypePong, sess.docID, sess.clientID, 0, protocol.PongPayload{})
		case protocol.TypeDocUpdate:
			s.handleDocUpdate(ctx, sess, env)
		case protocol.TypePresence:
			s.handlePresence(ctx, sess, env)
		case protocol.TypeCatchUpRequest:
			s.handleCatchUpRequest(ctx, sess, env)
		default:
			s.countInvalid("server")
		}
	}
}

func (s *Server) writeLoop(sess *session, done chan struct{}) {
	defer close(done)
	for data := range sess.send {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sess.transport.WriteMessage(writeCtx, data)
		cancel()
		if err != nil {
			return
		}
	}
}

func (s *Server) disconnect(sess *session) {
	room := s.getOrCreateRoom(sess.docID)
	room.removeSession(sess.sessionID)
	room.markAllDirty()
	room.schedulePresenceBroadcast(s)
	s.removeRoomIfEmpty(room)
}

// Shutdown stops all background sweeps and closes every active and pending
// transport with close code 1001, then clears all server state.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	s.mu.Lock()
	pending := make([]*pendingConnection, 0, len(s.pendingConnections))
	for _, pc := range s.pendingConnections {
		pending = append(pending, pc)
	}
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.pendingConnections = make(map[string]*pendingConnection)
	s.rooms = make(map[string]*Room)
	s.mu.Unlock()

	for _, pc := range pending {
		pc.transport.Close(1001, "server shutting down")
	}
	for _, r := range rooms {
		for _, sess := range r.sessions() {
			sess.closeTransport(1001, "server shutting down")
		}
	}
	return nil
}

func (s *Server) send(ctx context.Context, t Transport, typ protocol.MessageType, docID, clientID string, seq uint64, payload any) error {
	pb, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sync: marshal payload: %w", err)
	}
	env := protocol.Envelope{
		Version:   protocol.ProtocolVersion,
		Type:      typ,
		DocID:     docID,
		ClientID:  clientID,
		Seq:       seq,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   pb,
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return fmt.Errorf("sync: marshal envelope: %w", err)
	}
	return t.WriteMessage(ctx, data)
}

func (s *Server) sendError(ctx context.Context, t Transport, docID, clientID string, code protocol.ErrorCode, message string, retryAfterMs *int64, details map[string]any) {
	payload := protocol.BuildErrorPayload(code, message, retryAfterMs, details)
	_ = s.send(ctx, t, protocol.TypeError, docID, clientID, 0, payload)
}

func (s *Server) marshalForSend(sess *session, typ protocol.MessageType, seq uint64, payload any) ([]byte, bool) {
	pb, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	env := protocol.Envelope{
		Version:   protocol.ProtocolVersion,
		Type:      typ,
		DocID:     sess.docID,
		ClientID:  sess.clientID,
		Seq:       seq,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   pb,
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return nil, false
	}
	return data, true
}

// enqueue is the best-effort delivery path used for presence_ack and
// catch_up_response (doc_update broadcasts take the same drop-on-full path
// in Room.broadcastExcept): a slow or wedged reader must never stall the
// room, so a full send buffer drops the message rather than blocking.
func (s *Server) enqueue(sess *session, typ protocol.MessageType, seq uint64, payload any) {
	data, ok := s.marshalForSend(sess, typ, seq, payload)
	if !ok {
		return
	}
	select {
	case sess.send <- data:
	default:
		sess.log("enqueue").Warn("dropping message to slow consumer", "type", string(typ))
	}
}

// ackDeliveryTimeout bounds how long enqueueAck will wait for a wedged
// writer before giving up on the connection. Persistence is the commit
// point: once an update is durable its doc_ack must reach the writer's
// queue, not be silently dropped for backpressure. A connection that can't
// drain within this window is treated as dead and torn down instead.
const ackDeliveryTimeout = 10 * time.Second

// enqueueAck is doc_ack's guaranteed-delivery path, distinct from enqueue.
// It blocks until the ack is queued for the writer, the writer has already
// exited (sess.writerDone closed, so nothing will ever drain sess.send
// again), or ackDeliveryTimeout elapses, in which case the connection is
// force-closed rather than the ack being dropped.
func (s *Server) enqueueAck(sess *session, seq uint64, payload protocol.DocAckPayload) {
	data, ok := s.marshalForSend(sess, protocol.TypeDocAck, seq, payload)
	if !ok {
		return
	}
	select {
	case <-sess.writerDone:
		sess.log("ack").Warn("writer already gone, closing connection instead of dropping doc_ack", "ackedSeq", seq)
		sess.closeTransport(1011, "writer exited")
		return
	default:
	}
	select {
	case sess.send <- data:
		return
	default:
	}
	timer := time.NewTimer(ackDeliveryTimeout)
	defer timer.Stop()
	select {
	case sess.send <- data:
	case <-sess.writerDone:
		sess.log("ack").Warn("writer exited while waiting to deliver doc_ack, closing connection", "ackedSeq", seq)
		sess.closeTransport(1011, "writer exited")
	case <-timer.C:
		sess.log("ack").Warn("doc_ack delivery timed out, closing connection", "ackedSeq", seq)
		sess.closeTransport(1011, "ack delivery timeout")
	}
}

func (s *Server) appendOplog(e oplog.Entry) {
	if s.oplog == nil {
		return
	}
	if err := s.oplog.Append(e); err != nil {
		logger.Warn("oplog append failed", "error", err, "docId", e.DocID)
	}
}

func (s *Server) countInvalid(source string) {
	if s.metrics != nil {
		s.metrics.InvalidMessagesTotal.WithLabelValues(source).Inc()
	}
}

func (s *Server) countHandshakeFailure(reason string) {
	if s.metrics != nil {
		s.metrics.HandshakeFailures.WithLabelValues(reason).Inc()
	}
}
