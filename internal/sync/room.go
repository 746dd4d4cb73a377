package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/docsync/internal/authz"
	"github.com/ehrlich-b/docsync/internal/encoding"
	"github.com/ehrlich-b/docsync/internal/logger"
	"github.com/ehrlich-b/docsync/internal/oplog"
	"github.com/ehrlich-b/docsync/internal/policy"
	"github.com/ehrlich-b/docsync/internal/protocol"
	"github.com/ehrlich-b/docsync/internal/storage"
)

// session is one connected, handshaken client within a Room.
type session struct {
	sessionID         string
	clientID          string
	docID             string
	userID            string
	role              string
	transport         Transport
	send              chan []byte
	effectiveManifest *policy.Manifest

	mu              sync.Mutex
	lastMessageAt   time.Time
	lastFrontierTag string
	presence        protocol.PresencePayload
	presenceVersion int
	presenceExpiry  time.Time
	hasPresence     bool

	closed     chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{} // closed by writeLoop on return, any reason
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastMessageAt = time.Now()
	s.mu.Unlock()
}

func (s *session) LastMessageAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageAt
}

func (s *session) setLastFrontierTag(tag string) {
	s.mu.Lock()
	s.lastFrontierTag = tag
	s.mu.Unlock()
}

func (s *session) getLastFrontierTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrontierTag
}

// log returns a logger pre-bound with this session's correlation fields, so
// every line it emits can be traced back to one document session without
// the call site re-stating sessionId/docId/clientId by hand.
func (s *session) log(opID string) *slog.Logger {
	return logger.With(s.docID, s.clientID, s.sessionID, opID, s.getLastFrontierTag())
}

func (s *session) setPresence(p protocol.PresencePayload, expiry time.Time) {
	s.mu.Lock()
	s.presence = p
	s.presenceExpiry = expiry
	s.hasPresence = true
	s.presenceVersion++
	s.mu.Unlock()
}

func (s *session) clearPresence() {
	s.mu.Lock()
	s.hasPresence = false
	s.presenceVersion++
	s.mu.Unlock()
}

func (s *session) snapshotPresence() (protocol.PresencePayload, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence, s.presenceExpiry, s.hasPresence
}

func (s *session) closeTransport(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.transport.Close(code, reason)
	})
}

// Room isolates one document's connected clients and frontier state. All
// doc_update processing for a room is serialized under writeMu, satisfying
// the frontier/log coupling requirement even when HandleConnection runs
// each connection on its own goroutine.
type Room struct {
	docID  string
	server *Server

	mu                 sync.Mutex
	clients            map[string]*session // keyed by sessionID
	currentFrontierTag string
	dirty              map[string]bool
	presenceTimerSet   bool

	writeMu sync.Mutex
}

func newRoom(docID string, s *Server) *Room {
	return &Room{
		docID:   docID,
		server:  s,
		clients: make(map[string]*session),
		dirty:   make(map[string]bool),
	}
}

func (r *Room) addSession(sess *session) {
	r.mu.Lock()
	r.clients[sess.sessionID] = sess
	r.mu.Unlock()
}

func (r *Room) removeSession(sessionID string) {
	r.mu.Lock()
	delete(r.clients, sessionID)
	r.mu.Unlock()
}

func (r *Room) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) sessions() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Room) markAllDirty() {
	r.mu.Lock()
	for id := range r.clients {
		r.dirty[id] = true
	}
	r.mu.Unlock()
}

// broadcastExcept enqueues an already-built doc_update envelope to every
// session in the room other than the one that produced it.
func (r *Room) broadcastExcept(originSessionID string, data []byte) {
	for _, sess := range r.sessions() {
		if sess.sessionID == originSessionID {
			continue
		}
		select {
		case sess.send <- data:
		default:
			sess.log("broadcast").Warn("dropping doc_update broadcast to slow consumer")
		}
	}
}

// schedulePresenceBroadcast arms a one-shot timer that fires the room's
// coalesced presence_ack, unless one is already pending. Presence traffic
// is thereby bounded to 1/presenceBroadcastInterval per room regardless of
// how often clients move their cursor.
func (r *Room) schedulePresenceBroadcast(s *Server) {
	r.mu.Lock()
	if r.presenceTimerSet {
		r.mu.Unlock()
		return
	}
	r.presenceTimerSet = true
	r.mu.Unlock()

	interval := s.cfg.PresenceBroadcastInterval
	if interval <= 0 {
		interval = 150 * time.Millisecond
	}
	time.AfterFunc(interval, func() {
		r.mu.Lock()
		r.dirty = make(map[string]bool)
		r.presenceTimerSet = false
		r.mu.Unlock()
		r.firePresenceAck(s)
	})
}

func (r *Room) firePresenceAck(s *Server) {
	var entries []protocol.PresenceEntry
	for _, sess := range r.sessions() {
		p, _, ok := sess.snapshotPresence()
		if !ok {
			continue
		}
		entries = append(entries, protocol.PresenceEntry{ClientID: sess.clientID, Presence: p})
	}
	payload := protocol.PresenceAckPayload{Presences: entries}
	for _, sess := range r.sessions() {
		s.enqueue(sess, protocol.TypePresenceAck, 0, payload)
	}
}

// expirePresence clears any session whose presenceExpiry has passed and
// schedules a broadcast if anything changed.
func (r *Room) expirePresence(now time.Time) {
	changed := false
	for _, sess := range r.sessions() {
		_, expiry, ok := sess.snapshotPresence()
		if ok && now.After(expiry) {
			sess.clearPresence()
			r.mu.Lock()
			r.dirty[sess.sessionID] = true
			r.mu.Unlock()
			changed = true
		}
	}
	if changed {
		r.schedulePresenceBroadcast(r.server)
	}
}

// handleDocUpdate implements §4.6.1's seven-step doc_update admission
// sequence. Steps 5-7 (frontier check, persist, advance) run under the
// room's writeMu so concurrent updates to the same room are processed
// strictly in sequence, per §5's frontier/log coupling requirement.
func (s *Server) handleDocUpdate(ctx context.Context, sess *session, env protocol.Envelope) {
	room := s.getOrCreateRoom(sess.docID)
	if !room.hasSession(sess.sessionID) {
		s.ack(ctx, sess, env.Seq, false, "", "Not connected to room")
		return
	}

	var p protocol.DocUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.ack(ctx, sess, env.Seq, false, "", "Malformed update payload")
		return
	}

	if s.cfg.Validation.MaxUpdateSize > 0 && p.SizeBytes > s.cfg.Validation.MaxUpdateSize {
		s.ack(ctx, sess, env.Seq, false, "", "Update exceeds maxUpdateSize")
		return
	}

	actx := authz.Context{DocID: sess.docID, ClientID: sess.clientID, UserID: sess.userID, Role: sess.role}
	allowed, err := s.authorize(ctx, actx, authz.ActionWrite)
	if err != nil || !allowed {
		s.appendOplog(oplog.Entry{DocID: sess.docID, ActorID: sess.userID, ActorType: oplog.ActorHuman, OpType: oplog.OpPermission, Summary: "write_denied"})
		s.ack(ctx, sess, env.Seq, false, "", "Unauthorized")
		return
	}

	var data []byte
	if p.IsBase64 {
		data, err = encoding.Decode(p.UpdateData)
		if err != nil {
			s.ack(ctx, sess, env.Seq, false, "", "Malformed base64 update data")
			return
		}
	} else {
		data = []byte(p.UpdateData)
	}

	room.writeMu.Lock()
	defer room.writeMu.Unlock()

	room.mu.Lock()
	current := room.currentFrontierTag
	room.mu.Unlock()
	if p.ParentFrontierTag != current {
		s.ack(ctx, sess, env.Seq, false, current, "Frontier conflict - please catch up")
		return
	}

	latestSeq, err := s.backend.GetLatestSeq(ctx, sess.docID)
	if err != nil && err != storage.ErrNotFound {
		s.ack(ctx, sess, env.Seq, false, current, "Storage failure")
		return
	}
	update := storage.Update{
		DocID:             sess.docID,
		Seq:               latestSeq + 1,
		FrontierTag:       p.FrontierTag,
		ParentFrontierTag: p.ParentFrontierTag,
		ClientID:          sess.clientID,
		Data:              data,
		Timestamp:         time.Now().UnixMilli(),
	}
	if err := s.backend.AppendUpdate(ctx, update); err != nil {
		s.ack(ctx, sess, env.Seq, false, current, "Storage failure")
		return
	}

	room.mu.Lock()
	room.currentFrontierTag = p.FrontierTag
	room.mu.Unlock()
	sess.setLastFrontierTag(p.FrontierTag)

	actorType := oplog.InferActorType(p.Origin, sess.userID)
	s.appendOplog(oplog.Entry{
		DocID: sess.docID, ActorID: sess.userID, ActorType: actorType, OpType: oplog.OpCRDTUpdate,
		FrontierTag: p.FrontierTag, ParentFrontierTag: p.ParentFrontierTag, SizeBytes: p.SizeBytes,
	})
	if s.metrics != nil {
		s.metrics.VerificationOutcomes.WithLabelValues("accepted").Inc()
	}

	s.ack(ctx, sess, env.Seq, true, p.FrontierTag, "")

	broadcastEnv := protocol.Envelope{
		Version: protocol.ProtocolVersion, Type: protocol.TypeDocUpdate,
		DocID: sess.docID, ClientID: sess.clientID, Seq: env.Seq,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Payload: env.Payload,
	}
	data2, err := protocol.Marshal(broadcastEnv)
	if err == nil {
		room.broadcastExcept(sess.sessionID, data2)
	}
}

func (r *Room) hasSession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[sessionID]
	return ok
}

// ack delivers a doc_ack through the guaranteed-delivery path: once an
// update is persisted, its ack must never be silently dropped for
// backpressure the way a doc_update broadcast or presence update can be.
func (s *Server) ack(ctx context.Context, sess *session, ackedSeq uint64, applied bool, serverFrontierTag, reason string) {
	s.enqueueAck(sess, ackedSeq, protocol.DocAckPayload{
		AckedSeq: ackedSeq, Applied: applied, ServerFrontierTag: serverFrontierTag, RejectionReason: reason,
	})
}

// handlePresence implements the dirty-set-plus-coalesced-timer batching
// described in §4.6.1.
func (s *Server) handlePresence(ctx context.Context, sess *session, env protocol.Envelope) {
	var p protocol.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	ttl := s.cfg.PresenceTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	sess.setPresence(p, time.Now().Add(ttl))

	room := s.getOrCreateRoom(sess.docID)
	room.mu.Lock()
	room.dirty[sess.sessionID] = true
	room.mu.Unlock()
	room.schedulePresenceBroadcast(s)
}

// handleCatchUpRequest implements §4.6.1's snapshot-or-incremental
// resolution, falling back to a snapshot when the requested frontier tag
// cannot be served incrementally.
func (s *Server) handleCatchUpRequest(ctx context.Context, sess *session, env protocol.Envelope) {
	var p protocol.CatchUpRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	if p.PreferSnapshot || p.FromFrontierTag == "" {
		s.replyCatchUpSnapshot(ctx, sess)
		return
	}

	updates, err := s.backend.GetUpdatesSince(ctx, sess.docID, p.FromFrontierTag)
	if err != nil || len(updates) == 0 {
		s.replyCatchUpSnapshot(ctx, sess)
		return
	}

	bundle := make([]map[string]any, 0, len(updates))
	var tag string
	for _, u := range updates {
		bundle = append(bundle, map[string]any{
			"frontierTag":       u.FrontierTag,
			"parentFrontierTag": u.ParentFrontierTag,
			"data":              encoding.Encode(u.Data),
		})
		tag = u.FrontierTag
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return
	}
	payload := protocol.CatchUpResponsePayload{
		IsSnapshot: false, Data: string(data), FrontierTag: tag, UpdateCount: len(updates),
	}
	s.enqueue(sess, protocol.TypeCatchUpResponse, 0, payload)
	sess.setLastFrontierTag(tag)
}

func (s *Server) replyCatchUpSnapshot(ctx context.Context, sess *session) {
	snap, err := s.backend.GetLatestSnapshot(ctx, sess.docID)
	if err != nil {
		s.sendError(ctx, sess.transport, sess.docID, sess.clientID, protocol.ErrDocNotFound, "no snapshot or document not found", nil, nil)
		return
	}
	payload := protocol.CatchUpResponsePayload{
		IsSnapshot: true, Data: encoding.Encode(snap.Data), FrontierTag: snap.FrontierTag,
	}
	s.enqueue(sess, protocol.TypeCatchUpResponse, 0, payload)
	sess.setLastFrontierTag(snap.FrontierTag)
}
