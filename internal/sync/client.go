package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/docsync/internal/config"
	"github.com/ehrlich-b/docsync/internal/encoding"
	"github.com/ehrlich-b/docsync/internal/policy"
	"github.com/ehrlich-b/docsync/internal/protocol"
)

// State is the Sync Client's connection state machine, per §4.6.2.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateHandshaking  State = "handshaking"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Dialer opens a new Transport to url. cmd/docsync supplies a coder/websocket
// dialer in production; tests supply an in-memory pipe.
type Dialer func(ctx context.Context, url string) (Transport, error)

// ClientError is the structured error surfaced on the Error handler, built
// from an inbound `error` envelope.
type ClientError struct {
	Code         protocol.ErrorCode
	Category     protocol.ErrorCategory
	Message      string
	Retryable    bool
	RetryAfterMs int64
	Details      map[string]any
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("sync: %s (%s): %s", e.Code, e.Category, e.Message)
}

// ErrInvalidState is returned by SendUpdate when the client is not connected.
var ErrInvalidState = fmt.Errorf("sync: client is not connected")

// Handlers is the caller's event sink. Every field is optional; nil handlers
// are simply not invoked. Mirrors the teacher's ws.Client OnXxx callback
// fields, generalized from PTY lifecycle callbacks to the Sync Client's
// emitted-event set in §4.6.2.
type Handlers struct {
	OnStateChange     func(state State)
	OnConnected       func()
	OnDisconnected    func(err error)
	OnError           func(err *ClientError)
	OnRemoteUpdate    func(data []byte, frontierTag string)
	OnUpdateAck       func(seq uint64, applied bool, reason string)
	OnPresenceUpdate  func(presences []protocol.PresenceEntry)
	OnCatchUpComplete func(isSnapshot bool, frontierTag string)
}

type pendingAck struct {
	resolve chan ackResult
}

type ackResult struct {
	applied bool
	reason  string
}

// ClientConfig is the Sync Client's construction-time configuration.
type ClientConfig struct {
	URL              string
	DocID            string
	ClientID         string
	Manifest         *policy.Manifest
	Capabilities     protocol.Capabilities
	UserMeta         map[string]any
	Token            string
	Reconnect        config.ReconnectConfig
	PingInterval     time.Duration
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// Client is the Sync Kernel's client half: a single-tasked connection state
// machine over one document, with reconnect backoff and optimistic local
// frontier tracking. Grounded on the teacher's internal/ws.Client.Run
// connect-reconnect loop and internal/ws.Backoff, generalized from the
// PTY-relay wire protocol to doc-sync's handshake/update/presence/catch-up
// exchange.
type Client struct {
	cfg      ClientConfig
	dial     Dialer
	handlers Handlers

	mu                sync.Mutex
	state             State
	transport         Transport
	sessionID         string
	role              string
	effectiveManifest *policy.Manifest
	lastFrontierTag   string
	serverFrontierTag string
	reconnectAttempt  int
	closed            bool
	pendingCatchUp    bool

	seq         atomic.Uint64
	pendingAcks sync.Map // seq -> *pendingAck

	pingStop   chan struct{}
	pingDoneWG sync.WaitGroup

	connectDone chan error // signaled once by the first handshake outcome
}

// NewClient constructs a Client. dial opens the transport (production:
// a coder/websocket dialer wrapped in NewWebSocketTransport; tests: an
// in-memory pipe).
func NewClient(cfg ClientConfig, dial Dialer, handlers Handlers) *Client {
	return &Client{
		cfg:      cfg,
		dial:     dial,
		handlers: handlers,
		state:    StateDisconnected,
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(s)
	}
}

// State reports the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastFrontierTag reports the most recently known frontier tag, updated
// optimistically on send and authoritatively on inbound doc_update,
// catch_up_response and applied doc_ack messages. A rejected doc_ack and
// the handshake_ack's server frontier tag do not change it.
func (c *Client) LastFrontierTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrontierTag
}

// Connect opens the transport, performs the handshake, and — if Reconnect
// is enabled — keeps the connection alive across drops until the caller
// calls Close. It blocks until the first handshake succeeds or fails (or
// ConnectTimeout elapses), matching the teacher's connect-promise contract;
// the reconnect loop itself continues in the background after that point.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.connectDone = make(chan error, 1)
	c.mu.Unlock()

	go c.runLoop(ctx)

	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case err := <-c.connectDone:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("sync: connect timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) runLoop(ctx context.Context) {
	first := true
	for {
		if c.isClosed() {
			return
		}
		c.setState(StateConnecting)
		err := c.connectAndServe(ctx)

		if first {
			first = false
			c.mu.Lock()
			done := c.connectDone
			c.mu.Unlock()
			if done != nil {
				select {
				case done <- err:
				default:
				}
			}
		}

		if c.isClosed() || ctx.Err() != nil {
			c.setState(StateDisconnected)
			if c.handlers.OnDisconnected != nil {
				c.handlers.OnDisconnected(err)
			}
			return
		}

		c.failPendingAcks()

		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected(err)
		}

		if !c.cfg.Reconnect.Enabled {
			c.setState(StateError)
			return
		}

		c.mu.Lock()
		c.reconnectAttempt++
		attempt := c.reconnectAttempt
		c.mu.Unlock()

		if c.cfg.Reconnect.MaxAttempts >= 0 && attempt > c.cfg.Reconnect.MaxAttempts {
			c.setState(StateError)
			if c.handlers.OnError != nil {
				c.handlers.OnError(&ClientError{Code: protocol.ErrMaxReconnectAttempts, Category: protocol.CategoryInternal, Message: "max reconnect attempts exceeded"})
			}
			return
		}

		c.setState(StateReconnecting)
		delay := c.cfg.Reconnect.Delay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// connectAndServe performs one dial-handshake-serve cycle; its error is
// the reason the cycle ended (transport close, handshake failure, or nil
// on a clean shutdown).
func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeoutOrDefault(c.cfg.ConnectTimeout))
	transport, err := c.dial(dialCtx, c.cfg.URL)
	cancel()
	if err != nil {
		return fmt.Errorf("sync: dial: %w", err)
	}

	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()
	defer func() {
		transport.Close(1000, "closing")
		c.mu.Lock()
		c.transport = nil
		c.mu.Unlock()
	}()

	c.setState(StateHandshaking)
	if err := c.sendHandshake(ctx, transport); err != nil {
		return fmt.Errorf("sync: send handshake: %w", err)
	}

	hsTimeout := c.cfg.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = 5 * time.Second
	}
	hsCtx, hsCancel := context.WithTimeout(ctx, hsTimeout)
	data, err := transport.ReadMessage(hsCtx)
	hsCancel()
	if err != nil {
		return fmt.Errorf("sync: handshake timed out: %w", err)
	}
	env, err := protocol.Unmarshal(data)
	if err != nil || env.Type != protocol.TypeHandshakeAck {
		return fmt.Errorf("sync: expected handshake_ack, got %v (err=%v)", env.Type, err)
	}
	if err := c.handleHandshakeAck(env); err != nil {
		return err
	}

	c.mu.Lock()
	c.reconnectAttempt = 0
	done := c.connectDone
	c.mu.Unlock()
	if done != nil {
		select {
		case done <- nil:
		default:
		}
	}
	c.startPing(ctx, transport)
	defer c.stopPing()

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}

	c.maybeCatchUp(ctx, transport)

	return c.readLoop(ctx, transport)
}

func connectTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (c *Client) sendHandshake(ctx context.Context, t Transport) error {
	manifestBytes, err := json.Marshal(c.cfg.Manifest)
	if err != nil {
		return err
	}
	hash, err := c.cfg.Manifest.Hash()
	if err != nil {
		return err
	}
	payload := protocol.HandshakePayload{
		ClientManifestV09:  manifestBytes,
		ClientManifestHash: hash,
		Capabilities:       c.cfg.Capabilities,
		LastFrontierTag:    c.LastFrontierTag(),
		Token:              c.cfg.Token,
		UserMeta:           c.cfg.UserMeta,
	}
	return c.send(ctx, t, protocol.TypeHandshake, 0, payload)
}

func (c *Client) handleHandshakeAck(env protocol.Envelope) error {
	var ack protocol.HandshakeAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return fmt.Errorf("sync: malformed handshake_ack: %w", err)
	}

	var serverManifest policy.Manifest
	if err := json.Unmarshal(ack.ServerManifestV09, &serverManifest); err != nil {
		c.emitError(&ClientError{Code: protocol.ErrPolicyIncompatible, Category: protocol.CategoryPolicy, Message: "malformed server manifest"})
		return fmt.Errorf("sync: malformed server manifest: %w", err)
	}
	if ok, errs := policy.Validate(&serverManifest); !ok {
		c.emitError(&ClientError{Code: protocol.ErrPolicyIncompatible, Category: protocol.CategoryPolicy, Message: "server manifest invalid", Details: map[string]any{"errors": errs}})
		return fmt.Errorf("sync: server manifest invalid: %v", errs)
	}

	negResult, err := policy.Negotiate(false, c.cfg.Manifest, &serverManifest)
	if err != nil || !negResult.Success {
		c.emitError(&ClientError{Code: protocol.ErrPolicyIncompatible, Category: protocol.CategoryPolicy, Message: "negotiation failed"})
		return fmt.Errorf("sync: negotiation failed")
	}
	gotHash, err := negResult.Manifest.Hash()
	if err != nil || gotHash != ack.ChosenManifestHash {
		c.emitError(&ClientError{Code: protocol.ErrPolicyHashMismatch, Category: protocol.CategoryPolicy, Message: "effective manifest hash mismatch"})
		return fmt.Errorf("sync: effective manifest hash mismatch")
	}

	c.mu.Lock()
	c.effectiveManifest = negResult.Manifest
	c.sessionID = ack.SessionID
	c.role = ack.Role
	c.serverFrontierTag = ack.ServerFrontierTag
	lastTag := c.lastFrontierTag
	c.mu.Unlock()

	c.setState(StateConnected)

	if ack.NeedsCatchUp && lastTag != "" && lastTag != ack.ServerFrontierTag {
		c.mu.Lock()
		c.pendingCatchUp = true
		c.mu.Unlock()
	}
	return nil
}

// maybeCatchUp issues a catch_up_request immediately after entering
// connected state when the handshake ack flagged needsCatchUp.
func (c *Client) maybeCatchUp(ctx context.Context, t Transport) {
	c.mu.Lock()
	need := c.pendingCatchUp
	c.pendingCatchUp = false
	c.mu.Unlock()
	if !need {
		return
	}
	_ = c.send(ctx, t, protocol.TypeCatchUpRequest, c.nextSeq(), protocol.CatchUpRequestPayload{
		FromFrontierTag: c.LastFrontierTag(),
		PreferSnapshot:  false,
	})
}

func (c *Client) startPing(ctx context.Context, t Transport) {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	c.pingStop = make(chan struct{})
	c.pingDoneWG.Add(1)
	go func() {
		defer c.pingDoneWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.pingStop:
				return
			case <-ticker.C:
				if c.send(ctx, t, protocol.TypePing, c.nextSeq(), protocol.PingPayload{}) != nil {
					return
				}
			}
		}
	}()
}

func (c *Client) stopPing() {
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingDoneWG.Wait()
		c.pingStop = nil
	}
}

func (c *Client) readLoop(ctx context.Context, t Transport) error {
	for {
		data, err := t.ReadMessage(ctx)
		if err != nil {
			return err
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			continue
		}
		if vr := protocol.ValidateClientInbound(env); !vr.OK {
			continue
		}
		switch env.Type {
		case protocol.TypeDocUpdate:
			c.handleRemoteUpdate(env)
		case protocol.TypeDocAck:
			c.handleDocAck(env)
		case protocol.TypePresenceAck:
			c.handlePresenceAck(env)
		case protocol.TypeCatchUpResponse:
			c.handleCatchUpResponse(env)
		case protocol.TypeError:
			if done := c.handleErrorEnvelope(env); done {
				return fmt.Errorf("sync: non-retryable error from server")
			}
		case protocol.TypePong:
			// liveness only
		}
	}
}

func (c *Client) handleRemoteUpdate(env protocol.Envelope) {
	var p protocol.DocUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	var data []byte
	var err error
	if p.IsBase64 {
		data, err = encoding.Decode(p.UpdateData)
		if err != nil {
			return
		}
	} else {
		data = []byte(p.UpdateData)
	}
	c.mu.Lock()
	c.lastFrontierTag = p.FrontierTag
	c.mu.Unlock()
	if c.handlers.OnRemoteUpdate != nil {
		c.handlers.OnRemoteUpdate(data, p.FrontierTag)
	}
}

func (c *Client) handleDocAck(env protocol.Envelope) {
	var p protocol.DocAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if p.Applied {
		c.mu.Lock()
		c.lastFrontierTag = p.ServerFrontierTag
		c.mu.Unlock()
	}
	if v, ok := c.pendingAcks.LoadAndDelete(env.Seq); ok {
		pa := v.(*pendingAck)
		pa.resolve <- ackResult{applied: p.Applied, reason: p.RejectionReason}
	}
	if c.handlers.OnUpdateAck != nil {
		c.handlers.OnUpdateAck(env.Seq, p.Applied, p.RejectionReason)
	}
}

func (c *Client) handlePresenceAck(env protocol.Envelope) {
	var p protocol.PresenceAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if c.handlers.OnPresenceUpdate != nil {
		c.handlers.OnPresenceUpdate(p.Presences)
	}
}

func (c *Client) handleCatchUpResponse(env protocol.Envelope) {
	var p protocol.CatchUpResponsePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	c.mu.Lock()
	c.lastFrontierTag = p.FrontierTag
	c.mu.Unlock()

	if p.IsSnapshot {
		data, err := encoding.Decode(p.Data)
		if err == nil && c.handlers.OnRemoteUpdate != nil {
			c.handlers.OnRemoteUpdate(data, p.FrontierTag)
		}
	} else {
		var bundle []struct {
			FrontierTag       string `json:"frontierTag"`
			ParentFrontierTag string `json:"parentFrontierTag"`
			Data              string `json:"data"`
		}
		if err := json.Unmarshal([]byte(p.Data), &bundle); err == nil {
			for _, u := range bundle {
				data, err := encoding.Decode(u.Data)
				if err != nil {
					continue
				}
				if c.handlers.OnRemoteUpdate != nil {
					c.handlers.OnRemoteUpdate(data, u.FrontierTag)
				}
			}
		}
	}
	if c.handlers.OnCatchUpComplete != nil {
		c.handlers.OnCatchUpComplete(p.IsSnapshot, p.FrontierTag)
	}
}

// handleErrorEnvelope returns true if the error is non-retryable and the
// connection should terminate rather than continue serving.
func (c *Client) handleErrorEnvelope(env protocol.Envelope) bool {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return false
	}
	var retryAfter int64
	if p.RetryAfterMs != nil {
		retryAfter = *p.RetryAfterMs
	}
	cerr := &ClientError{Code: p.Code, Category: p.Category, Message: p.Message, Retryable: p.Retryable, RetryAfterMs: retryAfter, Details: p.Details}
	c.emitError(cerr)
	if !p.Retryable {
		c.setState(StateError)
		return true
	}
	return false
}

func (c *Client) emitError(err *ClientError) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *Client) nextSeq() uint64 {
	return c.seq.Add(1)
}

func (c *Client) send(ctx context.Context, t Transport, typ protocol.MessageType, seq uint64, payload any) error {
	pb, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := protocol.Envelope{
		Version:   protocol.ProtocolVersion,
		Type:      typ,
		DocID:     c.cfg.DocID,
		ClientID:  c.cfg.ClientID,
		Seq:       seq,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   pb,
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return t.WriteMessage(ctx, data)
}

// SendUpdate encodes and sends a doc_update, returning the seq used for ack
// correlation. The client's local lastFrontierTag advances optimistically;
// a rejected ack does not roll it back (callers that need rebasing issue
// their own catch_up_request).
func (c *Client) SendUpdate(ctx context.Context, data []byte, frontierTag, parentFrontierTag, origin string) (uint64, error) {
	c.mu.Lock()
	transport := c.transport
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || transport == nil {
		return 0, ErrInvalidState
	}

	seq := c.nextSeq()
	payload := protocol.DocUpdatePayload{
		UpdateData:        encoding.Encode(data),
		IsBase64:          true,
		FrontierTag:       frontierTag,
		ParentFrontierTag: parentFrontierTag,
		SizeBytes:         len(data),
		Origin:            origin,
	}
	if err := c.send(ctx, transport, protocol.TypeDocUpdate, seq, payload); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.lastFrontierTag = frontierTag
	c.mu.Unlock()
	return seq, nil
}

// WaitForAck blocks until the doc_ack for seq arrives or ctx is cancelled.
// Callers that only care about the fire-and-forget OnUpdateAck handler need
// not call this.
func (c *Client) WaitForAck(ctx context.Context, seq uint64) (applied bool, reason string, err error) {
	pa := &pendingAck{resolve: make(chan ackResult, 1)}
	c.pendingAcks.Store(seq, pa)
	defer c.pendingAcks.Delete(seq)
	select {
	case r := <-pa.resolve:
		return r.applied, r.reason, nil
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

func (c *Client) failPendingAcks() {
	c.pendingAcks.Range(func(key, value any) bool {
		pa := value.(*pendingAck)
		select {
		case pa.resolve <- ackResult{applied: false, reason: "connection closed"}:
		default:
		}
		c.pendingAcks.Delete(key)
		return true
	})
}

// SendPresence is fire-and-forget; it silently no-ops outside Connected,
// per §4.6.2.
func (c *Client) SendPresence(ctx context.Context, p protocol.PresencePayload) {
	c.mu.Lock()
	transport := c.transport
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || transport == nil {
		return
	}
	_ = c.send(ctx, transport, protocol.TypePresence, c.nextSeq(), p)
}

// RequestCatchUp is fire-and-forget while connected.
func (c *Client) RequestCatchUp(ctx context.Context, preferSnapshot bool) {
	c.mu.Lock()
	transport := c.transport
	connected := c.state == StateConnected
	fromTag := c.lastFrontierTag
	c.mu.Unlock()
	if !connected || transport == nil {
		return
	}
	_ = c.send(ctx, transport, protocol.TypeCatchUpRequest, c.nextSeq(), protocol.CatchUpRequestPayload{
		FromFrontierTag: fromTag,
		PreferSnapshot:  preferSnapshot,
	})
}

// Close shuts the client down: the transport is closed, the ping timer
// stops, and pending acks resolve with a cancellation-flavored result. Safe
// to call from any state.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	transport := c.transport
	c.mu.Unlock()
	c.failPendingAcks()
	if transport != nil {
		return transport.Close(1000, "client closing")
	}
	return nil
}
