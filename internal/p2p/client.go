package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/models"
)

// ErrNotConnected is returned by operations that need the signaling service
// while no connection is up.
var ErrNotConnected = errors.New("p2p: not connected to signaling service")

var errClientClosed = errors.New("p2p: client closed")

// Status is the state of the connection to the signaling service
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusError is terminal until the next explicit Connect.
	StatusError Status = "error"
)

// RequestHandler serves one request type. The returned value is marshaled
// into the response; an error becomes an unsuccessful response.
type RequestHandler func(ctx context.Context, from string, data json.RawMessage) (any, error)

// MessageHandler receives fire-and-forget messages of one type
type MessageHandler func(from string, data json.RawMessage)

type Options struct {
	DeviceID   string
	DeviceName string
	ClientType models.ClientType
	AuthKey    string

	Dialer    ServiceDialer
	Transport Transport

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	RequestTimeout       time.Duration
	ConnectionTimeout    time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.ClientType == "" {
		o.ClientType = models.ClientTypeDesktop
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = logger.Logger("p2p")
	}
}

type rpcResult struct {
	data json.RawMessage
	err  error
}

type pendingRPC struct {
	peerID string
	result chan rpcResult
	timer  *clock.Timer
}

// Client keeps a device connected to the signaling service and maintains a
// direct session to every peer it learns about. All mutable state is guarded
// by mu; link methods and observers are only called with mu released.
type Client struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	deviceID       string
	status         Status
	conn           ServiceConn
	attempts       int
	reconnectTimer *clock.Timer
	closed         bool

	peers    map[string]models.Peer
	sessions map[string]*session
	pending  map[string]*pendingRPC

	requestHandlers map[string]RequestHandler
	messageHandlers map[string]MessageHandler
	observers       map[int]func(Event)
	nextObserver    int
}

func NewClient(opts Options) *Client {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:            opts,
		clock:           opts.Clock,
		logger:          opts.Logger,
		ctx:             ctx,
		cancel:          cancel,
		deviceID:        opts.DeviceID,
		status:          StatusDisconnected,
		peers:           make(map[string]models.Peer),
		sessions:        make(map[string]*session),
		pending:         make(map[string]*pendingRPC),
		requestHandlers: make(map[string]RequestHandler),
		messageHandlers: make(map[string]MessageHandler),
		observers:       make(map[int]func(Event)),
	}
}

// DeviceID returns this device's id. It is assigned by the service when
// none was configured.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// DeviceName returns the configured human readable name
func (c *Client) DeviceName() string {
	return c.opts.DeviceName
}

// Status returns the service connection state
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials the signaling service and joins the scope. A failed dial
// hands off to the reconnect schedule and returns the error. Calling Connect
// while connected or connecting is a no-op; calling it in StatusError starts
// a fresh attempt count.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.attempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()
	c.emit(Event{Type: EventStatus, Status: StatusConnecting})

	if err := c.dial(ctx); err != nil {
		c.scheduleReconnect(err)
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	creds := Credentials{AuthKey: c.opts.AuthKey, DeviceID: c.deviceID, ClientType: c.opts.ClientType}
	c.mu.Unlock()

	conn, err := c.opts.Dialer.Dial(ctx, creds)
	if err != nil {
		c.setStatus(StatusDisconnected)
		c.logger.Warn("signaling connection failed", "error", err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errClientClosed
	}
	c.conn = conn
	c.status = StatusConnected
	c.attempts = 0
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := conn.Send(models.Message{Type: models.MessageTypeJoin}); err != nil {
		c.logger.Warn("failed to join scope", "error", err)
	}
	c.logger.Info("connected to signaling service")
	c.emit(Event{Type: EventStatus, Status: StatusConnected})
	return nil
}

// scheduleReconnect arms the next attempt with a linear backoff, or gives up
// once the attempt budget is spent. A rejected credential is never retried.
func (c *Client) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.opts.MaxReconnectAttempts || errors.Is(cause, models.ErrAuthenticationFailed) {
		c.status = StatusError
		c.mu.Unlock()
		c.logger.Error("giving up on signaling service", "attempts", c.attempts-1, "error", cause)
		c.emit(Event{Type: EventStatus, Status: StatusError})
		c.emit(Event{Type: EventError, Err: cause})
		return
	}
	attempt := c.attempts
	delay := c.opts.ReconnectDelay * time.Duration(attempt)
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnect(attempt) })
	c.mu.Unlock()

	c.logger.Info("reconnecting to signaling service", "attempt", attempt, "delay", delay)
}

func (c *Client) reconnect(attempt int) {
	c.mu.Lock()
	if c.closed || c.attempts != attempt || c.status != StatusDisconnected {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnecting
	c.reconnectTimer = nil
	c.mu.Unlock()
	c.emit(Event{Type: EventStatus, Status: StatusConnecting})

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectionTimeout)
	defer cancel()
	if err := c.dial(ctx); err != nil {
		c.scheduleReconnect(err)
	}
}

func (c *Client) readLoop(conn ServiceConn) {
	for {
		data, err := conn.Receive()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.emit(Event{Type: EventError, Err: models.InvalidSignal("malformed service message")})
			continue
		}
		if err := msg.ValidateServer(); err != nil {
			c.emit(Event{Type: EventError, Err: err})
			continue
		}
		c.handleServiceMessage(msg)
	}
}

func (c *Client) handleDrop(conn ServiceConn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.status = StatusDisconnected
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("signaling connection lost", "error", err)
	c.emit(Event{Type: EventStatus, Status: StatusDisconnected})
	c.scheduleReconnect(err)
}

func (c *Client) handleServiceMessage(msg models.Message) {
	switch msg.Type {
	case models.MessageTypeWelcome:
		if msg.Peer != nil && msg.Peer.DeviceID != "" {
			c.mu.Lock()
			c.deviceID = msg.Peer.DeviceID
			c.mu.Unlock()
		}

	case models.MessageTypeExistingPeers, models.MessageTypePeerList:
		c.mu.Lock()
		for _, p := range msg.Peers {
			c.peers[p.DeviceID] = p.Clone()
		}
		c.mu.Unlock()
		for _, p := range msg.Peers {
			c.maybeInitiate(p)
		}
		c.emit(Event{Type: EventPeerList, Peers: msg.Peers})

	case models.MessageTypePeerJoined:
		peer := msg.Peer.Clone()
		c.mu.Lock()
		c.peers[peer.DeviceID] = peer
		c.mu.Unlock()
		c.logger.Info("peer joined", "peer", peer.DeviceID, "type", peer.ClientType)
		c.maybeInitiate(peer)
		c.emit(Event{Type: EventPeerJoined, PeerID: peer.DeviceID, Peer: &peer})

	case models.MessageTypePeerLeft:
		peerID := msg.Peer.DeviceID
		c.mu.Lock()
		delete(c.peers, peerID)
		s := c.sessions[peerID]
		c.mu.Unlock()
		c.logger.Info("peer left", "peer", peerID)
		if s != nil {
			c.closeSession(s, models.PeerTransportClosed(peerID))
		}
		c.emit(Event{Type: EventPeerLeft, PeerID: peerID})

	case models.MessageTypeCapabilitiesUpdated:
		peer := msg.Peer.Clone()
		c.mu.Lock()
		c.peers[peer.DeviceID] = peer
		c.mu.Unlock()
		c.emit(Event{Type: EventCapabilities, PeerID: peer.DeviceID, Peer: &peer})

	case models.MessageTypeModelsRequested:
		c.emit(Event{Type: EventModelsRequested, PeerID: msg.From})

	case models.MessageTypeSignal:
		c.handleSignal(*msg.Signal)

	case models.MessageTypeError:
		err := msg.Error.Err()
		c.logger.Warn("signaling service error", "code", err.Code, "error", err)
		c.emit(Event{Type: EventError, Err: err})
	}
}

func (c *Client) maybeInitiate(peer models.Peer) {
	self := c.DeviceID()
	if peer.DeviceID == self {
		return
	}
	if !ShouldInitiate(self, peer.DeviceID, c.opts.ClientType.IsHost(), peer.ClientType.IsHost()) {
		return
	}
	if _, err := c.initiate(peer.DeviceID); err != nil {
		c.logger.Warn("failed to start session", "peer", peer.DeviceID, "error", err)
	}
}

// initiate creates an initiator session unless one already exists, in which
// case the existing session is returned.
func (c *Client) initiate(peerID string) (*session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	if s, ok := c.sessions[peerID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	s := newSession(peerID, RoleInitiator)
	c.sessions[peerID] = s
	c.mu.Unlock()

	link, err := c.opts.Transport.NewLink(peerID, c.linkEvents(s))
	if err != nil {
		c.closeSession(s, err)
		return s, err
	}
	if !c.attachLink(s, link) {
		link.Close()
		return s, s.err
	}

	c.logger.Debug("initiating session", "peer", peerID)
	if err := link.Start(); err != nil {
		c.closeSession(s, err)
		return s, err
	}
	return s, nil
}

// attachLink stores link on s unless s was closed meanwhile.
func (c *Client) attachLink(s *session, link Link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.state == SessionClosed {
		return false
	}
	s.link = link
	return true
}

func (c *Client) handleSignal(env models.SignalEnvelope) {
	from := env.From
	switch env.Kind {
	case models.SignalKindOffer:
		c.handleOffer(from, env.Payload)

	case models.SignalKindAnswer, models.SignalKindCandidate:
		c.mu.Lock()
		s := c.sessions[from]
		var link Link
		if s != nil {
			link = s.link
		}
		c.mu.Unlock()
		if link == nil || (env.Kind == models.SignalKindAnswer && s.role != RoleInitiator) {
			c.logger.Debug("dropping signal without matching session", "peer", from, "kind", env.Kind)
			return
		}
		if err := link.HandleSignal(env.Kind, env.Payload); err != nil {
			c.logger.Warn("failed to apply signal", "peer", from, "kind", env.Kind, "error", err)
			c.closeSession(s, err)
		}
	}
}

func (c *Client) handleOffer(from string, payload json.RawMessage) {
	c.mu.Lock()
	self := c.deviceID
	existing := c.sessions[from]
	otherHost := c.peers[from].ClientType.IsHost()
	if existing != nil && existing.role == RoleInitiator && existing.state == SessionNegotiating &&
		ShouldInitiate(self, from, c.opts.ClientType.IsHost(), otherHost) {
		// Glare, and this side is the designated initiator: keep our offer.
		c.mu.Unlock()
		c.logger.Debug("ignoring offer during glare", "peer", from)
		return
	}
	c.mu.Unlock()

	if existing != nil {
		c.logger.Debug("replacing session on new offer", "peer", from, "state", existing.state)
		c.closeSession(existing, models.PeerTransportClosed(from))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.sessions[from]; ok {
		// A session appeared meanwhile; decide again against it.
		c.mu.Unlock()
		c.handleOffer(from, payload)
		return
	}
	s := newSession(from, RoleResponder)
	c.sessions[from] = s
	c.mu.Unlock()

	link, err := c.opts.Transport.NewLink(from, c.linkEvents(s))
	if err != nil {
		c.closeSession(s, err)
		return
	}
	if !c.attachLink(s, link) {
		link.Close()
		return
	}
	if err := link.HandleSignal(models.SignalKindOffer, payload); err != nil {
		c.logger.Warn("failed to answer offer", "peer", from, "error", err)
		c.closeSession(s, err)
	}
}

func (c *Client) linkEvents(s *session) LinkEvents {
	return LinkEvents{
		OnSignal: func(kind models.SignalKind, payload json.RawMessage) {
			err := c.sendService(models.Message{
				Type:   models.MessageTypeSignal,
				To:     s.peerID,
				Signal: &models.SignalEnvelope{Kind: kind, To: s.peerID, Payload: payload},
			})
			if err != nil {
				c.logger.Warn("failed to relay signal", "peer", s.peerID, "kind", kind, "error", err)
			}
		},
		OnOpen: func() {
			c.mu.Lock()
			opened := c.sessions[s.peerID] == s && s.open()
			c.mu.Unlock()
			if opened {
				c.logger.Info("session open", "peer", s.peerID, "role", s.role)
				c.emit(Event{Type: EventSessionOpen, PeerID: s.peerID})
			}
		},
		OnMessage: func(data []byte) {
			c.handlePeerData(s.peerID, data)
		},
		OnClose: func(err error) {
			if err == nil {
				err = models.PeerTransportClosed(s.peerID)
			}
			c.closeSession(s, err)
		},
	}
}

// closeSession tears down s, rejecting every request pending against its
// peer. It is idempotent.
func (c *Client) closeSession(s *session, cause error) {
	c.mu.Lock()
	if !s.close(cause) {
		c.mu.Unlock()
		return
	}
	if c.sessions[s.peerID] == s {
		delete(c.sessions, s.peerID)
	}
	link := s.link
	var rejected []*pendingRPC
	for id, p := range c.pending {
		if p.peerID == s.peerID {
			delete(c.pending, id)
			rejected = append(rejected, p)
		}
	}
	c.mu.Unlock()

	for _, p := range rejected {
		p.timer.Stop()
		p.result <- rpcResult{err: models.PeerTransportClosed(s.peerID)}
	}
	if link != nil {
		link.Close()
	}
	c.logger.Info("session closed", "peer", s.peerID, "cause", cause)
	c.emit(Event{Type: EventSessionClosed, PeerID: s.peerID, Err: cause})
}

// EnsureConnection returns once a session to peerID is open, initiating one
// if none exists. It fails with a CONNECTION_TIMEOUT error when the session
// does not open within the configured timeout.
func (c *Client) EnsureConnection(ctx context.Context, peerID string) error {
	s, err := c.initiate(peerID)
	if err != nil {
		return err
	}

	timer := c.clock.Timer(c.opts.ConnectionTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.ready:
		case <-timer.C:
			timeout := models.NewError(models.CodeConnectionTimeout, "connection timeout", "peerId", peerID)
			c.closeSession(s, timeout)
			return timeout
		case <-ctx.Done():
			return ctx.Err()
		}

		c.mu.Lock()
		if s.state == SessionOpen {
			c.mu.Unlock()
			return nil
		}
		next, ok := c.sessions[peerID]
		c.mu.Unlock()
		if ok && next != s {
			// Superseded, e.g. by the remote offer winning a glare.
			s = next
			continue
		}
		if s.err != nil {
			return s.err
		}
		return models.PeerTransportClosed(peerID)
	}
}

// Request sends a correlated request to peerID and waits for its response.
// A session is established first if needed. The pending slot is released
// only by the response or the request timeout; a caller whose ctx ends
// returns early without freeing it.
func (c *Client) Request(ctx context.Context, peerID, requestType string, data any) (json.RawMessage, error) {
	if err := c.EnsureConnection(ctx, peerID); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", requestType, err)
	}

	requestID := uuid.NewString()
	p := &pendingRPC{peerID: peerID, result: make(chan rpcResult, 1)}

	c.mu.Lock()
	c.pending[requestID] = p
	p.timer = c.clock.AfterFunc(c.opts.RequestTimeout, func() {
		c.complete(requestID, "", rpcResult{
			err: models.NewError(models.CodeRequestTimeout, "request timeout", "peerId", peerID, "requestType", requestType),
		})
	})
	c.mu.Unlock()

	err = c.sendEnvelope(peerID, PeerEnvelope{
		Type:        EnvelopeRequest,
		RequestID:   requestID,
		RequestType: requestType,
		Data:        payload,
	})
	if err != nil {
		c.complete(requestID, "", rpcResult{err: err})
	}

	select {
	case res := <-p.result:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete resolves a pending request. A response from a peer other than the
// one the request went to, or for an id no longer pending, is dropped.
func (c *Client) complete(requestID, from string, res rpcResult) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if !ok || (from != "" && p.peerID != from) {
		c.mu.Unlock()
		c.logger.Debug("dropping response for unknown request", "request", requestID, "peer", from)
		return
	}
	delete(c.pending, requestID)
	c.mu.Unlock()

	p.timer.Stop()
	p.result <- res
}

// Send delivers a fire-and-forget message over an open session.
func (c *Client) Send(peerID, msgType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msgType, err)
	}
	return c.sendEnvelope(peerID, PeerEnvelope{Type: msgType, Data: payload})
}

// Broadcast sends a message to every open session. Per-peer failures are
// logged and combined; they never stop delivery to the remaining peers.
func (c *Client) Broadcast(msgType string, data any) error {
	var errs error
	for _, peerID := range c.OpenPeers() {
		if err := c.Send(peerID, msgType, data); err != nil {
			c.logger.Warn("broadcast delivery failed", "peer", peerID, "type", msgType, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", peerID, err))
		}
	}
	return errs
}

func (c *Client) sendEnvelope(peerID string, env PeerEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	s, ok := c.sessions[peerID]
	var link Link
	if ok && s.state == SessionOpen {
		link = s.link
	}
	c.mu.Unlock()
	if link == nil {
		return models.PeerTransportClosed(peerID)
	}
	return link.Send(data)
}

// HandleRequest registers the handler for one request type
func (c *Client) HandleRequest(requestType string, h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandlers[requestType] = h
}

// HandleMessage registers the handler for one fire-and-forget message type.
// Types without a handler are published as EventMessage.
func (c *Client) HandleMessage(msgType string, h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandlers[msgType] = h
}

func (c *Client) handlePeerData(peerID string, data []byte) {
	var env PeerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.emit(Event{Type: EventError, PeerID: peerID, Err: models.InvalidSignal("malformed peer envelope")})
		return
	}
	if err := env.Validate(); err != nil {
		c.emit(Event{Type: EventError, PeerID: peerID, Err: err})
		return
	}

	switch env.Type {
	case EnvelopeRequest:
		go c.serveRequest(peerID, env)

	case EnvelopeResponse:
		if env.Success {
			c.complete(env.RequestID, peerID, rpcResult{data: env.Data})
		} else {
			c.complete(env.RequestID, peerID, rpcResult{err: env.Err()})
		}

	default:
		c.mu.Lock()
		h := c.messageHandlers[env.Type]
		c.mu.Unlock()
		if h != nil {
			h(peerID, env.Data)
			return
		}
		c.emit(Event{Type: EventMessage, PeerID: peerID, MessageType: env.Type, Data: env.Data})
	}
}

func (c *Client) serveRequest(peerID string, env PeerEnvelope) {
	c.mu.Lock()
	h := c.requestHandlers[env.RequestType]
	c.mu.Unlock()

	var response PeerEnvelope
	if h == nil {
		response = failureEnvelope(env.RequestID, models.NewError(models.CodeInvalidSignal, "unsupported request type", "requestType", env.RequestType))
	} else if result, err := c.invoke(h, peerID, env.Data); err != nil {
		c.logger.Warn("request handler failed", "peer", peerID, "type", env.RequestType, "error", err)
		response = failureEnvelope(env.RequestID, err)
	} else if payload, err := json.Marshal(result); err != nil {
		response = failureEnvelope(env.RequestID, fmt.Errorf("marshal %s result: %w", env.RequestType, err))
	} else {
		response = PeerEnvelope{Type: EnvelopeResponse, RequestID: env.RequestID, Success: true, Data: payload}
	}

	if err := c.sendEnvelope(peerID, response); err != nil {
		c.logger.Warn("failed to send response", "peer", peerID, "request", env.RequestID, "error", err)
	}
}

func (c *Client) invoke(h RequestHandler, peerID string, data json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request handler panic: %v", r)
		}
	}()
	return h(c.ctx, peerID, data)
}

// Announce publishes this device's models and battery state to the scope
func (c *Client) Announce(descriptors []models.ModelDescriptor, battery *models.BatteryState) error {
	return c.sendService(models.Message{Type: models.MessageTypeAnnounce, Models: descriptors, Battery: battery})
}

// RefreshPeers asks the service for the current member list. The answer
// arrives as EventPeerList.
func (c *Client) RefreshPeers() error {
	return c.sendService(models.Message{Type: models.MessageTypeListPeers})
}

// RequestModels asks peerID to announce its models again
func (c *Client) RequestModels(peerID string) error {
	return c.sendService(models.Message{Type: models.MessageTypeRequestModels, To: peerID})
}

func (c *Client) sendService(msg models.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(msg)
}

// Peers returns the scope members this client knows about
func (c *Client) Peers() []models.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]models.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p.Clone())
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].DeviceID < peers[j].DeviceID })
	return peers
}

// OpenPeers returns the ids of peers with an open session
func (c *Client) OpenPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, s := range c.sessions {
		if s.state == SessionOpen {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SessionState reports the state of the session to peerID, if any
func (c *Client) SessionState(peerID string) (SessionState, Role, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[peerID]
	if !ok {
		return SessionClosed, 0, false
	}
	return s.state, s.role, true
}

// Close disconnects from the service and tears down every session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.status = StatusDisconnected
	conn := c.conn
	c.conn = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		c.closeSession(s, errClientClosed)
	}
	c.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.emit(Event{Type: EventStatus, Status: StatusDisconnected})
	return err
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.mu.Unlock()
	if changed {
		c.emit(Event{Type: EventStatus, Status: status})
	}
}
