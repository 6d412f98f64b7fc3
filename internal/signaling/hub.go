package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/pantheon/internal/auth"
	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/models"
)

// presenceTimeout bounds each presence mirror call made while a scope is locked.
const presenceTimeout = 2 * time.Second

// Conn is the outbound half of an authenticated signaling connection.
// Send must not block on the network.
type Conn interface {
	Send(msg models.Message) error
}

// PresenceStore mirrors scope membership outside the process.
type PresenceStore interface {
	PeerJoined(ctx context.Context, scopeID string, peer models.Peer) error
	PeerLeft(ctx context.Context, scopeID, deviceID string) error
	ScopeClosed(ctx context.Context, scopeID string) error
}

// Credentials are what a device presents when it opens a signaling connection
type Credentials struct {
	// AuthKey is the shared secret or a device token issued by the service
	AuthKey    string
	DeviceID   string
	ClientType string
}

// Identity is the outcome of a successful authentication
type Identity struct {
	DeviceID   string
	ClientType models.ClientType
}

type Options struct {
	Auth      *auth.Authenticator
	ScopeID   string
	ScopeType string
	Presence  PresenceStore
	Logger    *slog.Logger
	Now       func() time.Time
}

type client struct {
	conn Conn
	peer *models.Peer
}

type scope struct {
	mu   sync.Mutex
	room *models.Room
	// closed is set once the scope has been garbage collected; a caller that
	// locked a stale pointer must look the scope up again.
	closed bool
}

// Hub owns the peer registry of one signaling deployment. All registry state
// lives on the Hub, so independent hubs can coexist in one process.
//
// Lock order: scope.mu before Hub.mu.
type Hub struct {
	auth      *auth.Authenticator
	scopeID   string
	scopeType string
	presence  PresenceStore
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	clients map[string]*client
	scopes  map[string]*scope
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		auth:      opts.Auth,
		scopeID:   opts.ScopeID,
		scopeType: opts.ScopeType,
		presence:  opts.Presence,
		logger:    opts.Logger,
		now:       opts.Now,
		clients:   make(map[string]*client),
		scopes:    make(map[string]*scope),
	}
	if h.auth == nil {
		h.auth = auth.New("", 0)
	}
	if h.scopeID == "" {
		h.scopeID = models.GlobalScopeID
	}
	if h.scopeType == "" {
		h.scopeType = models.ScopeTypeAccount
	}
	if h.presence == nil {
		h.presence = nopPresence{}
	}
	if h.logger == nil {
		h.logger = logger.Logger("hub")
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// ScopeID returns the scope devices join
func (h *Hub) ScopeID() string {
	return h.scopeID
}

// Authenticate validates credentials and settles the device identity. A device
// token supplies the device id when the client did not send one.
func (h *Hub) Authenticate(creds Credentials) (Identity, error) {
	claims, err := h.auth.Check(creds.AuthKey)
	if err != nil {
		h.logger.Warn("authentication rejected", "device", creds.DeviceID)
		return Identity{}, err
	}

	deviceID := creds.DeviceID
	clientType := creds.ClientType
	if claims != nil {
		if deviceID == "" {
			deviceID = claims.DeviceID
		}
		if clientType == "" {
			clientType = claims.ClientType
		}
	}
	if deviceID == "" {
		deviceID = "device_" + uuid.NewString()
	}

	return Identity{DeviceID: deviceID, ClientType: models.ParseClientType(clientType)}, nil
}

// Register attaches an authenticated connection. A later connection for the
// same device replaces the earlier one.
func (h *Hub) Register(id Identity, conn Conn) models.Peer {
	peer := &models.Peer{
		DeviceID:    id.DeviceID,
		SessionID:   uuid.NewString(),
		ClientType:  id.ClientType,
		ConnectedAt: h.now(),
	}

	h.mu.Lock()
	if previous, ok := h.clients[id.DeviceID]; ok {
		// Keep the last announcement across a reconnect.
		peer.Models = previous.peer.Models
		peer.Battery = previous.peer.Battery
	}
	h.clients[id.DeviceID] = &client{conn: conn, peer: peer}
	h.mu.Unlock()

	h.logger.Info("device connected", "device", id.DeviceID, "type", id.ClientType, "session", peer.SessionID)
	return peer.Clone()
}

// Join upserts the device into the scope and returns the other members. Only
// the first join of a device broadcasts peer-joined; later calls refresh the
// stored metadata.
func (h *Hub) Join(deviceID string) ([]models.Peer, error) {
	h.mu.RLock()
	c, ok := h.clients[deviceID]
	var peer models.Peer
	if ok {
		peer = c.peer.Clone()
	}
	h.mu.RUnlock()
	if !ok {
		return nil, models.PeerNotFound(deviceID)
	}

	for {
		s := h.getOrCreateScope(h.scopeID)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}

		stored := peer.Clone()
		existed := s.room.Put(&stored)
		if !existed {
			h.broadcastLocked(s.room, models.Message{
				Type:    models.MessageTypePeerJoined,
				From:    deviceID,
				ScopeID: s.room.ID,
				Peer:    &peer,
			}, deviceID)
		}
		others := s.room.Snapshot(deviceID)
		count := s.room.Len()
		h.mirror(func(ctx context.Context) error { return h.presence.PeerJoined(ctx, s.room.ID, peer) })
		s.mu.Unlock()

		if existed {
			h.logger.Debug("duplicate join treated as refresh", "device", deviceID, "scope", s.room.ID)
		} else {
			h.logger.Info("device joined scope", "device", deviceID, "scope", s.room.ID, "peers", count)
		}
		return others, nil
	}
}

// Relay forwards a handshake envelope to its target. It fails with
// PeerNotFound when the target has no live connection; nothing is queued.
func (h *Hub) Relay(from string, env models.SignalEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	env.From = from
	env.Timestamp = h.now()

	h.mu.RLock()
	target, ok := h.clients[env.To]
	h.mu.RUnlock()
	if !ok {
		return models.PeerNotFound(env.To)
	}

	return target.conn.Send(models.Message{
		Type:   models.MessageTypeSignal,
		From:   from,
		To:     env.To,
		Signal: &env,
	})
}

// ListPeers returns the scope members other than the caller. A scope that has
// been garbage collected yields an empty list.
func (h *Hub) ListPeers(deviceID string) []models.Peer {
	peers, _ := h.Members(h.scopeID, deviceID)
	return peers
}

// Members returns a snapshot of a scope excluding one device, and whether the
// scope exists.
func (h *Hub) Members(scopeID, exclude string) ([]models.Peer, bool) {
	h.mu.RLock()
	s, ok := h.scopes[scopeID]
	h.mu.RUnlock()
	if !ok {
		return []models.Peer{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return []models.Peer{}, false
	}
	return s.room.Snapshot(exclude), true
}

// Announce replaces the caller's advertised models and battery state and
// tells every scope the caller belongs to.
func (h *Hub) Announce(deviceID string, descriptors []models.ModelDescriptor, battery *models.BatteryState) error {
	descriptors = append([]models.ModelDescriptor(nil), descriptors...)

	h.mu.Lock()
	c, ok := h.clients[deviceID]
	if ok {
		c.peer.Models = descriptors
		c.peer.Battery = battery
	}
	h.mu.Unlock()
	if !ok {
		return models.PeerNotFound(deviceID)
	}

	for _, s := range h.snapshotScopes() {
		s.mu.Lock()
		stored, member := s.room.Get(deviceID)
		if member && !s.closed {
			stored.Models = descriptors
			stored.Battery = battery
			updated := stored.Clone()
			h.broadcastLocked(s.room, models.Message{
				Type:    models.MessageTypeCapabilitiesUpdated,
				From:    deviceID,
				ScopeID: s.room.ID,
				Peer:    &updated,
				Models:  updated.Models,
				Battery: updated.Battery,
			}, deviceID)
		}
		s.mu.Unlock()
	}

	h.logger.Info("models announced", "device", deviceID, "models", len(descriptors))
	return nil
}

// RequestModels asks target to announce its models again.
func (h *Hub) RequestModels(from, target string) error {
	h.mu.RLock()
	c, ok := h.clients[target]
	h.mu.RUnlock()
	if !ok {
		return models.PeerNotFound(target)
	}
	return c.conn.Send(models.Message{Type: models.MessageTypeModelsRequested, From: from, To: target})
}

// Leave disconnects a device only if sessionID is still its current
// connection, so a stale socket closing cannot evict its replacement.
func (h *Hub) Leave(deviceID, sessionID string) {
	h.mu.Lock()
	c, ok := h.clients[deviceID]
	current := ok && c.peer.SessionID == sessionID
	if current {
		delete(h.clients, deviceID)
	}
	h.mu.Unlock()
	if !current {
		h.logger.Debug("stale session closed", "device", deviceID, "session", sessionID)
		return
	}

	h.leaveScopes(deviceID)
	h.logger.Info("device disconnected", "device", deviceID, "type", c.peer.ClientType)
}

// Disconnect removes a device from every scope, broadcasting peer-left per
// scope and destroying scopes left empty. Unknown devices are a no-op.
func (h *Hub) Disconnect(deviceID string) {
	h.mu.Lock()
	c, connected := h.clients[deviceID]
	delete(h.clients, deviceID)
	h.mu.Unlock()

	h.leaveScopes(deviceID)

	if connected {
		h.logger.Info("device disconnected", "device", deviceID, "type", c.peer.ClientType)
	}
}

// leaveScopes drops deviceID from every scope unless a replacement
// connection has registered in the meantime; that connection owns the
// membership from then on.
func (h *Hub) leaveScopes(deviceID string) {
	for _, s := range h.snapshotScopes() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		leaving, member := s.room.Get(deviceID)
		if !member || h.isConnected(deviceID) {
			s.mu.Unlock()
			continue
		}
		s.room.Remove(deviceID)
		left := leaving.Clone()
		left.Models = nil
		h.broadcastLocked(s.room, models.Message{
			Type:    models.MessageTypePeerLeft,
			From:    deviceID,
			ScopeID: s.room.ID,
			Peer:    &left,
		}, deviceID)
		roomID := s.room.ID
		h.mirror(func(ctx context.Context) error { return h.presence.PeerLeft(ctx, roomID, deviceID) })

		if s.room.IsEmpty() {
			s.closed = true
			h.mu.Lock()
			if h.scopes[roomID] == s {
				delete(h.scopes, roomID)
			}
			h.mu.Unlock()
			h.mirror(func(ctx context.Context) error { return h.presence.ScopeClosed(ctx, roomID) })
			h.logger.Info("removed empty scope", "scope", roomID)
		}
		s.mu.Unlock()
		h.logger.Info("device left scope", "device", deviceID, "scope", roomID)
	}
}

func (h *Hub) isConnected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[deviceID]
	return ok
}

// ScopeCount returns the number of live scopes
func (h *Hub) ScopeCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.scopes)
}

// ConnectedPeers returns the number of live connections
func (h *Hub) ConnectedPeers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) getOrCreateScope(id string) *scope {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.scopes[id]
	if !ok {
		s = &scope{room: models.NewRoom(id, h.scopeType, h.now())}
		h.scopes[id] = s
		h.logger.Info("created new scope", "scope", id)
	}
	return s
}

func (h *Hub) snapshotScopes() []*scope {
	h.mu.RLock()
	defer h.mu.RUnlock()
	scopes := make([]*scope, 0, len(h.scopes))
	for _, s := range h.scopes {
		scopes = append(scopes, s)
	}
	return scopes
}

// broadcastLocked sends msg to every room member except excludeID. The
// caller holds the scope lock, which keeps per-scope events ordered.
func (h *Hub) broadcastLocked(room *models.Room, msg models.Message, excludeID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id := range room.Peers {
		if id == excludeID {
			continue
		}
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		if err := c.conn.Send(msg); err != nil {
			h.logger.Warn("failed to deliver event", "peer", id, "type", msg.Type, "error", err)
		}
	}
}

func (h *Hub) mirror(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		h.logger.Warn("presence mirror failed", "error", err)
	}
}

type nopPresence struct{}

func (nopPresence) PeerJoined(context.Context, string, models.Peer) error { return nil }
func (nopPresence) PeerLeft(context.Context, string, string) error        { return nil }
func (nopPresence) ScopeClosed(context.Context, string) error             { return nil }
