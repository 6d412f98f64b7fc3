package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/pantheon/internal/auth"
	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/models"
)

type recordingConn struct {
	mu       sync.Mutex
	messages []models.Message
	err      error
}

func (c *recordingConn) Send(msg models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *recordingConn) ofType(t models.MessageType) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Message
	for _, m := range c.messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newTestHub(t *testing.T, secret string) *Hub {
	t.Helper()
	return NewHub(Options{Auth: auth.New(secret, 0), Logger: logger.Discard()})
}

func connect(t *testing.T, h *Hub, deviceID string, clientType models.ClientType) (*recordingConn, models.Peer) {
	t.Helper()
	conn := &recordingConn{}
	peer := h.Register(Identity{DeviceID: deviceID, ClientType: clientType}, conn)
	return conn, peer
}

func TestAuthenticate(t *testing.T) {
	h := newTestHub(t, "s3cr3t")

	_, err := h.Authenticate(Credentials{AuthKey: "nope", DeviceID: "device_a"})
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))

	id, err := h.Authenticate(Credentials{AuthKey: "s3cr3t", DeviceID: "device_a", ClientType: "electron"})
	require.NoError(t, err)
	assert.Equal(t, "device_a", id.DeviceID)
	assert.Equal(t, models.ClientTypeDesktop, id.ClientType)

	id, err = h.Authenticate(Credentials{AuthKey: "s3cr3t"})
	require.NoError(t, err)
	assert.Regexp(t, `^device_`, id.DeviceID)
	assert.Equal(t, models.ClientTypeWeb, id.ClientType)
}

func TestAuthenticateWithDeviceToken(t *testing.T) {
	a := auth.New("s3cr3t", 0)
	h := NewHub(Options{Auth: a, Logger: logger.Discard()})

	token, _, err := a.Issue("device_tok", "mobile")
	require.NoError(t, err)

	id, err := h.Authenticate(Credentials{AuthKey: token})
	require.NoError(t, err)
	assert.Equal(t, "device_tok", id.DeviceID)
	assert.Equal(t, models.ClientTypeMobile, id.ClientType)
}

func TestJoinBroadcastsOnlyOnce(t *testing.T) {
	h := newTestHub(t, "")
	connA, _ := connect(t, h, "device_a", models.ClientTypeDesktop)
	connB, _ := connect(t, h, "device_b", models.ClientTypeWeb)

	others, err := h.Join("device_a")
	require.NoError(t, err)
	assert.Empty(t, others)

	others, err = h.Join("device_b")
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, "device_a", others[0].DeviceID)

	joined := connA.ofType(models.MessageTypePeerJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "device_b", joined[0].Peer.DeviceID)
	assert.Equal(t, models.GlobalScopeID, joined[0].ScopeID)

	// A second join is a refresh: no duplicate event, same membership.
	others, err = h.Join("device_b")
	require.NoError(t, err)
	assert.Len(t, others, 1)
	assert.Len(t, connA.ofType(models.MessageTypePeerJoined), 1)
	assert.Empty(t, connB.ofType(models.MessageTypePeerJoined))
}

func TestJoinUnknownDevice(t *testing.T) {
	h := newTestHub(t, "")
	_, err := h.Join("ghost")
	assert.True(t, errors.Is(err, models.ErrPeerNotFound))
}

func TestDisconnectIsIdempotentAndCollectsEmptyScope(t *testing.T) {
	h := newTestHub(t, "")
	connA, _ := connect(t, h, "device_a", models.ClientTypeDesktop)
	connect(t, h, "device_b", models.ClientTypeWeb)
	_, err := h.Join("device_a")
	require.NoError(t, err)
	_, err = h.Join("device_b")
	require.NoError(t, err)
	assert.Equal(t, 1, h.ScopeCount())
	assert.Equal(t, 2, h.ConnectedPeers())

	h.Disconnect("device_b")
	h.Disconnect("device_b")

	left := connA.ofType(models.MessageTypePeerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "device_b", left[0].Peer.DeviceID)
	assert.Equal(t, 1, h.ScopeCount())

	h.Disconnect("device_a")
	assert.Equal(t, 0, h.ScopeCount())
	assert.Equal(t, 0, h.ConnectedPeers())
	assert.Empty(t, h.ListPeers("device_a"))

	// The scope is recreated on the next join.
	connect(t, h, "device_c", models.ClientTypeWeb)
	_, err = h.Join("device_c")
	require.NoError(t, err)
	assert.Equal(t, 1, h.ScopeCount())
}

func TestLeaveIgnoresStaleSession(t *testing.T) {
	h := newTestHub(t, "")
	_, first := connect(t, h, "device_a", models.ClientTypeDesktop)
	_, err := h.Join("device_a")
	require.NoError(t, err)

	_, second := connect(t, h, "device_a", models.ClientTypeDesktop)
	require.NotEqual(t, first.SessionID, second.SessionID)

	h.Leave("device_a", first.SessionID)
	assert.Equal(t, 1, h.ConnectedPeers())
	assert.Equal(t, 1, h.ScopeCount())

	h.Leave("device_a", second.SessionID)
	assert.Equal(t, 0, h.ConnectedPeers())
	assert.Equal(t, 0, h.ScopeCount())
}

func TestStaleLeaveRacingReconnectKeepsReplacement(t *testing.T) {
	h := newTestHub(t, "")
	watcherConn, _ := connect(t, h, "device_w", models.ClientTypeWeb)
	_, err := h.Join("device_w")
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		_, old := connect(t, h, "device_a", models.ClientTypeDesktop)
		_, err := h.Join("device_a")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Leave("device_a", old.SessionID)
		}()
		var replacement models.Peer
		go func() {
			defer wg.Done()
			_, replacement = connect(t, h, "device_a", models.ClientTypeDesktop)
		}()
		wg.Wait()

		// Whatever the interleaving, the replacement can join and stays.
		_, err = h.Join("device_a")
		require.NoError(t, err, "iteration %d", i)
		require.Equal(t, 2, h.ConnectedPeers())
		members := h.ListPeers("device_w")
		require.Len(t, members, 1)
		require.Equal(t, replacement.SessionID, members[0].SessionID)

		h.Leave("device_a", replacement.SessionID)
		require.Empty(t, h.ListPeers("device_w"))
	}
	assert.Equal(t, 1, h.ScopeCount())
	assert.NotEmpty(t, watcherConn.ofType(models.MessageTypePeerLeft))
}

func TestRelay(t *testing.T) {
	h := newTestHub(t, "")
	connect(t, h, "device_a", models.ClientTypeDesktop)
	connB, _ := connect(t, h, "device_b", models.ClientTypeWeb)

	env := models.SignalEnvelope{
		Kind:    models.SignalKindOffer,
		From:    "spoofed",
		To:      "device_b",
		Payload: json.RawMessage(`{"sdp":"v=0"}`),
	}
	require.NoError(t, h.Relay("device_a", env))

	signals := connB.ofType(models.MessageTypeSignal)
	require.Len(t, signals, 1)
	assert.Equal(t, "device_a", signals[0].Signal.From)
	assert.Equal(t, "device_a", signals[0].From)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(signals[0].Signal.Payload))
	assert.False(t, signals[0].Signal.Timestamp.IsZero())
}

func TestRelayToAbsentPeer(t *testing.T) {
	h := newTestHub(t, "")
	connect(t, h, "device_a", models.ClientTypeDesktop)

	err := h.Relay("device_a", models.SignalEnvelope{
		Kind:    models.SignalKindCandidate,
		To:      "device_gone",
		Payload: json.RawMessage(`{}`),
	})
	assert.True(t, errors.Is(err, models.ErrPeerNotFound))
}

func TestRelayRejectsMalformedEnvelope(t *testing.T) {
	h := newTestHub(t, "")
	connect(t, h, "device_a", models.ClientTypeDesktop)
	connect(t, h, "device_b", models.ClientTypeWeb)

	err := h.Relay("device_a", models.SignalEnvelope{Kind: "renegotiate", To: "device_b", Payload: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, models.ErrInvalidSignal))
}

func TestAnnounceBroadcastsCapabilities(t *testing.T) {
	h := newTestHub(t, "")
	connA, _ := connect(t, h, "device_a", models.ClientTypeWeb)
	connect(t, h, "device_b", models.ClientTypeDesktop)
	_, _ = h.Join("device_a")
	_, _ = h.Join("device_b")

	pct := 81.0
	battery := &models.BatteryState{IsCharging: true, Percentage: &pct}
	err := h.Announce("device_b", []models.ModelDescriptor{{ID: "llama3", DisplayName: "llama3", Provider: "ollama"}}, battery)
	require.NoError(t, err)

	updates := connA.ofType(models.MessageTypeCapabilitiesUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, "device_b", updates[0].Peer.DeviceID)
	require.Len(t, updates[0].Models, 1)
	assert.Equal(t, "llama3", updates[0].Models[0].ID)
	assert.True(t, updates[0].Battery.IsCharging)

	peers := h.ListPeers("device_a")
	require.Len(t, peers, 1)
	assert.Len(t, peers[0].Models, 1)
}

func TestRequestModels(t *testing.T) {
	h := newTestHub(t, "")
	connect(t, h, "device_a", models.ClientTypeWeb)
	connB, _ := connect(t, h, "device_b", models.ClientTypeDesktop)

	require.NoError(t, h.RequestModels("device_a", "device_b"))
	requested := connB.ofType(models.MessageTypeModelsRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, "device_a", requested[0].From)

	err := h.RequestModels("device_a", "device_c")
	assert.True(t, errors.Is(err, models.ErrPeerNotFound))
}

type recordingPresence struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresence) record(e string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPresence) PeerJoined(_ context.Context, scopeID string, peer models.Peer) error {
	return p.record("joined:" + scopeID + ":" + peer.DeviceID)
}

func (p *recordingPresence) PeerLeft(_ context.Context, scopeID, deviceID string) error {
	return p.record("left:" + scopeID + ":" + deviceID)
}

func (p *recordingPresence) ScopeClosed(_ context.Context, scopeID string) error {
	return p.record("closed:" + scopeID)
}

func TestPresenceMirror(t *testing.T) {
	presence := &recordingPresence{}
	h := NewHub(Options{Presence: presence, Logger: logger.Discard()})
	connect(t, h, "device_a", models.ClientTypeWeb)
	_, err := h.Join("device_a")
	require.NoError(t, err)
	h.Disconnect("device_a")

	assert.Equal(t, []string{
		"joined:global:device_a",
		"left:global:device_a",
		"closed:global",
	}, presence.events)
}

func TestConcurrentJoinAndDisconnect(t *testing.T) {
	h := newTestHub(t, "")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := "device_" + string(rune('a'+i))
		connect(t, h, id, models.ClientTypeWeb)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.Join(id)
			h.Disconnect(id)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.ScopeCount())
	assert.Equal(t, 0, h.ConnectedPeers())
}
