package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/models"
)

// Peer request types served by every node
const (
	RequestChat      = "chat"
	RequestGetModels = "get_models"
)

const (
	LocalDeviceID   = "local"
	LocalDeviceName = "Local Device"
)

// PeerRequester issues correlated requests to other devices
type PeerRequester interface {
	Request(ctx context.Context, peerID, requestType string, data any) (json.RawMessage, error)
}

// Router decides where a chat request runs. Local providers always win over
// a peer serving a model of the same id.
type Router struct {
	registry *Registry
	peers    PeerRequester
	// maxHops bounds how many more times a request that arrived from a peer
	// may be forwarded to another peer.
	maxHops int
	// deviceName is stamped on the catalog handed to peers
	deviceName string
	queue      *chatQueue
	logger     *slog.Logger
}

type RouterOptions struct {
	Registry   *Registry
	Peers      PeerRequester
	MaxHops    int
	DeviceName string
	// MaxConcurrentChats bounds the chats running at once on each local
	// model. Zero leaves local inference unbounded.
	MaxConcurrentChats int
	Logger             *slog.Logger
}

func NewRouter(opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = logger.Logger("router")
	}
	return &Router{
		registry:   opts.Registry,
		peers:      opts.Peers,
		maxHops:    opts.MaxHops,
		deviceName: opts.DeviceName,
		queue:      newChatQueue(opts.MaxConcurrentChats),
		logger:     opts.Logger,
	}
}

// Chat serves a chat request issued on this device
func (r *Router) Chat(ctx context.Context, modelID string, messages []models.ChatMessage) (*models.ChatResponse, error) {
	return r.route(ctx, models.ChatRequest{Model: modelID, Messages: messages}, false)
}

func (r *Router) route(ctx context.Context, req models.ChatRequest, fromPeer bool) (*models.ChatResponse, error) {
	if res, ok := r.registry.ResolveLocal(req.Model); ok {
		return r.chatLocal(ctx, res, req.Messages)
	}

	res, ok := r.registry.Resolve(req.Model)
	if !ok {
		return nil, models.ModelNotFound(req.Model)
	}
	if !res.Remote() {
		return r.chatLocal(ctx, res, req.Messages)
	}

	if fromPeer && req.Hops >= r.maxHops {
		r.logger.Debug("refusing to forward past hop limit", "model", req.Model, "hops", req.Hops)
		return nil, models.NewError(models.CodeModelNotFound, "model not found", "modelId", req.Model, "reason", "hop limit reached")
	}
	hops := 0
	if fromPeer {
		hops = req.Hops + 1
	}
	return r.chatRemote(ctx, res.Descriptor, req.Messages, hops)
}

func (r *Router) chatLocal(ctx context.Context, res Resolution, messages []models.ChatMessage) (*models.ChatResponse, error) {
	release, err := r.queue.acquire(ctx, queueKey(res.Descriptor))
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", res.Descriptor.ID, err)
	}
	defer release()

	r.logger.Debug("serving chat locally", "model", res.Descriptor.ID, "provider", res.Descriptor.Provider)
	resp, err := res.Provider.Chat(ctx, res.Descriptor.ID, messages)
	if err != nil {
		return nil, err
	}
	resp.DeviceID = LocalDeviceID
	resp.DeviceName = LocalDeviceName
	resp.Routed = false
	return resp, nil
}

func queueKey(d models.ModelDescriptor) string {
	return d.Provider + "/" + d.ID
}

// QueuedChats reports the local chats waiting for a free slot, keyed by
// provider/model.
func (r *Router) QueuedChats() map[string]int {
	return r.queue.depth()
}

func (r *Router) chatRemote(ctx context.Context, d models.ModelDescriptor, messages []models.ChatMessage, hops int) (*models.ChatResponse, error) {
	owner, model, ok := models.SplitRemoteModelID(d.ID)
	if !ok {
		return nil, models.ModelNotFound(d.ID)
	}
	if r.peers == nil {
		return nil, models.PeerTransportClosed(owner)
	}

	r.logger.Info("routing chat to peer", "model", model, "peer", owner)
	data, err := r.peers.Request(ctx, owner, RequestChat, models.ChatRequest{Model: model, Messages: messages, Hops: hops})
	if err != nil {
		return nil, err
	}

	var resp models.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding chat response from %s: %w", owner, err)
	}
	resp.DeviceID = owner
	resp.DeviceName = d.OwnerDeviceName
	if resp.DeviceName == "" {
		resp.DeviceName = owner
	}
	resp.Routed = true
	return &resp, nil
}

// ServeChat answers a chat request from a peer by running the same routing
// policy on this device.
func (r *Router) ServeChat(ctx context.Context, from string, data json.RawMessage) (any, error) {
	var req models.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, models.InvalidSignal("malformed chat request")
	}
	if req.Model == "" {
		return nil, models.InvalidSignal("chat request without model")
	}
	r.logger.Debug("chat request from peer", "peer", from, "model", req.Model)
	return r.route(ctx, req, true)
}

// ServeModels answers a get_models request with this device's catalog
func (r *Router) ServeModels(_ context.Context, _ string, _ json.RawMessage) (any, error) {
	local := r.registry.LocalModels()
	out := make([]models.ModelDescriptor, 0, len(local))
	for _, d := range local {
		d.OwnerDeviceName = r.deviceName
		out = append(out, d)
	}
	return out, nil
}

// FetchPeerModels asks peerID for its catalog and stores it as that peer's
// announcement.
func (r *Router) FetchPeerModels(ctx context.Context, peerID string) ([]models.ModelDescriptor, error) {
	if r.peers == nil {
		return nil, models.PeerTransportClosed(peerID)
	}
	data, err := r.peers.Request(ctx, peerID, RequestGetModels, nil)
	if err != nil {
		return nil, err
	}
	var descriptors []models.ModelDescriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("decoding models from %s: %w", peerID, err)
	}
	r.registry.UpdatePeer(peerID, descriptors)
	return descriptors, nil
}
