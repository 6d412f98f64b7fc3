// Package node runs one device of the mesh: it keeps the signaling
// connection up, mirrors peer catalogs into the model registry, serves peer
// requests and exposes a local OpenAI-style HTTP API.
package node

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/pantheon/config"
	"github.com/mossy-p/pantheon/internal/llm"
	"github.com/mossy-p/pantheon/internal/llm/ollama"
	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/models"
	"github.com/mossy-p/pantheon/internal/p2p"
)

const (
	refreshTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

type Node struct {
	cfg      *config.NodeConfig
	client   *p2p.Client
	registry *llm.Registry
	router   *llm.Router
	logger   *slog.Logger

	// ctx bounds background work and ends with Close
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	battery *models.BatteryState
	// closed stops new background work; wg.Add only happens under mu
	closed bool

	// announceMu serializes refresh-and-announce rounds
	announceMu sync.Mutex
	wg         sync.WaitGroup
}

// Options override the collaborators a Node builds from its config
type Options struct {
	Dialer    p2p.ServiceDialer
	Transport p2p.Transport
	// Providers replace the configured providers when non-nil
	Providers map[string]llm.Provider
	Logger    *slog.Logger
}

func New(cfg *config.NodeConfig, opts Options) *Node {
	clientLogger, llmLogger := logger.Logger("p2p"), logger.Logger("llm")
	if opts.Logger == nil {
		opts.Logger = logger.Logger("node")
	} else {
		clientLogger, llmLogger = opts.Logger, opts.Logger
	}
	if opts.Dialer == nil {
		opts.Dialer = &p2p.WebsocketDialer{URL: cfg.SignalingURL}
	}
	if opts.Transport == nil {
		opts.Transport = p2p.NewWebRTCTransport(p2p.WebRTCOptions{ICEServers: cfg.ICEServers})
	}
	if opts.Providers == nil {
		opts.Providers = make(map[string]llm.Provider)
		if cfg.Ollama.Enabled {
			opts.Providers["ollama"] = ollama.New(ollama.Options{BaseURL: cfg.Ollama.BaseURL, Timeout: cfg.Ollama.Timeout})
		}
	}

	client := p2p.NewClient(p2p.Options{
		DeviceID:             cfg.DeviceID,
		DeviceName:           cfg.DeviceName,
		ClientType:           models.ParseClientType(cfg.ClientType),
		AuthKey:              cfg.AuthKey,
		Dialer:               opts.Dialer,
		Transport:            opts.Transport,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		RequestTimeout:       cfg.RequestTimeout,
		ConnectionTimeout:    cfg.ConnectionTimeout,
		Logger:               clientLogger,
	})

	registry := llm.NewRegistry(llmLogger)
	for id, p := range opts.Providers {
		registry.RegisterProvider(id, p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		client:   client,
		registry: registry,
		router: llm.NewRouter(llm.RouterOptions{
			Registry:           registry,
			Peers:              client,
			MaxHops:            cfg.MaxHops,
			DeviceName:         cfg.DeviceName,
			MaxConcurrentChats: cfg.MaxConcurrentChats,
			Logger:             llmLogger,
		}),
		logger: opts.Logger,
	}

	client.HandleRequest(llm.RequestChat, n.router.ServeChat)
	client.HandleRequest(llm.RequestGetModels, n.router.ServeModels)
	client.Subscribe(n.handleEvent)
	return n
}

func (n *Node) Client() *p2p.Client { return n.client }

func (n *Node) Registry() *llm.Registry { return n.registry }

func (n *Node) Router() *llm.Router { return n.router }

// Start lists the local models and connects to the signaling service. A
// failed first connection is retried in the background unless the
// credentials were rejected.
func (n *Node) Start(ctx context.Context) error {
	refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	n.registry.Refresh(refreshCtx)
	cancel()

	if err := n.client.Connect(ctx); err != nil {
		if errors.Is(err, models.ErrAuthenticationFailed) {
			return err
		}
		n.logger.Warn("signaling service unreachable, retrying in background", "error", err)
	}
	return nil
}

// Run starts the node and serves the local API until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              n.cfg.ListenAddr,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.logger.Info("serving local API", "addr", n.cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		n.Close()
		return err
	})
	return g.Wait()
}

// SetBattery records the device's power state and re-announces.
func (n *Node) SetBattery(state *models.BatteryState) {
	n.mu.Lock()
	n.battery = state
	n.mu.Unlock()
	n.goAnnounce("battery changed")
}

// Announce refreshes the local catalog and publishes it to the scope
func (n *Node) Announce(ctx context.Context) error {
	n.announceMu.Lock()
	defer n.announceMu.Unlock()

	refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	n.registry.Refresh(refreshCtx)

	local := n.registry.LocalModels()
	descriptors := make([]models.ModelDescriptor, 0, len(local))
	for _, d := range local {
		d.OwnerDeviceID = n.client.DeviceID()
		d.OwnerDeviceName = n.cfg.DeviceName
		descriptors = append(descriptors, d)
	}

	n.mu.Lock()
	battery := n.battery
	n.mu.Unlock()

	if err := n.client.Announce(descriptors, battery); err != nil {
		return err
	}
	n.logger.Info("announced local models", "count", len(descriptors))
	return nil
}

func (n *Node) goAnnounce(reason string) {
	n.goBackground(func(ctx context.Context) {
		if err := n.Announce(ctx); err != nil && !errors.Is(err, p2p.ErrNotConnected) {
			n.logger.Warn("announce failed", "reason", reason, "error", err)
		}
	})
}

// goBackground runs fn on its own goroutine unless the node is closing.
func (n *Node) goBackground(fn func(ctx context.Context)) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.ctx)
	}()
	return true
}

func (n *Node) handleEvent(ev p2p.Event) {
	switch ev.Type {
	case p2p.EventStatus:
		if ev.Status == p2p.StatusConnected {
			n.goAnnounce("connected")
		}

	case p2p.EventModelsRequested:
		n.logger.Debug("models requested", "peer", ev.PeerID)
		n.goAnnounce("requested by " + ev.PeerID)

	case p2p.EventPeerList:
		for _, p := range ev.Peers {
			if len(p.Models) > 0 {
				n.registry.UpdatePeer(p.DeviceID, p.Models)
			}
		}

	case p2p.EventPeerJoined:
		if len(ev.Peer.Models) > 0 {
			n.registry.UpdatePeer(ev.PeerID, ev.Peer.Models)
		}

	case p2p.EventCapabilities:
		n.registry.UpdatePeer(ev.PeerID, ev.Peer.Models)

	case p2p.EventPeerLeft:
		n.registry.RemovePeer(ev.PeerID)

	case p2p.EventSessionOpen:
		if n.registry.HasPeer(ev.PeerID) {
			return
		}
		peerID := ev.PeerID
		n.goBackground(func(ctx context.Context) {
			if _, err := n.router.FetchPeerModels(ctx, peerID); err != nil {
				n.logger.Debug("fetching peer models failed", "peer", peerID, "error", err)
			}
		})

	case p2p.EventError:
		n.logger.Debug("client error", "peer", ev.PeerID, "error", ev.Err)
	}
}

// Close disconnects and waits for background work to finish
func (n *Node) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	err := n.client.Close()
	n.wg.Wait()
	return err
}
