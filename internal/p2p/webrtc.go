package p2p

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/models"
)

// dataChannelLabel names the single ordered channel opened per peer pair.
const dataChannelLabel = "pantheon"

// Compile-time interface checks.
var (
	_ Transport = (*WebRTCTransport)(nil)
	_ Transport = (*memoryTransport)(nil)
	_ Link      = (*webrtcLink)(nil)
	_ Link      = (*memoryLink)(nil)
)

// WebRTCTransport opens one PeerConnection with one data channel per peer.
// Candidates trickle through the signaling service as they are gathered.
type WebRTCTransport struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
}

type WebRTCOptions struct {
	// ICEServers are STUN or TURN urls
	ICEServers []string
	// IncludeLoopback adds loopback candidates, for same-host peers and tests
	IncludeLoopback bool
	Logger          *slog.Logger
}

func NewWebRTCTransport(opts WebRTCOptions) *WebRTCTransport {
	settingEngine := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	var servers []webrtc.ICEServer
	if len(opts.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Logger("webrtc")
	}

	return &WebRTCTransport{
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		iceServers: servers,
		logger:     opts.Logger,
	}
}

func (t *WebRTCTransport) NewLink(peerID string, events LinkEvents) (Link, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection for %s: %w", peerID, err)
	}

	l := &webrtcLink{
		peerID: peerID,
		pc:     pc,
		events: events,
		logger: t.logger.With("peer", peerID),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			l.logger.Warn("failed to encode candidate", "error", err)
			return
		}
		l.events.OnSignal(models.SignalKindCandidate, payload)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			l.logger.Debug("ignoring unexpected data channel", "label", dc.Label())
			return
		}
		l.attach(dc)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.logger.Debug("peer connection state change", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			l.shutdown(fmt.Errorf("peer connection to %s failed", peerID))
		case webrtc.PeerConnectionStateClosed:
			l.shutdown(nil)
		}
	})

	return l, nil
}

type webrtcLink struct {
	peerID string
	pc     *webrtc.PeerConnection
	events LinkEvents
	logger *slog.Logger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	open      bool
	closed    bool
	remoteSet bool
	// candidates received before the remote description
	pending []webrtc.ICECandidateInit
}

func (l *webrtcLink) Start() error {
	ordered := true
	dc, err := l.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	l.attach(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return l.signal(models.SignalKindOffer, offer)
}

func (l *webrtcLink) HandleSignal(kind models.SignalKind, payload json.RawMessage) error {
	switch kind {
	case models.SignalKindOffer:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(payload, &offer); err != nil {
			return models.InvalidSignal("malformed offer")
		}
		if err := l.setRemote(offer); err != nil {
			return err
		}
		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("creating SDP answer: %w", err)
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("setting local description: %w", err)
		}
		return l.signal(models.SignalKindAnswer, answer)

	case models.SignalKindAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(payload, &answer); err != nil {
			return models.InvalidSignal("malformed answer")
		}
		return l.setRemote(answer)

	case models.SignalKindCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &candidate); err != nil {
			return models.InvalidSignal("malformed candidate")
		}
		l.mu.Lock()
		if !l.remoteSet {
			l.pending = append(l.pending, candidate)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		if err := l.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("adding ICE candidate: %w", err)
		}
	}
	return nil
}

func (l *webrtcLink) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, candidate := range pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.logger.Warn("dropping buffered candidate", "error", err)
		}
	}
	return nil
}

func (l *webrtcLink) signal(kind models.SignalKind, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", kind, err)
	}
	l.events.OnSignal(kind, payload)
	return nil
}

func (l *webrtcLink) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		if l.closed || l.open {
			l.mu.Unlock()
			return
		}
		l.open = true
		l.mu.Unlock()
		l.logger.Debug("data channel opened")
		l.events.OnOpen()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.events.OnMessage(msg.Data)
	})
	dc.OnClose(func() {
		l.shutdown(nil)
	})
}

func (l *webrtcLink) Send(data []byte) error {
	l.mu.Lock()
	dc, open := l.dc, l.open
	l.mu.Unlock()
	if !open || dc == nil {
		return errLinkNotOpen
	}
	return dc.SendText(string(data))
}

func (l *webrtcLink) Close() error {
	return l.shutdown(nil)
}

func (l *webrtcLink) shutdown(cause error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.open = false
	l.mu.Unlock()

	err := l.pc.Close()
	l.events.OnClose(cause)
	return err
}
