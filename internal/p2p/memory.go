package p2p

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/mossy-p/pantheon/internal/models"
)

const memoryInboxSize = 256

var errLinkNotOpen = errors.New("p2p: link not open")

// MemoryNetwork connects links inside one process. Offers and answers still
// travel through the signaling service, so everything except the data plane
// behaves as it would over WebRTC. Frames are delivered asynchronously and
// in order.
type MemoryNetwork struct {
	mu    sync.Mutex
	links map[linkKey]*memoryLink
}

type linkKey struct {
	local, remote string
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{links: make(map[linkKey]*memoryLink)}
}

// Transport returns the transport for one device on this network
func (n *MemoryNetwork) Transport(deviceID string) Transport {
	return &memoryTransport{network: n, local: deviceID}
}

// Sever closes the link between two devices from both ends, as a network
// failure would.
func (n *MemoryNetwork) Sever(a, b string) {
	n.mu.Lock()
	links := []*memoryLink{n.links[linkKey{a, b}], n.links[linkKey{b, a}]}
	n.mu.Unlock()

	for _, l := range links {
		if l != nil {
			l.shutdown(models.PeerTransportClosed(l.remote))
		}
	}
}

type memoryTransport struct {
	network *MemoryNetwork
	local   string
}

func (t *memoryTransport) NewLink(peerID string, events LinkEvents) (Link, error) {
	l := &memoryLink{
		network: t.network,
		local:   t.local,
		remote:  peerID,
		events:  events,
		inbox:   make(chan []byte, memoryInboxSize),
		done:    make(chan struct{}),
	}

	t.network.mu.Lock()
	previous := t.network.links[linkKey{t.local, peerID}]
	t.network.links[linkKey{t.local, peerID}] = l
	t.network.mu.Unlock()

	if previous != nil {
		previous.shutdown(nil)
	}
	return l, nil
}

type memoryLink struct {
	network *MemoryNetwork
	local   string
	remote  string
	events  LinkEvents
	inbox   chan []byte

	mu     sync.Mutex
	peer   *memoryLink
	isOpen bool
	closed bool
	done   chan struct{}
}

func (l *memoryLink) Start() error {
	l.events.OnSignal(models.SignalKindOffer, json.RawMessage(`{"type":"offer"}`))
	return nil
}

func (l *memoryLink) HandleSignal(kind models.SignalKind, _ json.RawMessage) error {
	switch kind {
	case models.SignalKindOffer:
		l.events.OnSignal(models.SignalKindAnswer, json.RawMessage(`{"type":"answer"}`))
	case models.SignalKindAnswer:
		return l.network.connect(l)
	}
	return nil
}

// connect pairs an initiator that received its answer with the responder
// link on the other side.
func (n *MemoryNetwork) connect(initiator *memoryLink) error {
	n.mu.Lock()
	responder := n.links[linkKey{initiator.remote, initiator.local}]
	current := n.links[linkKey{initiator.local, initiator.remote}]
	n.mu.Unlock()
	if responder == nil || current != initiator {
		return errors.New("p2p: no responder for " + initiator.remote)
	}

	responder.mu.Lock()
	if responder.closed {
		responder.mu.Unlock()
		return errLinkNotOpen
	}
	responder.peer = initiator
	responder.isOpen = true
	responder.mu.Unlock()
	initiator.mu.Lock()
	initiator.peer = responder
	initiator.isOpen = true
	initiator.mu.Unlock()

	go initiator.deliver()
	go responder.deliver()
	initiator.events.OnOpen()
	responder.events.OnOpen()
	return nil
}

func (l *memoryLink) deliver() {
	for {
		select {
		case data := <-l.inbox:
			l.events.OnMessage(data)
		case <-l.done:
			return
		}
	}
}

func (l *memoryLink) Send(data []byte) error {
	l.mu.Lock()
	peer, open := l.peer, l.isOpen
	l.mu.Unlock()
	if !open || peer == nil {
		return errLinkNotOpen
	}

	frame := append([]byte(nil), data...)
	select {
	case peer.inbox <- frame:
		return nil
	case <-peer.done:
		return errLinkNotOpen
	case <-l.done:
		return errLinkNotOpen
	}
}

func (l *memoryLink) Close() error {
	l.shutdown(nil)
	return nil
}

// shutdown closes this end and then the remote end, reporting cause to both.
func (l *memoryLink) shutdown(cause error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.isOpen = false
	peer := l.peer
	l.mu.Unlock()
	close(l.done)

	l.network.mu.Lock()
	if l.network.links[linkKey{l.local, l.remote}] == l {
		delete(l.network.links, linkKey{l.local, l.remote})
	}
	l.network.mu.Unlock()

	l.events.OnClose(cause)
	if peer != nil {
		peer.shutdown(models.PeerTransportClosed(l.local))
	}
}
