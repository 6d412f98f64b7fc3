package p2p

import (
	"encoding/json"

	"github.com/mossy-p/pantheon/internal/models"
)

// EventType discriminates Event
type EventType string

const (
	EventStatus          EventType = "status"
	EventPeerList        EventType = "peer-list"
	EventPeerJoined      EventType = "peer-joined"
	EventPeerLeft        EventType = "peer-left"
	EventCapabilities    EventType = "capabilities-updated"
	EventModelsRequested EventType = "models-requested"
	EventSessionOpen     EventType = "session-open"
	EventSessionClosed   EventType = "session-closed"
	EventMessage         EventType = "message"
	EventError           EventType = "error"
)

// Event is published to observers registered with Subscribe. Which fields
// are set depends on Type.
type Event struct {
	Type        EventType
	Status      Status
	PeerID      string
	Peer        *models.Peer
	Peers       []models.Peer
	MessageType string
	Data        json.RawMessage
	Err         error
}

// Subscribe registers fn for every event and returns a function that
// removes it. Observers run synchronously on the goroutine that produced the
// event, with no client lock held.
func (c *Client) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	observers := make([]func(Event), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
