package models

import (
	"sort"
	"time"
)

const (
	// GlobalScopeID is the single coordination scope every device joins
	GlobalScopeID = "global"
	// ScopeTypeAccount is the type of the global scope
	ScopeTypeAccount = "account"
)

// Room is a coordination scope: the set of peers that can discover each other.
// It carries no lock; its owner serializes access.
type Room struct {
	ID        string           `json:"scopeId"`
	Type      string           `json:"type"`
	CreatedAt time.Time        `json:"createdAt"`
	Peers     map[string]*Peer `json:"-"`
}

// NewRoom creates an empty room
func NewRoom(id, roomType string, createdAt time.Time) *Room {
	return &Room{
		ID:        id,
		Type:      roomType,
		CreatedAt: createdAt,
		Peers:     make(map[string]*Peer),
	}
}

// Put inserts or replaces a peer. It reports whether the peer was already present.
func (r *Room) Put(peer *Peer) bool {
	_, existed := r.Peers[peer.DeviceID]
	r.Peers[peer.DeviceID] = peer
	return existed
}

// Remove deletes a peer and reports whether it was present.
func (r *Room) Remove(deviceID string) bool {
	if _, ok := r.Peers[deviceID]; !ok {
		return false
	}
	delete(r.Peers, deviceID)
	return true
}

// Get returns the peer with the given device id
func (r *Room) Get(deviceID string) (*Peer, bool) {
	peer, ok := r.Peers[deviceID]
	return peer, ok
}

// Snapshot returns copies of all peers except exclude, ordered by device id.
func (r *Room) Snapshot(exclude string) []Peer {
	peers := make([]Peer, 0, len(r.Peers))
	for id, peer := range r.Peers {
		if id == exclude {
			continue
		}
		peers = append(peers, peer.Clone())
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].DeviceID < peers[j].DeviceID })
	return peers
}

// Len returns the number of peers in the room
func (r *Room) Len() int {
	return len(r.Peers)
}

// IsEmpty reports whether the room has no peers left
func (r *Room) IsEmpty() bool {
	return len(r.Peers) == 0
}
