package models

import (
	"strings"
	"time"
)

// ClientType tags the kind of device behind a connection
type ClientType string

const (
	ClientTypeDesktop ClientType = "desktop"
	ClientTypeWeb     ClientType = "web"
	ClientTypeMobile  ClientType = "mobile"
)

// ParseClientType maps a handshake tag onto a ClientType. "electron" is
// accepted as an alias of desktop; anything unrecognized is treated as web.
func ParseClientType(s string) ClientType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "desktop", "electron":
		return ClientTypeDesktop
	case "mobile":
		return ClientTypeMobile
	default:
		return ClientTypeWeb
	}
}

// IsHost reports whether devices of this type exist to serve models.
func (t ClientType) IsHost() bool {
	return t == ClientTypeDesktop
}

// BatteryState is the optional power report a device attaches to announcements
type BatteryState struct {
	IsCharging       bool     `json:"isCharging"`
	Percentage       *float64 `json:"percentage,omitempty"`
	IsOnBatteryPower bool     `json:"isOnBatteryPower"`
}

// Peer represents a connected device in a coordination scope
type Peer struct {
	DeviceID    string            `json:"deviceId"`
	SessionID   string            `json:"sessionId"`
	ClientType  ClientType        `json:"clientType"`
	ConnectedAt time.Time         `json:"connectedAt"`
	Models      []ModelDescriptor `json:"models,omitempty"`
	Battery     *BatteryState     `json:"batteryState,omitempty"`
}

// Validate checks the fields every live Peer record must carry.
func (p *Peer) Validate() error {
	if p.DeviceID == "" {
		return InvalidSignal("peer without device id")
	}
	switch p.ClientType {
	case ClientTypeDesktop, ClientTypeWeb, ClientTypeMobile:
	default:
		return InvalidSignal("unknown client type: " + string(p.ClientType))
	}
	return nil
}

// Clone returns a copy that shares no slices with p.
func (p Peer) Clone() Peer {
	if p.Models != nil {
		p.Models = append([]ModelDescriptor(nil), p.Models...)
	}
	if p.Battery != nil {
		battery := *p.Battery
		p.Battery = &battery
	}
	return p
}
