package models

import (
	"fmt"
	"time"
)

// Role is the part a device plays in a screencast session.
type Role string

const (
	// RoleUndetermined is the role outside of a session.
	RoleUndetermined Role = "UNDETERMINED"
	// RoleSource is the device whose screen is streamed and which receives
	// injected input.
	RoleSource Role = "SOURCE"
	// RoleController is the device that displays frames and emits input.
	RoleController Role = "CONTROLLER"
)

// ConnectionState is the lifecycle state of the local session.
type ConnectionState string

const (
	StateIdle          ConnectionState = "IDLE"
	StateDiscovering   ConnectionState = "DISCOVERING"
	StateNegotiating   ConnectionState = "NEGOTIATING"
	StateConnecting    ConnectionState = "CONNECTING"
	StateConnected     ConnectionState = "CONNECTED"
	StateDisconnecting ConnectionState = "DISCONNECTING"
)

// Code returns a stable numeric form of the state, used for gauges.
func (s ConnectionState) Code() int {
	switch s {
	case StateDiscovering:
		return 1
	case StateNegotiating:
		return 2
	case StateConnecting:
		return 3
	case StateConnected:
		return 4
	case StateDisconnecting:
		return 5
	default:
		return 0
	}
}

// ScreenMetrics describes a display in pixels. Density is informational and
// never travels on the wire.
type ScreenMetrics struct {
	Width   int32   `json:"width"`
	Height  int32   `json:"height"`
	Density float32 `json:"density,omitempty"`
}

func (m ScreenMetrics) String() string {
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// Session is the single pairing between the local device and one peer.
type Session struct {
	ID            string          `json:"id"`
	Role          Role            `json:"role"`
	PeerAddress   PeerAddress     `json:"peer_address"`
	LocalMetrics  ScreenMetrics   `json:"local_metrics"`
	RemoteMetrics ScreenMetrics   `json:"remote_metrics"`
	State         ConnectionState `json:"state"`
	StartedAt     time.Time       `json:"started_at"`
}

// Motion is one pointer event relayed from the Controller to the Source.
type Motion struct {
	Action int32 `json:"action"`
	X      int32 `json:"x"`
	Y      int32 `json:"y"`
}
