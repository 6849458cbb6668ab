// Package simulator defines the shared data model for simulated endpoints:
// declared configuration, mutable runtime state, connection tracking, and
// the protocol handler contract executed by the byte-stream engines.
package simulator

import (
	"encoding/json"
	"time"
)

// Transport selects the listening transport for a byte-stream simulator.
type Transport string

// Supported transports.
const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// Status is the lifecycle state of a simulator instance.
type Status string

// Lifecycle states.
const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Protocol identifies a byte-stream protocol handler.
type Protocol string

// Built-in protocol handlers.
const (
	ProtocolSceneLoader Protocol = "scene_loader"
	ProtocolModbus      Protocol = "modbus"
	ProtocolCustom      Protocol = "custom"
)

// Protocols lists the byte-stream protocols this build supports.
func Protocols() []Protocol {
	return []Protocol{ProtocolSceneLoader, ProtocolModbus, ProtocolCustom}
}

// Info is the declared configuration and identity of a byte-stream
// simulator. It is immutable except for Status/StatusMessage, which track
// the engine lifecycle.
type Info struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Protocol    Protocol  `json:"protocol"`
	Transport   Transport `json:"transport"`
	BindAddr    string    `json:"bind_addr"`
	Port        int       `json:"port"`
	Status      Status    `json:"status"`
	// StatusMessage carries the failure detail when Status is StatusError.
	StatusMessage string    `json:"status_message,omitempty"`
	AutoStart     bool      `json:"auto_start"`
	CreatedAt     time.Time `json:"created_at"`

	// ProtocolConfig is an opaque document consumed by the protocol handler
	// (modbus slave layout, custom rules, scene-loader options).
	ProtocolConfig json.RawMessage `json:"protocol_config,omitempty"`
}

// Stats are the runtime counters of one simulator.
type Stats struct {
	TotalConnections  uint64    `json:"total_connections"`
	ActiveConnections uint64    `json:"active_connections"`
	BytesReceived     uint64    `json:"bytes_received"`
	BytesSent         uint64    `json:"bytes_sent"`
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesSent      uint64    `json:"messages_sent"`
	LastActivity      time.Time `json:"last_activity,omitzero"`
}

// ClientConnection describes one live (or, for UDP, recently seen) peer.
type ClientConnection struct {
	ID            string    `json:"id"`
	PeerAddr      string    `json:"peer_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	BytesReceived uint64    `json:"bytes_received"`
	BytesSent     uint64    `json:"bytes_sent"`
	LastActivity  time.Time `json:"last_activity"`
}
