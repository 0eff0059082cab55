// Package gatewayrpc implements the Gateway control plane: a streaming protocol that distributes network and peer
// configuration to WireGuard Gateways and ingests per-peer traffic statistics. The wire transport is a
// WebSocket-framed JSON protocol rather than gRPC, since no example in the reference corpus carries a gRPC stack;
// the operations, claim shapes, and ordering guarantees it replaces are preserved exactly.
package gatewayrpc

import (
	"encoding/json"
	"fmt"
)

// Opcode identifies the purpose of a Frame.
type Opcode int

const (
	// OpConfig is sent by a Gateway once its connection is established, requesting its full peer configuration.
	OpConfig Opcode = iota
	// OpConfigResponse carries the server's answer to OpConfig.
	OpConfigResponse
	// OpUpdate is a server-pushed incremental change (network or device created/modified/deleted, firewall config
	// changed).
	OpUpdate
	// OpStats is a client-pushed batch of peer traffic statistics.
	OpStats
	// OpStatsAck acknowledges a processed OpStats frame.
	OpStatsAck
	// OpHeartbeat and OpHeartbeatACK keep the liveness clock ticking between updates.
	OpHeartbeat
	OpHeartbeatACK
)

// Frame is the wire envelope for every message exchanged over a Gateway connection.
type Frame struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
}

// ConfigurationRequest is the payload of an OpConfig frame.
type ConfigurationRequest struct {
	Name string `json:"name"`
}

// Peer describes one authorized WireGuard peer as delivered to a Gateway.
type Peer struct {
	PublicKey           string   `json:"pubkey"`
	AllowedIPs          []string `json:"allowed_ips"`
	PresharedKey        string   `json:"preshared_key,omitempty"`
	PersistentKeepalive int      `json:"persistent_keepalive,omitempty"`
}

// Configuration is the payload of an OpConfigResponse frame: the full peer list for the location a Gateway serves.
type Configuration struct {
	Name    string `json:"name"`
	Port    int    `json:"port"`
	PrivKey string `json:"prvkey"`
	Address string `json:"address"`
	Peers   []Peer `json:"peers"`
}

// UpdateTag identifies the kind of change carried by an Update. Gateways must treat Created/Modified as idempotent
// upserts and Deleted as an idempotent removal; values are shared across the Network and Device families since only
// one family applies per payload shape.
type UpdateTag int

const (
	TagNetworkCreated UpdateTag = iota
	TagNetworkModified
	TagNetworkDeleted
	TagDeviceCreated
	TagDeviceModified
	TagDeviceDeleted
	TagFirewallConfigChanged
)

// Update is the payload of an OpUpdate frame.
type Update struct {
	Tag     UpdateTag       `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// PeerStatsEntry is one element of an OpStats batch, reported by a Gateway for a single peer.
type PeerStatsEntry struct {
	PublicKey       string `json:"public_key"`
	Endpoint        string `json:"endpoint"`
	Upload          int64  `json:"upload"`
	Download        int64  `json:"download"`
	LatestHandshake int64  `json:"latest_handshake"`
	AllowedIPs      string `json:"allowed_ips"`
}

func newFrame(op Opcode, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		marshaled, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal frame payload: %w", err)
		}
		data = marshaled
	}
	return json.Marshal(Frame{Op: op, Data: data})
}

// NewConfigResponseFrame serialises a Configuration as an OpConfigResponse frame.
func NewConfigResponseFrame(cfg Configuration) ([]byte, error) {
	return newFrame(OpConfigResponse, cfg)
}

// NewUpdateFrame serialises an Update as an OpUpdate frame.
func NewUpdateFrame(u Update) ([]byte, error) {
	return newFrame(OpUpdate, u)
}

// NewStatsAckFrame returns a serialised OpStatsAck frame.
func NewStatsAckFrame() ([]byte, error) {
	return newFrame(OpStatsAck, nil)
}

// NewHeartbeatACKFrame returns a serialised OpHeartbeatACK frame.
func NewHeartbeatACKFrame() ([]byte, error) {
	return newFrame(OpHeartbeatACK, nil)
}
