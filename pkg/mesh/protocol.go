// Package mesh lets co-located devices discover each other through a shared
// coordinator, agree on a single hub and relay replication commands without
// the central server.
package mesh

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MessageType is the "type" discriminator of a wire frame.
type MessageType string

const (
	TypeJoin           MessageType = "MESH_JOIN"
	TypeJoined         MessageType = "MESH_JOINED"
	TypeHeartbeat      MessageType = "MESH_HEARTBEAT"
	TypeHeartbeatAck   MessageType = "MESH_HEARTBEAT_ACK"
	TypeReplicate      MessageType = "REPLICATE_COMMAND"
	TypeReplicationAck MessageType = "REPLICATION_ACK"
	TypeSyncAck        MessageType = "SYNC_ACK"
	TypeHubClaim       MessageType = "HUB_CLAIM"
	TypePeerList       MessageType = "PEER_LIST_UPDATE"
	TypeHubElected     MessageType = "HUB_ELECTED"
	TypeError          MessageType = "ERROR"
)

// Message is one JSON frame. Only the fields relevant to Type are set.
type Message struct {
	Type MessageType `json:"type"`

	DeviceID   string   `json:"deviceId,omitempty"`
	DeviceName string   `json:"deviceName,omitempty"`
	DeviceType string   `json:"deviceType,omitempty"`
	Score      *float64 `json:"score,omitempty"`

	MeshID    string `json:"meshId,omitempty"`
	PeerCount int    `json:"peerCount,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	RequestID     string          `json:"requestId,omitempty"`
	From          string          `json:"from,omitempty"`
	Command       json.RawMessage `json:"command,omitempty"`
	TargetDevices []string        `json:"targetDevices,omitempty"`
	DeliveredTo   *int            `json:"deliveredTo,omitempty"`

	Peers       []Peer `json:"peers,omitempty"`
	HubDeviceID string `json:"hubDeviceId,omitempty"`

	Message string `json:"message,omitempty"`
}

// Peer is a device as advertised in peer lists and snapshots.
type Peer struct {
	DeviceID        string    `json:"deviceId"`
	DeviceName      string    `json:"deviceName,omitempty"`
	DeviceType      string    `json:"deviceType,omitempty"`
	Score           float64   `json:"score"`
	IsHub           bool      `json:"isHub"`
	JoinedAt        time.Time `json:"joinedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	State           string    `json:"state,omitempty"`
}

// ScoreValue returns the score carried by m, or 0 when absent.
func (m Message) ScoreValue() float64 {
	if m.Score == nil {
		return 0
	}
	return *m.Score
}

// Delivered returns deliveredTo, or 0 when absent.
func (m Message) Delivered() int {
	if m.DeliveredTo == nil {
		return 0
	}
	return *m.DeliveredTo
}

func scoreRef(v float64) *float64 { return &v }

func intRef(v int) *int { return &v }

// Encode renders m as a single JSON frame.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, errors.New("mesh: message type is empty")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "mesh: encode %s", m.Type)
	}
	return data, nil
}

// Decode parses a frame. Frames without a type are rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrap(err, "mesh: malformed frame")
	}
	if m.Type == "" {
		return Message{}, errors.New("mesh: frame has no type")
	}
	return m, nil
}

func errorMessage(requestID, format string, args ...any) Message {
	return Message{Type: TypeError, RequestID: requestID, Message: errors.Errorf(format, args...).Error()}
}
