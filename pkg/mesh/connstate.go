package mesh

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConnState is the lifecycle position of one coordinator connection.
type ConnState int

const (
	StateConnected ConnState = iota
	StateJoined
	StateActive
	StateStale
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateJoined:
		return "JOINED"
	case StateActive:
		return "ACTIVE"
	case StateStale:
		return "STALE"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Participating reports whether a connection in s is eligible for election
// and listed in peer broadcasts.
func (s ConnState) Participating() bool {
	return s == StateJoined || s == StateActive
}

// ConnEvent drives Transition.
type ConnEvent int

const (
	EventJoin ConnEvent = iota
	EventHeartbeat
	EventClaim
	// EventMessage is any other device message that requires a joined peer.
	EventMessage
	// EventTimeout fires when no heartbeat arrived within the stale threshold.
	EventTimeout
	// EventEvict fires when a stale device passed the eviction threshold.
	EventEvict
	EventClose
)

func (e ConnEvent) String() string {
	switch e {
	case EventJoin:
		return "join"
	case EventHeartbeat:
		return "heartbeat"
	case EventClaim:
		return "claim"
	case EventMessage:
		return "message"
	case EventTimeout:
		return "timeout"
	case EventEvict:
		return "evict"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("ConnEvent(%d)", int(e))
	}
}

// Effect is a side effect the coordinator must carry out after a transition.
type Effect int

const (
	// EffectRegister records the device, replacing a prior connection for
	// the same device id.
	EffectRegister Effect = iota
	EffectAckJoin
	// EffectTouch refreshes lastHeartbeatAt and the reported score.
	EffectTouch
	EffectAckHeartbeat
	EffectRemove
	EffectCloseTransport
	// Mesh-wide effects. They are coalesced per event and applied in the
	// order elect, peer list, hub announcement.
	EffectElect
	EffectBroadcastPeers
)

// ErrInvalidTransition is returned when an event is not allowed in a state.
var ErrInvalidTransition = errors.New("mesh: invalid transition")

// Transition computes the next state and the effects for ev. It has no side
// effects; on error the state is unchanged.
func Transition(s ConnState, ev ConnEvent) (ConnState, []Effect, error) {
	if s == StateDisconnected {
		return s, nil, errors.Wrapf(ErrInvalidTransition, "%s in %s", ev, s)
	}
	switch ev {
	case EventJoin:
		if s == StateConnected {
			return StateJoined, []Effect{EffectRegister, EffectAckJoin, EffectElect, EffectBroadcastPeers}, nil
		}
	case EventHeartbeat:
		switch s {
		case StateJoined, StateActive:
			return StateActive, []Effect{EffectTouch, EffectAckHeartbeat}, nil
		case StateStale:
			return StateActive, []Effect{EffectTouch, EffectAckHeartbeat, EffectElect, EffectBroadcastPeers}, nil
		}
	case EventClaim:
		if s != StateConnected {
			return StateActive, []Effect{EffectTouch, EffectElect, EffectBroadcastPeers}, nil
		}
	case EventMessage:
		if s != StateConnected {
			return s, nil, nil
		}
	case EventTimeout:
		if s.Participating() {
			return StateStale, []Effect{EffectElect, EffectBroadcastPeers}, nil
		}
		if s == StateStale {
			return s, nil, nil
		}
	case EventEvict:
		if s != StateConnected {
			return StateDisconnected, []Effect{EffectCloseTransport, EffectRemove, EffectElect, EffectBroadcastPeers}, nil
		}
	case EventClose:
		if s == StateConnected {
			return StateDisconnected, nil, nil
		}
		return StateDisconnected, []Effect{EffectRemove, EffectElect, EffectBroadcastPeers}, nil
	}
	return s, nil, errors.Wrapf(ErrInvalidTransition, "%s in %s", ev, s)
}
