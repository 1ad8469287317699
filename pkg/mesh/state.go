package mesh

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Conn is the coordinator's handle on one device connection. Send must not
// block: it returns false when the message could not be queued.
type Conn interface {
	ID() string
	Send(msg Message) bool
	Close()
}

type session struct {
	conn     Conn
	state    ConnState
	deviceID string
}

type device struct {
	id              string
	name            string
	kind            string
	score           float64
	joinedAt        time.Time
	lastHeartbeatAt time.Time
	sess            *session
}

// Snapshot is a read-only view of the mesh.
type Snapshot struct {
	MeshID      string `json:"meshId"`
	HubDeviceID string `json:"hubDeviceId,omitempty"`
	Peers       []Peer `json:"peers"`
}

// meshState is owned by the coordinator event loop. Nothing else may touch
// it.
type meshState struct {
	meshID     string
	staleAfter time.Duration
	evictAfter time.Duration
	now        func() time.Time

	sessions map[string]*session
	devices  map[string]*device
	hubID    string
}

func newMeshState(meshID string, staleAfter, evictAfter time.Duration, now func() time.Time) *meshState {
	return &meshState{
		meshID:     meshID,
		staleAfter: staleAfter,
		evictAfter: evictAfter,
		now:        now,
		sessions:   make(map[string]*session),
		devices:    make(map[string]*device),
	}
}

// pending accumulates mesh-wide effects for one event.
type pending struct {
	elect     bool
	broadcast bool
}

func (s *meshState) open(conn Conn) {
	s.sessions[conn.ID()] = &session{conn: conn, state: StateConnected}
}

func (s *meshState) handle(conn Conn, msg Message) {
	sess, ok := s.sessions[conn.ID()]
	if !ok {
		return
	}
	var ev ConnEvent
	switch msg.Type {
	case TypeJoin:
		if strings.TrimSpace(msg.DeviceID) == "" {
			conn.Send(errorMessage(msg.RequestID, "join requires deviceId"))
			return
		}
		ev = EventJoin
	case TypeHeartbeat:
		ev = EventHeartbeat
	case TypeHubClaim:
		ev = EventClaim
	case TypeReplicate, TypeSyncAck:
		ev = EventMessage
	default:
		conn.Send(errorMessage(msg.RequestID, "unsupported message type %q", msg.Type))
		return
	}

	next, effects, err := Transition(sess.state, ev)
	if err != nil {
		if sess.state == StateConnected {
			conn.Send(errorMessage(msg.RequestID, "%s before MESH_JOIN", msg.Type))
		} else {
			conn.Send(errorMessage(msg.RequestID, "%s not allowed: already joined as %s", msg.Type, sess.deviceID))
		}
		return
	}
	sess.state = next

	var p pending
	s.apply(sess, msg, effects, &p)
	s.flush(p)

	switch msg.Type {
	case TypeReplicate:
		s.replicate(sess, msg)
	case TypeSyncAck:
		log.Debug().Str("device_id", sess.deviceID).Str("request_id", msg.RequestID).Msg("sync ack")
	}
}

func (s *meshState) closed(connID string) {
	sess, ok := s.sessions[connID]
	if !ok {
		return
	}
	delete(s.sessions, connID)
	next, effects, err := Transition(sess.state, EventClose)
	if err != nil {
		return
	}
	sess.state = next
	var p pending
	s.apply(sess, Message{}, effects, &p)
	s.flush(p)
	if sess.deviceID != "" {
		log.Info().Str("device_id", sess.deviceID).Int("peers", s.participantCount()).Msg("device disconnected")
	}
}

// sweep marks devices without a recent heartbeat stale and evicts those
// silent past the eviction threshold.
func (s *meshState) sweep() {
	now := s.now()
	var p pending
	for _, id := range s.sortedDeviceIDs() {
		d := s.devices[id]
		silent := now.Sub(d.lastHeartbeatAt)
		var ev ConnEvent
		switch {
		case s.evictAfter > 0 && silent > s.evictAfter:
			ev = EventEvict
		case s.staleAfter > 0 && silent > s.staleAfter && d.sess.state.Participating():
			ev = EventTimeout
		default:
			continue
		}
		next, effects, err := Transition(d.sess.state, ev)
		if err != nil {
			continue
		}
		sess := d.sess
		sess.state = next
		if ev == EventEvict {
			delete(s.sessions, sess.conn.ID())
			log.Warn().Str("device_id", id).Dur("silent", silent).Msg("device evicted")
		} else {
			log.Warn().Str("device_id", id).Dur("silent", silent).Msg("device stale")
		}
		s.apply(sess, Message{}, effects, &p)
	}
	s.flush(p)
}

func (s *meshState) apply(sess *session, msg Message, effects []Effect, p *pending) {
	now := s.now()
	for _, eff := range effects {
		switch eff {
		case EffectRegister:
			s.register(sess, msg, now)
		case EffectAckJoin:
			sess.conn.Send(Message{
				Type:      TypeJoined,
				DeviceID:  sess.deviceID,
				MeshID:    s.meshID,
				PeerCount: s.participantCount(),
				Timestamp: now.UnixMilli(),
			})
		case EffectTouch:
			if d := s.devices[sess.deviceID]; d != nil {
				d.lastHeartbeatAt = now
				if msg.Score != nil {
					d.score = *msg.Score
				}
			}
		case EffectAckHeartbeat:
			ack := Message{Type: TypeHeartbeatAck, DeviceID: sess.deviceID, Timestamp: now.UnixMilli()}
			if d := s.devices[sess.deviceID]; d != nil {
				ack.Score = scoreRef(d.score)
			}
			sess.conn.Send(ack)
		case EffectRemove:
			if d := s.devices[sess.deviceID]; d != nil && d.sess == sess {
				delete(s.devices, sess.deviceID)
			}
		case EffectCloseTransport:
			sess.conn.Close()
		case EffectElect:
			p.elect = true
		case EffectBroadcastPeers:
			p.broadcast = true
		}
	}
}

func (s *meshState) register(sess *session, msg Message, now time.Time) {
	id := strings.TrimSpace(msg.DeviceID)
	if prev := s.devices[id]; prev != nil && prev.sess != sess {
		// Reconnect: the old connection is retired before the new record
		// takes its place.
		prev.sess.state = StateDisconnected
		delete(s.sessions, prev.sess.conn.ID())
		prev.sess.conn.Close()
		log.Info().Str("device_id", id).Msg("device reconnected, replacing previous connection")
	}
	sess.deviceID = id
	s.devices[id] = &device{
		id:              id,
		name:            msg.DeviceName,
		kind:            msg.DeviceType,
		score:           msg.ScoreValue(),
		joinedAt:        now,
		lastHeartbeatAt: now,
		sess:            sess,
	}
	log.Info().
		Str("device_id", id).
		Str("device_type", msg.DeviceType).
		Float64("score", msg.ScoreValue()).
		Int("peers", s.participantCount()).
		Msg("device joined")
}

func (s *meshState) flush(p pending) {
	hubChanged := false
	if p.elect {
		hubChanged = s.elect()
	}
	if p.broadcast || hubChanged {
		s.broadcast(Message{Type: TypePeerList, Peers: s.peers(false), Timestamp: s.now().UnixMilli()})
	}
	if hubChanged && s.hubID != "" {
		s.broadcast(Message{
			Type:        TypeHubElected,
			HubDeviceID: s.hubID,
			Score:       scoreRef(s.devices[s.hubID].score),
			Timestamp:   s.now().UnixMilli(),
		})
	}
}

// elect re-runs hub election and reports whether the hub changed.
func (s *meshState) elect() bool {
	var candidates []Candidate
	for _, d := range s.devices {
		if d.sess.state.Participating() {
			candidates = append(candidates, Candidate{DeviceID: d.id, Score: d.score, JoinedAt: d.joinedAt})
		}
	}
	winner, ok := Elect(candidates)
	next := ""
	if ok {
		next = winner.DeviceID
	}
	if next == s.hubID {
		return false
	}
	prev := s.hubID
	s.hubID = next
	log.Info().Str("previous_hub", prev).Str("hub", next).Float64("score", winner.Score).Msg("hub elected")
	return true
}

func (s *meshState) replicate(sess *session, msg Message) {
	requestID := msg.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	delivered := 0
	seen := make(map[string]bool, len(msg.TargetDevices))
	for _, target := range msg.TargetDevices {
		if target == sess.deviceID || seen[target] {
			continue
		}
		seen[target] = true
		d := s.devices[target]
		if d == nil {
			continue
		}
		ok := d.sess.conn.Send(Message{
			Type:      TypeReplicate,
			From:      sess.deviceID,
			RequestID: requestID,
			Command:   msg.Command,
			Timestamp: s.now().UnixMilli(),
		})
		if ok {
			delivered++
		}
	}
	sess.conn.Send(Message{Type: TypeReplicationAck, RequestID: requestID, DeliveredTo: intRef(delivered)})
	log.Debug().
		Str("device_id", sess.deviceID).
		Str("request_id", requestID).
		Int("targets", len(seen)).
		Int("delivered_to", delivered).
		Msg("replication forwarded")
}

func (s *meshState) broadcast(msg Message) {
	for _, id := range s.sortedDeviceIDs() {
		if sess := s.devices[id].sess; sess.state.Participating() {
			sess.conn.Send(msg)
		}
	}
}

func (s *meshState) participantCount() int {
	n := 0
	for _, d := range s.devices {
		if d.sess.state.Participating() {
			n++
		}
	}
	return n
}

// peers lists devices ordered by join time; stale devices are included only
// when withStale is set.
func (s *meshState) peers(withStale bool) []Peer {
	out := make([]Peer, 0, len(s.devices))
	for _, id := range s.sortedDeviceIDs() {
		d := s.devices[id]
		if !withStale && !d.sess.state.Participating() {
			continue
		}
		out = append(out, Peer{
			DeviceID:        d.id,
			DeviceName:      d.name,
			DeviceType:      d.kind,
			Score:           d.score,
			IsHub:           d.id == s.hubID,
			JoinedAt:        d.joinedAt,
			LastHeartbeatAt: d.lastHeartbeatAt,
			State:           d.sess.state.String(),
		})
	}
	return out
}

func (s *meshState) sortedDeviceIDs() []string {
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.devices[ids[i]], s.devices[ids[j]]
		if !a.joinedAt.Equal(b.joinedAt) {
			return a.joinedAt.Before(b.joinedAt)
		}
		return a.id < b.id
	})
	return ids
}

func (s *meshState) snapshot() Snapshot {
	return Snapshot{MeshID: s.meshID, HubDeviceID: s.hubID, Peers: s.peers(true)}
}

// closeAll drops every connection; used on coordinator shutdown.
func (s *meshState) closeAll() {
	for id, sess := range s.sessions {
		sess.conn.Close()
		delete(s.sessions, id)
	}
	s.devices = make(map[string]*device)
	s.hubID = ""
}
