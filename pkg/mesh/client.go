package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrMeshUnavailable means no MESH_JOINED arrived in time. Callers fall
	// back to central-server-only operation.
	ErrMeshUnavailable = errors.New("mesh: unavailable")
	// ErrNotJoined is returned by calls on a closed or disconnected client.
	ErrNotJoined = errors.New("mesh: not joined")
)

// missedAcks is how many heartbeat intervals may pass without any frame
// from the coordinator before the connection is dropped.
const missedAcks = 3

// Identity is what a device announces on join.
type Identity struct {
	DeviceID   string
	DeviceName string
	DeviceType string
}

// ScoreFunc reports the device's current hub fitness.
type ScoreFunc func() float64

// CommandHandler applies a replicated command. Commands may arrive more than
// once and must be idempotent.
type CommandHandler func(ctx context.Context, from string, command json.RawMessage) error

// ClientOptions tunes a mesh Client.
type ClientOptions struct {
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	ReplicateTimeout  time.Duration
	// Score defaults to a constant 0.
	Score     ScoreFunc
	OnCommand CommandHandler
	Dialer    *websocket.Dialer
	Header    http.Header
}

type replicationResult struct {
	delivered int
	err       error
}

// Client is a device's connection to the coordinator.
type Client struct {
	id   Identity
	opts ClientOptions
	ws   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.RWMutex
	meshID  string
	hub     string
	peers   []Peer
	pending map[string]chan replicationResult

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the coordinator at url, joins and starts heartbeating.
// Any failure to obtain MESH_JOINED within JoinTimeout yields an error
// matching ErrMeshUnavailable.
func Dial(ctx context.Context, url string, id Identity, opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(id.DeviceID) == "" {
		return nil, errors.New("mesh: device id is required")
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.ReplicateTimeout <= 0 {
		opts.ReplicateTimeout = 5 * time.Second
	}
	if opts.Score == nil {
		opts.Score = func() float64 { return 0 }
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.JoinTimeout}
	}

	joinCtx, cancel := context.WithTimeout(ctx, opts.JoinTimeout)
	defer cancel()
	ws, _, err := dialer.DialContext(joinCtx, url, opts.Header)
	if err != nil {
		return nil, errors.Wrapf(ErrMeshUnavailable, "dial %s: %v", url, err)
	}
	c := &Client{
		id:      id,
		opts:    opts,
		ws:      ws,
		pending: make(map[string]chan replicationResult),
		done:    make(chan struct{}),
	}
	if err := c.join(); err != nil {
		ws.Close()
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

func (c *Client) join() error {
	if err := c.write(Message{
		Type:       TypeJoin,
		DeviceID:   c.id.DeviceID,
		DeviceName: c.id.DeviceName,
		DeviceType: c.id.DeviceType,
		Score:      scoreRef(c.opts.Score()),
	}); err != nil {
		return errors.Wrapf(ErrMeshUnavailable, "send join: %v", err)
	}
	deadline := time.Now().Add(c.opts.JoinTimeout)
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return errors.Wrapf(ErrMeshUnavailable, "await join ack: %v", err)
		}
		msg, err := Decode(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case TypeJoined:
			c.mu.Lock()
			c.meshID = msg.MeshID
			c.mu.Unlock()
			log.Info().
				Str("device_id", c.id.DeviceID).
				Str("mesh_id", msg.MeshID).
				Int("peers", msg.PeerCount).
				Msg("joined mesh")
			return nil
		case TypeError:
			return errors.Wrapf(ErrMeshUnavailable, "join rejected: %s", msg.Message)
		}
	}
}

// Done is closed once the connection to the coordinator is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// MeshID returns the id of the joined mesh.
func (c *Client) MeshID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meshID
}

// Hub returns the current hub device id, or "" before the first election.
func (c *Client) Hub() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hub
}

// IsHub reports whether this device is the current hub.
func (c *Client) IsHub() bool { return c.Hub() == c.id.DeviceID }

// Peers returns the last peer list received.
func (c *Client) Peers() []Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Peer(nil), c.peers...)
}

// Replicate forwards command to targets through the coordinator and returns
// how many of them were connected and received it. Delivery is not
// application: receivers acknowledge separately.
func (c *Client) Replicate(ctx context.Context, targets []string, command any) (int, error) {
	if c.closedNow() {
		return 0, ErrNotJoined
	}
	raw, err := json.Marshal(command)
	if err != nil {
		return 0, errors.Wrap(err, "mesh: encode command")
	}
	requestID := uuid.NewString()
	ch := make(chan replicationResult, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.write(Message{
		Type:          TypeReplicate,
		DeviceID:      c.id.DeviceID,
		RequestID:     requestID,
		Command:       raw,
		TargetDevices: targets,
	}); err != nil {
		return 0, err
	}

	timer := time.NewTimer(c.opts.ReplicateTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.delivered, res.err
	case <-timer.C:
		return 0, errors.Errorf("mesh: replication %s not acknowledged within %s", requestID, c.opts.ReplicateTimeout)
	case <-c.done:
		return 0, ErrNotJoined
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ClaimHub reports a new score and asks the coordinator to re-run election.
func (c *Client) ClaimHub(score float64) error {
	return c.write(Message{Type: TypeHubClaim, DeviceID: c.id.DeviceID, Score: scoreRef(score)})
}

// Close leaves the mesh and waits for background loops to exit.
func (c *Client) Close() error {
	c.shutdown()
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.ws.Close()
	c.wg.Wait()
	return err
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) closedNow() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) write(msg Message) error {
	if c.closedNow() {
		return ErrNotJoined
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(err, "mesh: write %s", msg.Type)
	}
	return nil
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.write(Message{Type: TypeHeartbeat, DeviceID: c.id.DeviceID, Score: scoreRef(c.opts.Score())})
			if err != nil && !c.closedNow() {
				log.Warn().Err(err).Str("device_id", c.id.DeviceID).Msg("mesh heartbeat failed")
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.shutdown()
	// The coordinator answers every heartbeat, so a link that stays silent
	// for a few intervals is half-open.
	silence := missedAcks * c.opts.HeartbeatInterval
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(silence))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closedNow() {
				log.Warn().Err(err).Str("device_id", c.id.DeviceID).Msg("mesh connection lost")
			}
			return
		}
		msg, err := Decode(data)
		if err != nil {
			log.Debug().Err(err).Msg("ignore malformed mesh frame")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case TypePeerList:
		hub := ""
		for _, p := range msg.Peers {
			if p.IsHub {
				hub = p.DeviceID
			}
		}
		c.mu.Lock()
		c.peers = msg.Peers
		c.hub = hub
		c.mu.Unlock()
	case TypeHubElected:
		c.mu.Lock()
		c.hub = msg.HubDeviceID
		c.mu.Unlock()
		log.Info().Str("device_id", c.id.DeviceID).Str("hub", msg.HubDeviceID).Msg("hub changed")
	case TypeReplicationAck:
		c.resolve(msg.RequestID, replicationResult{delivered: msg.Delivered()})
	case TypeReplicate:
		c.wg.Add(1)
		go c.applyCommand(msg)
	case TypeHeartbeatAck:
		// The read deadline was already pushed out by receiving it.
	case TypeError:
		log.Warn().Str("device_id", c.id.DeviceID).Str("request_id", msg.RequestID).Str("message", msg.Message).Msg("mesh error")
		if msg.RequestID != "" {
			c.resolve(msg.RequestID, replicationResult{err: errors.Errorf("mesh: %s", msg.Message)})
		}
	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignore mesh message")
	}
}

func (c *Client) resolve(requestID string, res replicationResult) {
	c.mu.RLock()
	ch := c.pending[requestID]
	c.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func (c *Client) applyCommand(msg Message) {
	defer c.wg.Done()
	if c.opts.OnCommand == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReplicateTimeout)
	defer cancel()
	if err := c.opts.OnCommand(ctx, msg.From, msg.Command); err != nil {
		log.Warn().Err(err).Str("from", msg.From).Str("request_id", msg.RequestID).Msg("replicated command failed")
		return
	}
	if err := c.write(Message{Type: TypeSyncAck, DeviceID: c.id.DeviceID, RequestID: msg.RequestID}); err != nil && !c.closedNow() {
		log.Debug().Err(err).Msg("sync ack not sent")
	}
}
