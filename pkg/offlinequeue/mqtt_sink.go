package offlinequeue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MQTTOptions configures an MQTTSink.
type MQTTOptions struct {
	BrokerURL string
	ClientID  string
	// Topic defaults to "edgesync/<ClientID>/abandoned".
	Topic          string
	QoS            byte
	PublishTimeout time.Duration
}

// MQTTSink publishes abandoned operations to an MQTT topic so a back-office
// dashboard can pick them up.
type MQTTSink struct {
	topic   string
	publish func(topic string, payload []byte) error
	close   func()
}

type abandonedMessage struct {
	ID          string    `json:"id"`
	Module      string    `json:"module,omitempty"`
	Method      string    `json:"method"`
	TargetURL   string    `json:"targetUrl"`
	RetryCount  int       `json:"retryCount"`
	MaxRetries  int       `json:"maxRetries"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	AbandonedAt time.Time `json:"abandonedAt"`
	Error       string    `json:"error"`
}

// NewMQTTSink connects to the broker and returns a ready sink.
func NewMQTTSink(opts MQTTOptions) (*MQTTSink, error) {
	broker := strings.TrimSpace(opts.BrokerURL)
	if broker == "" {
		return nil, errors.New("offlinequeue: mqtt broker url is required")
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = "edgesync"
	}
	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(broker)
	o.SetClientID(clientID)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetAutoReconnect(true)
	client := mqtt.NewClient(o)

	token := client.Connect()
	// With connect retry on, a failed connect keeps retrying in the
	// background until the client is disconnected.
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, errors.Errorf("offlinequeue: mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, errors.Wrapf(err, "offlinequeue: mqtt connect to %s", broker)
	}
	log.Info().Str("broker", broker).Str("client_id", clientID).Msg("mqtt abandoned sink connected")

	topic := strings.TrimSpace(opts.Topic)
	if topic == "" {
		topic = "edgesync/" + clientID + "/abandoned"
	}
	qos := opts.QoS
	return &MQTTSink{
		topic: topic,
		publish: func(topic string, payload []byte) error {
			t := client.Publish(topic, qos, false, payload)
			if !t.WaitTimeout(timeout) {
				return errors.New("publish timed out")
			}
			return t.Error()
		},
		close: func() { client.Disconnect(250) },
	}, nil
}

// Topic returns the publish topic.
func (s *MQTTSink) Topic() string { return s.topic }

// OnAbandoned implements AbandonedSink. Publish failures are logged; the
// operation is already recorded in the abandoned set.
func (s *MQTTSink) OnAbandoned(_ context.Context, ev AbandonedEvent) {
	if s == nil || s.publish == nil {
		return
	}
	payload, err := json.Marshal(abandonedMessage{
		ID:          ev.ID,
		Module:      ev.Module,
		Method:      ev.Method,
		TargetURL:   ev.TargetURL,
		RetryCount:  ev.RetryCount,
		MaxRetries:  ev.MaxRetries,
		EnqueuedAt:  ev.EnqueuedAt,
		AbandonedAt: ev.AbandonedAt,
		Error:       ev.Error,
	})
	if err != nil {
		log.Error().Err(err).Str("op_id", ev.ID).Msg("marshal abandoned event failed")
		return
	}
	if err := s.publish(s.topic, payload); err != nil {
		log.Error().Err(err).Str("op_id", ev.ID).Str("topic", s.topic).Msg("publish abandoned event failed")
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}
