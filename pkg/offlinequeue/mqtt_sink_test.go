package offlinequeue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ordermesh/edgesync/pkg/opstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMQTTSinkPublishesAbandonedEvent(t *testing.T) {
	var gotTopic string
	var gotPayload []byte
	sink := &MQTTSink{
		topic: "edgesync/tablet-1/abandoned",
		publish: func(topic string, payload []byte) error {
			gotTopic = topic
			gotPayload = payload
			return nil
		},
	}
	at := time.UnixMilli(1_700_000_000_000).UTC()
	sink.OnAbandoned(context.Background(), AbandonedEvent{
		Operation:   opstore.Operation{ID: "op-9", Method: "POST", TargetURL: "https://api/orders", Module: "pos", RetryCount: 2, MaxRetries: 2},
		Error:       "unexpected status 503",
		AbandonedAt: at,
	})

	require.Equal(t, "edgesync/tablet-1/abandoned", gotTopic)
	var msg abandonedMessage
	require.NoError(t, json.Unmarshal(gotPayload, &msg))
	require.Equal(t, "op-9", msg.ID)
	require.Equal(t, "pos", msg.Module)
	require.Equal(t, 2, msg.RetryCount)
	require.Equal(t, "unexpected status 503", msg.Error)
	require.True(t, at.Equal(msg.AbandonedAt))
}

func TestMQTTSinkPublishFailureIsSwallowed(t *testing.T) {
	sink := &MQTTSink{topic: "t", publish: func(string, []byte) error { return errors.New("broker gone") }}
	require.NotPanics(t, func() {
		sink.OnAbandoned(context.Background(), AbandonedEvent{Operation: opstore.Operation{ID: "x"}})
	})
	var nilSink *MQTTSink
	require.NotPanics(t, func() {
		nilSink.OnAbandoned(context.Background(), AbandonedEvent{})
		nilSink.Close()
	})
}

func TestNewMQTTSinkRequiresBroker(t *testing.T) {
	_, err := NewMQTTSink(MQTTOptions{})
	require.Error(t, err)
}

func TestQueueFansAbandonedToConfiguredSink(t *testing.T) {
	ctx := context.Background()
	var published int
	sink := &MQTTSink{topic: "t", publish: func(string, []byte) error { published++; return nil }}
	q, err := New(Config{
		Store: newTestStore(t),
		Sink:  sink,
		Sender: SenderFunc(func(context.Context, opstore.Operation) (*Response, error) {
			return nil, errors.New("no route to host")
		}),
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Request{TargetURL: "https://api/x", Method: "POST", MaxRetries: 1})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := q.Drain(ctx, DrainOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, 1, published)
}

func TestNewMQTTSinkUnreachableBroker(t *testing.T) {
	start := time.Now()
	sink, err := NewMQTTSink(MQTTOptions{BrokerURL: "tcp://127.0.0.1:1", PublishTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	require.Nil(t, sink)
	require.Less(t, time.Since(start), 5*time.Second)
}
