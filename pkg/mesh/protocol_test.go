package mesh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeFlatFrame(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"REPLICATE_COMMAND","requestId":"r1","command":{"a":1},"targetDevices":["B","C"]}`))
	require.NoError(t, err)
	require.Equal(t, TypeReplicate, msg.Type)
	require.Equal(t, []string{"B", "C"}, msg.TargetDevices)
	require.JSONEq(t, `{"a":1}`, string(msg.Command))
	require.Zero(t, msg.ScoreValue())
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
	_, err = Decode([]byte(`{"deviceId":"A"}`))
	require.Error(t, err)
}

func TestEncodeKeepsZeroScoreAndDeliveredCount(t *testing.T) {
	data, err := Encode(Message{Type: TypeReplicationAck, RequestID: "r1", DeliveredTo: intRef(0)})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"REPLICATION_ACK","requestId":"r1","deliveredTo":0}`, string(data))

	data, err = Encode(Message{Type: TypeHubElected, HubDeviceID: "printer", Score: scoreRef(0)})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"HUB_ELECTED","hubDeviceId":"printer","score":0}`, string(data))

	_, err = Encode(Message{})
	require.Error(t, err)
}
