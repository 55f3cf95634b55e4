package transport_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgentili/govr/kvstore"
	"github.com/mgentili/govr/transport"
	"github.com/mgentili/govr/vr"
)

type msg = vr.Message[kvstore.Op, kvstore.Result]

func roundTrip(t *testing.T, m msg) msg {
	t.Helper()
	data, err := transport.EncodeMessage[kvstore.Op, kvstore.Result](m)
	require.NoError(t, err)
	decoded, err := transport.DecodeMessage[kvstore.Op, kvstore.Result](data)
	require.NoError(t, err)
	return decoded
}

func TestRoundTrip(t *testing.T) {
	result := kvstore.Result{"OK"}
	request := vr.ClientRequest[kvstore.Op, kvstore.Result]{
		ClientID:      "c1",
		RequestNumber: 4,
		Op:            kvstore.SetOp("x", "1"),
	}

	tests := []struct {
		name string
		m    msg
	}{
		{"request", vr.RequestMsg[kvstore.Op, kvstore.Result]{Op: kvstore.SetOp("x", "1"), ClientID: "c1", RequestNumber: 0}},
		{"prepare", vr.PrepareMsg[kvstore.Op, kvstore.Result]{ViewNumber: 1, OpNumber: 7, CommitNumber: 6, Request: request}},
		{"prepare with result", vr.PrepareMsg[kvstore.Op, kvstore.Result]{OpNumber: 1, Request: vr.ClientRequest[kvstore.Op, kvstore.Result]{ClientID: "c1", Op: kvstore.GetOp("x"), Result: &result}}},
		{"prepare_ok", vr.PrepareOkMsg{ViewNumber: 1, ReplicaNumber: 2, OpNumber: 7, CommitNumber: 6}},
		{"commit", vr.CommitMsg{ViewNumber: 0, OpNumber: 3, CommitNumber: 3}},
		{"reply", vr.ReplyMsg[kvstore.Op, kvstore.Result]{ClientID: "c1", ViewNumber: 2, RequestNumber: 9, Result: &result}},
		{"reply without result", vr.ReplyMsg[kvstore.Op, kvstore.Result]{ClientID: "c1", RequestNumber: 1}},
		{"connect", vr.ConnectMsg{ClientID: "c1", Configuration: []string{"a", "b", "c"}, CurrentView: 1, Epoch: 0}},
		{"error", vr.ErrorMsg{Message: "not primary"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.m, roundTrip(t, tt.m))
		})
	}
}

func TestWireFormat(t *testing.T) {
	data, err := transport.EncodeMessage[kvstore.Op, kvstore.Result](vr.PrepareMsg[kvstore.Op, kvstore.Result]{
		ViewNumber:   1,
		OpNumber:     2,
		CommitNumber: 0,
		Request: vr.ClientRequest[kvstore.Op, kvstore.Result]{
			ClientID:      "c1",
			RequestNumber: 3,
			Op:            kvstore.SetOp("x", "1"),
		},
	})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.JSONEq(t, `"prepare"`, string(raw["type"]))
	assert.JSONEq(t, `1`, string(raw["view_number"]))
	assert.JSONEq(t, `2`, string(raw["op_number"]))
	assert.JSONEq(t, `0`, string(raw["commit_number"]), "present zero must survive")
	assert.JSONEq(t, `{"client_id":"c1","request_number":3,"op":["set","x","1"]}`, string(raw["request"]))
}

func TestOpEncodesAsStringArray(t *testing.T) {
	data, err := transport.EncodeMessage[kvstore.Op, kvstore.Result](vr.RequestMsg[kvstore.Op, kvstore.Result]{
		Op:       kvstore.SetOp("x", "1"),
		ClientID: "c1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request","op":["set","x","1"],"client_id":"c1","request_number":0}`, string(data))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := transport.DecodeMessage[kvstore.Op, kvstore.Result]([]byte("not json"))
	assert.Error(t, err)

	_, err = transport.DecodeMessage[kvstore.Op, kvstore.Result]([]byte(`{"type":"mystery"}`))
	assert.Error(t, err)

	_, err = transport.DecodeMessage[kvstore.Op, kvstore.Result]([]byte(`{"type":"prepare"}`))
	assert.Error(t, err, "prepare without a request body")
}
