// Package transport is the real MessageBus: JSON over HTTP POST with a
// tagged "type" discriminator and snake_case fields. The codec is shared
// by the replica server and the interactive client.
package transport

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mgentili/govr/vr"
)

// envelope is the wire shape of every message. Numeric fields are
// pointers so a present zero survives the round trip.
type envelope struct {
	Type          string          `json:"type"`
	Message       string          `json:"message,omitempty"`
	Op            json.RawMessage `json:"op,omitempty"`
	ClientID      string          `json:"client_id,omitempty"`
	RequestNumber *uint64         `json:"request_number,omitempty"`
	ViewNumber    *uint64         `json:"view_number,omitempty"`
	OpNumber      *uint64         `json:"op_number,omitempty"`
	CommitNumber  *uint64         `json:"commit_number,omitempty"`
	ReplicaNumber *uint64         `json:"replica_number,omitempty"`
	Request       *wireRequest    `json:"request,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Configuration []string        `json:"configuration,omitempty"`
	CurrentView   *uint64         `json:"current_view,omitempty"`
	Epoch         *uint64         `json:"epoch,omitempty"`
}

type wireRequest struct {
	ClientID      string          `json:"client_id"`
	RequestNumber uint64          `json:"request_number"`
	Op            json.RawMessage `json:"op"`
	Result        json.RawMessage `json:"result,omitempty"`
}

func u64(v uint64) *uint64 { return &v }

// EncodeMessage marshals a message into its wire envelope.
func EncodeMessage[I, O any](msg vr.Message[I, O]) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case vr.RequestMsg[I, O]:
		op, err := json.Marshal(m.Op)
		if err != nil {
			return nil, errors.Wrap(err, "encoding op")
		}
		env = envelope{Type: "request", Op: op, ClientID: m.ClientID, RequestNumber: u64(m.RequestNumber)}
	case vr.PrepareMsg[I, O]:
		req, err := encodeRequest(m.Request)
		if err != nil {
			return nil, err
		}
		env = envelope{
			Type:         "prepare",
			ViewNumber:   u64(m.ViewNumber),
			OpNumber:     u64(m.OpNumber),
			CommitNumber: u64(m.CommitNumber),
			Request:      req,
		}
	case vr.PrepareOkMsg:
		env = envelope{
			Type:          "prepare_ok",
			ViewNumber:    u64(m.ViewNumber),
			ReplicaNumber: u64(m.ReplicaNumber),
			OpNumber:      u64(m.OpNumber),
			CommitNumber:  u64(m.CommitNumber),
		}
	case vr.CommitMsg:
		env = envelope{
			Type:         "commit",
			ViewNumber:   u64(m.ViewNumber),
			OpNumber:     u64(m.OpNumber),
			CommitNumber: u64(m.CommitNumber),
		}
	case vr.ReplyMsg[I, O]:
		env = envelope{
			Type:          "reply",
			ClientID:      m.ClientID,
			ViewNumber:    u64(m.ViewNumber),
			RequestNumber: u64(m.RequestNumber),
		}
		if m.Result != nil {
			result, err := json.Marshal(m.Result)
			if err != nil {
				return nil, errors.Wrap(err, "encoding result")
			}
			env.Result = result
		}
	case vr.ConnectMsg:
		env = envelope{
			Type:          "connect",
			ClientID:      m.ClientID,
			Configuration: m.Configuration,
			CurrentView:   u64(m.CurrentView),
			Epoch:         u64(m.Epoch),
		}
	case vr.ErrorMsg:
		env = envelope{Type: "error", Message: m.Message}
	default:
		return nil, errors.Errorf("unknown message kind %q", msg.Kind())
	}
	return json.Marshal(env)
}

// DecodeMessage unmarshals a wire envelope back into a message.
func DecodeMessage[I, O any](data []byte) (vr.Message[I, O], error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decoding envelope")
	}
	switch env.Type {
	case "request":
		var op I
		if len(env.Op) > 0 {
			if err := json.Unmarshal(env.Op, &op); err != nil {
				return nil, errors.Wrap(err, "decoding op")
			}
		}
		return vr.RequestMsg[I, O]{Op: op, ClientID: env.ClientID, RequestNumber: num(env.RequestNumber)}, nil
	case "prepare":
		req, err := decodeRequest[I, O](env.Request)
		if err != nil {
			return nil, err
		}
		return vr.PrepareMsg[I, O]{
			ViewNumber:   num(env.ViewNumber),
			OpNumber:     num(env.OpNumber),
			CommitNumber: num(env.CommitNumber),
			Request:      req,
		}, nil
	case "prepare_ok":
		return vr.PrepareOkMsg{
			ViewNumber:    num(env.ViewNumber),
			ReplicaNumber: num(env.ReplicaNumber),
			OpNumber:      num(env.OpNumber),
			CommitNumber:  num(env.CommitNumber),
		}, nil
	case "commit":
		return vr.CommitMsg{
			ViewNumber:   num(env.ViewNumber),
			OpNumber:     num(env.OpNumber),
			CommitNumber: num(env.CommitNumber),
		}, nil
	case "reply":
		m := vr.ReplyMsg[I, O]{
			ClientID:      env.ClientID,
			ViewNumber:    num(env.ViewNumber),
			RequestNumber: num(env.RequestNumber),
		}
		if len(env.Result) > 0 {
			var out O
			if err := json.Unmarshal(env.Result, &out); err != nil {
				return nil, errors.Wrap(err, "decoding result")
			}
			m.Result = &out
		}
		return m, nil
	case "connect":
		return vr.ConnectMsg{
			ClientID:      env.ClientID,
			Configuration: env.Configuration,
			CurrentView:   num(env.CurrentView),
			Epoch:         num(env.Epoch),
		}, nil
	case "error":
		return vr.ErrorMsg{Message: env.Message}, nil
	default:
		return nil, errors.Errorf("unknown message type %q", env.Type)
	}
}

func encodeRequest[I, O any](r vr.ClientRequest[I, O]) (*wireRequest, error) {
	op, err := json.Marshal(r.Op)
	if err != nil {
		return nil, errors.Wrap(err, "encoding op")
	}
	w := &wireRequest{ClientID: r.ClientID, RequestNumber: r.RequestNumber, Op: op}
	if r.Result != nil {
		result, err := json.Marshal(r.Result)
		if err != nil {
			return nil, errors.Wrap(err, "encoding result")
		}
		w.Result = result
	}
	return w, nil
}

func decodeRequest[I, O any](w *wireRequest) (vr.ClientRequest[I, O], error) {
	var r vr.ClientRequest[I, O]
	if w == nil {
		return r, errors.New("prepare without request")
	}
	r.ClientID = w.ClientID
	r.RequestNumber = w.RequestNumber
	if len(w.Op) > 0 {
		if err := json.Unmarshal(w.Op, &r.Op); err != nil {
			return r, errors.Wrap(err, "decoding op")
		}
	}
	if len(w.Result) > 0 {
		var out O
		if err := json.Unmarshal(w.Result, &out); err != nil {
			return r, errors.Wrap(err, "decoding result")
		}
		r.Result = &out
	}
	return r, nil
}

func num(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}
