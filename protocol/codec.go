package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrUnknownType = errors.New("unknown event type")
)

// Encode wraps ev in an Envelope stamped with the current time.
func Encode(ev Event) ([]byte, error) {
	return EncodeWithID("", ev)
}

// EncodeWithID is Encode for requests and acks, which carry a correlation id.
func EncodeWithID(id string, ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("trying to encode nil event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return json.Marshal(Envelope{
		Type:      ev.EventType(),
		ID:        id,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Decode parses a frame and its payload. The returned Event is a pointer to one of the
// payload structs in this package, e.g. *JoinRoom.
func Decode(b []byte) (Envelope, Event, error) {
	if len(b) == 0 {
		return Envelope{}, nil, ErrEmptyFrame
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("decode envelope: %w", err)
	}
	newEvent, ok := constructors[env.Type]
	if !ok {
		return env, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	ev := newEvent()
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return env, nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return env, ev, nil
}

// DecodeAs decodes a frame that is expected to hold a T payload.
func DecodeAs[T any](b []byte) (T, error) {
	var out T
	_, ev, err := Decode(b)
	if err != nil {
		return out, err
	}
	p, ok := any(ev).(*T)
	if !ok {
		return out, fmt.Errorf("unexpected payload %T", ev)
	}
	return *p, nil
}
