package event

import (
	"encoding/json"
	"fmt"
)

// Codec converts events to and from the opaque payloads kept in the store.
type Codec interface {
	Marshal(e Event) ([]byte, error)
	Unmarshal(data []byte) (Event, error)
}

// Codec names accepted by NewCodec.
const (
	CodecJSON  = "json"
	CodecProto = "proto"
)

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case CodecJSON, "":
		return JSONCodec{}, nil
	case CodecProto:
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec encodes events as JSON documents.
type JSONCodec struct{}

func (JSONCodec) Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshaling event: %w", err)
	}
	return e, nil
}
