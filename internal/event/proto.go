package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the protobuf event envelope:
//
//	message Event {
//	  bytes  id             = 1;
//	  string aggregate_type = 2;
//	  string aggregate_id   = 3;
//	  int64  sequence       = 4;
//	  string type           = 5;
//	  bytes  data           = 6;
//	  sint64 created_sec    = 7;
//	  int32  created_nanos  = 8;
//	}
const (
	fieldID protowire.Number = iota + 1
	fieldAggregateType
	fieldAggregateID
	fieldSequence
	fieldType
	fieldData
	fieldCreatedSec
	fieldCreatedNanos
)

var errTruncated = errors.New("truncated event payload")

// ProtoCodec encodes events in protobuf wire format without generated
// message types.
type ProtoCodec struct{}

func (ProtoCodec) Marshal(e Event) ([]byte, error) {
	if e.Sequence < 0 {
		return nil, fmt.Errorf("marshaling event: negative sequence %d", e.Sequence)
	}

	var b []byte
	if e.ID != uuid.Nil {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendBytes(b, e.ID[:])
	}
	b = appendString(b, fieldAggregateType, e.AggregateType)
	b = appendString(b, fieldAggregateID, e.AggregateID)
	if e.Sequence != 0 {
		b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Sequence))
	}
	b = appendString(b, fieldType, e.Type)
	if len(e.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	if !e.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedSec, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.CreatedAt.Unix()))
		b = protowire.AppendTag(b, fieldCreatedNanos, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.CreatedAt.Nanosecond()))
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func (ProtoCodec) Unmarshal(data []byte) (Event, error) {
	var (
		e          Event
		sec, nanos int64
		hasTime    bool
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Event{}, fmt.Errorf("unmarshaling event: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && num <= fieldData && num != fieldSequence:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Event{}, fmt.Errorf("unmarshaling event field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
			if err := e.setBytes(num, v); err != nil {
				return Event{}, err
			}
		case typ == protowire.VarintType && (num == fieldSequence || num == fieldCreatedSec || num == fieldCreatedNanos):
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, fmt.Errorf("unmarshaling event field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case fieldSequence:
				e.Sequence = int64(v)
			case fieldCreatedSec:
				sec, hasTime = protowire.DecodeZigZag(v), true
			case fieldCreatedNanos:
				nanos, hasTime = int64(v), true
			}
		default:
			// Unknown field: skip it.
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return Event{}, fmt.Errorf("unmarshaling event: %w", errTruncated)
			}
			data = data[m:]
		}
	}
	if hasTime {
		e.CreatedAt = time.Unix(sec, nanos).UTC()
	}
	return e, nil
}

func (e *Event) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fieldID:
		id, err := uuid.FromBytes(v)
		if err != nil {
			return fmt.Errorf("unmarshaling event id: %w", err)
		}
		e.ID = id
	case fieldAggregateType:
		e.AggregateType = string(v)
	case fieldAggregateID:
		e.AggregateID = string(v)
	case fieldType:
		e.Type = string(v)
	case fieldData:
		e.Data = json.RawMessage(append([]byte(nil), v...))
	}
	return nil
}
