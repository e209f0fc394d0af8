package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event represents a single domain event in an aggregate's stream.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	// Sequence is the zero-based position of the event in its aggregate's
	// stream.
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Equal reports whether e and o describe the same event.
func (e Event) Equal(o Event) bool {
	return e.ID == o.ID &&
		e.AggregateType == o.AggregateType &&
		e.AggregateID == o.AggregateID &&
		e.Sequence == o.Sequence &&
		e.Type == o.Type &&
		string(e.Data) == string(o.Data) &&
		e.CreatedAt.Equal(o.CreatedAt)
}
