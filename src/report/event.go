package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type EventType string

const (
	Sent     EventType = "SENT"
	Received EventType = "RECEIVED"
)

var ErrMalformedEvent = errors.New("malformed event")

// Event is one observed send or receive. Message carries the program's
// decoded rendering of the payload, not the raw bytes.
type Event struct {
	ID        string
	Type      EventType
	FromNode  string
	ToNode    string
	Message   string
	Timestamp int64 // epoch ms
}

func NewEvent(typ EventType, from, to, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		FromNode:  from,
		ToNode:    to,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Marshal encodes the event as a flat JSON object.
func (e Event) Marshal() ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"id":        e.ID,
		"type":      string(e.Type),
		"fromNode":  e.FromNode,
		"toNode":    e.ToNode,
		"message":   e.Message,
		"timestamp": e.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

// ParseEvent accepts any JSON object carrying at least a type and both node
// identities. Unknown keys are ignored.
func ParseEvent(data []byte) (Event, error) {
	var s structpb.Struct
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, &s); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	f := s.GetFields()
	e := Event{
		ID:        f["id"].GetStringValue(),
		Type:      EventType(f["type"].GetStringValue()),
		FromNode:  f["fromNode"].GetStringValue(),
		ToNode:    f["toNode"].GetStringValue(),
		Message:   f["message"].GetStringValue(),
		Timestamp: int64(f["timestamp"].GetNumberValue()),
	}
	if e.Type == "" || e.FromNode == "" || e.ToNode == "" {
		return Event{}, fmt.Errorf("%w: missing type or node", ErrMalformedEvent)
	}
	return e, nil
}
