package messages

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrMalformedEnvelope is returned when a payload does not decode as a flat
// structured record with the expected field kinds.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Type names the protocol role of an envelope.
type Type string

const (
	TypeNone      Type = ""
	TypeElection  Type = "ELECTION"
	TypeOK        Type = "OK"
	TypeLeader    Type = "LEADER"
	TypeHeartbeat Type = "HEARTBEAT"
	TypeEcho      Type = "ECHO" // reply produced by the echo program, never echoed again
)

// wire keys
const (
	KeyContent        = "content"
	KeySequence       = "sequence"
	KeyTimestamp      = "timestamp"
	KeyType           = "type"
	KeySenderID       = "senderID" // priority carried by ELECTION
	KeySenderId       = "senderId" // priority carried by OK
	KeySenderNid      = "senderNid"
	KeyLeaderId       = "leaderId"
	KeyOriginalSender = "originalSender"
)

// Envelope is the logical content of a message, independent of framing.
// String fields left empty are omitted on the wire.
type Envelope struct {
	Content        string
	Sequence       int64
	Timestamp      int64 // epoch milliseconds
	Type           Type
	SenderID       int64 // election priority of the sender
	SenderNid      string
	LeaderID       string
	OriginalSender string
}

// Stamp returns a copy of e with Timestamp set to now.
func (e Envelope) Stamp(now time.Time) Envelope {
	e.Timestamp = now.UnixMilli()
	return e
}

// Codec turns envelopes into self-describing JSON records and back. Each
// node constructs its own Codec; there is no package-level state.
type Codec struct {
	marshal   protojson.MarshalOptions
	unmarshal protojson.UnmarshalOptions
}

func NewCodec() *Codec {
	return &Codec{
		marshal:   protojson.MarshalOptions{},
		unmarshal: protojson.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (c *Codec) Encode(e Envelope) ([]byte, error) {
	fields := map[string]any{
		KeyContent:   e.Content,
		KeySequence:  e.Sequence,
		KeyTimestamp: e.Timestamp,
	}
	if e.Type != TypeNone {
		fields[KeyType] = string(e.Type)
	}
	switch e.Type {
	case TypeElection:
		fields[KeySenderID] = e.SenderID
	case TypeOK:
		fields[KeySenderId] = e.SenderID
	}
	if e.SenderNid != "" {
		fields[KeySenderNid] = e.SenderNid
	}
	if e.LeaderID != "" {
		fields[KeyLeaderId] = e.LeaderID
	}
	if e.OriginalSender != "" {
		fields[KeyOriginalSender] = e.OriginalSender
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build envelope record: %w", err)
	}
	out, err := c.marshal.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// MustEncode is Encode for envelopes built entirely from known-good values.
func (c *Codec) MustEncode(e Envelope) []byte {
	out, err := c.Encode(e)
	if err != nil {
		panic(err)
	}
	return out
}

func (c *Codec) Decode(payload []byte) (Envelope, error) {
	s := &structpb.Struct{}
	if err := c.unmarshal.Unmarshal(payload, s); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var e Envelope
	var err error
	if e.Content, err = stringField(s, KeyContent); err != nil {
		return Envelope{}, err
	}
	if e.Sequence, err = intField(s, KeySequence); err != nil {
		return Envelope{}, err
	}
	if e.Timestamp, err = intField(s, KeyTimestamp); err != nil {
		return Envelope{}, err
	}
	typ, err := stringField(s, KeyType)
	if err != nil {
		return Envelope{}, err
	}
	e.Type = Type(typ)

	// ELECTION uses senderID, OK uses senderId; accept either spelling.
	key := KeySenderID
	if _, ok := s.GetFields()[key]; !ok {
		key = KeySenderId
	}
	if e.SenderID, err = intField(s, key); err != nil {
		return Envelope{}, err
	}
	if e.SenderNid, err = stringField(s, KeySenderNid); err != nil {
		return Envelope{}, err
	}
	if e.LeaderID, err = stringField(s, KeyLeaderId); err != nil {
		return Envelope{}, err
	}
	if e.OriginalSender, err = stringField(s, KeyOriginalSender); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Render formats a payload for log lines and reports. It never fails: a
// payload that is not a record is shown as a quoted string.
func (c *Codec) Render(payload []byte) string {
	s := &structpb.Struct{}
	if err := c.unmarshal.Unmarshal(payload, s); err != nil {
		return fmt.Sprintf("%q", payload)
	}
	out, err := protojson.MarshalOptions{Multiline: false}.Marshal(s)
	if err != nil {
		return fmt.Sprintf("%q", payload)
	}
	return string(out)
}

func stringField(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NullValue:
		return "", nil
	default:
		return "", fmt.Errorf("%w: field %q is not a string", ErrMalformedEnvelope, key)
	}
}

func intField(s *structpb.Struct, key string) (int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: field %q is not an integer", ErrMalformedEnvelope, key)
		}
		return int64(n), nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: field %q is not a number", ErrMalformedEnvelope, key)
	}
}
