// Package event defines the stream vocabulary shared by every pipeline:
// data chunks, message boundaries and stream ends.
package event

import (
	"fmt"
	"maps"
)

// Kind identifies the variant of an Event.
type Kind int

const (
	// KindData is a chunk of raw bytes.
	KindData Kind = iota + 1
	// KindMessageStart opens a message and carries its head.
	KindMessageStart
	// KindMessageEnd closes a message and carries its tail.
	KindMessageEnd
	// KindStreamEnd terminates a stream.
	KindStreamEnd
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindMessageStart:
		return "MessageStart"
	case KindMessageEnd:
		return "MessageEnd"
	case KindStreamEnd:
		return "StreamEnd"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Discipline is the stream shape a filter consumes or produces.
type Discipline string

const (
	// DisciplineAny accepts or produces either shape.
	DisciplineAny Discipline = "any"
	// DisciplineData is a raw Data stream.
	DisciplineData Discipline = "data"
	// DisciplineMessage is a stream of framed messages.
	DisciplineMessage Discipline = "message"
)

// Event is one element of a stream.
type Event interface {
	Kind() Kind
}

// Data carries a chunk of bytes.
type Data struct {
	Bytes []byte
}

// Kind implements Event.
func (*Data) Kind() Kind { return KindData }

// Size returns the number of bytes carried.
func (d *Data) Size() int { return len(d.Bytes) }

// MessageStart opens a message.
type MessageStart struct {
	Head map[string]any
}

// Kind implements Event.
func (*MessageStart) Kind() Kind { return KindMessageStart }

// MessageEnd closes a message.
type MessageEnd struct {
	Tail map[string]any
}

// Kind implements Event.
func (*MessageEnd) Kind() Kind { return KindMessageEnd }

// Reason explains why a stream ended.
type Reason string

const (
	NoError           Reason = ""
	Unknown           Reason = "unknown"
	Replaced          Reason = "replaced"
	ConnectionRefused Reason = "connection_refused"
	ConnectionTimeout Reason = "connection_timeout"
	ReadError         Reason = "read_error"
	WriteError        Reason = "write_error"
	Unroutable        Reason = "unroutable"
	BufferOverflow    Reason = "buffer_overflow"
	RuntimeError      Reason = "runtime_error"
)

// StreamEnd terminates a stream.
type StreamEnd struct {
	Reason Reason
	Err    error
}

// Kind implements Event.
func (*StreamEnd) Kind() Kind { return KindStreamEnd }

// OK reports whether the stream ended without an error.
func (e *StreamEnd) OK() bool { return e.Reason == NoError && e.Err == nil }

func (e *StreamEnd) Error() string {
	switch {
	case e.Err != nil && e.Reason != NoError:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Reason != NoError:
		return string(e.Reason)
	default:
		return "no error"
	}
}

// Unwrap returns the underlying error.
func (e *StreamEnd) Unwrap() error { return e.Err }

// NewData builds a Data event from a string.
func NewData(s string) *Data { return &Data{Bytes: []byte(s)} }

// End builds a StreamEnd with the given reason.
func End(reason Reason) *StreamEnd { return &StreamEnd{Reason: reason} }

// EndWithError builds a StreamEnd carrying err.
func EndWithError(reason Reason, err error) *StreamEnd {
	return &StreamEnd{Reason: reason, Err: err}
}

// Clone returns a copy of evt that shares no mutable state with the original.
func Clone(evt Event) Event {
	switch e := evt.(type) {
	case *Data:
		return &Data{Bytes: append([]byte(nil), e.Bytes...)}
	case *MessageStart:
		return &MessageStart{Head: maps.Clone(e.Head)}
	case *MessageEnd:
		return &MessageEnd{Tail: maps.Clone(e.Tail)}
	case *StreamEnd:
		c := *e
		return &c
	default:
		return evt
	}
}

// IsEnd reports whether evt is a StreamEnd.
func IsEnd(evt Event) bool {
	return evt != nil && evt.Kind() == KindStreamEnd
}
