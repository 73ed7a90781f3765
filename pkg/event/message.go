package event

import "bytes"

// Message is a whole message assembled from a MessageStart, its body chunks
// and a MessageEnd.
type Message struct {
	Head map[string]any
	Body []byte
	Tail map[string]any
}

// NewMessage builds a message with a head and a string body.
func NewMessage(head map[string]any, body string) *Message {
	return &Message{Head: head, Body: []byte(body)}
}

// Events flattens the message into its event sequence.
func (m *Message) Events() []Event {
	evts := []Event{&MessageStart{Head: m.Head}}
	if len(m.Body) > 0 {
		evts = append(evts, &Data{Bytes: m.Body})
	}
	return append(evts, &MessageEnd{Tail: m.Tail})
}

// Assembler folds a Message stream back into whole messages. Events outside
// a message are handed to the pass callback unchanged.
type Assembler struct {
	head   map[string]any
	body   bytes.Buffer
	open   bool
	limit  int
	onMsg  func(*Message)
	onPass func(Event)
}

// NewAssembler creates an assembler. A positive limit caps the buffered body
// size; bytes past the limit are dropped.
func NewAssembler(limit int, onMsg func(*Message), onPass func(Event)) *Assembler {
	return &Assembler{limit: limit, onMsg: onMsg, onPass: onPass}
}

// InMessage reports whether a MessageStart has been seen without its end.
func (a *Assembler) InMessage() bool { return a.open }

// Feed consumes one event.
func (a *Assembler) Feed(evt Event) {
	switch e := evt.(type) {
	case *MessageStart:
		a.open = true
		a.head = e.Head
		a.body.Reset()
	case *Data:
		if !a.open {
			a.pass(evt)
			return
		}
		b := e.Bytes
		if a.limit > 0 {
			if room := a.limit - a.body.Len(); room < len(b) {
				if room <= 0 {
					return
				}
				b = b[:room]
			}
		}
		a.body.Write(b)
	case *MessageEnd:
		if !a.open {
			a.pass(evt)
			return
		}
		a.open = false
		msg := &Message{Head: a.head, Body: bytes.Clone(a.body.Bytes()), Tail: e.Tail}
		a.head = nil
		a.body.Reset()
		if a.onMsg != nil {
			a.onMsg(msg)
		}
	default:
		a.pass(evt)
	}
}

func (a *Assembler) pass(evt Event) {
	if a.onPass != nil {
		a.onPass(evt)
	}
}
