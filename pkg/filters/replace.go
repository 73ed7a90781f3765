package filters

import (
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// Replacer callbacks return the events that take the place of the matched
// one. Returning nil drops it.
type (
	MessageReplacer      func(s *pipeline.Stage, msg *event.Message) ([]event.Event, error)
	MessageStartReplacer func(s *pipeline.Stage, ms *event.MessageStart) ([]event.Event, error)
	MessageEndReplacer   func(s *pipeline.Stage, me *event.MessageEnd) ([]event.Event, error)
	DataReplacer         func(s *pipeline.Stage, d *event.Data) ([]event.Event, error)
	StreamEndReplacer    func(s *pipeline.Stage, end *event.StreamEnd) ([]event.Event, error)
)

// ReplaceWith returns a replacer yielding a copy of msg regardless of input.
func ReplaceWith(msg *event.Message) MessageReplacer {
	return func(*pipeline.Stage, *event.Message) ([]event.Event, error) {
		evts := msg.Events()
		for i, e := range evts {
			evts[i] = event.Clone(e)
		}
		return evts, nil
	}
}

func outputAll(s *pipeline.Stage, evts []event.Event) error {
	for _, e := range evts {
		if err := s.Output(e); err != nil {
			return err
		}
	}
	return nil
}

func replaceSpec[E event.Event](kind string, fn func(*pipeline.Stage, E) ([]event.Event, error)) pipeline.Spec {
	return pipeline.Spec{
		Kind:   kind,
		Input:  event.DisciplineAny,
		Output: event.DisciplineAny,
		New: func() pipeline.Filter {
			return pipeline.FilterFunc(func(s *pipeline.Stage, evt event.Event) error {
				e, ok := evt.(E)
				if !ok {
					return s.Output(evt)
				}
				out, err := fn(s, e)
				if err != nil {
					return err
				}
				return outputAll(s, out)
			})
		},
	}
}

// ReplaceMessageStart substitutes every MessageStart.
func ReplaceMessageStart(fn MessageStartReplacer) pipeline.Spec {
	return replaceSpec[*event.MessageStart]("replaceMessageStart", fn)
}

// ReplaceMessageEnd substitutes every MessageEnd.
func ReplaceMessageEnd(fn MessageEndReplacer) pipeline.Spec {
	return replaceSpec[*event.MessageEnd]("replaceMessageEnd", fn)
}

// ReplaceData substitutes every Data chunk.
func ReplaceData(fn DataReplacer) pipeline.Spec {
	return replaceSpec[*event.Data]("replaceData", fn)
}

// ReplaceStreamEnd substitutes the StreamEnd. Output that does not end in a
// StreamEnd leaves the stream open.
func ReplaceStreamEnd(fn StreamEndReplacer) pipeline.Spec {
	return replaceSpec[*event.StreamEnd]("replaceStreamEnd", fn)
}

// ReplaceMessage substitutes every whole message. Events outside messages
// pass through. A positive limit caps the body handed to fn.
func ReplaceMessage(limit int, fn MessageReplacer) pipeline.Spec {
	return pipeline.Spec{
		Kind:   "replaceMessage",
		Input:  event.DisciplineMessage,
		Output: event.DisciplineAny,
		New: func() pipeline.Filter {
			return &messageReplacer{limit: limit, fn: fn}
		},
	}
}

type messageReplacer struct {
	limit int
	fn    MessageReplacer
	asm   *event.Assembler
	stage *pipeline.Stage
	err   error
}

func (f *messageReplacer) Process(s *pipeline.Stage, evt event.Event) error {
	f.stage = s
	if f.asm == nil {
		f.asm = event.NewAssembler(f.limit, f.replace, f.pass)
	}
	f.asm.Feed(evt)
	err := f.err
	f.err = nil
	return err
}

func (f *messageReplacer) replace(msg *event.Message) {
	out, err := f.fn(f.stage, msg)
	if err != nil {
		f.err = err
		return
	}
	f.err = outputAll(f.stage, out)
}

func (f *messageReplacer) pass(evt event.Event) {
	f.err = f.stage.Output(evt)
}
