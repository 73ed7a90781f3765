package filters

import (
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// Handler callbacks observe an event and may read or write session
// variables. Events always pass through unchanged; a returned error aborts
// processing of the current event.
type (
	SessionHandler      func(s *pipeline.Stage) error
	StreamStartHandler  func(s *pipeline.Stage, evt event.Event) error
	MessageStartHandler func(s *pipeline.Stage, ms *event.MessageStart) error
	MessageEndHandler   func(s *pipeline.Stage, me *event.MessageEnd) error
	MessageHandler      func(s *pipeline.Stage, msg *event.Message) error
	DataHandler         func(s *pipeline.Stage, d *event.Data) error
	StreamEndHandler    func(s *pipeline.Stage, end *event.StreamEnd) error
)

func handlerSpec(kind string, newFilter func() pipeline.Filter) pipeline.Spec {
	return pipeline.Spec{
		Kind:   kind,
		Input:  event.DisciplineAny,
		Output: event.DisciplineAny,
		New:    newFilter,
	}
}

// HandleSessionStart calls fn once, before the first event passes.
func HandleSessionStart(fn SessionHandler) pipeline.Spec {
	return handlerSpec("handleSessionStart", func() pipeline.Filter {
		started := false
		return pipeline.FilterFunc(func(s *pipeline.Stage, evt event.Event) error {
			if !started {
				started = true
				if err := fn(s); err != nil {
					return err
				}
			}
			return s.Output(evt)
		})
	})
}

// HandleSessionEnd calls fn when the session context ends. The callback is
// registered when the first event passes.
func HandleSessionEnd(fn SessionHandler) pipeline.Spec {
	return handlerSpec("handleSessionEnd", func() pipeline.Filter {
		registered := false
		return pipeline.FilterFunc(func(s *pipeline.Stage, evt event.Event) error {
			if !registered {
				registered = true
				s.Context().OnEnd(func() {
					if err := fn(s); err != nil {
						s.Logger().Warn("session end handler failed", "error", err)
					}
				})
			}
			return s.Output(evt)
		})
	})
}

// HandleStreamStart calls fn with the first event of the stream.
func HandleStreamStart(fn StreamStartHandler) pipeline.Spec {
	return handlerSpec("handleStreamStart", func() pipeline.Filter {
		started := false
		return pipeline.FilterFunc(func(s *pipeline.Stage, evt event.Event) error {
			if !started {
				started = true
				if err := fn(s, evt); err != nil {
					return err
				}
			}
			return s.Output(evt)
		})
	})
}

// HandleMessageStart calls fn for every MessageStart.
func HandleMessageStart(fn MessageStartHandler) pipeline.Spec {
	return handlerSpec("handleMessageStart", func() pipeline.Filter {
		return pipeline.FilterFunc(func(s *pipeline.Stage, evt event.Event) error {
			if ms, ok := evt.(*event.MessageStart); ok {
				if err := fn(s, ms); err != nil {
					return err
				}
			}
			return s.Output(evt)
		})
	})
}

// HandleMessageEnd calls fn for every MessageEnd.
func HandleMessageEnd(fn MessageEndHandler) pipeline.Spec {
	return handlerSpec("handleMessageEnd", func() pipeline.Filter {
		return pipeline.FilterFunc(func(s *pipeline.Stage, evt event.Event) error {
			if me, ok := evt.(*event.MessageEnd); ok {
				if err := fn(s, me); err != nil {
					return err
				}
			}
			return s.Output(evt)
		})
	})
}

// HandleData calls fn for every Data chunk.
func HandleData(fn DataHandler) pipeline.Spec {
	return handlerSpec("handleData", func() pipeline.Filter {
		return pipeline.FilterFunc(func(s *pipeline.Stage, evt event.Event) error {
			if d, ok := evt.(*event.Data); ok {
				if err := fn(s, d); err != nil {
					return err
				}
			}
			return s.Output(evt)
		})
	})
}

// HandleStreamEnd calls fn with the StreamEnd.
func HandleStreamEnd(fn StreamEndHandler) pipeline.Spec {
	return handlerSpec("handleStreamEnd", func() pipeline.Filter {
		return pipeline.FilterFunc(func(s *pipeline.Stage, evt event.Event) error {
			if end, ok := evt.(*event.StreamEnd); ok {
				if err := fn(s, end); err != nil {
					return err
				}
			}
			return s.Output(evt)
		})
	})
}

// HandleMessage calls fn with every whole message. The message events are
// held until MessageEnd so that fn runs before any of them pass on. A
// positive limit caps the body handed to fn; the events passed on are
// never truncated.
func HandleMessage(limit int, fn MessageHandler) pipeline.Spec {
	return handlerSpec("handleMessage", func() pipeline.Filter {
		return &messageHandler{limit: limit, fn: fn}
	})
}

type messageHandler struct {
	limit int
	fn    MessageHandler
	held  []event.Event
	asm   *event.Assembler
	msg   *event.Message
}

func (f *messageHandler) Process(s *pipeline.Stage, evt event.Event) error {
	if f.asm == nil {
		f.asm = event.NewAssembler(f.limit, func(m *event.Message) { f.msg = m }, nil)
	}
	if event.IsEnd(evt) {
		held := f.held
		f.held = nil
		if err := outputAll(s, held); err != nil {
			return err
		}
		return s.Output(evt)
	}
	f.asm.Feed(evt)
	if f.msg == nil && !f.asm.InMessage() {
		return s.Output(evt)
	}
	f.held = append(f.held, evt)
	if f.msg == nil {
		return nil
	}
	msg, held := f.msg, f.held
	f.msg, f.held = nil, nil
	if err := f.fn(s, msg); err != nil {
		return err
	}
	for _, e := range held {
		if err := s.Output(e); err != nil {
			return err
		}
	}
	return nil
}
