package pipeline

import "sync"

// Strand is a serial task queue. Tasks posted to a strand run one at a time in
// posting order. There is no dedicated goroutine: a Post into an idle strand
// drains the queue on the posting goroutine, while a Post into a busy strand
// only enqueues. Post never waits for another strand, so strands that post
// into each other cannot deadlock.
type Strand struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	idle    *sync.Cond
}

// NewStrand creates an idle strand.
func NewStrand() *Strand {
	s := &Strand{}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Post schedules fn on the strand.
func (s *Strand) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.drain()
}

func (s *Strand) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// Busy reports whether a goroutine is currently draining the strand.
func (s *Strand) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until the strand has no queued or running task. It must not be
// called from a task running on the same strand.
func (s *Strand) Wait() {
	s.mu.Lock()
	for s.running || len(s.queue) > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}
