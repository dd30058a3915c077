package events

import "sync"

// ChannelSink is a named-event counter modeled directly on the
// teacher's chunks.statKeeper (chunks/stat_keeper_test.go): one
// goroutine per tracked Kind, fed over a channel, summed on Stop.
// Useful for tests and for cheap in-process metrics without pulling
// in a metrics framework (spec.md §9's logging-framework-agnostic
// stance applies equally to metrics).
type ChannelSink struct {
	mu      sync.Mutex
	chans   map[Kind]chan int64
	totals  map[Kind]int64
	wg      sync.WaitGroup
	stopped bool
}

// NewChannelSink creates a sink tracking the given kinds. Emitting a
// Kind not passed here is a no-op (counted nowhere) rather than a
// panic, since callers may wire a ChannelSink that only cares about a
// subset of events.
func NewChannelSink(kinds ...Kind) *ChannelSink {
	s := &ChannelSink{
		chans:  make(map[Kind]chan int64, len(kinds)),
		totals: make(map[Kind]int64, len(kinds)),
	}
	for _, k := range kinds {
		ch := make(chan int64, 64)
		s.chans[k] = ch
		s.wg.Add(1)
		go func(k Kind, ch chan int64) {
			defer s.wg.Done()
			for delta := range ch {
				s.mu.Lock()
				s.totals[k] += delta
				s.mu.Unlock()
			}
		}(k, ch)
	}
	return s
}

// Emit increments the counter for e.Kind by 1 (or by e.Fields["n"] if
// present), ignoring Kinds this sink wasn't constructed to track.
func (s *ChannelSink) Emit(e Event) {
	ch, ok := s.chans[e.Kind]
	if !ok {
		return
	}
	delta := int64(1)
	if n, ok := e.Fields["n"].(int64); ok {
		delta = n
	}
	ch <- delta
}

// Get returns the current total for k. Only safe to call after Stop,
// matching the teacher's own Has/Get discipline.
func (s *ChannelSink) Get(k Kind) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[k]
}

// Stop closes every counter channel and waits for its goroutine to
// drain.
func (s *ChannelSink) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	for _, ch := range s.chans {
		close(ch)
	}
	s.wg.Wait()
}
