package handlers

import (
	"context"
	"sync"
)

// streams tracks the response stream of each chat. A chat has at most one: starting a new one
// cancels the previous stream and waits until its goroutine returned, so a message never has two
// writers.
type streams struct {
	mu     sync.Mutex
	active map[string]*activeStream
}

type activeStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newStreams() *streams {
	return &streams{active: make(map[string]*activeStream)}
}

// start registers a new stream for chatID and returns its context plus the func the stream's
// goroutine must call when it returns.
func (s *streams) start(chatID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	cur := &activeStream{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	prev := s.active[chatID]
	s.active[chatID] = cur
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	finish := func() {
		cancel()
		s.mu.Lock()
		if s.active[chatID] == cur {
			delete(s.active, chatID)
		}
		s.mu.Unlock()
		close(cur.done)
	}
	return ctx, finish
}

// cancel stops the stream of chatID, if any, and waits for it. It reports whether there was one.
func (s *streams) cancel(chatID string) bool {
	s.mu.Lock()
	cur := s.active[chatID]
	s.mu.Unlock()

	if cur == nil {
		return false
	}
	cur.cancel()
	<-cur.done
	return true
}

// running reports whether chatID has a stream in flight.
func (s *streams) running(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[chatID]
	return ok
}

// shutdown cancels every stream and waits for all of them.
func (s *streams) shutdown() {
	s.mu.Lock()
	all := make([]*activeStream, 0, len(s.active))
	for _, a := range s.active {
		all = append(all, a)
	}
	s.mu.Unlock()

	for _, a := range all {
		a.cancel()
	}
	for _, a := range all {
		<-a.done
	}
}
