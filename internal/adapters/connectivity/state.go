// Package connectivity provides ConnectivityWatcher implementations: a manual
// switch, a NATS connection monitor and a status-file monitor.
package connectivity

import "sync"

// state tracks the online flag and fans transitions out to subscribers.
// Subscribers are called outside the lock, in subscription order, and only
// when the flag actually changes.
type state struct {
	mu     sync.Mutex
	online bool
	subs   []subscriber
	nextID int
}

type subscriber struct {
	id int
	fn func(bool)
}

// Online reports the current connectivity.
func (s *state) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Subscribe registers fn for transitions and returns a function that removes
// it.
func (s *state) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// set updates the flag and reports whether it changed.
func (s *state) set(online bool) bool {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(online)
	}
	return true
}
