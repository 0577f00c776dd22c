package poller

import (
	"sync"

	"github.com/coachpo/paywatch/internal/domain/payment"
)

// Callback receives the persisted snapshot that triggered it.
type Callback func(payment.Snapshot)

// hooks holds terminal callbacks keyed by status.
type hooks struct {
	mu        sync.RWMutex
	listeners map[payment.Status][]Callback
}

func (h *hooks) add(status payment.Status, fn Callback) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners == nil {
		h.listeners = make(map[payment.Status][]Callback)
	}
	h.listeners[status] = append(h.listeners[status], fn)
}

func (h *hooks) fire(snap payment.Snapshot) {
	h.mu.RLock()
	listeners := append([]Callback(nil), h.listeners[snap.Status]...)
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

type subscribers struct {
	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]Callback
}

func (s *subscribers) add(sessionID string, fn Callback) func() {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[string]map[uint64]Callback)
	}
	s.next++
	id := s.next
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[uint64]Callback)
	}
	s.subs[sessionID][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[sessionID], id)
			if len(s.subs[sessionID]) == 0 {
				delete(s.subs, sessionID)
			}
		})
	}
}

func (s *subscribers) notify(snap payment.Snapshot) {
	s.mu.RLock()
	fns := make([]Callback, 0, len(s.subs[snap.SessionID])+len(s.subs[""]))
	for _, fn := range s.subs[snap.SessionID] {
		fns = append(fns, fn)
	}
	for _, fn := range s.subs[""] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}
