package roomchat

import (
	"sync"
)

// OptimisticStore holds the messages this client owns locally: optimistic
// sends, failed sends, in-flight AI streams and privately confirmed copies.
// It is goroutine-safe and notifies listeners after every mutation.
type OptimisticStore struct {
	mu       sync.RWMutex
	order    []string
	messages map[string]Message
	onChange []func()
}

// NewOptimisticStore creates an empty store.
func NewOptimisticStore() *OptimisticStore {
	return &OptimisticStore{messages: make(map[string]Message)}
}

// OnChange registers a listener invoked after every mutation.
func (s *OptimisticStore) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *OptimisticStore) notify() {
	s.mu.RLock()
	handlers := append([]func(){}, s.onChange...)
	s.mu.RUnlock()
	for _, h := range handlers {
		safeCall(h)
	}
}

// Add inserts msg, replacing any entry with the same id in place.
func (s *OptimisticStore) Add(msg Message) {
	s.mu.Lock()
	if _, ok := s.messages[msg.ID]; !ok {
		s.order = append(s.order, msg.ID)
	}
	s.messages[msg.ID] = msg
	s.mu.Unlock()
	s.notify()
}

// Get returns the entry stored under id.
func (s *OptimisticStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok
}

// Update applies fn to the entry stored under id. fn may return an error to
// abort the update.
func (s *OptimisticStore) Update(id string, fn func(*Message) error) error {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if err := fn(&m); err != nil {
		s.mu.Unlock()
		return err
	}
	m.ID = id
	s.messages[id] = m
	s.mu.Unlock()
	s.notify()
	return nil
}

// Rename moves the entry stored under oldID to newID, keeping its position.
// An entry already stored under newID is overwritten.
func (s *OptimisticStore) Rename(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	s.mu.Lock()
	m, ok := s.messages[oldID]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	delete(s.messages, oldID)
	_, clash := s.messages[newID]
	m.ID = newID
	s.messages[newID] = m
	order := s.order[:0]
	for _, id := range s.order {
		switch {
		case id == oldID:
			order = append(order, newID)
		case id == newID && clash:
			// dropped, the renamed entry takes its place
		default:
			order = append(order, id)
		}
	}
	s.order = order
	s.mu.Unlock()
	s.notify()
	return nil
}

// Remove deletes the entry stored under id. It reports whether one existed.
func (s *OptimisticStore) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.messages[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.messages, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// Snapshot returns a copy of every entry in insertion order.
func (s *OptimisticStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.messages[id])
	}
	return out
}

// Len returns the number of entries.
func (s *OptimisticStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// safeCall runs a user callback, swallowing panics.
func safeCall(fn func()) {
	defer func() { recover() }()
	fn()
}
