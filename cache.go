package roomchat

import (
	"sync"
	"time"
)

// SessionKey scopes cached state to one user in one room.
type SessionKey struct {
	RoomID string
	UserID string
}

type sessionEntry struct {
	historyKind HistoryKind
	history     []Message
	hasHistory  bool
	timeline    []Message
}

// SessionCache keeps per-(room, user) history and the last merged timeline so
// a remounted view restores its in-session state without refetching.
// Construct one per process or per login session and share it between rooms.
type SessionCache struct {
	mu       sync.RWMutex
	sessions map[SessionKey]*sessionEntry
}

// NewSessionCache creates an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{sessions: make(map[SessionKey]*sessionEntry)}
}

func (c *SessionCache) entry(key SessionKey) *sessionEntry {
	e, ok := c.sessions[key]
	if !ok {
		e = &sessionEntry{}
		c.sessions[key] = e
	}
	return e
}

// History returns the cached history for key and whether one was stored.
func (c *SessionCache) History(key SessionKey) ([]Message, HistoryKind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.sessions[key]
	if !ok || !e.hasHistory {
		return nil, "", false
	}
	return append([]Message(nil), e.history...), e.historyKind, true
}

// StoreHistory replaces the cached history for key.
func (c *SessionCache) StoreHistory(key SessionKey, kind HistoryKind, msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	e.history = append([]Message(nil), msgs...)
	e.historyKind = kind
	e.hasHistory = true
}

// Timeline returns the last merged timeline cached for key.
func (c *SessionCache) Timeline(key SessionKey) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.sessions[key]
	if !ok {
		return nil
	}
	return append([]Message(nil), e.timeline...)
}

// StoreTimeline replaces the cached timeline for key.
func (c *SessionCache) StoreTimeline(key SessionKey, msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(key).timeline = append([]Message(nil), msgs...)
}

// Evict drops everything cached for key.
func (c *SessionCache) Evict(key SessionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, key)
}

// Purge drops every session.
func (c *SessionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[SessionKey]*sessionEntry)
}

// DeletedSet tracks ids of unsent messages. Unsend events may reference
// either a client-generated id or a server-assigned id; both are recorded.
type DeletedSet struct {
	mu  sync.RWMutex
	ids map[string]Tombstone
}

// Tombstone records who unsent a message and when.
type Tombstone struct {
	By string
	At time.Time
}

// NewDeletedSet creates an empty set.
func NewDeletedSet() *DeletedSet {
	return &DeletedSet{ids: make(map[string]Tombstone)}
}

// Add records id as deleted.
func (d *DeletedSet) Add(id string, t Tombstone) {
	if id == "" {
		return
	}
	d.mu.Lock()
	d.ids[id] = t
	d.mu.Unlock()
}

// Remove forgets id, used when an unsend request is rejected.
func (d *DeletedSet) Remove(id string) {
	d.mu.Lock()
	delete(d.ids, id)
	d.mu.Unlock()
}

// Lookup reports whether any of msg's ids is deleted.
func (d *DeletedSet) Lookup(msg *Message) (Tombstone, bool) {
	if d == nil {
		return Tombstone{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range []string{msg.ID, msg.ClientMsgID, msg.ServerID} {
		if id == "" {
			continue
		}
		if t, ok := d.ids[id]; ok {
			return t, true
		}
	}
	return Tombstone{}, false
}

// Len returns the number of recorded ids.
func (d *DeletedSet) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ids)
}
