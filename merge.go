package roomchat

import (
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultHeuristicWindow is the largest createdAt distance at which a
// confirmed message without correlation metadata is taken to be the same
// logical message as a provisional one with identical content and author.
const DefaultHeuristicWindow = 5 * time.Second

// Match kinds reported to metrics.
const (
	matchID          = "id"
	matchClientMsgID = "client_msg_id"
	matchHeuristic   = "heuristic"
)

// MergeInput is one render cycle's worth of timeline sources.
type MergeInput struct {
	History    []Message
	Confirmed  []Message
	Optimistic []Message
	Deleted    *DeletedSet
	ViewerID   string
}

// MergeEngine combines history, broadcast-confirmed and locally owned
// messages into one deduplicated, ordered, privacy-filtered timeline.
// It never mutates its inputs.
type MergeEngine struct {
	cache   *SessionCache
	clock   clockwork.Clock
	window  time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// MergeOption configures a MergeEngine.
type MergeOption func(*MergeEngine)

// WithHeuristicWindow overrides DefaultHeuristicWindow.
func WithHeuristicWindow(d time.Duration) MergeOption {
	return func(e *MergeEngine) { e.window = d }
}

// WithMergeClock sets the clock used to stamp messages missing a timestamp.
func WithMergeClock(c clockwork.Clock) MergeOption {
	return func(e *MergeEngine) { e.clock = c }
}

// WithMergeLogger sets the engine logger.
func WithMergeLogger(l *slog.Logger) MergeOption {
	return func(e *MergeEngine) { e.logger = l }
}

// WithMergeMetrics records correlation counts on m.
func WithMergeMetrics(m *Metrics) MergeOption {
	return func(e *MergeEngine) { e.metrics = m }
}

// NewMergeEngine creates an engine caching its output in cache. cache may be nil.
func NewMergeEngine(cache *SessionCache, opts ...MergeOption) *MergeEngine {
	e := &MergeEngine{
		cache:  cache,
		clock:  clockwork.NewRealClock(),
		window: DefaultHeuristicWindow,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "merge")
	return e
}

// MergeSession runs Merge and caches the result under key.
func (e *MergeEngine) MergeSession(key SessionKey, in MergeInput) []Message {
	out := e.Merge(in)
	if e.cache != nil {
		e.cache.StoreTimeline(key, out)
	}
	return out
}

// merger holds the working state of one merge run.
type merger struct {
	engine  *MergeEngine
	entries map[string]Message
	// byCorrelation maps the client and server ids of provisional entries
	// to the key they are stored under.
	byCorrelation map[string]string
}

// Merge builds the timeline for in. Running it twice on the same input
// yields the same output.
//
// Provisional candidates are inserted first so that every confirmed
// candidate sees the complete provisional set; confirmed candidates that
// carry correlation ids are applied before those that can only be matched
// heuristically, so a deterministic match always wins.
func (e *MergeEngine) Merge(in MergeInput) []Message {
	now := e.clock.Now()
	m := &merger{
		engine:        e,
		entries:       make(map[string]Message),
		byCorrelation: make(map[string]string),
	}

	var provisional, confirmed []Message
	for _, src := range [][]Message{in.History, in.Confirmed, in.Optimistic} {
		for _, msg := range src {
			if msg.ID == "" {
				continue
			}
			if !msg.VisibleTo(in.ViewerID) {
				continue
			}
			if t, ok := in.Deleted.Lookup(&msg); ok {
				msg.IsDeleted = true
				if msg.DeletedBy == "" {
					msg.DeletedBy = t.By
				}
				if msg.DeletedAt == nil && !t.At.IsZero() {
					at := t.At
					msg.DeletedAt = &at
				}
			}
			if msg.Provisional() {
				provisional = append(provisional, msg)
			} else {
				confirmed = append(confirmed, msg)
			}
		}
	}

	for _, msg := range provisional {
		m.insertProvisional(msg)
	}

	var deferred []Message
	for _, msg := range confirmed {
		if !m.insertConfirmed(msg) {
			deferred = append(deferred, msg)
		}
	}
	for _, msg := range deferred {
		m.insertHeuristic(msg)
	}

	out := make([]Message, 0, len(m.entries))
	for _, msg := range m.entries {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *merger) insertProvisional(msg Message) {
	if existing, ok := m.entries[msg.ID]; ok && !newerOrEqual(msg, existing) {
		return
	}
	m.entries[msg.ID] = msg
	for _, id := range []string{msg.ClientMsgID, msg.ServerID} {
		if id != "" && id != msg.ID {
			m.byCorrelation[id] = msg.ID
		}
	}
}

// insertConfirmed applies the exact-id and correlation-id rules. It returns
// false when msg has no correlation metadata and found no exact match, in
// which case the caller retries it heuristically.
func (m *merger) insertConfirmed(msg Message) bool {
	if existing, ok := m.entries[msg.ID]; ok {
		switch {
		case existing.Provisional():
			m.entries[msg.ID] = msg
			m.engine.metrics.matched(matchID)
		case newerOrEqual(msg, existing):
			m.entries[msg.ID] = msg
		}
		return true
	}

	if key, ok := m.byCorrelation[msg.ID]; ok {
		if m.replace(key, msg) {
			m.engine.metrics.matched(matchClientMsgID)
			return true
		}
	}

	if msg.ClientMsgID == "" {
		return false
	}
	if key, ok := m.correlated(msg.ClientMsgID); ok && m.replace(key, msg) {
		m.engine.metrics.matched(matchClientMsgID)
		return true
	}
	m.entries[msg.ID] = msg
	return true
}

func (m *merger) insertHeuristic(msg Message) {
	if existing, ok := m.entries[msg.ID]; ok {
		if existing.Provisional() || newerOrEqual(msg, existing) {
			m.entries[msg.ID] = msg
		}
		return
	}

	var (
		bestKey  string
		bestDist time.Duration = -1
	)
	for key, existing := range m.entries {
		if !existing.Provisional() {
			continue
		}
		if existing.Content != msg.Content || existing.Author.ID != msg.Author.ID {
			continue
		}
		dist := absDuration(existing.CreatedAt.Sub(msg.CreatedAt))
		if dist > m.engine.window {
			continue
		}
		// closest wins; ties resolve by key so the result is stable
		if bestDist < 0 || dist < bestDist || (dist == bestDist && key < bestKey) {
			bestKey, bestDist = key, dist
		}
	}
	if bestDist >= 0 && m.replace(bestKey, msg) {
		m.engine.metrics.matched(matchHeuristic)
		m.engine.logger.Debug("heuristic match",
			"provisional_id", bestKey, "confirmed_id", msg.ID, "distance", bestDist)
		return
	}
	m.entries[msg.ID] = msg
}

// correlated finds the provisional entry known under id.
func (m *merger) correlated(id string) (string, bool) {
	if existing, ok := m.entries[id]; ok && existing.Provisional() {
		return id, true
	}
	key, ok := m.byCorrelation[id]
	return key, ok
}

// replace swaps the provisional entry under key for msg.
func (m *merger) replace(key string, msg Message) bool {
	existing, ok := m.entries[key]
	if !ok || !existing.Provisional() {
		return false
	}
	delete(m.entries, key)
	for _, id := range []string{existing.ID, existing.ClientMsgID, existing.ServerID} {
		if m.byCorrelation[id] == key {
			delete(m.byCorrelation, id)
		}
	}
	if msg.ClientMsgID == "" {
		msg.ClientMsgID = existing.ClientMsgID
	}
	if current, ok := m.entries[msg.ID]; ok && !current.Provisional() && !newerOrEqual(msg, current) {
		return true
	}
	m.entries[msg.ID] = msg
	return true
}

// newerOrEqual reports whether a should replace b when both are the same kind.
func newerOrEqual(a, b Message) bool {
	return !a.CreatedAt.Before(b.CreatedAt)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
