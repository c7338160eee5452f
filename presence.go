package roomchat

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// PresenceOptions configures a PresenceAggregator.
type PresenceOptions struct {
	// ViewerID is listed first by Sorted.
	ViewerID string
	// StaleAfter drops records whose LastSeenAt is older than this.
	StaleAfter time.Duration
	// EmptyDebounce suppresses an empty snapshot arriving this soon after a
	// non-empty one.
	EmptyDebounce time.Duration
	Clock         clockwork.Clock
	Logger        *slog.Logger
}

func (o *PresenceOptions) defaults() {
	if o.StaleAfter == 0 {
		o.StaleAfter = 90 * time.Second
	}
	if o.EmptyDebounce == 0 {
		o.EmptyDebounce = 2500 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// PresenceAggregator turns raw per-connection presence records into the set
// of users currently online.
type PresenceAggregator struct {
	opts   PresenceOptions
	logger *slog.Logger

	mu             sync.RWMutex
	raw            []PresenceRecord
	current        map[string]PresenceRecord
	lastNonEmptyAt time.Time
	listeners      []func(map[string]PresenceRecord)
}

// NewPresenceAggregator creates an aggregator with an empty snapshot.
func NewPresenceAggregator(opts PresenceOptions) *PresenceAggregator {
	opts.defaults()
	return &PresenceAggregator{
		opts:    opts,
		logger:  opts.Logger.With("component", "presence"),
		current: make(map[string]PresenceRecord),
	}
}

// OnChange registers a listener for published snapshots.
func (p *PresenceAggregator) OnChange(fn func(map[string]PresenceRecord)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Update replaces the raw records and recomputes the snapshot. It reports
// whether a new snapshot was published.
func (p *PresenceAggregator) Update(records []PresenceRecord) bool {
	p.mu.Lock()
	p.raw = append([]PresenceRecord(nil), records...)
	p.mu.Unlock()
	return p.Recompute()
}

// Recompute re-evaluates the last raw records against the current time,
// pruning peers that went stale without a leave event.
func (p *PresenceAggregator) Recompute() bool {
	now := p.opts.Clock.Now()

	p.mu.Lock()
	next := aggregatePresence(p.raw, now, p.opts.StaleAfter)
	if len(next) == 0 && !p.lastNonEmptyAt.IsZero() && now.Sub(p.lastNonEmptyAt) < p.opts.EmptyDebounce {
		p.mu.Unlock()
		p.logger.Debug("suppressed empty presence snapshot")
		return false
	}
	if len(next) > 0 {
		p.lastNonEmptyAt = now
	}
	changed := !samePresence(p.current, next)
	p.current = next
	if !changed {
		p.mu.Unlock()
		return false
	}
	listeners := append([]func(map[string]PresenceRecord){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		snapshot := copyPresence(next)
		safeCall(func() { fn(snapshot) })
	}
	return true
}

// Snapshot returns the published userID -> record map.
func (p *PresenceAggregator) Snapshot() map[string]PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyPresence(p.current)
}

// Count returns the number of users online.
func (p *PresenceAggregator) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.current)
}

// Sorted returns the published records with the viewer first and everybody
// else ordered by display name.
func (p *PresenceAggregator) Sorted() []PresenceRecord {
	p.mu.RLock()
	out := make([]PresenceRecord, 0, len(p.current))
	for _, r := range p.current {
		out = append(out, r)
	}
	p.mu.RUnlock()

	viewer := p.opts.ViewerID
	sort.Slice(out, func(i, j int) bool {
		if (out[i].UserID == viewer) != (out[j].UserID == viewer) {
			return out[i].UserID == viewer
		}
		a, b := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if a != b {
			return a < b
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// aggregatePresence keeps the freshest record per user and drops offline or
// stale ones.
func aggregatePresence(records []PresenceRecord, now time.Time, staleAfter time.Duration) map[string]PresenceRecord {
	latest := make(map[string]PresenceRecord)
	for _, r := range records {
		if r.UserID == "" {
			continue
		}
		if prev, ok := latest[r.UserID]; ok && !r.LastSeenAt.After(prev.LastSeenAt) {
			continue
		}
		latest[r.UserID] = r
	}
	for id, r := range latest {
		if !r.Online || now.Sub(r.LastSeenAt) > staleAfter {
			delete(latest, id)
		}
	}
	return latest
}

func samePresence(a, b map[string]PresenceRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for id, ra := range a {
		rb, ok := b[id]
		if !ok || ra.DisplayName != rb.DisplayName || ra.AvatarURL != rb.AvatarURL {
			return false
		}
	}
	return true
}

func copyPresence(in map[string]PresenceRecord) map[string]PresenceRecord {
	out := make(map[string]PresenceRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
