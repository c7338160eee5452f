package roomchat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ============================================================================
// SSE framing
// ============================================================================

// ReadStreamEvents parses newline-delimited `data: <json>` frames from r and
// calls fn for each event. `[DONE]` and blank payloads are ignored and
// malformed frames are dropped, so one bad frame never ends the stream.
func ReadStreamEvents(r io.Reader, fn func(StreamEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue // comments, event names, keep-alives
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Type == "" {
			slog.Default().Debug("dropping malformed stream frame", "component", "stream", "frame", payload)
			continue
		}
		fn(ev)
	}
	return scanner.Err()
}

// StreamSource starts an AI response and delivers its events to fn until the
// stream ends.
type StreamSource interface {
	StreamAIMessage(ctx context.Context, req *AIRequest, fn func(StreamEvent)) error
}

// ============================================================================
// Reconciler
// ============================================================================

// StreamPhase is the lifecycle phase of the in-flight public AI response.
type StreamPhase string

const (
	PhaseIdle          StreamPhase = "idle"
	PhaseAwaitingStart StreamPhase = "awaiting-start"
	PhaseStreaming     StreamPhase = "streaming"
	PhaseFinalizing    StreamPhase = "finalizing"
	PhaseAwaitingEcho  StreamPhase = "awaiting-broadcast-echo"
	PhaseDone          StreamPhase = "done"
)

// StreamOptions configures a StreamReconciler.
type StreamOptions struct {
	RoomID string
	// User is the viewer requesting responses.
	User Author
	// AIAuthor is shown on the placeholder until the server names the author.
	AIAuthor Author
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *Metrics
}

func (o *StreamOptions) defaults() {
	if o.AIAuthor.ID == "" {
		o.AIAuthor = Author{ID: "ai-assistant", DisplayName: "Assistant"}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type activeStream struct {
	id      string
	private bool
	phase   StreamPhase
	cancel  context.CancelFunc
}

// StreamReconciler owns the timeline entry of the AI response this client
// requested, plus entries for AI responses other participants are streaming.
type StreamReconciler struct {
	opts   StreamOptions
	store  *OptimisticStore
	logger *slog.Logger

	mu     sync.Mutex
	active *activeStream
	// remote tracks peers' public streams rendered from realtime events.
	remote map[string]bool
}

// NewStreamReconciler creates a reconciler writing into store.
func NewStreamReconciler(store *OptimisticStore, opts StreamOptions) *StreamReconciler {
	opts.defaults()
	return &StreamReconciler{
		opts:   opts,
		store:  store,
		logger: opts.Logger.With("component", "stream", "room", opts.RoomID),
		remote: make(map[string]bool),
	}
}

// Phase returns the phase of the local stream.
func (r *StreamReconciler) Phase() StreamPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return PhaseIdle
	}
	return r.active.phase
}

// ActiveID returns the current id of the local stream's entry.
func (r *StreamReconciler) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.id
}

// Begin shows a thinking placeholder under a local id and returns that id.
func (r *StreamReconciler) Begin(private bool) (string, error) {
	r.mu.Lock()
	if r.active != nil && r.active.phase != PhaseAwaitingEcho && r.active.phase != PhaseDone {
		r.mu.Unlock()
		return "", ErrStreamInFlight
	}
	id := uuid.NewString()
	r.active = &activeStream{id: id, private: private, phase: PhaseAwaitingStart}
	r.mu.Unlock()

	msg := Message{
		ID:          id,
		ClientMsgID: id,
		RoomID:      r.opts.RoomID,
		Author:      r.opts.AIAuthor,
		CreatedAt:   r.opts.Clock.Now(),
		IsAI:        true,
		IsPrivate:   private,
		State:       DeliveryStreaming,
	}
	if private {
		msg.RequesterID = r.opts.User.ID
	}
	r.store.Add(msg)
	return id, nil
}

// Run begins a response, streams it from src and reconciles every event.
// Cancelling ctx aborts the stream and removes the placeholder.
func (r *StreamReconciler) Run(ctx context.Context, src StreamSource, prompt string, private bool) error {
	req := &AIRequest{
		RoomID:    r.opts.RoomID,
		UserID:    r.opts.User.ID,
		Prompt:    prompt,
		IsPrivate: private,
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	id, err := r.Begin(private)
	if err != nil {
		return err
	}
	req.ClientMsgID = id

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.active.cancel = cancel
	r.mu.Unlock()

	err = src.StreamAIMessage(ctx, req, r.Handle)
	switch {
	case ctx.Err() != nil:
		r.Abort()
		return ctx.Err()
	case err != nil:
		r.Handle(StreamEvent{Type: StreamError, Message: err.Error()})
		return err
	}
	// a stream that ended without complete or error leaves no ghost
	if phase := r.Phase(); phase == PhaseAwaitingStart || phase == PhaseStreaming {
		r.Handle(StreamEvent{Type: StreamError, Message: "response ended unexpectedly"})
		return errors.New("stream ended before completion")
	}
	return nil
}

// Handle applies one event of the local stream.
func (r *StreamReconciler) Handle(ev StreamEvent) {
	r.mu.Lock()
	a := r.active
	if a == nil || a.phase == PhaseDone || a.phase == PhaseAwaitingEcho {
		r.mu.Unlock()
		r.logger.Debug("stream event without active stream", "type", ev.Type)
		return
	}
	switch ev.Type {
	case StreamStart:
		oldID := a.id
		if ev.MessageID != "" && ev.MessageID != oldID {
			a.id = ev.MessageID
		}
		a.phase = PhaseStreaming
		r.mu.Unlock()
		if a.id != oldID {
			if err := r.store.Rename(oldID, a.id); err != nil {
				r.logger.Warn("stream id migration failed", "from", oldID, "to", a.id, "error", err)
			}
		}
		_ = r.store.Update(a.id, func(m *Message) error {
			if ev.Author != nil && ev.Author.ID != "" {
				m.Author = *ev.Author
			}
			return nil
		})

	case StreamContent:
		if a.phase == PhaseAwaitingStart {
			a.phase = PhaseStreaming
		}
		id := a.id
		r.mu.Unlock()
		_ = r.store.Update(id, func(m *Message) error {
			m.Content = ev.FullContent
			return nil
		})

	case StreamComplete:
		a.phase = PhaseFinalizing
		id := a.id
		private := a.private
		if private {
			a.phase = PhaseDone
		} else {
			a.phase = PhaseAwaitingEcho
		}
		r.mu.Unlock()
		next := DeliveryOptimistic
		if private {
			next = DeliveryConfirmed
		}
		_ = r.store.Update(id, func(m *Message) error {
			if ev.FullContent != "" {
				m.Content = ev.FullContent
			}
			if !ev.CreatedAt.IsZero() {
				m.CreatedAt = ev.CreatedAt
			}
			return m.Transition(next)
		})
		r.logger.Debug("stream complete", "id", id, "private", private)

	case StreamError:
		id := a.id
		r.active = nil
		r.mu.Unlock()
		r.fail(id, ev.Message)

	default:
		r.mu.Unlock()
	}
}

// fail removes the placeholder first, then shows a local error entry.
func (r *StreamReconciler) fail(id, reason string) {
	r.store.Remove(id)
	r.opts.Metrics.streamError()
	if reason == "" {
		reason = "the assistant could not answer"
	}
	r.logger.Warn("stream failed", "id", id, "reason", reason)
	errID := "error-" + uuid.NewString()
	r.store.Add(Message{
		ID:          errID,
		ClientMsgID: errID,
		RoomID:      r.opts.RoomID,
		Content:     reason,
		Author:      r.opts.AIAuthor,
		CreatedAt:   r.opts.Clock.Now(),
		IsAI:        true,
		IsPrivate:   true,
		RequesterID: r.opts.User.ID,
		IsError:     true,
		State:       DeliveryConfirmed,
	})
}

// Abort drops an in-flight local stream, e.g. when the view goes away.
func (r *StreamReconciler) Abort() {
	r.mu.Lock()
	a := r.active
	if a == nil || a.phase == PhaseAwaitingEcho || a.phase == PhaseDone {
		r.mu.Unlock()
		return
	}
	r.active = nil
	r.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	r.store.Remove(a.id)
}

// HandleEcho is called for every broadcast-confirmed message. An echo of a
// completed public stream removes the local copy so both participants
// render the server's bytes. It reports whether msg superseded a stream.
func (r *StreamReconciler) HandleEcho(msg Message) bool {
	r.mu.Lock()
	superseded := false
	if r.active != nil && r.active.id == msg.ID && !r.active.private {
		r.active = nil
		superseded = true
	}
	if r.remote[msg.ID] {
		delete(r.remote, msg.ID)
		superseded = true
	}
	r.mu.Unlock()
	if superseded {
		r.store.Remove(msg.ID)
	}
	return superseded
}

// HandleUnsent drops a stream whose message was unsent mid-flight.
func (r *StreamReconciler) HandleUnsent(id string) {
	r.mu.Lock()
	var cancel context.CancelFunc
	found := false
	if r.active != nil && r.active.id == id {
		cancel = r.active.cancel
		r.active = nil
		found = true
	}
	if r.remote[id] {
		delete(r.remote, id)
		found = true
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if found {
		r.store.Remove(id)
	}
}

// HandleRemote renders a public AI stream requested by another participant
// from realtime events. The local stream's own events are ignored here.
func (r *StreamReconciler) HandleRemote(ev StreamEvent) {
	if ev.MessageID == "" {
		return
	}
	r.mu.Lock()
	if r.active != nil && r.active.id == ev.MessageID {
		r.mu.Unlock()
		return
	}
	if ev.RequesterID != "" && ev.RequesterID == r.opts.User.ID {
		r.mu.Unlock()
		return
	}
	known := r.remote[ev.MessageID]
	if ev.Type == StreamStart || ev.Type == StreamContent {
		r.remote[ev.MessageID] = true
	}
	r.mu.Unlock()

	switch ev.Type {
	case StreamStart, StreamContent:
		if !known {
			author := r.opts.AIAuthor
			if ev.Author != nil && ev.Author.ID != "" {
				author = *ev.Author
			}
			created := ev.CreatedAt
			if created.IsZero() {
				created = r.opts.Clock.Now()
			}
			r.store.Add(Message{
				ID:          ev.MessageID,
				RoomID:      r.opts.RoomID,
				Content:     ev.FullContent,
				Author:      author,
				CreatedAt:   created,
				IsAI:        true,
				IsPrivate:   ev.IsPrivate,
				RequesterID: ev.RequesterID,
				State:       DeliveryStreaming,
			})
			return
		}
		_ = r.store.Update(ev.MessageID, func(m *Message) error {
			if ev.Type == StreamContent {
				m.Content = ev.FullContent
			}
			return nil
		})
	case StreamComplete:
		if !known {
			return
		}
		_ = r.store.Update(ev.MessageID, func(m *Message) error {
			if ev.FullContent != "" {
				m.Content = ev.FullContent
			}
			return m.Transition(DeliveryOptimistic)
		})
	case StreamError:
		r.mu.Lock()
		delete(r.remote, ev.MessageID)
		r.mu.Unlock()
		r.store.Remove(ev.MessageID)
	}
}

// ============================================================================
// Drafts
// ============================================================================

// DraftStream accumulates a private, draft-only AI generation (for example a
// suggested reply). It never touches the shared timeline and runs
// independently of the public stream.
type DraftStream struct {
	mu      sync.Mutex
	id      string
	content string
	done    bool
	err     error
}

// Handle applies one event.
func (d *DraftStream) Handle(ev StreamEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	switch ev.Type {
	case StreamStart:
		d.id = ev.MessageID
	case StreamContent:
		d.content = ev.FullContent
	case StreamComplete:
		if ev.FullContent != "" {
			d.content = ev.FullContent
		}
		d.done = true
	case StreamError:
		d.err = fmt.Errorf("draft generation failed: %s", ev.Message)
		d.done = true
	}
}

// Content returns the text generated so far.
func (d *DraftStream) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

// Result returns the final text, or the error the stream ended with.
func (d *DraftStream) Result() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content, d.err
}

// RunDraft streams a draft-only generation from src and returns its text.
func RunDraft(ctx context.Context, src StreamSource, req *AIRequest) (string, error) {
	req.IsPrivate = true
	req.DraftOnly = true
	if err := validateRequest(req); err != nil {
		return "", err
	}
	d := &DraftStream{}
	if err := src.StreamAIMessage(ctx, req, d.Handle); err != nil {
		return d.Content(), err
	}
	return d.Result()
}
