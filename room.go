package roomchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Collaborators
// ============================================================================

// HistoryFetcher loads the messages a user missed in a room.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, roomID, userID string) (*HistoryResult, error)
}

// Unsender soft-deletes a message on the server.
type Unsender interface {
	UnsendMessage(ctx context.Context, roomID, messageID, userID string) error
}

// ReceiptMarker acknowledges message delivery.
type ReceiptMarker interface {
	MarkReceived(ctx context.Context, userID, roomID, messageID string) error
}

// Backend is everything a Room needs from the server. *Client implements it.
type Backend interface {
	HistoryFetcher
	Sender
	Unsender
	ReceiptMarker
	StreamSource
	Prober
}

// ============================================================================
// Configuration
// ============================================================================

// RoomConfig configures a Room.
type RoomConfig struct {
	RoomID string `validate:"required"`
	User   Author

	// HistoryTimeout bounds the missed-messages fetch; on expiry the room
	// continues with realtime data only.
	HistoryTimeout  time.Duration
	HeuristicWindow time.Duration

	// Storage persists the offline queue. Defaults to memory.
	Storage QueueStorage
	// Cache and Deleted outlive a Room so a rejoin restores its timeline.
	Cache   *SessionCache
	Deleted *DeletedSet

	Queue        QueueOptions
	Realtime     RealtimeConfig
	Presence     PresenceOptions
	Connectivity ConnectivityOptions

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *RoomConfig) defaults() {
	if c.HistoryTimeout == 0 {
		c.HistoryTimeout = 5 * time.Second
	}
	if c.HeuristicWindow == 0 {
		c.HeuristicWindow = DefaultHeuristicWindow
	}
	if c.Storage == nil {
		c.Storage = NewMemoryStorage()
	}
	if c.Cache == nil {
		c.Cache = NewSessionCache()
	}
	if c.Deleted == nil {
		c.Deleted = NewDeletedSet()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Room
// ============================================================================

// Room is one user's live view of one chat room. It owns every component of
// the session and publishes the merged timeline.
type Room struct {
	config  RoomConfig
	key     SessionKey
	backend Backend
	logger  *slog.Logger

	store    *OptimisticStore
	engine   *MergeEngine
	queue    *OfflineQueue
	pipeline *SendPipeline
	stream   *StreamReconciler
	presence *PresenceAggregator
	conn     *Connectivity
	adapter  *RealtimeAdapter

	mu          sync.RWMutex
	history     []Message
	historyKind HistoryKind
	received    []Message
	everOnline  bool
	runCtx      context.Context
	listeners   []func([]Message)
	presenceFns []func([]PresenceRecord)
}

// NewRoom wires a room session. channel carries realtime events; pass
// client.Realtime(...) for the websocket transport.
func NewRoom(backend Backend, channel Channel, config RoomConfig) (*Room, error) {
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid room config: %w", err)
	}
	if config.User.ID == "" {
		return nil, fmt.Errorf("invalid room config: user id is required")
	}
	config.defaults()

	r := &Room{
		config:  config,
		key:     SessionKey{RoomID: config.RoomID, UserID: config.User.ID},
		backend: backend,
		logger:  config.Logger.With("component", "room", "room", config.RoomID),
		store:   NewOptimisticStore(),
		runCtx:  context.Background(),
	}

	r.engine = NewMergeEngine(config.Cache,
		WithHeuristicWindow(config.HeuristicWindow),
		WithMergeClock(config.Clock),
		WithMergeLogger(config.Logger),
		WithMergeMetrics(config.Metrics),
	)

	qopts := config.Queue
	qopts.RoomID, qopts.UserID = config.RoomID, config.User.ID
	qopts.Clock, qopts.Logger, qopts.Metrics = config.Clock, config.Logger, config.Metrics
	r.queue = NewOfflineQueue(config.Storage, backend, qopts)

	copts := config.Connectivity
	if copts.Prober == nil {
		copts.Prober = backend
	}
	copts.Clock, copts.Logger = config.Clock, config.Logger
	r.conn = NewConnectivity(copts)

	r.pipeline = NewSendPipeline(r.store, backend, r.queue, r.conn, PipelineOptions{
		RoomID: config.RoomID,
		User:   config.User,
		Clock:  config.Clock,
		Logger: config.Logger,
	})

	r.stream = NewStreamReconciler(r.store, StreamOptions{
		RoomID:  config.RoomID,
		User:    config.User,
		Clock:   config.Clock,
		Logger:  config.Logger,
		Metrics: config.Metrics,
	})

	popts := config.Presence
	popts.ViewerID, popts.Clock, popts.Logger = config.User.ID, config.Clock, config.Logger
	r.presence = NewPresenceAggregator(popts)

	ropts := config.Realtime
	ropts.RoomID, ropts.User = config.RoomID, config.User
	ropts.Clock, ropts.Logger, ropts.Metrics = config.Clock, config.Logger, config.Metrics
	r.adapter = NewRealtimeAdapter(channel, ropts)

	if history, kind, ok := config.Cache.History(r.key); ok {
		r.history, r.historyKind = history, kind
		r.restoreTimeline(config.Cache.Timeline(r.key))
	}

	r.store.OnChange(r.notify)
	r.queue.OnChange(r.notify)
	r.queue.OnSent(r.handleQueuedSent)
	r.conn.OnChange(r.handleOnline)
	r.adapter.OnMessage(r.handleMessage)
	r.adapter.OnMessageUnsent(r.handleUnsent)
	r.adapter.OnAIStreamEvent(r.stream.HandleRemote)
	r.adapter.OnPresenceSync(func(records []PresenceRecord) { r.presence.Update(records) })
	r.adapter.OnConnectionChange(r.handleConnection)
	r.presence.OnChange(func(map[string]PresenceRecord) { r.notifyPresence() })
	return r, nil
}

// restoreTimeline seeds a remounted room from the cached timeline. Broadcast
// copies go back to the received buffer. Entries only this session owns
// (private confirmations, AI errors, optimistic and failed sends) go back to
// the local store. Queued items are reloaded from the queue itself and
// interrupted streams are not restored.
func (r *Room) restoreTimeline(timeline []Message) {
	for _, msg := range timeline {
		switch {
		case msg.State == DeliveryQueued || msg.State == DeliveryRetrying || msg.State == DeliveryStreaming:
		case msg.Provisional() || msg.IsPrivate || msg.IsError:
			r.store.Add(msg)
		default:
			r.received = append(r.received, msg)
		}
	}
}

// Key returns the session key of the room.
func (r *Room) Key() SessionKey { return r.key }

// Connectivity returns the room's connectivity monitor, for platform
// online/offline and visibility signals.
func (r *Room) Connectivity() *Connectivity { return r.conn }

// Connected reports whether the realtime subscription is live.
func (r *Room) Connected() bool { return r.adapter.Connected() }

// OnChange registers a listener receiving every newly merged timeline.
func (r *Room) OnChange(fn func([]Message)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// OnPresenceChange registers a listener receiving the sorted presence list.
func (r *Room) OnPresenceChange(fn func([]PresenceRecord)) {
	r.mu.Lock()
	r.presenceFns = append(r.presenceFns, fn)
	r.mu.Unlock()
}

// Join loads history. A cached session is restored without a fetch. A
// failed or timed-out fetch is logged and the room proceeds with realtime
// data only.
func (r *Room) Join(ctx context.Context) error {
	r.mu.RLock()
	cached := r.historyKind != ""
	r.mu.RUnlock()
	if cached {
		r.logger.Debug("restored cached session")
		r.notify()
		return nil
	}
	r.loadHistory(ctx)
	return ctx.Err()
}

func (r *Room) loadHistory(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, r.config.HistoryTimeout)
	defer cancel()

	res, err := r.backend.FetchHistory(hctx, r.config.RoomID, r.config.User.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("history fetch timed out, continuing with realtime data", "timeout", r.config.HistoryTimeout)
		} else {
			r.logger.Warn("history fetch failed, continuing with realtime data", "error", err)
		}
		r.notify()
		return
	}

	r.mu.Lock()
	r.history = append([]Message(nil), res.Messages...)
	r.historyKind = res.Kind
	r.mu.Unlock()
	r.config.Cache.StoreHistory(r.key, res.Kind, res.Messages)
	r.logger.Info("history loaded", "kind", res.Kind, "count", len(res.Messages))

	if newest := newestMessage(res.Messages); newest != nil {
		r.markReceived(newest.ID)
	}
	r.notify()
}

func newestMessage(msgs []Message) *Message {
	var newest *Message
	for i := range msgs {
		if newest == nil || msgs[i].CreatedAt.After(newest.CreatedAt) {
			newest = &msgs[i]
		}
	}
	return newest
}

// markReceived acknowledges id without blocking the caller.
func (r *Room) markReceived(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.HistoryTimeout)
		defer cancel()
		if err := r.backend.MarkReceived(ctx, r.config.User.ID, r.config.RoomID, id); err != nil {
			r.logger.Debug("mark received failed", "id", id, "error", err)
		}
	}()
}

// Run drives the realtime subscription, connectivity probing and queue
// draining until ctx is done.
func (r *Room) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	r.mu.Lock()
	r.runCtx = gctx
	r.mu.Unlock()

	g.Go(func() error { return r.adapter.Run(gctx) })
	g.Go(func() error { return r.conn.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		r.queue.Stop()
		r.stream.Abort()
		return nil
	})

	if r.conn.Online() && r.queue.Status().TotalQueued > 0 {
		r.queue.ScheduleDrain(gctx)
	}
	return g.Wait()
}

func (r *Room) runContext() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runCtx
}

// ============================================================================
// Event handlers
// ============================================================================

func (r *Room) handleMessage(msg Message) {
	r.stream.HandleEcho(msg)
	r.dropEchoed(msg)

	r.mu.Lock()
	replaced := false
	for i := range r.received {
		if r.received[i].ID == msg.ID {
			r.received[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		r.received = append(r.received, msg)
	}
	r.mu.Unlock()

	if msg.Author.ID != r.config.User.ID {
		r.markReceived(msg.ID)
	}
	r.notify()
}

// dropEchoed removes local copies the broadcast msg confirms.
func (r *Room) dropEchoed(msg Message) {
	for _, local := range r.store.Snapshot() {
		if !local.Provisional() || local.State == DeliveryStreaming {
			continue
		}
		if (msg.ClientMsgID != "" && local.ClientMsgID == msg.ClientMsgID) ||
			(local.ServerID != "" && local.ServerID == msg.ID) {
			r.store.Remove(local.ID)
		}
	}
}

func (r *Room) handleUnsent(p UnsentPayload) {
	t := Tombstone{By: p.DeletedBy, At: r.config.Clock.Now()}
	r.config.Deleted.Add(p.MessageID, t)
	r.config.Deleted.Add(p.ClientMsgID, t)
	r.stream.HandleUnsent(p.MessageID)
	r.notify()
}

// handleQueuedSent bridges the gap between a queued send succeeding and its
// confirmation arriving.
func (r *Room) handleQueuedSent(item QueuedMessage, res *SendResult) {
	msg := item.Message
	msg.ServerID = res.ID
	if !res.CreatedAt.IsZero() {
		msg.CreatedAt = res.CreatedAt
	}
	next := DeliveryOptimistic
	if item.IsPrivate {
		if res.ID != "" {
			msg.ID = res.ID
		}
		next = DeliveryConfirmed
	}
	if err := msg.Transition(next); err != nil {
		r.logger.Warn("queued message in unexpected state", "id", msg.ID, "error", err)
		return
	}
	r.store.Add(msg)
}

func (r *Room) handleOnline(online bool) {
	if online {
		r.queue.ScheduleDrain(r.runContext())
	}
}

func (r *Room) handleConnection(connected bool) {
	if !connected {
		r.notify()
		return
	}
	r.mu.Lock()
	reconnect := r.everOnline
	r.everOnline = true
	r.mu.Unlock()

	if reconnect {
		// messages sent while the subscription was down only show up in history
		go r.loadHistory(r.runContext())
	}
	if r.conn.Online() {
		r.queue.ScheduleDrain(r.runContext())
	}
	r.notify()
}

// ============================================================================
// Operations
// ============================================================================

// Send publishes content as the room user.
func (r *Room) Send(ctx context.Context, content string, private bool) (Message, error) {
	return r.pipeline.Send(ctx, content, private)
}

// Retry re-sends a failed online send.
func (r *Room) Retry(ctx context.Context, id string) (Message, error) {
	if _, ok := r.store.Get(id); ok {
		return r.pipeline.Retry(ctx, id)
	}
	if err := r.queue.Retry(ctx, id); err != nil {
		return Message{}, err
	}
	return Message{}, nil
}

// RetryQueued re-sends a terminally failed queued message.
func (r *Room) RetryQueued(ctx context.Context, id string) error {
	return r.queue.Retry(ctx, id)
}

// ClearFailed discards failed queued messages.
func (r *Room) ClearFailed() (int, error) {
	return r.queue.ClearFailed()
}

// QueueStatus returns the offline queue counters.
func (r *Room) QueueStatus() QueueStatus {
	return r.queue.Status()
}

// Unsend soft-deletes one of the user's own messages. The tombstone shows
// immediately and is withdrawn if the server rejects the request.
func (r *Room) Unsend(ctx context.Context, id string) error {
	var target *Message
	for _, msg := range r.Timeline() {
		if msg.matchesID(id) {
			m := msg
			target = &m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("unsend %s: %w", id, ErrMessageNotFound)
	}
	if target.Author.ID != r.config.User.ID {
		return fmt.Errorf("unsend %s: %w", id, ErrPermissionDenied)
	}
	if target.IsDeleted {
		return nil
	}
	serverID := target.ID
	if target.Provisional() {
		if target.ServerID == "" {
			return fmt.Errorf("unsend %s: %w", id, ErrNotDelivered)
		}
		serverID = target.ServerID
	}

	t := Tombstone{By: r.config.User.ID, At: r.config.Clock.Now()}
	ids := []string{target.ID, target.ClientMsgID, serverID}
	for _, k := range ids {
		r.config.Deleted.Add(k, t)
	}
	r.notify()

	if err := r.backend.UnsendMessage(ctx, r.config.RoomID, serverID, r.config.User.ID); err != nil {
		for _, k := range ids {
			r.config.Deleted.Remove(k)
		}
		r.notify()
		return fmt.Errorf("unsend %s: %w", id, err)
	}
	return nil
}

// AskAI requests an AI reply into the timeline. Private replies are visible
// to the user only.
func (r *Room) AskAI(ctx context.Context, prompt string, private bool) error {
	return r.stream.Run(ctx, r.backend, prompt, private)
}

// Draft generates a private suggestion that never enters the timeline.
func (r *Room) Draft(ctx context.Context, prompt string) (string, error) {
	return RunDraft(ctx, r.backend, &AIRequest{
		RoomID: r.config.RoomID,
		UserID: r.config.User.ID,
		Prompt: prompt,
	})
}

// Timeline merges every source into the timeline and caches it.
func (r *Room) Timeline() []Message {
	r.mu.RLock()
	history := r.history
	received := append([]Message(nil), r.received...)
	r.mu.RUnlock()

	local := append(r.store.Snapshot(), r.queue.Messages()...)
	return r.engine.MergeSession(r.key, MergeInput{
		History:    history,
		Confirmed:  received,
		Optimistic: local,
		Deleted:    r.config.Deleted,
		ViewerID:   r.config.User.ID,
	})
}

// Presence returns online users, the room user first.
func (r *Room) Presence() []PresenceRecord {
	return r.presence.Sorted()
}

// OnlineCount returns the number of users online.
func (r *Room) OnlineCount() int {
	return r.presence.Count()
}

// Close stops scheduled work. Cached state is kept for the next Join.
func (r *Room) Close() {
	r.queue.Stop()
	r.stream.Abort()
	// leave the final timeline in the session cache for the next mount
	r.Timeline()
}

func (r *Room) notify() {
	r.mu.RLock()
	listeners := append([]func([]Message){}, r.listeners...)
	r.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	timeline := r.Timeline()
	for _, fn := range listeners {
		safeCall(func() { fn(timeline) })
	}
}

func (r *Room) notifyPresence() {
	r.mu.RLock()
	listeners := append([]func([]PresenceRecord){}, r.presenceFns...)
	r.mu.RUnlock()
	sorted := r.presence.Sorted()
	for _, fn := range listeners {
		safeCall(func() { fn(sorted) })
	}
}
