// Offline queue: keeps locally authored messages that could not be sent,
// persists them per (room, user) and retries them when connectivity returns.
//
// Usage:
//
//	storage := roomchat.NewMemoryStorage()
//	queue := roomchat.NewOfflineQueue(storage, client, roomchat.QueueOptions{RoomID: "r1", UserID: "u1"})
//	queue.Enqueue(msg, msg.Content, false)
//	queue.ScheduleDrain(ctx)
package roomchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// ============================================================================
// Data Types
// ============================================================================

// QueuedMessage is the durable record of one unsent message.
type QueuedMessage struct {
	Message         Message   `json:"message"`
	OriginalContent string    `json:"originalContent"`
	IsPrivate       bool      `json:"isPrivate"`
	Attempts        int       `json:"attempts"`
	QueuedAt        time.Time `json:"queuedAt"`
	LastError       string    `json:"lastError,omitempty"`
}

// QueueStatus summarises the queue for UI affordances.
type QueueStatus struct {
	TotalQueued  int  `json:"totalQueued"`
	Pending      int  `json:"pending"`
	Failed       int  `json:"failed"`
	IsProcessing bool `json:"isProcessing"`
}

// QueueOptions configures an OfflineQueue.
type QueueOptions struct {
	RoomID string
	UserID string
	// MaxAttempts is the number of failed sends after which an item is
	// marked failed and no longer retried automatically.
	MaxAttempts int
	// DrainDelay debounces ScheduleDrain so the realtime channel can settle.
	DrainDelay time.Duration
	// ItemDelay spaces sequential sends during a drain. Negative disables it.
	ItemDelay time.Duration
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *Metrics
}

func (o *QueueOptions) defaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 2
	}
	if o.DrainDelay == 0 {
		o.DrainDelay = time.Second
	}
	if o.ItemDelay == 0 {
		o.ItemDelay = 500 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// QueueKeyPrefix starts every queue storage key.
const QueueKeyPrefix = "offline_queue:"

// QueueKey returns the storage key scoping a queue to one room and user.
// Both parts are escaped so a separator inside a room or user id cannot
// collide with another pair.
func QueueKey(roomID, userID string) string {
	return QueueKeyPrefix + url.QueryEscape(roomID) + ":" + url.QueryEscape(userID)
}

// ParseQueueKey splits a key built by QueueKey back into room and user.
func ParseQueueKey(key string) (roomID, userID string, ok bool) {
	rest, found := strings.CutPrefix(key, QueueKeyPrefix)
	if !found {
		return "", "", false
	}
	room, user, found := strings.Cut(rest, ":")
	if !found || room == "" || user == "" {
		return "", "", false
	}
	roomID, err := url.QueryUnescape(room)
	if err != nil {
		return "", "", false
	}
	userID, err = url.QueryUnescape(user)
	if err != nil {
		return "", "", false
	}
	return roomID, userID, true
}

// ============================================================================
// Storage
// ============================================================================

// QueueStorage persists whole queues. Save replaces the stored list, so
// rapid sequential mutations never interleave partial updates.
type QueueStorage interface {
	Load(key string) ([]QueuedMessage, error)
	Save(key string, items []QueuedMessage) error
}

// MemoryStorage is a goroutine-safe in-memory QueueStorage.
type MemoryStorage struct {
	mu     sync.RWMutex
	queues map[string][]byte
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{queues: make(map[string][]byte)}
}

func (s *MemoryStorage) Load(key string) ([]QueuedMessage, error) {
	s.mu.RLock()
	data, ok := s.queues[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeQueue(data)
}

func (s *MemoryStorage) Save(key string, items []QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(items) == 0 {
		delete(s.queues, key)
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	s.queues[key] = data
	return nil
}

func decodeQueue(data []byte) ([]QueuedMessage, error) {
	var items []QueuedMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue: %w", err)
	}
	return items, nil
}

// ============================================================================
// Offline Queue
// ============================================================================

// OfflineQueue holds messages that could not be sent and retries them.
type OfflineQueue struct {
	opts    QueueOptions
	key     string
	storage QueueStorage
	sender  Sender
	limiter *rate.Limiter
	logger  *slog.Logger

	mu         sync.Mutex
	processing bool
	drainTimer clockwork.Timer
	listeners  []func()
	onSent     []func(QueuedMessage, *SendResult)
}

// NewOfflineQueue creates a queue backed by storage that sends through sender.
func NewOfflineQueue(storage QueueStorage, sender Sender, opts QueueOptions) *OfflineQueue {
	opts.defaults()
	limit := rate.Inf
	if opts.ItemDelay > 0 {
		limit = rate.Every(opts.ItemDelay)
	}
	return &OfflineQueue{
		opts:    opts,
		key:     QueueKey(opts.RoomID, opts.UserID),
		storage: storage,
		sender:  sender,
		limiter: rate.NewLimiter(limit, 1),
		logger:  opts.Logger.With("component", "offline", "room", opts.RoomID),
	}
}

// OnChange registers a listener invoked after every persisted mutation.
func (q *OfflineQueue) OnChange(fn func()) {
	q.mu.Lock()
	q.listeners = append(q.listeners, fn)
	q.mu.Unlock()
}

// OnSent registers a listener invoked after a queued item was delivered and
// removed from the queue.
func (q *OfflineQueue) OnSent(fn func(QueuedMessage, *SendResult)) {
	q.mu.Lock()
	q.onSent = append(q.onSent, fn)
	q.mu.Unlock()
}

func (q *OfflineQueue) notify() {
	q.mu.Lock()
	handlers := append([]func(){}, q.listeners...)
	q.mu.Unlock()
	for _, h := range handlers {
		safeCall(h)
	}
}

// mutate loads the queue, applies fn and saves the whole list back.
func (q *OfflineQueue) mutate(fn func([]QueuedMessage) ([]QueuedMessage, error)) error {
	q.mu.Lock()
	items, err := q.storage.Load(q.key)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	items, err = fn(items)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if err := q.storage.Save(q.key, items); err != nil {
		q.mu.Unlock()
		return err
	}
	q.opts.Metrics.depth(len(items))
	q.mu.Unlock()
	q.notify()
	return nil
}

// Items returns a copy of the persisted queue.
func (q *OfflineQueue) Items() ([]QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.storage.Load(q.key)
}

// Messages returns the queued messages as timeline entries.
func (q *OfflineQueue) Messages() []Message {
	items, err := q.Items()
	if err != nil {
		q.logger.Warn("failed to load queue", "error", err)
		return nil
	}
	out := make([]Message, 0, len(items))
	for _, it := range items {
		out = append(out, it.Message)
	}
	return out
}

// Enqueue stores msg as queued with zero attempts.
func (q *OfflineQueue) Enqueue(msg Message, originalContent string, isPrivate bool) (Message, error) {
	msg.State = DeliveryQueued
	if msg.ClientMsgID == "" {
		msg.ClientMsgID = msg.ID
	}
	item := QueuedMessage{
		Message:         msg,
		OriginalContent: originalContent,
		IsPrivate:       isPrivate,
		QueuedAt:        q.opts.Clock.Now(),
	}
	err := q.mutate(func(items []QueuedMessage) ([]QueuedMessage, error) {
		for _, it := range items {
			if it.Message.ID == msg.ID {
				return items, nil
			}
		}
		return append(items, item), nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("enqueue %s: %w", msg.ID, err)
	}
	q.opts.Metrics.enqueued()
	q.logger.Info("message queued", "id", msg.ID)
	return msg, nil
}

// Status returns queue counters.
func (q *OfflineQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStatus{IsProcessing: q.processing}
	items, err := q.storage.Load(q.key)
	if err != nil {
		return st
	}
	st.TotalQueued = len(items)
	for _, it := range items {
		switch it.Message.State {
		case DeliveryFailed:
			st.Failed++
		default:
			st.Pending++
		}
	}
	return st
}

// ScheduleDrain drains the queue after DrainDelay. Calls arriving before the
// delay elapses restart it.
func (q *OfflineQueue) ScheduleDrain(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drainTimer != nil {
		q.drainTimer.Stop()
	}
	q.drainTimer = q.opts.Clock.AfterFunc(q.opts.DrainDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := q.Drain(ctx); err != nil && err != ErrQueueBusy {
			q.logger.Warn("drain failed", "error", err)
		}
	})
}

// Stop cancels a scheduled drain.
func (q *OfflineQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drainTimer != nil {
		q.drainTimer.Stop()
		q.drainTimer = nil
	}
}

// Drain sends every queued item once, sequentially and in queue order.
// Failed items are left alone until retried explicitly.
func (q *OfflineQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return ErrQueueBusy
	}
	q.processing = true
	q.mu.Unlock()
	q.notify()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
		q.notify()
	}()

	items, err := q.Items()
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Message.State != DeliveryQueued {
			continue
		}
		if err := q.pace(ctx); err != nil {
			return err
		}
		if err := q.attempt(ctx, it.Message.ID, DeliveryQueued); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// pace blocks until the limiter admits the next send, measuring time on the
// queue's clock.
func (q *OfflineQueue) pace(ctx context.Context) error {
	now := q.opts.Clock.Now()
	r := q.limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("drain pacing: reservation refused")
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-q.opts.Clock.After(delay):
		return nil
	case <-ctx.Done():
		r.CancelAt(q.opts.Clock.Now())
		return ctx.Err()
	}
}

// Retry re-sends one failed item immediately.
func (q *OfflineQueue) Retry(ctx context.Context, id string) error {
	return q.attempt(ctx, id, DeliveryFailed)
}

// ClearFailed discards every terminally failed item and returns how many
// were removed.
func (q *OfflineQueue) ClearFailed() (int, error) {
	removed := 0
	err := q.mutate(func(items []QueuedMessage) ([]QueuedMessage, error) {
		kept := items[:0]
		for _, it := range items {
			if it.Message.State == DeliveryFailed {
				removed++
				continue
			}
			kept = append(kept, it)
		}
		return kept, nil
	})
	return removed, err
}

// attempt marks the item retrying, sends it and applies the outcome. from is
// the state the item must currently be in.
func (q *OfflineQueue) attempt(ctx context.Context, id string, from DeliveryState) error {
	var item QueuedMessage
	err := q.mutate(func(items []QueuedMessage) ([]QueuedMessage, error) {
		for i := range items {
			if items[i].Message.ID != id {
				continue
			}
			if items[i].Message.State != from {
				return nil, ErrNotRetryable
			}
			if err := items[i].Message.Transition(DeliveryRetrying); err != nil {
				return nil, err
			}
			item = items[i]
			return items, nil
		}
		return nil, ErrMessageNotFound
	})
	if err != nil {
		return err
	}

	res, sendErr := q.sender.SendMessage(ctx, &SendRequest{
		RoomID:      q.opts.RoomID,
		UserID:      q.opts.UserID,
		Content:     item.OriginalContent,
		IsPrivate:   item.IsPrivate,
		ClientMsgID: item.Message.ClientMsgID,
	})
	if sendErr == nil && (res == nil || !res.Success) {
		sendErr = fmt.Errorf("send %s: server rejected message", id)
	}

	terminal := false
	err = q.mutate(func(items []QueuedMessage) ([]QueuedMessage, error) {
		for i := range items {
			if items[i].Message.ID != id {
				continue
			}
			if sendErr == nil {
				return append(items[:i], items[i+1:]...), nil
			}
			items[i].Attempts++
			items[i].LastError = sendErr.Error()
			next := DeliveryQueued
			if items[i].Attempts >= q.opts.MaxAttempts {
				next = DeliveryFailed
				terminal = true
			}
			if err := items[i].Message.Transition(next); err != nil {
				return nil, err
			}
			return items, nil
		}
		return items, nil
	})
	if err != nil {
		return err
	}

	switch {
	case sendErr == nil:
		q.opts.Metrics.sent()
		q.logger.Info("queued message sent", "id", id)
		q.mu.Lock()
		hooks := append([]func(QueuedMessage, *SendResult){}, q.onSent...)
		q.mu.Unlock()
		for _, h := range hooks {
			safeCall(func() { h(item, res) })
		}
	case terminal:
		q.opts.Metrics.failed()
		q.logger.Warn("queued message failed permanently", "id", id, "error", sendErr)
	default:
		q.logger.Info("queued message send failed, will retry", "id", id, "error", sendErr)
	}
	return sendErr
}
