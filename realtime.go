package roomchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Server event and client command types.
const (
	EventSystem       = "system"
	EventBroadcast    = "broadcast"
	EventPresenceSync = "presence_sync"
	EventPong         = "pong"

	CommandSubscribe = "subscribe"
	CommandTrack     = "track"
	CommandUntrack   = "untrack"
	CommandPing      = "ping"
)

// Broadcast event names.
const (
	BroadcastMessage       = "message"
	BroadcastMessageUnsent = "message_unsent"
	BroadcastAIStream      = "ai_stream"
)

// System statuses reported by the channel.
const (
	StatusSubscribed = "subscribed"
	StatusError      = "error"
	StatusTimeout    = "timeout"
	StatusClosed     = "closed"
)

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// SystemPayload reports a channel status change.
type SystemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// BroadcastPayload wraps a room broadcast.
type BroadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceSyncPayload carries every presence record of the room.
type PresenceSyncPayload struct {
	Presences []PresenceRecord `json:"presences"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// UnsentPayload names a message that was unsent. Either id may be set.
type UnsentPayload struct {
	MessageID   string `json:"messageId"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	DeletedBy   string `json:"deletedBy,omitempty"`
}

// ============================================================================
// Channel Abstraction
// ============================================================================

// ChannelHandlers receive the raw events of one subscription. Handlers are
// called from the subscription's read loop, one at a time.
type ChannelHandlers struct {
	OnSystem       func(SystemPayload)
	OnBroadcast    func(BroadcastPayload)
	OnPresenceSync func([]PresenceRecord)
}

// Subscription is one live subscription to a room channel.
type Subscription interface {
	// Track publishes the caller's presence record.
	Track(ctx context.Context, rec PresenceRecord) error
	Untrack(ctx context.Context) error
	// Ping round-trips a heartbeat.
	Ping(ctx context.Context) error
	// Done is closed once the subscription has ended for any reason.
	Done() <-chan struct{}
	Unsubscribe() error
}

// Channel opens room subscriptions. Subscribe returns once the channel has
// confirmed the subscription.
type Channel interface {
	Subscribe(ctx context.Context, roomID string, h ChannelHandlers) (Subscription, error)
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeAdapter.
type RealtimeConfig struct {
	RoomID string
	User   Author

	HeartbeatInterval   time.Duration
	PruneInterval       time.Duration
	MaxMissedHeartbeats int
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.PruneInterval == 0 {
		c.PruneInterval = 15 * time.Second
	}
	if c.MaxMissedHeartbeats == 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 3 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateDegraded     RealtimeState = "degraded"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	clock       clockwork.Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		clock:     config.Clock,
		baseDelay: config.ReconnectBaseDelay,
		maxDelay:  config.ReconnectMaxDelay,
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.clock.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && r.clock.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeAdapter
// ============================================================================

// RealtimeAdapter keeps one subscription to a room alive. It publishes the
// user's presence, heartbeats, resubscribes after failures and turns raw
// channel events into typed callbacks. Failures never reach the caller;
// consumers only see connection changes and events.
type RealtimeAdapter struct {
	config  RealtimeConfig
	channel Channel
	logger  *slog.Logger
	recon   *reconnector

	mu        sync.Mutex
	state     RealtimeState
	connected bool
	presences []PresenceRecord

	handlersMu         sync.RWMutex
	onMessage          []func(Message)
	onMessageUnsent    []func(UnsentPayload)
	onPresenceSync     []func([]PresenceRecord)
	onAIStream         []func(StreamEvent)
	onConnectionChange []func(bool)
}

// NewRealtimeAdapter creates an adapter for config.RoomID over channel.
func NewRealtimeAdapter(channel Channel, config RealtimeConfig) *RealtimeAdapter {
	config.defaults()
	return &RealtimeAdapter{
		config:  config,
		channel: channel,
		logger:  config.Logger.With("component", "realtime", "room", config.RoomID),
		recon:   newReconnector(&config),
		state:   StateDisconnected,
	}
}

// OnMessage registers a handler for broadcast-confirmed messages.
func (a *RealtimeAdapter) OnMessage(h func(Message)) {
	a.handlersMu.Lock()
	a.onMessage = append(a.onMessage, h)
	a.handlersMu.Unlock()
}

// OnMessageUnsent registers a handler for unsend notifications.
func (a *RealtimeAdapter) OnMessageUnsent(h func(UnsentPayload)) {
	a.handlersMu.Lock()
	a.onMessageUnsent = append(a.onMessageUnsent, h)
	a.handlersMu.Unlock()
}

// OnPresenceSync registers a handler for raw presence snapshots.
func (a *RealtimeAdapter) OnPresenceSync(h func([]PresenceRecord)) {
	a.handlersMu.Lock()
	a.onPresenceSync = append(a.onPresenceSync, h)
	a.handlersMu.Unlock()
}

// OnAIStreamEvent registers a handler for AI stream events broadcast to the room.
func (a *RealtimeAdapter) OnAIStreamEvent(h func(StreamEvent)) {
	a.handlersMu.Lock()
	a.onAIStream = append(a.onAIStream, h)
	a.handlersMu.Unlock()
}

// OnConnectionChange registers a handler for connected/disconnected changes.
func (a *RealtimeAdapter) OnConnectionChange(h func(connected bool)) {
	a.handlersMu.Lock()
	a.onConnectionChange = append(a.onConnectionChange, h)
	a.handlersMu.Unlock()
}

// State returns the current connection state.
func (a *RealtimeAdapter) State() RealtimeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connected reports whether the subscription is live.
func (a *RealtimeAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *RealtimeAdapter) setState(s RealtimeState) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Debug("state changed", "from", prev, "to", s)
	}
}

func (a *RealtimeAdapter) setConnected(up bool) {
	a.mu.Lock()
	changed := a.connected != up
	a.connected = up
	a.mu.Unlock()
	if !changed {
		return
	}
	a.config.Metrics.setConnected(up)
	a.handlersMu.RLock()
	handlers := append([]func(bool){}, a.onConnectionChange...)
	a.handlersMu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(up) })
	}
}

// Run subscribes and keeps the subscription alive until ctx is done.
func (a *RealtimeAdapter) Run(ctx context.Context) error {
	defer a.setState(StateDisconnected)
	for {
		a.setState(StateConnecting)
		err := a.session(ctx)
		a.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}

		delay := a.recon.nextDelay()
		a.setState(StateReconnecting)
		a.config.Metrics.reconnect()
		a.logger.Info("resubscribing", "error", err, "attempt", a.recon.attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-a.config.Clock.After(delay):
		}
	}
}

// session runs one subscription until it is torn down.
func (a *RealtimeAdapter) session(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	teardown := make(chan string, 1)
	sub, err := a.channel.Subscribe(connCtx, a.config.RoomID, ChannelHandlers{
		OnSystem: func(p SystemPayload) {
			switch p.Status {
			case StatusError, StatusTimeout, StatusClosed:
				select {
				case teardown <- p.Status:
				default:
				}
			}
		},
		OnBroadcast:    a.handleBroadcast,
		OnPresenceSync: a.handlePresence,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.config.RoomID, err)
	}
	defer func() {
		untrackCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sub.Untrack(untrackCtx)
		_ = sub.Unsubscribe()
	}()

	a.recon.markConnected()
	a.setState(StateConnected)
	a.setConnected(true)
	a.logger.Info("subscribed")

	if err := a.track(connCtx, sub); err != nil {
		a.logger.Debug("initial presence publish failed", "error", err)
	}

	heartbeat := a.config.Clock.NewTicker(a.config.HeartbeatInterval)
	defer heartbeat.Stop()
	prune := a.config.Clock.NewTicker(a.config.PruneInterval)
	defer prune.Stop()

	missed := 0
	for {
		select {
		case <-connCtx.Done():
			return connCtx.Err()
		case status := <-teardown:
			return fmt.Errorf("channel reported %s", status)
		case <-sub.Done():
			return ErrNotConnected
		case <-heartbeat.Chan():
			if err := a.beat(connCtx, sub); err != nil {
				missed++
				a.logger.Debug("heartbeat missed", "missed", missed, "error", err)
				if missed > a.config.MaxMissedHeartbeats {
					return fmt.Errorf("%d heartbeats missed: %w", missed, err)
				}
				a.setState(StateDegraded)
				continue
			}
			missed = 0
			a.setState(StateConnected)
		case <-prune.Chan():
			a.reemitPresence()
		}
	}
}

func (a *RealtimeAdapter) track(ctx context.Context, sub Subscription) error {
	now := a.config.Clock.Now()
	return sub.Track(ctx, PresenceRecord{
		UserID:      a.config.User.ID,
		DisplayName: a.config.User.DisplayName,
		AvatarURL:   a.config.User.AvatarURL,
		Online:      true,
		OnlineAt:    now,
		LastSeenAt:  now,
	})
}

// beat republishes presence and round-trips a ping.
func (a *RealtimeAdapter) beat(ctx context.Context, sub Subscription) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.HeartbeatInterval)
	defer cancel()
	if err := a.track(ctx, sub); err != nil {
		return err
	}
	return sub.Ping(ctx)
}

func (a *RealtimeAdapter) handleBroadcast(b BroadcastPayload) {
	switch b.Event {
	case BroadcastMessage:
		var msg Message
		if err := json.Unmarshal(b.Payload, &msg); err != nil || msg.ID == "" || msg.Content == "" || msg.Author.ID == "" {
			a.config.Metrics.dropped(b.Event)
			a.logger.Debug("dropping malformed message", "error", err)
			return
		}
		msg.State = DeliveryConfirmed
		if msg.RoomID == "" {
			msg.RoomID = a.config.RoomID
		}
		a.handlersMu.RLock()
		handlers := append([]func(Message){}, a.onMessage...)
		a.handlersMu.RUnlock()
		for _, h := range handlers {
			safeCall(func() { h(msg) })
		}

	case BroadcastMessageUnsent:
		var p UnsentPayload
		if err := json.Unmarshal(b.Payload, &p); err != nil || (p.MessageID == "" && p.ClientMsgID == "") {
			a.config.Metrics.dropped(b.Event)
			return
		}
		a.handlersMu.RLock()
		handlers := append([]func(UnsentPayload){}, a.onMessageUnsent...)
		a.handlersMu.RUnlock()
		for _, h := range handlers {
			safeCall(func() { h(p) })
		}

	case BroadcastAIStream:
		var ev StreamEvent
		if err := json.Unmarshal(b.Payload, &ev); err != nil || ev.Type == "" {
			a.config.Metrics.dropped(b.Event)
			return
		}
		a.handlersMu.RLock()
		handlers := append([]func(StreamEvent){}, a.onAIStream...)
		a.handlersMu.RUnlock()
		for _, h := range handlers {
			safeCall(func() { h(ev) })
		}

	default:
		a.logger.Debug("ignoring broadcast", "event", b.Event)
	}
}

func (a *RealtimeAdapter) handlePresence(records []PresenceRecord) {
	a.mu.Lock()
	a.presences = append([]PresenceRecord(nil), records...)
	a.mu.Unlock()
	a.emitPresence(records)
}

// reemitPresence replays the last snapshot so consumers re-evaluate
// staleness even when no peer announced anything.
func (a *RealtimeAdapter) reemitPresence() {
	a.mu.Lock()
	records := append([]PresenceRecord(nil), a.presences...)
	a.mu.Unlock()
	a.emitPresence(records)
}

func (a *RealtimeAdapter) emitPresence(records []PresenceRecord) {
	a.handlersMu.RLock()
	handlers := append([]func([]PresenceRecord){}, a.onPresenceSync...)
	a.handlersMu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(records) })
	}
}

// ============================================================================
// WSChannel
// ============================================================================

// ChannelConfig configures a WSChannel.
type ChannelConfig struct {
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// WSChannel is a Channel over one websocket per subscription.
type WSChannel struct {
	baseURL string
	config  ChannelConfig
	logger  *slog.Logger
}

// NewWSChannel creates a channel for the server at baseURL.
func NewWSChannel(baseURL string, config ChannelConfig) *WSChannel {
	config.defaults()
	return &WSChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		logger:  config.Logger.With("component", "realtime", "transport", "websocket"),
	}
}

func (c *WSChannel) roomURL(roomID string) string {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws/rooms/" + url.PathEscape(roomID)
	if c.config.Token != "" {
		wsURL += "?token=" + url.QueryEscape(c.config.Token)
	}
	return wsURL
}

// Subscribe dials the room socket, sends the subscribe command and waits
// for the subscribed status.
func (c *WSChannel) Subscribe(ctx context.Context, roomID string, h ChannelHandlers) (Subscription, error) {
	conn, _, err := websocket.Dial(ctx, c.roomURL(roomID), &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{
		conn:         conn,
		handlers:     h,
		logger:       c.logger.With("room", roomID),
		cancel:       cancel,
		done:         make(chan struct{}),
		pendingPings: make(map[string]chan PongPayload),
	}

	if err := sub.send(ctx, &RealtimeCommand{
		Type:    CommandSubscribe,
		Payload: map[string]string{"roomId": roomID},
	}); err != nil {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cancel()
			conn.Close(websocket.StatusNormalClosure, "")
			return nil, fmt.Errorf("read subscribe reply: %w", err)
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil || env.Type != EventSystem {
			continue
		}
		var p SystemPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			continue
		}
		if p.Status == StatusSubscribed {
			break
		}
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("subscribe %s: %s %s", roomID, p.Status, p.Message)
	}

	go sub.readLoop(subCtx)
	return sub, nil
}

type wsSubscription struct {
	conn     *websocket.Conn
	handlers ChannelHandlers
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once

	pingCounter  atomic.Int64
	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex
}

func (s *wsSubscription) Done() <-chan struct{} { return s.done }

func (s *wsSubscription) send(ctx context.Context, cmd *RealtimeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, err)
	}
	return nil
}

func (s *wsSubscription) Track(ctx context.Context, rec PresenceRecord) error {
	return s.send(ctx, &RealtimeCommand{Type: CommandTrack, Payload: rec})
}

func (s *wsSubscription) Untrack(ctx context.Context) error {
	return s.send(ctx, &RealtimeCommand{Type: CommandUntrack})
}

// Ping sends a ping and waits for the matching pong.
func (s *wsSubscription) Ping(ctx context.Context) error {
	requestID := fmt.Sprintf("ping-%d", s.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	s.pendingMu.Lock()
	s.pendingPings[requestID] = ch
	s.pendingMu.Unlock()

	err := s.send(ctx, &RealtimeCommand{
		Type:    CommandPing,
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		s.dropPing(requestID)
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-ctx.Done():
		s.dropPing(requestID)
		return ctx.Err()
	}
}

func (s *wsSubscription) dropPing(requestID string) {
	s.pendingMu.Lock()
	delete(s.pendingPings, requestID)
	s.pendingMu.Unlock()
}

// Unsubscribe closes the socket. It is safe to call more than once.
func (s *wsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "client unsubscribe")
	})
	return err
}

func (s *wsSubscription) readLoop(ctx context.Context) {
	defer func() {
		s.clearPendingPings()
		close(s.done)
	}()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case EventPong:
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				s.pendingMu.Lock()
				ch, ok := s.pendingPings[p.RequestID]
				if ok {
					delete(s.pendingPings, p.RequestID)
				}
				s.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case EventSystem:
			var p SystemPayload
			if json.Unmarshal(env.Payload, &p) == nil && s.handlers.OnSystem != nil {
				safeCall(func() { s.handlers.OnSystem(p) })
			}
		case EventBroadcast:
			var p BroadcastPayload
			if json.Unmarshal(env.Payload, &p) == nil && s.handlers.OnBroadcast != nil {
				safeCall(func() { s.handlers.OnBroadcast(p) })
			}
		case EventPresenceSync:
			var p PresenceSyncPayload
			if json.Unmarshal(env.Payload, &p) == nil && s.handlers.OnPresenceSync != nil {
				safeCall(func() { s.handlers.OnPresenceSync(p.Presences) })
			}
		}
	}
}

func (s *wsSubscription) clearPendingPings() {
	s.pendingMu.Lock()
	for k, ch := range s.pendingPings {
		close(ch)
		delete(s.pendingPings, k)
	}
	s.pendingMu.Unlock()
}
